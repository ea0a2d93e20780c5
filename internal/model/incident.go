package model

import (
	"encoding/json"
	"time"
)

// Incident is a durable record of a dispatcher-side failure: a handler
// that returned an error, or an event that was promoted to the DLQ.
type Incident struct {
	ID        string          `db:"id" json:"id"`
	Source    string          `db:"source" json:"source"`
	Error     string          `db:"error" json:"error"`
	Metadata  json.RawMessage `db:"metadata" json:"metadata"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

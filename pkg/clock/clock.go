package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock produces timestamps for event records and unique event IDs.
type Clock interface {
	Now() time.Time
	NewID() string
}

// System is the production Clock. Timestamps are UTC and never decrease
// within a single process, even if the wall clock steps backwards.
type System struct {
	mu   sync.Mutex
	last time.Time
}

func NewSystem() *System {
	return &System{}
}

func (c *System) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if now.Before(c.last) {
		now = c.last
	}
	c.last = now
	return now
}

func (c *System) NewID() string {
	return uuid.New().String()
}

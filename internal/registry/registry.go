// Package registry holds the in-process subscription table: which logical
// services exist, what they declare, and which handlers run for each event
// type. Registration happens during process wiring, before the dispatcher
// starts; afterwards the table is read-only.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harborview/backoffice/internal/model"
)

// Handler is invoked with an event record to produce a side effect.
// Delivery is at-least-once, so handlers must be idempotent.
type Handler func(ctx context.Context, rec *model.EventRecord) error

// ServiceDescription is the introspection snapshot of one registered
// service.
type ServiceDescription struct {
	ServiceName          string    `json:"service_name"`
	Capabilities         []string  `json:"capabilities"`
	SubscribedEventTypes []string  `json:"subscribed_event_types"`
	RegisteredAt         time.Time `json:"registered_at"`
}

// Registry maps event types to ordered handler lists.
type Registry struct {
	mu       sync.RWMutex
	services []ServiceDescription
	handlers map[string][]Handler
}

func New() *Registry {
	return &Registry{
		handlers: make(map[string][]Handler),
	}
}

// RegisterService declares a logical service for introspection. Called once
// per service at process start; registration is monotonic.
func (r *Registry) RegisterService(serviceName string, capabilities, subscribedEventTypes []string) error {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, svc := range r.services {
		if svc.ServiceName == serviceName {
			return fmt.Errorf("service %s already registered", serviceName)
		}
	}

	r.services = append(r.services, ServiceDescription{
		ServiceName:          serviceName,
		Capabilities:         append([]string(nil), capabilities...),
		SubscribedEventTypes: append([]string(nil), subscribedEventTypes...),
		RegisteredAt:         time.Now().UTC(),
	})
	return nil
}

// Subscribe appends handler to the ordered list for eventType. Subscription
// order defines execution order.
func (r *Registry) Subscribe(eventType string, handler Handler) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], handler)
	return nil
}

// HandlersFor returns the ordered handler list for eventType, possibly
// empty.
func (r *Registry) HandlersFor(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Handler(nil), r.handlers[eventType]...)
}

// Describe returns a snapshot of registered services for the admin surface.
func (r *Registry) Describe() []ServiceDescription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServiceDescription, len(r.services))
	for i, svc := range r.services {
		out[i] = ServiceDescription{
			ServiceName:          svc.ServiceName,
			Capabilities:         append([]string(nil), svc.Capabilities...),
			SubscribedEventTypes: append([]string(nil), svc.SubscribedEventTypes...),
			RegisteredAt:         svc.RegisteredAt,
		}
	}
	return out
}

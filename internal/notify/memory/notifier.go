// Package memory provides an in-memory notification sink for tests.
package memory

import (
	"context"
	"sync"
)

// Event is one recorded notification.
type Event struct {
	Name    string
	Payload any
}

// Notifier records notifications instead of delivering them.
type Notifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// New creates a Notifier.
func New() *Notifier {
	return &Notifier{}
}

// FailWith makes subsequent Notify calls return err.
func (n *Notifier) FailWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// Notify records the event.
func (n *Notifier) Notify(_ context.Context, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, Event{Name: event, Payload: payload})
	return nil
}

// Events returns a copy of the recorded notifications.
func (n *Notifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

// Package memory contains an in-memory publisher used by tests and as the
// default backend in development.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// defaultLimit bounds retained messages so a long-lived manager process
// does not grow without bound. Oldest messages are dropped first.
const defaultLimit = 1024

// Publisher retains published payloads for inspection.
type Publisher struct {
	mu        sync.RWMutex
	limit     int
	published int
	messages  []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher retaining the most recent messages.
func New() *Publisher {
	return NewWithLimit(defaultLimit)
}

// NewWithLimit returns a memory Publisher retaining at most limit messages.
func NewWithLimit(limit int) *Publisher {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Publisher{limit: limit}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published++
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	if len(p.messages) > p.limit {
		p.messages = p.messages[len(p.messages)-p.limit:]
	}
	return fmt.Sprintf("memory-%d", p.published), nil
}

// Messages returns a copy of the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

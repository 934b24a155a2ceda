// Package publisher defines the downstream event notification interface.
package publisher

import "context"

// Publisher pushes event payloads to a downstream system (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/streamwatch/streamwatch/internal/events"
	"github.com/streamwatch/streamwatch/internal/publisher"
)

// PublisherSink forwards events to a downstream publisher, one message per
// event, so external consumers can react to crawler lifecycle changes.
type PublisherSink struct {
	pub   publisher.Publisher
	topic string
}

// NewPublisherSink wires a publisher and destination topic to the sink
// interface.
func NewPublisherSink(pub publisher.Publisher, topic string) *PublisherSink {
	return &PublisherSink{pub: pub, topic: topic}
}

// Consume publishes each event as a JSON-friendly payload. The first publish
// failure aborts the batch; the hub logs and moves on.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	if s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if _, err := s.pub.Publish(ctx, s.topic, payloadFor(evt)); err != nil {
			return fmt.Errorf("publish event %s: %w", evt.Kind, err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action. Publisher
// shutdown belongs to the composition root, which owns the client.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}

func payloadFor(evt events.Event) map[string]any {
	payload := map[string]any{
		"kind": string(evt.Kind),
		"ts":   evt.TS.UTC().Format(time.RFC3339),
	}
	if evt.Crawler != "" {
		payload["crawler"] = evt.Crawler
	}
	if evt.Credential != "" {
		payload["credential"] = evt.Credential
	}
	switch evt.Kind {
	case events.KindSessionStatus:
		payload["records"] = evt.Records
		payload["uptime_seconds"] = evt.Uptime.Seconds()
	case events.KindStatusReport:
		payload["active"] = evt.Active
		payload["paused"] = evt.Paused
		payload["sessions"] = evt.Sessions
		payload["records"] = evt.Records
	}
	if evt.Note != "" {
		payload["note"] = evt.Note
	}
	return payload
}

package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/streamwatch/streamwatch/internal/events"
)

// LogSink emits structured logs for event streams. It doubles as the status
// line of record: every 10s status report lands in the service log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := make([]zap.Field, 0, 8)
		if evt.Crawler != "" {
			fields = append(fields, zap.String("crawler", evt.Crawler))
		}
		if evt.Credential != "" {
			fields = append(fields, zap.String("credential", evt.Credential))
		}
		switch evt.Kind {
		case events.KindSessionStatus:
			fields = append(fields,
				zap.Int64("records", evt.Records),
				zap.Duration("uptime", evt.Uptime),
			)
		case events.KindStatusReport:
			fields = append(fields,
				zap.Int("active", evt.Active),
				zap.Int("paused", evt.Paused),
				zap.Int("sessions", evt.Sessions),
				zap.Int64("records", evt.Records),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info(string(evt.Kind), fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

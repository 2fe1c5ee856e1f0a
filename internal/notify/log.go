package notify

import (
	"context"

	"github.com/admp-io/admpd/internal/events"
)

// LogNotifier writes every event as a structured log line. It is always
// enabled and serves as a guaranteed notification record.
type LogNotifier struct {
	log Logger
}

// NewLogNotifier creates a notifier that logs events using structured logging.
func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Name returns the provider name for logging.
func (l *LogNotifier) Name() string { return "log" }

// Send writes the event fields as structured key-value pairs at Info level.
func (l *LogNotifier) Send(_ context.Context, event events.Event) error {
	l.log.Info("service event",
		"type", string(event.Type),
		"agent_id", event.AgentID,
		"message_id", event.MessageID,
		"detail", event.Detail,
		"timestamp", event.Timestamp.String(),
	)
	return nil
}

package notify

import (
	"context"

	"github.com/admp-io/admpd/internal/events"
)

// filteredNotifier wraps a Notifier and only forwards events whose type
// matches the allowed set. If the allowed set is empty, all events pass through.
type filteredNotifier struct {
	inner   Notifier
	allowed map[events.EventType]struct{}
}

// NewFiltered creates a notifier that only forwards events matching the given
// event type strings. An empty list means all events are forwarded.
func NewFiltered(inner Notifier, types []string) Notifier {
	allowed := make(map[events.EventType]struct{}, len(types))
	for _, t := range types {
		allowed[events.EventType(t)] = struct{}{}
	}
	return &filteredNotifier{inner: inner, allowed: allowed}
}

// Name returns the name of the wrapped notifier.
func (f *filteredNotifier) Name() string { return f.inner.Name() }

// Send forwards the event to the inner notifier only if the event type is in
// the allowed set.
func (f *filteredNotifier) Send(ctx context.Context, event events.Event) error {
	if len(f.allowed) > 0 {
		if _, ok := f.allowed[event.Type]; !ok {
			return nil
		}
	}
	return f.inner.Send(ctx, event)
}

// Package notification delivers alert triggers to external channels
// (log, Telegram, generic webhooks).
package notification

import (
	"context"
	"errors"
	"fmt"
	"log"

	"pairs-analytics/internal/model"
)

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers a trigger. Returns error if delivery fails.
	Send(ctx context.Context, ev model.TriggerEvent) error
}

// Summary renders a one-line human description of a trigger.
func Summary(ev model.TriggerEvent) string {
	return fmt.Sprintf("%s: %s %s = %.6g %s %.6g",
		ev.AlertName, ev.Instrument, ev.Metric, ev.ObservedValue, ev.Condition, ev.Threshold)
}

// LogNotifier is a simple notifier that logs triggers (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, ev model.TriggerEvent) error {
	log.Printf("[notify] alert %d fired: %s", ev.AlertID, Summary(ev))
	return nil
}

// Multi fans a trigger out to every backend. A failing backend does not
// stop delivery to the others; all failures are joined.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, ev model.TriggerEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

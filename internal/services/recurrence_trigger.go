package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ledgerd/internal/core"
)

// DueStore selects recurring templates that are due for processing.
type DueStore interface {
	DueRecurringTransactions(ctx context.Context, now time.Time) ([]core.Transaction, error)
}

// DuePublisher emits one processing request per due template.
type DuePublisher interface {
	PublishRecurringDue(ctx context.Context, transactionID, ownerID string) error
}

// RecurrenceTrigger scans for due recurring templates on each daily
// tick and fans one processing request per template out to the event
// transport. It claims nothing: the same template showing up on the
// next tick just produces a redundant request the processor de-dupes.
type RecurrenceTrigger struct {
	store     DueStore
	publisher DuePublisher
	now       func() time.Time
}

func NewRecurrenceTrigger(store DueStore, publisher DuePublisher) *RecurrenceTrigger {
	return &RecurrenceTrigger{
		store:     store,
		publisher: publisher,
		now:       time.Now,
	}
}

// TriggerDue emits one request per due template and returns how many
// were emitted. A publish failure for one template is logged and does
// not stop the rest.
func (t *RecurrenceTrigger) TriggerDue(ctx context.Context) (int, error) {
	now := t.now()

	due, err := t.store.DueRecurringTransactions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("fetch due recurring transactions: %w", err)
	}

	triggered := 0
	var errs []error

	for _, tx := range due {
		if err := t.publisher.PublishRecurringDue(ctx, tx.ID, tx.OwnerID); err != nil {
			slog.ErrorContext(ctx, "Failed to publish recurring-due request",
				"transaction_id", tx.ID,
				"owner_id", tx.OwnerID,
				"error", err)
			errs = append(errs, fmt.Errorf("transaction %s: %w", tx.ID, err))
			continue
		}
		triggered++
	}

	slog.InfoContext(ctx, "Recurring transactions triggered",
		"due", len(due),
		"triggered", triggered)

	return triggered, errors.Join(errs...)
}

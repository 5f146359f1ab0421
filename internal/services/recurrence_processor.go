package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ledgerd/internal/amqp"
	"ledgerd/internal/core"
	"ledgerd/internal/storage"
	"ledgerd/internal/throttle"
)

// OccurrenceStore applies one materialization atomically.
type OccurrenceStore interface {
	ApplyOccurrence(ctx context.Context, txID, ownerID string, now time.Time) (*storage.OccurrenceResult, error)
}

// RecurrenceProcessor consumes processing requests. Requests pass a
// per-owner throttle and then one atomic store call that re-checks
// due-ness before committing, so at-least-once delivery still yields
// at-most-once effective application.
type RecurrenceProcessor struct {
	store    OccurrenceStore
	throttle *throttle.Keyed
	now      func() time.Time
}

func NewRecurrenceProcessor(store OccurrenceStore, throttle *throttle.Keyed) *RecurrenceProcessor {
	return &RecurrenceProcessor{
		store:    store,
		throttle: throttle,
		now:      time.Now,
	}
}

// Process handles one request. Permanent failures (bad payload, wrong
// owner, broken template) are wrapped with ErrPermanent so the
// transport drops them; everything else is retryable.
func (p *RecurrenceProcessor) Process(ctx context.Context, msg *amqp.RecurringDueMessage) error {
	if msg.TransactionID == "" || msg.OwnerID == "" {
		return Permanent(fmt.Errorf("incomplete request: transaction_id=%q owner_id=%q", msg.TransactionID, msg.OwnerID))
	}

	// Excess requests for an owner wait here; they are deferred, not
	// dropped. A cancelled wait is retryable via redelivery.
	if err := p.throttle.Wait(ctx, msg.OwnerID); err != nil {
		return fmt.Errorf("throttle wait for owner %s: %w", msg.OwnerID, err)
	}

	res, err := p.store.ApplyOccurrence(ctx, msg.TransactionID, msg.OwnerID, p.now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotDue):
			// Race loss, not an error: a prior delivery already advanced
			// the template.
			slog.DebugContext(ctx, "Template no longer due, skipping",
				"transaction_id", msg.TransactionID)
			return nil
		case errors.Is(err, storage.ErrOwnershipMismatch),
			errors.Is(err, storage.ErrNotFound),
			errors.Is(err, storage.ErrNotRecurring),
			errors.Is(err, core.ErrInvalidInterval):
			return Permanent(err)
		default:
			return fmt.Errorf("apply occurrence: %w", err)
		}
	}

	slog.InfoContext(ctx, "Recurring transaction materialized",
		"transaction_id", msg.TransactionID,
		"owner_id", msg.OwnerID,
		"occurrence_id", res.OccurrenceID,
		"balance_cents", res.NewBalance.Cents,
		"next_recurring_date", res.NextRecurringDate.Format("2006-01-02"))

	return nil
}

// Package services holds the scheduler core: the budget alert
// evaluator, the recurrence trigger and the recurrence processor. Each
// component takes its collaborators as interfaces and holds no entity
// state across ticks.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ledgerd/internal/core"
	"ledgerd/internal/notify"
	"ledgerd/internal/storage"
)

// AlertThreshold is the spend percentage at which a budget alert goes
// out.
const AlertThreshold = 80.0

// BudgetStore is the slice of the ledger store the evaluator reads and
// writes through.
type BudgetStore interface {
	BudgetsWithDefaultAccounts(ctx context.Context) ([]storage.BudgetContext, error)
	SumExpenses(ctx context.Context, ownerID, accountID string, from, to time.Time) (core.Money, error)
	MarkBudgetAlerted(ctx context.Context, budgetID string, at time.Time) error
}

// CheckSummary reports what one budget check tick did.
type CheckSummary struct {
	Checked int
	Skipped int
	Alerted int
}

// BudgetChecker evaluates every budget against its owner's current
// month of spending and sends at most one alert per budget per
// calendar month.
type BudgetChecker struct {
	store    BudgetStore
	notifier notify.Notifier
	now      func() time.Time
}

func NewBudgetChecker(store BudgetStore, notifier notify.Notifier) *BudgetChecker {
	return &BudgetChecker{
		store:    store,
		notifier: notifier,
		now:      time.Now,
	}
}

// CheckBudgets runs one tick. A failure in one budget never aborts the
// rest; per-budget errors are logged with the budget id, collected and
// returned alongside the summary.
func (c *BudgetChecker) CheckBudgets(ctx context.Context) (CheckSummary, error) {
	var summary CheckSummary

	budgets, err := c.store.BudgetsWithDefaultAccounts(ctx)
	if err != nil {
		return summary, fmt.Errorf("fetch budgets: %w", err)
	}

	now := c.now()
	var errs []error

	for _, bc := range budgets {
		summary.Checked++

		if bc.DefaultAccount == nil {
			slog.WarnContext(ctx, "Budget owner has no default account, skipping",
				"budget_id", bc.Budget.ID,
				"owner_id", bc.Budget.OwnerID)
			summary.Skipped++
			continue
		}

		alerted, err := c.checkBudget(ctx, bc, now)
		if err != nil {
			slog.ErrorContext(ctx, "Budget check failed",
				"budget_id", bc.Budget.ID,
				"error", err)
			errs = append(errs, fmt.Errorf("budget %s: %w", bc.Budget.ID, err))
			continue
		}
		if alerted {
			summary.Alerted++
		}
	}

	slog.InfoContext(ctx, "Budget check complete",
		"checked", summary.Checked,
		"skipped", summary.Skipped,
		"alerted", summary.Alerted)

	return summary, errors.Join(errs...)
}

func (c *BudgetChecker) checkBudget(ctx context.Context, bc storage.BudgetContext, now time.Time) (bool, error) {
	from, to := core.MonthWindow(now)

	total, err := c.store.SumExpenses(ctx, bc.Budget.OwnerID, bc.DefaultAccount.ID, from, to)
	if err != nil {
		return false, fmt.Errorf("sum expenses: %w", err)
	}

	// A zero budget never alerts and never divides by zero.
	var percentage float64
	if bc.Budget.Amount.Cents > 0 {
		percentage = total.Float() / bc.Budget.Amount.Float() * 100
	}

	slog.DebugContext(ctx, "Budget usage computed",
		"budget_id", bc.Budget.ID,
		"percentage", percentage,
		"total_cents", total.Cents)

	if percentage < AlertThreshold || core.SameMonth(bc.Budget.LastAlertSent, now) {
		return false, nil
	}

	data := notify.BudgetAlertData{
		UserName:      bc.Owner.Name,
		Percentage:    percentage,
		BudgetAmount:  bc.Budget.Amount.Float(),
		TotalExpenses: total.Float(),
		AccountName:   bc.DefaultAccount.Name,
	}
	subject := fmt.Sprintf("Budget Alert for %s", bc.DefaultAccount.Name)

	// A notifier failure leaves the budget unchanged so the next
	// eligible tick retries the alert.
	if err := c.notifier.Send(ctx, bc.Owner.Email, subject, notify.TemplateBudgetAlert, data); err != nil {
		return false, fmt.Errorf("send alert: %w", err)
	}

	if err := c.store.MarkBudgetAlerted(ctx, bc.Budget.ID, now); err != nil {
		if errors.Is(err, storage.ErrAlertConflict) {
			// A concurrent tick recorded the alert first. The owner may
			// get two emails this once, the stored state is correct.
			slog.DebugContext(ctx, "Alert already recorded by concurrent tick",
				"budget_id", bc.Budget.ID)
			return false, nil
		}
		// Notification went out but the timestamp did not stick. Surface
		// it; the next tick may re-alert, an accepted trade-off.
		return false, fmt.Errorf("mark alerted after successful notification: %w", err)
	}

	slog.InfoContext(ctx, "Budget alert sent",
		"budget_id", bc.Budget.ID,
		"owner_id", bc.Budget.OwnerID,
		"percentage", percentage)

	return true, nil
}

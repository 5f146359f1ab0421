package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ledgerd/internal/core"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "ledgerd.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedOwner(t *testing.T, repo *SQLiteRepository, ownerID string, balanceCents int64) string {
	t.Helper()
	ctx := context.Background()
	if err := repo.CreateUser(ctx, User{ID: ownerID, Email: ownerID + "@example.com", Name: "Test User"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	accID, err := repo.CreateAccount(ctx, core.Account{
		OwnerID:   ownerID,
		Name:      "Checking",
		Balance:   core.Money{Cents: balanceCents},
		IsDefault: true,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return accID
}

func TestSumExpenses_WindowAndType(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	accID := seedOwner(t, repo, "user-1", 0)

	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	from, to := core.MonthWindow(now)

	add := func(txType core.TransactionType, cents int64, date time.Time) {
		t.Helper()
		_, err := repo.CreateTransaction(ctx, core.Transaction{
			OwnerID:   "user-1",
			AccountID: accID,
			Type:      txType,
			Amount:    core.Money{Cents: cents},
			Date:      date,
			Status:    core.StatusCompleted,
		})
		if err != nil {
			t.Fatalf("CreateTransaction: %v", err)
		}
	}

	add(core.Expense, 30000, now)                     // in window
	add(core.Expense, 55000, now.AddDate(0, 0, -10))  // in window
	add(core.Income, 100000, now)                     // wrong type
	add(core.Expense, 99900, now.AddDate(0, -1, 0))   // previous month
	add(core.Expense, 12300, from.AddDate(0, 1, 0))   // next month

	total, err := repo.SumExpenses(ctx, "user-1", accID, from, to)
	if err != nil {
		t.Fatalf("SumExpenses: %v", err)
	}
	if total.Cents != 85000 {
		t.Errorf("SumExpenses = %d cents, want 85000", total.Cents)
	}
}

func TestBudgetsWithDefaultAccounts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	accID := seedOwner(t, repo, "user-1", 50000)
	if _, err := repo.CreateBudget(ctx, core.Budget{OwnerID: "user-1", Amount: core.Money{Cents: 100000}}); err != nil {
		t.Fatalf("CreateBudget: %v", err)
	}

	// Owner without a default account.
	if err := repo.CreateUser(ctx, User{ID: "user-2", Email: "user-2@example.com"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := repo.CreateAccount(ctx, core.Account{OwnerID: "user-2", Name: "Savings"}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := repo.CreateBudget(ctx, core.Budget{OwnerID: "user-2", Amount: core.Money{Cents: 50000}}); err != nil {
		t.Fatalf("CreateBudget: %v", err)
	}

	budgets, err := repo.BudgetsWithDefaultAccounts(ctx)
	if err != nil {
		t.Fatalf("BudgetsWithDefaultAccounts: %v", err)
	}
	if len(budgets) != 2 {
		t.Fatalf("got %d budgets, want 2", len(budgets))
	}

	byOwner := map[string]BudgetContext{}
	for _, bc := range budgets {
		byOwner[bc.Budget.OwnerID] = bc
	}

	with := byOwner["user-1"]
	if with.DefaultAccount == nil || with.DefaultAccount.ID != accID {
		t.Errorf("user-1 default account = %+v, want id %s", with.DefaultAccount, accID)
	}
	if with.Owner.Email != "user-1@example.com" {
		t.Errorf("owner email = %q", with.Owner.Email)
	}
	if without := byOwner["user-2"]; without.DefaultAccount != nil {
		t.Errorf("user-2 default account = %+v, want nil", without.DefaultAccount)
	}
}

func TestMarkBudgetAlerted_GuardedUpdate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedOwner(t, repo, "user-1", 0)

	budgetID, err := repo.CreateBudget(ctx, core.Budget{OwnerID: "user-1", Amount: core.Money{Cents: 100000}})
	if err != nil {
		t.Fatalf("CreateBudget: %v", err)
	}

	now := time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)

	if err := repo.MarkBudgetAlerted(ctx, budgetID, now); err != nil {
		t.Fatalf("first MarkBudgetAlerted: %v", err)
	}

	// Second tick in the same month loses the guard.
	err = repo.MarkBudgetAlerted(ctx, budgetID, now.Add(6*time.Hour))
	if !errors.Is(err, ErrAlertConflict) {
		t.Fatalf("same-month MarkBudgetAlerted = %v, want ErrAlertConflict", err)
	}

	// Next month is eligible again.
	if err := repo.MarkBudgetAlerted(ctx, budgetID, now.AddDate(0, 1, 0)); err != nil {
		t.Fatalf("next-month MarkBudgetAlerted: %v", err)
	}

	// Unknown budget also reports conflict (no row matched).
	err = repo.MarkBudgetAlerted(ctx, "missing", now)
	if !errors.Is(err, ErrAlertConflict) {
		t.Fatalf("missing budget MarkBudgetAlerted = %v, want ErrAlertConflict", err)
	}
}

func TestDueRecurringTransactions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	accID := seedOwner(t, repo, "user-1", 0)

	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	tmpl := core.Transaction{
		OwnerID:           "user-1",
		AccountID:         accID,
		Type:              core.Expense,
		Amount:            core.Money{Cents: 5000},
		Date:              now.AddDate(0, -2, 0),
		Status:            core.StatusCompleted,
		IsRecurring:       true,
		RecurringInterval: core.Monthly,
	}

	// Never processed: due regardless of next date.
	neverProcessed := tmpl
	neverID, err := repo.CreateTransaction(ctx, neverProcessed)
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	// Processed, next date in the past: due.
	overdue := tmpl
	overdue.LastProcessed = now.AddDate(0, -1, 0)
	overdue.NextRecurringDate = now.AddDate(0, 0, -1)
	overdueID, err := repo.CreateTransaction(ctx, overdue)
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	// Processed, next date in the future: not due.
	future := tmpl
	future.LastProcessed = now.AddDate(0, 0, -5)
	future.NextRecurringDate = now.AddDate(0, 0, 25)
	if _, err := repo.CreateTransaction(ctx, future); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	// PENDING template: never selected.
	pending := tmpl
	pending.Status = core.StatusPending
	if _, err := repo.CreateTransaction(ctx, pending); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	// Non-recurring transaction: never selected.
	plain := tmpl
	plain.IsRecurring = false
	plain.RecurringInterval = ""
	if _, err := repo.CreateTransaction(ctx, plain); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	due, err := repo.DueRecurringTransactions(ctx, now)
	if err != nil {
		t.Fatalf("DueRecurringTransactions: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due transactions, want 2", len(due))
	}
	got := map[string]bool{}
	for _, d := range due {
		got[d.ID] = true
	}
	if !got[neverID] || !got[overdueID] {
		t.Errorf("due set = %v, want {%s, %s}", got, neverID, overdueID)
	}
}

func TestApplyOccurrence_MaterializesAtomically(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	accID := seedOwner(t, repo, "user-1", 50000)

	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

	tmplID, err := repo.CreateTransaction(ctx, core.Transaction{
		OwnerID:           "user-1",
		AccountID:         accID,
		Type:              core.Expense,
		Amount:            core.Money{Cents: 5000},
		Description:       "Gym membership",
		Date:              now.AddDate(0, -1, 0),
		Category:          "health",
		Status:            core.StatusCompleted,
		IsRecurring:       true,
		RecurringInterval: core.Monthly,
		LastProcessed:     now.AddDate(0, -1, 0),
		NextRecurringDate: now.AddDate(0, 0, -1),
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	res, err := repo.ApplyOccurrence(ctx, tmplID, "user-1", now)
	if err != nil {
		t.Fatalf("ApplyOccurrence: %v", err)
	}

	if res.NewBalance.Cents != 45000 {
		t.Errorf("balance = %d cents, want 45000", res.NewBalance.Cents)
	}

	occ, err := repo.GetTransaction(ctx, res.OccurrenceID)
	if err != nil {
		t.Fatalf("GetTransaction(occurrence): %v", err)
	}
	if occ.IsRecurring {
		t.Error("occurrence must not be recurring")
	}
	if occ.Amount.Cents != 5000 || occ.Type != core.Expense {
		t.Errorf("occurrence = %+v", occ)
	}
	if occ.Description != "Gym membership (Recurring)" {
		t.Errorf("occurrence description = %q", occ.Description)
	}
	if occ.Status != core.StatusCompleted {
		t.Errorf("occurrence status = %s", occ.Status)
	}

	tmpl, err := repo.GetTransaction(ctx, tmplID)
	if err != nil {
		t.Fatalf("GetTransaction(template): %v", err)
	}
	if !tmpl.LastProcessed.Equal(now) {
		t.Errorf("template last processed = %v, want %v", tmpl.LastProcessed, now)
	}
	wantNext := core.Advance(now, core.Monthly)
	if !tmpl.NextRecurringDate.Equal(wantNext) {
		t.Errorf("template next date = %v, want %v", tmpl.NextRecurringDate, wantNext)
	}

	acc, err := repo.GetAccount(ctx, accID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.Balance.Cents != 45000 {
		t.Errorf("account balance = %d cents, want 45000", acc.Balance.Cents)
	}
}

func TestApplyOccurrence_IncomeAddsToBalance(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	accID := seedOwner(t, repo, "user-1", 10000)

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	tmplID, err := repo.CreateTransaction(ctx, core.Transaction{
		OwnerID:           "user-1",
		AccountID:         accID,
		Type:              core.Income,
		Amount:            core.Money{Cents: 250000},
		Description:       "Salary",
		Date:              now.AddDate(0, -1, 0),
		Status:            core.StatusCompleted,
		IsRecurring:       true,
		RecurringInterval: core.Monthly,
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	res, err := repo.ApplyOccurrence(ctx, tmplID, "user-1", now)
	if err != nil {
		t.Fatalf("ApplyOccurrence: %v", err)
	}
	if res.NewBalance.Cents != 260000 {
		t.Errorf("balance = %d cents, want 260000", res.NewBalance.Cents)
	}
}

func TestApplyOccurrence_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	accID := seedOwner(t, repo, "user-1", 50000)

	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	tmplID, err := repo.CreateTransaction(ctx, core.Transaction{
		OwnerID:           "user-1",
		AccountID:         accID,
		Type:              core.Expense,
		Amount:            core.Money{Cents: 5000},
		Date:              now.AddDate(0, -1, 0),
		Status:            core.StatusCompleted,
		IsRecurring:       true,
		RecurringInterval: core.Monthly,
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	// Redelivery under load: every writer serializes on the database
	// lock and re-checks dueness inside its transaction, so exactly one
	// commit materializes the occurrence.
	const workers = 8
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.ApplyOccurrence(ctx, tmplID, "user-1", now)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	applied, skipped := 0, 0
	for err := range results {
		switch {
		case err == nil:
			applied++
		case errors.Is(err, ErrNotDue):
			skipped++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if applied != 1 || skipped != workers-1 {
		t.Errorf("applied = %d, skipped = %d, want 1 and %d", applied, skipped, workers-1)
	}

	acc, err := repo.GetAccount(ctx, accID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.Balance.Cents != 45000 {
		t.Errorf("balance = %d cents, want 45000", acc.Balance.Cents)
	}
}

func TestApplyOccurrence_RejectsAndNoOps(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	accID := seedOwner(t, repo, "user-1", 50000)

	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

	tmplID, err := repo.CreateTransaction(ctx, core.Transaction{
		OwnerID:           "user-1",
		AccountID:         accID,
		Type:              core.Expense,
		Amount:            core.Money{Cents: 5000},
		Date:              now.AddDate(0, -1, 0),
		Status:            core.StatusCompleted,
		IsRecurring:       true,
		RecurringInterval: core.Monthly,
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	t.Run("ownership mismatch", func(t *testing.T) {
		_, err := repo.ApplyOccurrence(ctx, tmplID, "someone-else", now)
		if !errors.Is(err, ErrOwnershipMismatch) {
			t.Errorf("got %v, want ErrOwnershipMismatch", err)
		}
	})

	t.Run("unknown transaction", func(t *testing.T) {
		_, err := repo.ApplyOccurrence(ctx, "missing", "user-1", now)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("non-recurring transaction", func(t *testing.T) {
		plainID, err := repo.CreateTransaction(ctx, core.Transaction{
			OwnerID:   "user-1",
			AccountID: accID,
			Type:      core.Expense,
			Amount:    core.Money{Cents: 100},
			Date:      now,
			Status:    core.StatusCompleted,
		})
		if err != nil {
			t.Fatalf("CreateTransaction: %v", err)
		}
		_, err = repo.ApplyOccurrence(ctx, plainID, "user-1", now)
		if !errors.Is(err, ErrNotRecurring) {
			t.Errorf("got %v, want ErrNotRecurring", err)
		}
	})

	t.Run("second delivery is a no-op", func(t *testing.T) {
		if _, err := repo.ApplyOccurrence(ctx, tmplID, "user-1", now); err != nil {
			t.Fatalf("first ApplyOccurrence: %v", err)
		}
		_, err := repo.ApplyOccurrence(ctx, tmplID, "user-1", now)
		if !errors.Is(err, ErrNotDue) {
			t.Fatalf("second ApplyOccurrence = %v, want ErrNotDue", err)
		}

		// Exactly one occurrence and one balance adjustment.
		acc, err := repo.GetAccount(ctx, accID)
		if err != nil {
			t.Fatalf("GetAccount: %v", err)
		}
		if acc.Balance.Cents != 45000 {
			t.Errorf("balance = %d cents, want 45000", acc.Balance.Cents)
		}
	})
}

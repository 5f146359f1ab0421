package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ledgerd/internal/core"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrOwnershipMismatch is returned when a transaction exists but does
	// not belong to the claimed owner. Callers must treat it as permanent.
	ErrOwnershipMismatch = errors.New("transaction not owned by claimed owner")
	// ErrNotRecurring is returned when a processing request references a
	// transaction that is not a recurring template.
	ErrNotRecurring = errors.New("transaction is not a recurring template")
	// ErrNotDue is returned when the due-ness re-check inside the commit
	// fails: a concurrent delivery already advanced the template. Not an
	// error condition for callers, a silent no-op.
	ErrNotDue = errors.New("template not due")
	// ErrAlertConflict is returned by MarkBudgetAlerted when the guarded
	// update matched no row: either the budget is gone or another tick
	// already recorded an alert for this month.
	ErrAlertConflict = errors.New("budget alert already recorded for this month")
)

// User is the minimal owner record the scheduler needs: where to send
// alerts and what to call the recipient.
type User struct {
	ID    string
	Email string
	Name  string
}

// BudgetContext is one row of the budget check join: the budget, its
// owner, and the owner's default account (nil when the owner has none,
// in which case the evaluator skips the budget).
type BudgetContext struct {
	Budget         core.Budget
	Owner          User
	DefaultAccount *core.Account
}

// OccurrenceResult reports what a committed materialization did.
type OccurrenceResult struct {
	OccurrenceID      string
	AccountID         string
	NewBalance        core.Money
	LastProcessed     time.Time
	NextRecurringDate time.Time
}

// SQLiteRepository is the transactional ledger store. It owns all
// persisted entities; components hold only IDs across calls.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// _txlock=immediate takes the write lock at BEGIN, serializing the
	// load-check-update path of ApplyOccurrence against concurrent
	// deliveries of the same request.
	dsn := dbPath + "?_txlock=immediate&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// withTx runs fn inside one transaction; fn's writes commit together or
// not at all.
func (r *SQLiteRepository) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) CreateUser(ctx context.Context, u User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) CreateAccount(ctx context.Context, a core.Account) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, owner_id, name, balance_cents, is_default, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.Name, a.Balance.Cents, boolToInt(a.IsDefault), time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("create account: %w", err)
	}
	return a.ID, nil
}

func (r *SQLiteRepository) CreateBudget(ctx context.Context, b core.Budget) (string, error) {
	if err := b.Validate(); err != nil {
		return "", fmt.Errorf("validate budget: %w", err)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO budgets (id, owner_id, amount_cents, last_alert_sent, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.OwnerID, b.Amount.Cents, nullUnix(b.LastAlertSent), time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("create budget: %w", err)
	}
	return b.ID, nil
}

func (r *SQLiteRepository) CreateTransaction(ctx context.Context, t core.Transaction) (string, error) {
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("validate transaction: %w", err)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transactions
		   (id, owner_id, account_id, type, amount_cents, description, date, category,
		    status, is_recurring, recurring_interval, last_processed, next_recurring_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.AccountID, string(t.Type), t.Amount.Cents, t.Description,
		t.Date.Unix(), t.Category, string(t.Status), boolToInt(t.IsRecurring),
		nullString(string(t.RecurringInterval)), nullUnix(t.LastProcessed), nullUnix(t.NextRecurringDate),
		time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("create transaction: %w", err)
	}

	slog.DebugContext(ctx, "Transaction saved",
		"id", t.ID,
		"type", t.Type,
		"amount_cents", t.Amount.Cents,
		"recurring", t.IsRecurring)

	return t.ID, nil
}

func (r *SQLiteRepository) GetAccount(ctx context.Context, id string) (*core.Account, error) {
	var (
		a         core.Account
		isDefault int
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, balance_cents, is_default FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.OwnerID, &a.Name, &a.Balance.Cents, &isDefault)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.IsDefault = isDefault != 0
	return &a, nil
}

func (r *SQLiteRepository) GetTransaction(ctx context.Context, id string) (*core.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// BudgetsWithDefaultAccounts returns every budget joined with its owner
// and the owner's default account. The account is nil for owners
// without a default one; the evaluator decides what to do with those.
func (r *SQLiteRepository) BudgetsWithDefaultAccounts(ctx context.Context) ([]BudgetContext, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT b.id, b.owner_id, b.amount_cents, b.last_alert_sent,
		       u.email, u.name,
		       a.id, a.name, a.balance_cents
		FROM budgets b
		JOIN users u ON u.id = b.owner_id
		LEFT JOIN accounts a ON a.owner_id = b.owner_id AND a.is_default = 1`)
	if err != nil {
		return nil, fmt.Errorf("query budgets: %w", err)
	}
	defer rows.Close()

	var out []BudgetContext
	for rows.Next() {
		var (
			bc           BudgetContext
			lastAlert    sql.NullInt64
			accID, accNm sql.NullString
			accBalance   sql.NullInt64
		)
		if err := rows.Scan(
			&bc.Budget.ID, &bc.Budget.OwnerID, &bc.Budget.Amount.Cents, &lastAlert,
			&bc.Owner.Email, &bc.Owner.Name,
			&accID, &accNm, &accBalance,
		); err != nil {
			return nil, fmt.Errorf("scan budget row: %w", err)
		}
		bc.Owner.ID = bc.Budget.OwnerID
		bc.Budget.LastAlertSent = fromNullUnix(lastAlert)
		if accID.Valid {
			bc.DefaultAccount = &core.Account{
				ID:        accID.String,
				OwnerID:   bc.Budget.OwnerID,
				Name:      accNm.String,
				Balance:   core.Money{Cents: accBalance.Int64},
				IsDefault: true,
			}
		}
		out = append(out, bc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate budgets: %w", err)
	}
	return out, nil
}

// SumExpenses totals EXPENSE transactions for an owner's account with
// date in [from, to).
func (r *SQLiteRepository) SumExpenses(ctx context.Context, ownerID, accountID string, from, to time.Time) (core.Money, error) {
	var cents int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM transactions
		WHERE owner_id = ? AND account_id = ? AND type = 'EXPENSE'
		  AND date >= ? AND date < ?`,
		ownerID, accountID, from.Unix(), to.Unix()).Scan(&cents)
	if err != nil {
		return core.Money{}, fmt.Errorf("sum expenses: %w", err)
	}
	return core.Money{Cents: cents}, nil
}

// MarkBudgetAlerted records an alert timestamp with a guarded update:
// it only succeeds while the stored last_alert_sent still predates the
// month containing at. ErrAlertConflict means another tick won the
// race; the alert state is already what the caller wanted.
func (r *SQLiteRepository) MarkBudgetAlerted(ctx context.Context, budgetID string, at time.Time) error {
	monthStart, _ := core.MonthWindow(at)
	res, err := r.db.ExecContext(ctx, `
		UPDATE budgets SET last_alert_sent = ?
		WHERE id = ? AND (last_alert_sent IS NULL OR last_alert_sent < ?)`,
		at.Unix(), budgetID, monthStart.Unix())
	if err != nil {
		return fmt.Errorf("update budget last alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update budget last alert: rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlertConflict
	}
	return nil
}

// DueRecurringTransactions selects recurring templates due at now:
// COMPLETED templates never processed, or whose next date has passed.
func (r *SQLiteRepository) DueRecurringTransactions(ctx context.Context, now time.Time) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE is_recurring = 1 AND status = 'COMPLETED'
		  AND (last_processed IS NULL OR next_recurring_date <= ?)
		ORDER BY next_recurring_date`,
		now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query due recurring transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due transactions: %w", err)
	}
	return out, nil
}

// ApplyOccurrence materializes one occurrence from a recurring template
// in a single transaction: ownership check, due-ness re-check, insert
// occurrence, adjust the account balance, advance the template. The
// three writes commit together or not at all.
func (r *SQLiteRepository) ApplyOccurrence(ctx context.Context, txID, ownerID string, now time.Time) (*OccurrenceResult, error) {
	var result OccurrenceResult

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, txID)
		tmpl, err := scanTransaction(row)
		if err == sql.ErrNoRows {
			return fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load template: %w", err)
		}

		if tmpl.OwnerID != ownerID {
			return fmt.Errorf("transaction %s claimed by owner %s: %w", txID, ownerID, ErrOwnershipMismatch)
		}
		if !tmpl.IsRecurring {
			return fmt.Errorf("transaction %s: %w", txID, ErrNotRecurring)
		}
		if !tmpl.RecurringInterval.Valid() {
			return fmt.Errorf("transaction %s interval %q: %w", txID, tmpl.RecurringInterval, core.ErrInvalidInterval)
		}

		// Idempotence guard: a concurrent delivery of the same request
		// may have advanced the template after the trigger selected it.
		if !tmpl.LastProcessed.IsZero() && tmpl.NextRecurringDate.After(now) {
			return fmt.Errorf("transaction %s: %w", txID, ErrNotDue)
		}

		occurrenceID := uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transactions
			  (id, owner_id, account_id, type, amount_cents, description, date, category,
			   status, is_recurring, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'COMPLETED', 0, ?)`,
			occurrenceID, tmpl.OwnerID, tmpl.AccountID, string(tmpl.Type), tmpl.Amount.Cents,
			tmpl.Description+" (Recurring)", now.Unix(), tmpl.Category, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("insert occurrence: %w", err)
		}

		delta := tmpl.Type.Signed(tmpl.Amount)
		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance_cents = balance_cents + ? WHERE id = ?`,
			delta.Cents, tmpl.AccountID)
		if err != nil {
			return fmt.Errorf("adjust balance: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("adjust balance: rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("account %s: %w", tmpl.AccountID, ErrNotFound)
		}

		next := core.Advance(now, tmpl.RecurringInterval)
		_, err = tx.ExecContext(ctx,
			`UPDATE transactions SET last_processed = ?, next_recurring_date = ? WHERE id = ?`,
			now.Unix(), next.Unix(), txID)
		if err != nil {
			return fmt.Errorf("advance template: %w", err)
		}

		var balance int64
		if err := tx.QueryRowContext(ctx,
			`SELECT balance_cents FROM accounts WHERE id = ?`, tmpl.AccountID).Scan(&balance); err != nil {
			return fmt.Errorf("read balance: %w", err)
		}

		result = OccurrenceResult{
			OccurrenceID:      occurrenceID,
			AccountID:         tmpl.AccountID,
			NewBalance:        core.Money{Cents: balance},
			LastProcessed:     now,
			NextRecurringDate: next,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

const transactionColumns = `id, owner_id, account_id, type, amount_cents, description, date,
	category, status, is_recurring, recurring_interval, last_processed, next_recurring_date`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*core.Transaction, error) {
	var (
		t             core.Transaction
		date          int64
		isRecurring   int
		interval      sql.NullString
		lastProcessed sql.NullInt64
		nextDate      sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.AccountID, (*string)(&t.Type), &t.Amount.Cents, &t.Description,
		&date, &t.Category, (*string)(&t.Status), &isRecurring, &interval, &lastProcessed, &nextDate,
	)
	if err != nil {
		return nil, err
	}
	t.Date = time.Unix(date, 0).UTC()
	t.IsRecurring = isRecurring != 0
	if interval.Valid {
		t.RecurringInterval = core.RecurringInterval(interval.String)
	}
	t.LastProcessed = fromNullUnix(lastProcessed)
	t.NextRecurringDate = fromNullUnix(nextDate)
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func fromNullUnix(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

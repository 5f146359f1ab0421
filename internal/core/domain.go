package core

import (
	"errors"
	"strings"
	"time"
)

const (
	Income  TransactionType = "INCOME"
	Expense TransactionType = "EXPENSE"
)

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
)

const (
	Daily   RecurringInterval = "DAILY"
	Weekly  RecurringInterval = "WEEKLY"
	Monthly RecurringInterval = "MONTHLY"
	Yearly  RecurringInterval = "YEARLY"
)

type (
	TransactionType   string
	TransactionStatus string
	RecurringInterval string

	// Budget is a per-owner monthly spending cap. LastAlertSent is zero
	// until the first threshold alert goes out; at most one alert is sent
	// per calendar month, derived from LastAlertSent alone.
	Budget struct {
		ID            string
		OwnerID       string
		Amount        Money
		LastAlertSent time.Time
	}

	// Account holds a running balance. At most one account per owner is
	// the default; that invariant is enforced by the web layer, the
	// scheduler only reads IsDefault and mutates Balance.
	Account struct {
		ID        string
		OwnerID   string
		Name      string
		Balance   Money
		IsDefault bool
	}

	// Transaction is either a concrete ledger event or, when IsRecurring
	// is set, a template from which occurrences are materialized. A
	// template carries RecurringInterval, and once processed tracks
	// LastProcessed and NextRecurringDate; both are zero until the first
	// materialization.
	Transaction struct {
		ID                string
		OwnerID           string
		AccountID         string
		Type              TransactionType
		Amount            Money
		Description       string
		Date              time.Time
		Category          string
		Status            TransactionStatus
		IsRecurring       bool
		RecurringInterval RecurringInterval
		LastProcessed     time.Time
		NextRecurringDate time.Time
	}
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidType        = errors.New("invalid transaction type")
	ErrInvalidStatus      = errors.New("invalid transaction status")
	ErrInvalidInterval    = errors.New("invalid recurring interval")
	ErrMissingInterval    = errors.New("recurring transaction has no interval")
	ErrEmptyOwner         = errors.New("empty owner id")
	ErrEmptyAccount       = errors.New("empty account id")
	ErrUnexpectedInterval = errors.New("interval set on non-recurring transaction")
)

func (t TransactionType) Valid() bool {
	return t == Income || t == Expense
}

// Signed returns the amount with the sign the type applies to a balance:
// expenses subtract, income adds.
func (t TransactionType) Signed(m Money) Money {
	if t == Expense {
		return Money{Cents: -m.Cents}
	}
	return m
}

func (s TransactionStatus) Valid() bool {
	return s == StatusPending || s == StatusCompleted
}

func (i RecurringInterval) Valid() bool {
	switch i {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

func (b Budget) Validate() error {
	if strings.TrimSpace(b.OwnerID) == "" {
		return ErrEmptyOwner
	}
	if err := b.Amount.Validate(); err != nil {
		return err
	}
	return nil
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.OwnerID) == "" {
		return ErrEmptyOwner
	}
	if strings.TrimSpace(t.AccountID) == "" {
		return ErrEmptyAccount
	}
	if !t.Type.Valid() {
		return ErrInvalidType
	}
	if !t.Status.Valid() {
		return ErrInvalidStatus
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if t.IsRecurring {
		if t.RecurringInterval == "" {
			return ErrMissingInterval
		}
		if !t.RecurringInterval.Valid() {
			return ErrInvalidInterval
		}
	} else if t.RecurringInterval != "" {
		return ErrUnexpectedInterval
	}
	return nil
}

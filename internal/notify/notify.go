// Package notify delivers alert and report emails. The scheduler only
// depends on the Notifier interface; the SMTP implementation lives
// behind it so tests can swap in a fake.
package notify

import (
	"context"
	"fmt"
)

type Template string

const (
	TemplateBudgetAlert   Template = "budget-alert"
	TemplateMonthlyReport Template = "monthly-report"
)

// Notifier sends one formatted message to one recipient. Errors are
// non-fatal to a tick: callers log and move on, and must not advance
// alert state when Send fails.
type Notifier interface {
	Send(ctx context.Context, to, subject string, tmpl Template, data any) error
}

// BudgetAlertData is the payload of a budget threshold alert.
type BudgetAlertData struct {
	UserName      string
	Percentage    float64
	BudgetAmount  float64
	TotalExpenses float64
	AccountName   string
}

// MonthlyReportData is the payload of the first-of-month report hook.
// The report body itself is produced elsewhere; the scheduler only
// announces the trigger.
type MonthlyReportData struct {
	UserName string
	Month    string
}

func formatBody(tmpl Template, data any) (string, error) {
	switch tmpl {
	case TemplateBudgetAlert:
		d, ok := data.(BudgetAlertData)
		if !ok {
			return "", fmt.Errorf("budget-alert payload has type %T", data)
		}
		body := fmt.Sprintf("Dear %s,\n\n", d.UserName)
		body += fmt.Sprintf(
			"You have used %.1f%% of your monthly budget.\n"+
				"Budget amount: %.2f\n"+
				"Spent so far: %.2f\n"+
				"Remaining: %.2f\n"+
				"Account: %s\n",
			d.Percentage, d.BudgetAmount, d.TotalExpenses,
			d.BudgetAmount-d.TotalExpenses, d.AccountName,
		)
		body += "\nBest regards,\nLedgerd"
		return body, nil
	case TemplateMonthlyReport:
		d, ok := data.(MonthlyReportData)
		if !ok {
			return "", fmt.Errorf("monthly-report payload has type %T", data)
		}
		body := fmt.Sprintf("Dear %s,\n\n", d.UserName)
		body += fmt.Sprintf("Your financial report for %s is being prepared.\n", d.Month)
		body += "\nBest regards,\nLedgerd"
		return body, nil
	}
	return "", fmt.Errorf("unknown template %q", tmpl)
}

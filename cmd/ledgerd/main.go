package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ledgerd/internal/amqp"
	"ledgerd/internal/config"
	applog "ledgerd/internal/log"
	"ledgerd/internal/notify"
	"ledgerd/internal/scheduler"
	"ledgerd/internal/services"
	"ledgerd/internal/storage"
)

// logNotifier stands in for SMTP when no mail host is configured:
// alerts are logged, not sent, and lastAlertSent still advances so
// local runs behave like production.
type logNotifier struct {
	logger *applog.Logger
}

func (n *logNotifier) Send(_ context.Context, to, subject string, tmpl notify.Template, data any) error {
	n.logger.Info("Notification (SMTP disabled)",
		"to", to,
		"subject", subject,
		"template", string(tmpl),
		"payload", data)
	return nil
}

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := applog.New(applog.Config{Component: applog.ComponentScheduler})
	applog.SetDefault(logger)

	logger.Info("Starting ledgerd scheduler")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	// The trigger publishes processing requests for the worker; without
	// a broker the recurrence schedule stays unregistered and only the
	// budget check runs.
	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, recurrence triggering disabled", "error", err)
			amqpClient = nil
		} else {
			defer amqpClient.Close()
		}
	}

	var notifier notify.Notifier
	if cfg.SMTPHost != "" {
		notifier = notify.NewSMTPNotifier(cfg)
		logger.Info("SMTP notifier configured", "host", cfg.SMTPHost, "sender", cfg.SenderEmail)
	} else {
		notifier = &logNotifier{logger: logger.WithComponent(applog.ComponentNotify)}
		logger.Info("SMTP disabled, alerts will be logged only")
	}

	checker := services.NewBudgetChecker(repo, notifier)

	sched := scheduler.New()

	if err := sched.AddJob(scheduler.JobBudgetCheck, cfg.BudgetCheckSpec, func(ctx context.Context) error {
		_, err := checker.CheckBudgets(ctx)
		return err
	}); err != nil {
		logger.Error("Failed to register budget check job", "error", err)
		os.Exit(1)
	}

	if amqpClient != nil {
		trigger := services.NewRecurrenceTrigger(repo, amqpClient)
		if err := sched.AddJob(scheduler.JobRecurring, cfg.RecurringSpec, func(ctx context.Context) error {
			_, err := trigger.TriggerDue(ctx)
			return err
		}); err != nil {
			logger.Error("Failed to register recurrence trigger job", "error", err)
			os.Exit(1)
		}
	}

	// Report generation itself lives outside the scheduler; the hook
	// slot is for whoever owns it.
	if err := sched.AddJob(scheduler.JobMonthlyReport, cfg.MonthlyReportSpec, sched.MonthlyReport); err != nil {
		logger.Error("Failed to register monthly report job", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	logger.Info("Schedules registered",
		"jobs", sched.Jobs(),
		"budget_check", cfg.BudgetCheckSpec,
		"recurring", cfg.RecurringSpec,
		"monthly_report", cfg.MonthlyReportSpec)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", "signal", sig.String())

	cancel()
	stopped := sched.Stop()
	select {
	case <-stopped.Done():
		logger.Info("Scheduler shutdown complete")
	case <-time.After(30 * time.Second):
		logger.Warn("Shutdown timeout reached")
	}
}

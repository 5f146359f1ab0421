package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"

	"github.com/jordan-wright/email"

	"ledgerd/internal/config"
)

// SMTPNotifier sends plain-text emails via SMTP.
type SMTPNotifier struct {
	cfg *config.Config
}

func NewSMTPNotifier(cfg *config.Config) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg}
}

func (s *SMTPNotifier) Send(ctx context.Context, to, subject string, tmpl Template, data any) error {
	body, err := formatBody(tmpl, data)
	if err != nil {
		return fmt.Errorf("format %s body: %w", tmpl, err)
	}

	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{to}
	e.Subject = subject
	e.Text = []byte(body)

	addr := fmt.Sprintf("%s:%s", s.cfg.SMTPHost, s.cfg.SMTPPort)
	auth := smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	if err := e.Send(addr, auth); err != nil {
		return fmt.Errorf("send email to %s: %w", to, err)
	}

	slog.InfoContext(ctx, "Email sent",
		"to", to,
		"subject", subject,
		"template", string(tmpl))
	return nil
}

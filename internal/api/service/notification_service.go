package service

import (
	"context"
	"fmt"
	"strings"

	"flowstudio/internal/workflow/engine"

	"github.com/rs/zerolog"
	gomail "github.com/wneessen/go-mail"
)

type SmtpSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
	// Recipients of run reports
	NotifyTo []string
	// Also report successful runs, not only failures
	OnSuccess bool
}

// NotificationService mails run reports. It implements engine.Notifier.
type NotificationService struct {
	cfg    SmtpSettings
	logger zerolog.Logger
	send   func(ctx context.Context, msg *gomail.Msg) error
}

func NewNotificationService(cfg SmtpSettings, logger zerolog.Logger) *NotificationService {
	s := &NotificationService{cfg: cfg, logger: logger}
	s.send = s.dialAndSend
	return s
}

func (s *NotificationService) IsConfigured() bool {
	return s.cfg.Host != "" && len(s.cfg.NotifyTo) > 0
}

// Notify sends a report for finished runs. Scheduled notifications are only
// logged.
func (s *NotificationService) Notify(ctx context.Context, n engine.Notification) error {
	switch {
	case n.Kind == engine.NotifyScheduled:
		s.logger.Debug().Str("runId", n.Run.ID).Str("workflowId", n.WorkflowID).Msg("Run scheduled")
		return nil
	case n.Kind == engine.NotifyCompleted && !s.cfg.OnSuccess:
		return nil
	case !s.IsConfigured():
		return nil
	}

	msg, err := s.buildMessage(n)
	if err != nil {
		return err
	}
	if err := s.send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send run report: %w", err)
	}
	s.logger.Info().Str("runId", n.Run.ID).Strs("to", s.cfg.NotifyTo).Msg("Run report sent")
	return nil
}

func (s *NotificationService) buildMessage(n engine.Notification) (*gomail.Msg, error) {
	from := s.cfg.From
	if from == "" {
		from = s.cfg.Username
	}

	m := gomail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("failed to set from: %w", err)
	}
	if err := m.To(s.cfg.NotifyTo...); err != nil {
		return nil, fmt.Errorf("failed to set to: %w", err)
	}
	m.Subject(fmt.Sprintf("[flowstudio] workflow %s run %s", n.WorkflowID, n.Run.Status))
	m.SetBodyString(gomail.TypeTextPlain, reportBody(n))
	return m, nil
}

func reportBody(n engine.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow: %s\nRun: %s\nStatus: %s\n", n.WorkflowID, n.Run.ID, n.Run.Status)
	if n.Error != "" {
		fmt.Fprintf(&b, "Error: %s (%s)\n", n.Error, n.Run.ErrorCategory)
	}
	b.WriteString("\nNodes:\n")
	for _, e := range n.Executions {
		fmt.Fprintf(&b, "  %3d  %-24s %-10s retries=%d", e.ExecutionOrder, e.NodeID, e.Status, e.RetryCount)
		if e.ErrorMessage != "" {
			fmt.Fprintf(&b, "  %s", e.ErrorMessage)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (s *NotificationService) dialAndSend(ctx context.Context, msg *gomail.Msg) error {
	tlsPolicy := gomail.TLSOpportunistic
	if s.cfg.UseTLS {
		tlsPolicy = gomail.TLSMandatory
	}

	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
		gomail.WithTLSPolicy(tlsPolicy),
	}
	if s.cfg.Password != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	client, err := gomail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

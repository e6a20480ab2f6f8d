package notify

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/brightboard/auth-service/internal/config"
	"github.com/sirupsen/logrus"
)

// Mailer is the notification channel for password-reset credentials.
// Fire-and-forget: callers surface a dispatch failure for the triggering
// request only and never retry.
type Mailer interface {
	SendPasswordReset(ctx context.Context, to, credential string) error
}

type SMTPMailer struct {
	cfg    config.SMTPConfig
	logger *logrus.Logger
}

func NewSMTPMailer(cfg config.SMTPConfig, logger *logrus.Logger) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, logger: logger}
}

func (m *SMTPMailer) SendPasswordReset(ctx context.Context, to, credential string) error {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: Reset your BrightBoard password\r\n\r\n"+
			"Use this code to reset your password: %s\r\n\r\n"+
			"The code is valid for a limited time and can be used once.\r\n",
		m.cfg.From, to, credential,
	)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	addr := m.cfg.Host + ":" + m.cfg.Port
	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg)); err != nil {
		m.logger.WithError(err).WithField("to", to).Error("Failed to send reset email")
		return fmt.Errorf("failed to send reset email: %w", err)
	}

	return nil
}

// LogMailer writes the credential to the log instead of sending it.
// Development only.
type LogMailer struct {
	logger *logrus.Logger
}

func NewLogMailer(logger *logrus.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendPasswordReset(_ context.Context, to, credential string) error {
	m.logger.WithFields(logrus.Fields{
		"to":         to,
		"credential": credential,
	}).Info("Password reset credential (dev mailer)")
	return nil
}

package emailverify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// Sender delivers the verification link to an address.
type Sender interface {
	SendVerificationEmail(ctx context.Context, to, link string) error
}

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers verification mail over plain SMTP with AUTH.
type SMTPSender struct {
	addr string
	auth smtp.Auth
	from string
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" || cfg.Port <= 0 {
		return nil, errors.New("smtp host and port are required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is required")
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPSender{
		addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		auth: auth,
		from: cfg.From,
	}, nil
}

func (s *SMTPSender) SendVerificationEmail(_ context.Context, to, link string) error {
	msg := strings.Join([]string{
		"From: " + s.from,
		"To: " + to,
		"Subject: Verify your email address",
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Open the link below to verify your email address:",
		"",
		link,
		"",
		"If you did not create an account, ignore this message.",
	}, "\r\n")
	if err := smtp.SendMail(s.addr, s.auth, s.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	return nil
}

// LogSender logs the link instead of sending mail. Development use only.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) SendVerificationEmail(_ context.Context, to, link string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("verification email generated", "to", to, "link", link)
	return nil
}

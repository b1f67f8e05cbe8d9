package notification

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/motionalarm/internal/config"
)

// mailSender hands a finished message to a mail server.
type mailSender func(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier emails alerts through an authenticated STARTTLS relay.
type SMTPNotifier struct {
	cfg        config.EmailConfig
	systemName string
	retry      RetryConfig
	send       mailSender
	logger     *zap.Logger
}

// NewSMTPNotifier only rejects an unusable server address. Missing sender,
// password or recipient make every send fail with ErrEmailNotConfigured.
func NewSMTPNotifier(cfg config.EmailConfig, systemName string, logger *zap.Logger) (*SMTPNotifier, error) {
	if cfg.SMTPHost == "" || cfg.SMTPPort <= 0 {
		return nil, fmt.Errorf("invalid SMTP server %q:%d", cfg.SMTPHost, cfg.SMTPPort)
	}
	if logger == nil {
		logger = zap.L()
	}
	return &SMTPNotifier{
		cfg:        cfg,
		systemName: systemName,
		retry:      defaultRetry(cfg.MaxRetries),
		send:       sendMail,
		logger:     logger.Named("smtp"),
	}, nil
}

func (n *SMTPNotifier) Name() string { return "email" }

// Alert emails ev to the configured recipient.
func (n *SMTPNotifier) Alert(ctx context.Context, ev Event) error {
	msg, err := NewAlertMessage(ev, n.cfg.From, n.cfg.To)
	if err != nil {
		return err
	}
	return n.deliver(ctx, msg)
}

// SendTestEmail sends a one-off message to verify the configuration.
func (n *SMTPNotifier) SendTestEmail(ctx context.Context) error {
	msg, err := NewTestMessage(n.systemName, n.cfg.From, n.cfg.To)
	if err != nil {
		return err
	}
	return n.deliver(ctx, msg)
}

func (n *SMTPNotifier) deliver(ctx context.Context, msg *Message) error {
	if n.cfg.From == "" || n.cfg.Password == "" || n.cfg.To == "" {
		return ErrEmailNotConfigured
	}

	raw, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	addr := net.JoinHostPort(n.cfg.SMTPHost, strconv.Itoa(n.cfg.SMTPPort))
	auth := smtp.PlainAuth("", n.cfg.From, n.cfg.Password, n.cfg.SMTPHost)

	attempt := 0
	err = SendWithRetry(ctx, n.retry, func(ctx context.Context) error {
		attempt++
		err := n.send(ctx, addr, auth, n.cfg.From, []string{n.cfg.To}, raw)
		if err == nil {
			return nil
		}
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && tpErr.Code >= 500 {
			return backoff.Permanent(err)
		}
		n.logger.Warn("SMTP send failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("server", addr),
			zap.Error(err))
		return err
	})
	if err != nil {
		return fmt.Errorf("send email via %s: %w", addr, err)
	}

	n.logger.Info("Alert email sent",
		zap.String("to", n.cfg.To),
		zap.String("message_id", msg.MessageID),
		zap.Int("attempts", attempt))
	return nil
}

// sendMail is smtp.SendMail with a context-bound dial and mandatory STARTTLS.
func sendMail(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(time.Minute))
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("greeting: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); !ok {
		return backoff.Permanent(fmt.Errorf("server %s does not offer STARTTLS", addr))
	}
	if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
		return fmt.Errorf("starttls: %w", err)
	}
	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to: %w", err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	return c.Quit()
}

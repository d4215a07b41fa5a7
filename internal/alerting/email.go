package alerting

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fxwatch/internal/config"
)

type sendMailFunc func(ctx context.Context, cfg config.SMTPConfig, to string, body []byte) error

// EmailNotifier delivers messages over SMTP with implicit TLS.
type EmailNotifier struct {
	cfg        config.SMTPConfig
	recipients Directory
	send       sendMailFunc
	logger     zerolog.Logger
}

// NewEmailNotifier constructs an email notifier.
func NewEmailNotifier(cfg config.SMTPConfig, recipients Directory, logger zerolog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:        cfg,
		recipients: recipients,
		send:       sendTLS,
		logger:     logger.With().Str("component", "alert_email").Logger(),
	}
}

func (n *EmailNotifier) Channel() string { return ChannelEmail }

func (n *EmailNotifier) Notify(ctx context.Context, msg Message) error {
	to, err := n.recipients.resolve(msg)
	if err != nil {
		return err
	}

	if err := n.send(ctx, n.cfg, to, composeEmail(n.cfg.From, to, msg)); err != nil {
		return fmt.Errorf("send email to %s: %w", to, err)
	}

	n.logger.Info().Str("alert_id", msg.AlertID).Str("to", to).Msg("alert sent")
	return nil
}

func composeEmail(from, to string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("Content-Type: text/plain; charset=UTF-8; format=flowed\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Text, "\n", "\r\n"))
	return []byte(b.String())
}

func sendTLS(ctx context.Context, cfg config.SMTPConfig, to string, body []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 15 * time.Second},
		Config:    &tls.Config{ServerName: cfg.Host},
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	if cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return err
		}
	}
	if err := client.Mail(cfg.From); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

var _ Notifier = (*EmailNotifier)(nil)

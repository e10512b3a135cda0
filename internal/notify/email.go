package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/legacyvault/legacyvault/internal/model"
)

// SMTPConfig configures EmailChannel.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// EmailChannel sends mail over SMTP. Port 465 uses implicit TLS; any other
// port upgrades with STARTTLS when the server offers it.
type EmailChannel struct {
	cfg    SMTPConfig
	from   *mail.Address
	logger *slog.Logger
	now    func() time.Time
}

// NewEmailChannel creates an EmailChannel.
func NewEmailChannel(cfg SMTPConfig, logger *slog.Logger) (*EmailChannel, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("parse smtp from: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailChannel{
		cfg:    cfg,
		from:   from,
		logger: logger.With("component", "notify.email"),
		now:    time.Now,
	}, nil
}

// Kind implements Channel.
func (c *EmailChannel) Kind() model.Channel { return model.ChannelEmail }

// Send implements Channel.
func (c *EmailChannel) Send(ctx context.Context, msg Message) (Receipt, error) {
	if msg.To == "" {
		return Receipt{}, transportError(model.ChannelEmail, ErrNoRecipient)
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return Receipt{}, transportError(model.ChannelEmail, fmt.Errorf("parse recipient: %w", err))
	}

	ref := msg.ID
	if ref == "" {
		ref = strconv.FormatInt(c.now().UnixNano(), 36)
	}
	messageID := fmt.Sprintf("<%s@%s>", ref, c.domain())

	if err := c.deliver(ctx, to.Address, buildMIME(c.from, to, msg, messageID, c.now())); err != nil {
		return Receipt{}, transportError(model.ChannelEmail, err)
	}
	return Receipt{Channel: model.ChannelEmail, ProviderRef: messageID, SentAt: c.now()}, nil
}

func (c *EmailChannel) domain() string {
	if i := strings.LastIndex(c.from.Address, "@"); i >= 0 {
		return c.from.Address[i+1:]
	}
	return "legacyvault"
}

func (c *EmailChannel) deliver(ctx context.Context, rcpt string, body []byte) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	tlsConfig := &tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12}

	var conn net.Conn
	var err error
	if c.cfg.Port == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	deadline := c.now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if c.cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(c.from.Address); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(rcpt); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}

func buildMIME(from, to *mail.Address, msg Message, messageID string, now time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from.String() + "\r\n")
	b.WriteString("To: " + to.String() + "\r\n")
	b.WriteString("Subject: " + mimeHeader(msg.Subject) + "\r\n")
	b.WriteString("Message-ID: " + messageID + "\r\n")
	b.WriteString("Date: " + now.UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

func mimeHeader(s string) string {
	s = strings.NewReplacer("\r", "", "\n", " ").Replace(s)
	for _, r := range s {
		if r > 127 {
			return mime.QEncoding.Encode("utf-8", s)
		}
	}
	return s
}

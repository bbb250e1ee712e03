package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"gpuquota/config"
	"gpuquota/internal/pkg/model"
)

// AddressResolver looks up a user's mail address, e.g. in LDAP.
type AddressResolver interface {
	GetUserMail(ctx context.Context, uid string) (string, error)
}

// SendFunc delivers an already formatted message.
type SendFunc func(ctx context.Context, cfg config.Email, from string, to []string, msg []byte) error

// ErrNoAddress is returned when no recipient address can be derived.
var ErrNoAddress = errors.New("no mail address for user")

// Mailer sends notices over SMTP. Recipients are resolved through the
// resolver first and fall back to user@domain.
type Mailer struct {
	cfg      config.Email
	resolver AddressResolver
	send     SendFunc
	logger   *slog.Logger
	now      func() time.Time
}

func NewMailer(cfg config.Email, resolver AddressResolver, logger *slog.Logger) (*Mailer, error) {
	if cfg.SMTPHost == "" || cfg.From == "" {
		return nil, fmt.Errorf("%w: email needs smtp_host and from", model.ErrInvalidConfig)
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("%w: email from: %v", model.ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{cfg: cfg, resolver: resolver, send: sendSMTP, logger: logger, now: time.Now}, nil
}

// Set replaces the delivery function.
func (m *Mailer) Set(send SendFunc) {
	if send != nil {
		m.send = send
	}
}

func (m *Mailer) Notify(ctx context.Context, user, subject, body string) error {
	to, err := m.address(ctx, user)
	if err != nil {
		return err
	}
	from, _ := mail.ParseAddress(m.cfg.From)
	msg := m.message(from, to, subject, body)
	if err := m.send(ctx, m.cfg, from.Address, []string{to.Address}, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", to.Address, err)
	}
	m.logger.Debug("mail sent", "user", user, "to", to.Address, "subject", subject)
	return nil
}

func (m *Mailer) address(ctx context.Context, user string) (*mail.Address, error) {
	if m.resolver != nil {
		addr, err := m.resolver.GetUserMail(ctx, user)
		if err == nil {
			if a, perr := mail.ParseAddress(addr); perr == nil {
				return a, nil
			}
		}
		m.logger.Debug("directory mail lookup failed", "user", user, "err", err)
	}
	if m.cfg.Domain == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, user)
	}
	a, err := mail.ParseAddress(user + "@" + strings.TrimPrefix(m.cfg.Domain, "@"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoAddress, user, err)
	}
	return a, nil
}

func (m *Mailer) message(from, to *mail.Address, subject, body string) []byte {
	host := m.cfg.SMTPHost
	if _, domain, ok := strings.Cut(from.Address, "@"); ok {
		host = domain
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", uuid.NewString(), host)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(strings.TrimRight(body, "\n"), "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

func sendSMTP(ctx context.Context, cfg config.Email, from string, to []string, msg []byte) error {
	port := cfg.SMTPPort
	if port == 0 {
		port = 25
	}
	addr := net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(port))

	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if cfg.StartTLS {
		if err := c.StartTLS(&tls.Config{ServerName: cfg.SMTPHost}); err != nil {
			return err
		}
	}
	if cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

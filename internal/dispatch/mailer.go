package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"alertwatch/internal/failure"

	"gopkg.in/gomail.v2"
)

// Email is one rendered message.
type Email struct {
	To         []string
	Subject    string
	HTML       string
	DeliveryID string
}

// Mailer delivers rendered email.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// SMTPConfig is the submission server. STARTTLS is used when offered;
// port 465 switches to implicit TLS.
type SMTPConfig struct {
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	Username           string   `json:"username"`
	Password           string   `json:"password"`
	From               string   `json:"from"`
	Bcc                []string `json:"bcc"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify"`
}

func (c SMTPConfig) from() string {
	if f := strings.TrimSpace(c.From); f != "" {
		return f
	}
	return strings.TrimSpace(c.Username)
}

// Ready reports a configuration gap, or nil.
func (c SMTPConfig) Ready() error {
	switch {
	case strings.TrimSpace(c.Host) == "":
		return errors.New("smtp server not configured")
	case strings.TrimSpace(c.Username) == "" || c.Password == "":
		return errors.New("smtp credentials not configured")
	case c.from() == "":
		return errors.New("smtp sender not configured")
	}
	return nil
}

type SMTPMailer struct {
	cfg SMTPConfig
	d   *gomail.Dialer
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	d := gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.InsecureSkipVerify}
	return &SMTPMailer{cfg: cfg, d: d}
}

// Send dials per message and waits for the relay's verdict. The dialer's
// connect timeout bounds the transport. gomail has no context support, so
// ctx is only the shutdown abandon: once it fires Send returns while the
// submission finishes in the background.
func (m *SMTPMailer) Send(ctx context.Context, e Email) error {
	if err := m.cfg.Ready(); err != nil {
		return failure.Config(err)
	}
	to := cleanList(e.To)
	if len(to) == 0 {
		return failure.Config(errors.New("no email recipients"))
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.from())
	msg.SetHeader("To", to...)
	if bcc := cleanList(m.cfg.Bcc); len(bcc) > 0 {
		msg.SetHeader("Bcc", bcc...)
	}
	msg.SetHeader("Subject", e.Subject)
	if e.DeliveryID != "" {
		msg.SetHeader(DeliveryHeader, e.DeliveryID)
	}
	msg.SetBody("text/html", e.HTML)

	errc := make(chan error, 1)
	go func() { errc <- m.d.DialAndSend(msg) }()
	select {
	case err := <-errc:
		if err != nil {
			return failure.Transient(fmt.Errorf("smtp send: %w", err))
		}
		return nil
	case <-ctx.Done():
		return failure.Transient(fmt.Errorf("smtp send: %w", ctx.Err()))
	}
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

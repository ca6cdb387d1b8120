// Package mail is the thin SMTP sink the notifier uses to email job
// outcomes, adapted from the teacher's go-mail based middleware.
package mail

import (
	"crypto/tls"
	"fmt"
	"strings"

	gomail "github.com/go-mail/mail/v2"
)

// Config configures the SMTP dialer.
type Config struct {
	Host          string
	Port          int
	User          string
	Password      string
	From          string
	TLSSkipVerify bool
}

// Sender implements notify.Mailer.
type Sender struct {
	cfg Config
}

// New builds a Sender from cfg. A zero Config is valid and simply makes Send
// a no-op error producer; callers should check Enabled first.
func New(cfg Config) *Sender {
	return &Sender{cfg: cfg}
}

// Enabled reports whether enough configuration is present to attempt a send.
func (s *Sender) Enabled() bool {
	return s.cfg.Host != "" && s.cfg.From != ""
}

// Send delivers a plain HTML-as-text message to every address in to.
func (s *Sender) Send(to []string, subject, body string) error {
	if !s.Enabled() {
		return fmt.Errorf("mail sender not configured")
	}
	if len(to) == 0 {
		return nil
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", s.cfg.From)
	msg.SetHeader("To", to...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	d := gomail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.User, s.cfg.Password)
	if s.cfg.TLSSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in for legacy/dev SMTP servers
	}

	if err := d.DialAndSend(msg); err != nil {
		return fmt.Errorf("dial and send mail: %w", err)
	}
	return nil
}

// From renders a "%"-templated From header against the local hostname, the
// same convenience the teacher's middleware offered for multi-host setups.
func From(template, hostname string) string {
	if !strings.Contains(template, "%") {
		return template
	}
	return fmt.Sprintf(template, hostname)
}

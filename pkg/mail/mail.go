// Package mail sends operational failure notifications over SMTP.
package mail

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/Sendhub/sh-util/pkg/settings"
)

// Sender delivers plain-text mail through one SMTP relay. The zero
// Host disables delivery; Send then only logs, which is what dev
// environments want.
type Sender struct {
	cfg settings.SMTPSettings
}

// NewSender binds a Sender to the configured SMTP relay.
func NewSender(cfg settings.SMTPSettings) *Sender {
	return &Sender{cfg: cfg}
}

// Enabled reports whether a relay is configured.
func (s *Sender) Enabled() bool {
	return s.cfg.Host != ""
}

// Send delivers one message. With no relay configured the message is
// logged and dropped.
func (s *Sender) Send(ctx context.Context, subject, body, from, to string) error {
	log.Printf("[mail] sending email, subject=%s, from=%s, to=%s", subject, from, to)
	if !s.Enabled() {
		log.Printf("[mail] NOTICE: didn't really send e-mail, disabled by configuration")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if from == "" {
		from = s.cfg.From
	}
	if to == "" {
		to = s.cfg.To
	}

	msg := BuildMessage(subject, body, from, to)
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, from, splitRecipients(to), msg); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", to, err)
	}
	return nil
}

// BuildMessage renders the RFC 5322 wire form of a plain-text message.
func BuildMessage(subject, body, from, to string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func splitRecipients(to string) []string {
	parts := strings.Split(to, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

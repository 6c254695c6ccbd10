// Package mailer submits outbound email through the configured SMTP relay.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/vbmedia/packline/internal/config"
)

const submitAttempts = 3

// Message is one outbound email.
type Message struct {
	// From is the full sender, e.g. "Sunrise Motors <sunrise@vbresp.com>".
	From string
	// ReturnPath is the bounce address; defaults to the relay bounce address.
	ReturnPath string

	To  []string
	Bcc []string

	Subject string
	HTML    string
	Text    string
}

// Mailer submits messages through an authenticated SMTP relay.
type Mailer struct {
	addr       string
	username   string
	password   string
	bounceAddr string
	signer     *Signer
	logger     *slog.Logger

	// send is swapped in tests.
	send func(addr string, a sasl.Client, from string, to []string, msg []byte) error
}

// New creates a mailer. signer may be nil when DKIM is disabled.
func New(cfg config.SMTPConfig, signer *Signer, logger *slog.Logger) *Mailer {
	return &Mailer{
		addr:       cfg.Addr,
		username:   cfg.Username,
		password:   cfg.Password,
		bounceAddr: cfg.BounceAddress,
		signer:     signer,
		logger:     logger,
		send: func(addr string, a sasl.Client, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, a, from, to, bytes.NewReader(msg))
		},
	}
}

// Send builds, signs and submits the message. Transient relay failures are
// retried a few times before the error is surfaced.
func (m *Mailer) Send(ctx context.Context, msg *Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("message has no recipients")
	}

	raw, err := m.build(msg)
	if err != nil {
		return err
	}

	if m.signer != nil {
		raw, err = m.signer.Sign(raw)
		if err != nil {
			return fmt.Errorf("failed to sign message: %w", err)
		}
	}

	envelopeFrom := msg.ReturnPath
	if envelopeFrom == "" {
		envelopeFrom = m.bounceAddr
	}
	if envelopeFrom == "" {
		envelopeFrom = addressOnly(msg.From)
	}

	recipients := append(append([]string{}, msg.To...), msg.Bcc...)
	for i, rcpt := range recipients {
		recipients[i] = addressOnly(rcpt)
	}

	var auth sasl.Client
	if m.username != "" {
		auth = sasl.NewPlainClient("", m.username, m.password)
	}

	var lastErr error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = m.send(m.addr, auth, envelopeFrom, recipients, raw)
		if lastErr == nil {
			m.logger.Info("email submitted",
				"to", strings.Join(msg.To, ", "),
				"subject", msg.Subject,
			)
			return nil
		}
		if isPermanent(lastErr) {
			break
		}

		m.logger.Warn("relay submission failed, retrying",
			"attempt", attempt,
			"error", lastErr,
		)
		time.Sleep(time.Duration(attempt) * time.Second)
	}

	return fmt.Errorf("failed to submit email: %w", lastErr)
}

// isPermanent reports whether the relay rejected the message for good.
func isPermanent(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 500
	}
	return false
}

// build assembles the RFC 5322 message.
func (m *Mailer) build(msg *Message) ([]byte, error) {
	var buf bytes.Buffer

	write := func(key, value string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", key, value)
	}

	write("From", msg.From)
	write("Reply-To", msg.From)
	write("Sender", msg.From)
	write("To", strings.Join(msg.To, ", "))
	if len(msg.Bcc) > 0 {
		write("Bcc", strings.Join(msg.Bcc, ", "))
	}
	write("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	write("Date", time.Now().Format(time.RFC1123Z))
	write("Message-ID", fmt.Sprintf("<%s@packline>", uuid.NewString()))
	write("MIME-Version", "1.0")

	switch {
	case msg.HTML != "" && msg.Text != "":
		boundary := "b-" + uuid.NewString()
		write("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
		buf.WriteString("\r\n")
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		buf.WriteString(msg.Text)
		fmt.Fprintf(&buf, "\r\n--%s\r\n", boundary)
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		buf.WriteString(msg.HTML)
		fmt.Fprintf(&buf, "\r\n--%s--\r\n", boundary)

	case msg.HTML != "":
		write("Content-Type", "text/html; charset=utf-8")
		buf.WriteString("\r\n")
		buf.WriteString(msg.HTML)

	default:
		write("Content-Type", "text/plain; charset=utf-8")
		buf.WriteString("\r\n")
		buf.WriteString(msg.Text)
	}

	return buf.Bytes(), nil
}

// addressOnly strips a display name, leaving the bare address for the
// envelope.
func addressOnly(full string) string {
	addr, err := mail.ParseAddress(full)
	if err != nil {
		return strings.TrimSpace(full)
	}
	return addr.Address
}

// FormatAddress renders "Name <addr>" with the display name encoded as
// needed.
func FormatAddress(name, address string) string {
	if name == "" {
		return address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}

// ValidateEmailList parses a free-text list of addresses (commas, semicolons
// or whitespace between entries) and returns the valid ones.
func ValidateEmailList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t'
	})

	var valid []string
	for _, f := range fields {
		addr, err := mail.ParseAddress(f)
		if err != nil {
			continue
		}
		valid = append(valid, addr.Address)
	}
	return valid
}

package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/mealpass/internal/common"
)

// SMTPSender delivers email through an SMTP relay with PLAIN auth.
type SMTPSender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// Configured reports whether enough settings exist to reach a relay.
func (s SMTPSender) Configured() bool {
	return s.Host != "" && s.Port != "" && s.From != ""
}

// Send implements common.EmailSender.
func (s SMTPSender) Send(ctx context.Context, msg common.Email) error {
	if !s.Configured() {
		return errors.New("smtp: sender not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	to := sanitizeHeader(msg.To)
	if to == "" {
		return errors.New("smtp: recipient required")
	}
	raw, err := BuildMessage(s.fromHeader(), msg, time.Now())
	if err != nil {
		return err
	}
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	send := s.send
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(net.JoinHostPort(s.Host, s.Port), auth, s.From, []string{to}, raw); err != nil {
		return fmt.Errorf("smtp: send: %w", err)
	}
	return nil
}

func (s SMTPSender) fromHeader() string {
	if s.FromName == "" {
		return s.From
	}
	return mime.QEncoding.Encode("utf-8", sanitizeHeader(s.FromName)) + " <" + s.From + ">"
}

// BuildMessage renders msg as multipart/related with the HTML body first and
// each inline attachment addressable by Content-ID.
func BuildMessage(from string, msg common.Email, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	body := multipart.NewWriter(&buf)

	header := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nMIME-Version: 1.0\r\nContent-Type: multipart/related; boundary=%q\r\n\r\n",
		from,
		sanitizeHeader(msg.To),
		mime.QEncoding.Encode("utf-8", sanitizeHeader(msg.Subject)),
		now.UTC().Format(time.RFC1123Z),
		body.Boundary(),
	)

	htmlPart, err := body.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=utf-8"},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, err
	}
	if err := writeBase64(htmlPart, []byte(msg.HTML)); err != nil {
		return nil, err
	}
	for _, att := range msg.Inline {
		part, err := body.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {att.ContentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-ID":                {"<" + att.ContentID + ">"},
			"Content-Disposition":       {fmt.Sprintf("inline; filename=%q", att.Filename)},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64(part, att.Data); err != nil {
			return nil, err
		}
	}
	if err := body.Close(); err != nil {
		return nil, err
	}
	return append([]byte(header), buf.Bytes()...), nil
}

// writeBase64 wraps encoded output at 76 columns.
func writeBase64(w interface{ Write([]byte) (int, error) }, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		if _, err := w.Write([]byte(encoded[:76] + "\r\n")); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err := w.Write([]byte(encoded + "\r\n"))
	return err
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// LogSender stands in for SMTP in development; it logs what would be sent.
type LogSender struct {
	Logger zerolog.Logger
}

// Send implements common.EmailSender.
func (l LogSender) Send(_ context.Context, msg common.Email) error {
	l.Logger.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Int("inline_images", len(msg.Inline)).
		Msg("email_not_sent_smtp_unconfigured")
	return nil
}

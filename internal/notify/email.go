// Package notify delivers voucher emails and outbound webhooks in response to
// domain events.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/mealpass/internal/common"
	"github.com/noah-isme/mealpass/internal/events"
	"github.com/noah-isme/mealpass/internal/voucher"
)

// VoucherEmail is the unit of work for one delivery email.
type VoucherEmail struct {
	GuestID    string      `json:"guest_id"`
	GuestName  string      `json:"guest_name"`
	Email      string      `json:"email"`
	VoucherIDs []uuid.UUID `json:"voucher_ids"`
}

// EmailQueue schedules voucher emails for background delivery.
type EmailQueue interface {
	EnqueueVoucherEmail(ctx context.Context, job VoucherEmail) error
}

// VoucherMailer turns voucher.issued events into queued delivery emails.
type VoucherMailer struct {
	Queue   EmailQueue
	Enabled bool
	Logger  *zerolog.Logger
}

// Notify implements events.Notifier.
func (m VoucherMailer) Notify(ctx context.Context, ev events.Event) error {
	if !m.Enabled || m.Queue == nil || ev.Topic != events.TopicVoucherIssued {
		return nil
	}
	var payload voucher.IssuedPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("voucher mailer: decode payload: %w", err)
	}
	to := strings.TrimSpace(payload.Email)
	if to == "" || len(payload.VoucherIDs) == 0 {
		m.logger(ctx).Debug().Str("guest_id", payload.GuestID).Msg("voucher_email_skipped")
		return nil
	}
	return m.Queue.EnqueueVoucherEmail(ctx, VoucherEmail{
		GuestID:    payload.GuestID,
		GuestName:  payload.GuestName,
		Email:      to,
		VoucherIDs: payload.VoucherIDs,
	})
}

func (m VoucherMailer) logger(ctx context.Context) *zerolog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return zerolog.Ctx(ctx)
}

// VoucherReader loads vouchers by id.
type VoucherReader interface {
	Get(ctx context.Context, id uuid.UUID) (voucher.Voucher, error)
}

// ImageRenderer draws a QR code for a token.
type ImageRenderer interface {
	PNG(content string, size int) ([]byte, error)
}

// Deliverer renders and sends voucher emails. Each voucher is attached as an
// inline PNG referenced from the HTML body.
type Deliverer struct {
	Vouchers  VoucherReader
	Images    ImageRenderer
	Mail      common.EmailSender
	Subject   string
	ImageSize int
}

// ErrNothingToSend is returned when none of the job's vouchers could be loaded.
var ErrNothingToSend = errors.New("notify: no vouchers to send")

// Deliver sends the email described by job.
func (d Deliverer) Deliver(ctx context.Context, job VoucherEmail) error {
	if d.Mail == nil || d.Vouchers == nil || d.Images == nil {
		return errors.New("notify: deliverer not configured")
	}
	if strings.TrimSpace(job.Email) == "" {
		return nil
	}
	size := d.ImageSize
	if size <= 0 {
		size = 300
	}
	view := emailView{GuestName: job.GuestName}
	inline := make([]common.Attachment, 0, len(job.VoucherIDs))
	for _, id := range job.VoucherIDs {
		v, err := d.Vouchers.Get(ctx, id)
		if err != nil {
			if errors.Is(err, voucher.ErrVoucherNotFound) {
				continue
			}
			return fmt.Errorf("load voucher %s: %w", id, err)
		}
		png, err := d.Images.PNG(v.Token, size)
		if err != nil {
			return fmt.Errorf("render voucher %s: %w", id, err)
		}
		cid := "qr-" + v.ID.String()
		inline = append(inline, common.Attachment{
			Filename:    strings.ToLower(string(v.MealType)) + ".png",
			ContentType: "image/png",
			ContentID:   cid,
			Data:        png,
		})
		view.Vouchers = append(view.Vouchers, emailVoucher{MealType: string(v.MealType), ContentID: cid})
		if view.GuestName == "" {
			view.GuestName = v.GuestName
		}
	}
	if len(inline) == 0 {
		return ErrNothingToSend
	}
	var body bytes.Buffer
	if err := voucherEmailTemplate.Execute(&body, view); err != nil {
		return fmt.Errorf("render email: %w", err)
	}
	subject := d.Subject
	if subject == "" {
		subject = "Your meal vouchers"
	}
	return d.Mail.Send(ctx, common.Email{
		To:      job.Email,
		Subject: subject,
		HTML:    body.String(),
		Inline:  inline,
	})
}

type emailVoucher struct {
	MealType  string
	ContentID string
}

type emailView struct {
	GuestName string
	Vouchers  []emailVoucher
}

var voucherEmailTemplate = template.Must(template.New("vouchers").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Meal vouchers</title></head>
<body style="font-family:Arial,Helvetica,sans-serif;color:#222">
<p>Hello {{.GuestName}},</p>
<p>Here are your meal vouchers. Show each code at the station; every code can be used once.</p>
{{range .Vouchers}}
<div style="margin:16px 0">
  <h3 style="margin:0 0 8px">{{.MealType}}</h3>
  <img src="cid:{{.ContentID}}" alt="{{.MealType}} voucher" width="220" height="220">
</div>
{{end}}
</body>
</html>
`))

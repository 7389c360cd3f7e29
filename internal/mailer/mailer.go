// Package mailer sends the worker's notification email through whichever
// provider the task's domainSetting selects: SES over SMTP STARTTLS, or
// SendGrid over its HTTPS API. Both implementations sit behind the Mailer
// interface so internal/intentprotocol never branches on provider.
package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"gopkg.in/gomail.v2"

	"github.com/letsesign/enclave-worker/internal/model"
	"github.com/letsesign/enclave-worker/pkg/config"
)

// DisplayName is the fixed sender display name for every mail this worker
// sends, regardless of provider.
const DisplayName = "Let's eSign"

// Attachment is one file attached to a Message.
type Attachment struct {
	Filename    string
	Data        []byte
	ContentType string
}

// Message is a provider-agnostic email to send.
type Message struct {
	To          string
	Subject     string
	HTMLBody    string
	Attachments []Attachment
}

// Mailer sends a Message through one configured provider.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// New selects the Mailer implementation for provider, wired to domain as
// the From address's domain part (do-not-reply@<domain>).
func New(provider model.EmailServiceProvider, cfg config.MailConfig, domain string) (Mailer, error) {
	switch provider {
	case model.EmailProviderSES:
		return NewSES(cfg, domain), nil
	case model.EmailProviderSendGrid:
		return NewSendGrid(cfg.SendGridAPIKey, domain), nil
	default:
		return nil, fmt.Errorf("mailer: unknown email service provider %q", provider)
	}
}

// SESMailer delivers mail over SMTP STARTTLS to AWS SES, the way
// email-smtp.us-east-1.amazonaws.com:587 expects (spec.md §6).
type SESMailer struct {
	dialer *gomail.Dialer
	domain string
}

// NewSES builds an SESMailer from cfg. gomail.Dialer has no per-call
// timeout knob of its own, and cfg.RequestTimeoutS is not applied: Send
// stops waiting only when its ctx is done, and no caller in this module
// sets a deadline on that ctx, so an SMTP send has no time limit. gomail's
// DialAndSend blocks on the underlying net/smtp connection without
// honoring ctx directly.
func NewSES(cfg config.MailConfig, domain string) *SESMailer {
	return &SESMailer{
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword),
		domain: domain,
	}
}

func (m *SESMailer) Send(ctx context.Context, msg Message) error {
	gm := gomail.NewMessage()
	gm.SetAddressHeader("From", "do-not-reply@"+m.domain, DisplayName)
	gm.SetHeader("To", msg.To)
	gm.SetHeader("Subject", msg.Subject)
	gm.SetBody("text/html", msg.HTMLBody)

	for _, a := range msg.Attachments {
		data := a.Data
		gm.Attach(a.Filename, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := io.Copy(w, bytes.NewReader(data))
			return err
		}))
	}

	done := make(chan error, 1)
	go func() { done <- m.dialer.DialAndSend(gm) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("mailer: ses send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mailer: ses send: %w", ctx.Err())
	}
}

// SendGridMailer delivers mail over SendGrid's HTTPS API with all tracking
// disabled, per spec.md §6.
type SendGridMailer struct {
	client *sendgrid.Client
	domain string
}

// NewSendGrid builds a SendGridMailer from an API key.
func NewSendGrid(apiKey, domain string) *SendGridMailer {
	return &SendGridMailer{client: sendgrid.NewSendClient(apiKey), domain: domain}
}

func (m *SendGridMailer) Send(ctx context.Context, msg Message) error {
	from := mail.NewEmail(DisplayName, "do-not-reply@"+m.domain)
	to := mail.NewEmail("", msg.To)
	sgMessage := mail.NewSingleEmail(from, msg.Subject, to, "", msg.HTMLBody)

	tracking := mail.NewTrackingSettings()
	tracking.SetClickTracking(&mail.ClickTrackingSetting{Enable: mail.NewSetting(false).Enable})
	tracking.SetOpenTracking(&mail.OpenTrackingSetting{Enable: mail.NewSetting(false).Enable})
	tracking.SetSubscriptionTracking(&mail.SubscriptionTrackingSetting{Enable: mail.NewSetting(false).Enable})
	tracking.GoogleAnalytics = &mail.GaSetting{Enable: mail.NewSetting(false).Enable}
	sgMessage.SetTrackingSettings(tracking)

	for _, a := range msg.Attachments {
		att := mail.NewAttachment()
		att.SetContent(base64.StdEncoding.EncodeToString(a.Data))
		att.SetFilename(a.Filename)
		att.SetType(a.ContentType)
		att.SetDisposition("attachment")
		sgMessage.AddAttachment(att)
	}

	resp, err := m.client.SendWithContext(ctx, sgMessage)
	if err != nil {
		return fmt.Errorf("mailer: sendgrid send: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mailer: sendgrid send: unexpected status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

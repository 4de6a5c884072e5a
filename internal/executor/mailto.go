package executor

import (
	"context"
	"fmt"
	"net/smtp"
	"net/url"
	"strings"

	"unsubscribe-engine/internal/models"
)

// Defaults used when the mailto URI carries no subject or body; most
// list-unsubscribe addresses accept any message.
const (
	defaultMailSubject = "Unsubscribe"
	defaultMailBody    = "Please unsubscribe me from this mailing list."
)

// MailMessage is one outbound unsubscribe email.
type MailMessage struct {
	To      string
	Subject string
	Body    string
}

// MailSender delivers unsubscribe emails. The SMTP relay is the default
// implementation; tests use a stub.
type MailSender interface {
	Send(ctx context.Context, msg MailMessage) error
}

// Mailto sends an unsubscribe email to the address in the item's mailto URI.
type Mailto struct {
	sender MailSender
}

// NewMailto builds the executor around a sender.
func NewMailto(sender MailSender) *Mailto {
	return &Mailto{sender: sender}
}

func (m *Mailto) Name() string { return models.MethodMailto }

func (m *Mailto) Attempt(ctx context.Context, item models.JobItem) AttemptOutcome {
	if item.UnsubscribeMailto == nil || *item.UnsubscribeMailto == "" {
		return AttemptOutcome{ErrorMessage: "no unsubscribe mailto on item"}
	}
	msg, err := ParseMailto(*item.UnsubscribeMailto)
	if err != nil {
		return AttemptOutcome{ErrorMessage: Truncate("parse mailto: " + err.Error())}
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		return AttemptOutcome{ErrorMessage: Truncate("send unsubscribe email: " + err.Error())}
	}
	return AttemptOutcome{Success: true}
}

// ParseMailto turns a mailto URI into a message, with or without the scheme
// prefix. Subject and body query parameters override the defaults.
func ParseMailto(raw string) (MailMessage, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "mailto:")
	addr, query, _ := strings.Cut(trimmed, "?")
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return MailMessage{}, fmt.Errorf("mailto %q has no address", raw)
	}

	msg := MailMessage{To: addr, Subject: defaultMailSubject, Body: defaultMailBody}
	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return MailMessage{}, fmt.Errorf("mailto query %q: %w", query, err)
		}
		if v := values.Get("subject"); v != "" {
			msg.Subject = v
		}
		if v := values.Get("body"); v != "" {
			msg.Body = v
		}
	}
	return msg, nil
}

// SMTPSender delivers through a plain SMTP relay, typically a local MTA or a
// submission service that needs no auth from this host.
type SMTPSender struct {
	addr string
	from string
}

// NewSMTPSender takes the relay host:port and the envelope sender.
func NewSMTPSender(addr, from string) *SMTPSender {
	return &SMTPSender{addr: addr, from: from}
}

func (s *SMTPSender) Send(_ context.Context, msg MailMessage) error {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")

	if err := smtp.SendMail(s.addr, nil, s.from, []string{msg.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	netmail "net/mail"
	"strings"

	"github.com/rahul/concierge/internal/store"
	"github.com/wneessen/go-mail"
)

// Email is an outgoing message.
type Email struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
}

// MailSender delivers an Email.
type MailSender interface {
	Send(ctx context.Context, msg Email) error
}

// SMTPSender relays mail through an SMTP server, upgrading to TLS when the
// server offers it.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// message builds the outgoing mail. Header values are encoded by go-mail;
// line breaks in the subject are folded to spaces first so a subject can
// never start a new header.
func (s *SMTPSender) message(msg Email) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.From); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", s.From, err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("invalid recipients: %w", err)
	}
	if len(msg.Cc) > 0 {
		if err := m.Cc(msg.Cc...); err != nil {
			return nil, fmt.Errorf("invalid cc: %w", err)
		}
	}
	m.Subject(strings.Join(strings.Fields(msg.Subject), " "))
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Email) error {
	if s.Host == "" {
		return fmt.Errorf("smtp relay is not configured")
	}
	m, err := s.message(msg)
	if err != nil {
		return err
	}

	opts := []mail.Option{mail.WithTLSPolicy(mail.TLSOpportunistic)}
	if s.Port > 0 {
		opts = append(opts, mail.WithPort(s.Port))
	}
	if s.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.Username),
			mail.WithPassword(s.Password),
		)
	}
	client, err := mail.NewClient(s.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, m)
}

type EmailTool struct {
	Sender MailSender
}

func NewEmailTool(sender MailSender) *EmailTool {
	return &EmailTool{Sender: sender}
}

func (e *EmailTool) Name() string         { return "email.send" }
func (e *EmailTool) Kind() store.StepKind { return store.KindWrite }
func (e *EmailTool) Description() string {
	return "Send an email on the user's behalf."
}

func (e *EmailTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"to":      map[string]any{"type": "string", "description": "Comma separated recipient addresses"},
			"cc":      map[string]any{"type": "string", "description": "Comma separated CC addresses"},
			"subject": map[string]any{"type": "string"},
			"body":    map[string]any{"type": "string"},
		},
		"required": []string{"to", "body"},
	}
}

func (e *EmailTool) Preview(params map[string]any) string {
	out := "Send email\nTo: " + stringParam(params, "to")
	if cc := stringParam(params, "cc"); cc != "" {
		out += "\nCc: " + cc
	}
	out += "\nSubject: " + stringParam(params, "subject")
	out += "\n\n" + stringParam(params, "body")
	return out
}

func splitAddresses(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	list, err := netmail.ParseAddressList(s)
	if err != nil {
		return nil, InvalidInput("invalid address list %q: %v", s, err)
	}
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.Address
	}
	return out, nil
}

func (e *EmailTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		To      string `json:"to"`
		Cc      string `json:"cc"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", InvalidInput("%v", err)
	}
	to, err := splitAddresses(args.To)
	if err != nil {
		return "", err
	}
	if len(to) == 0 {
		return "", InvalidInput("at least one recipient is required")
	}
	cc, err := splitAddresses(args.Cc)
	if err != nil {
		return "", err
	}

	msg := Email{To: to, Cc: cc, Subject: args.Subject, Body: args.Body}
	if err := e.Sender.Send(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}
	return fmt.Sprintf("Email sent to %s.", strings.Join(to, ", ")), nil
}

// Package notification delivers transactional email, currently invitation
// links, rendered from registered templates.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	TemplateInvitation       = "invitation"
	TemplateInvitationResend = "invitation-resend"
)

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Template defines a reusable email template. Placeholders use {{key}}.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the invitation templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.RegisterTemplate(Template{
		ID:      TemplateInvitation,
		Name:    "Organization Invitation",
		Subject: "{{inviter_name}} invited you to join {{organization_name}}",
		Body: "Hello,\n\n{{inviter_name}} has invited you to join {{organization_name}} on MedDocs.\n\n" +
			"Accept the invitation here: {{invitation_link}}\n\nThis link expires on {{expires_at}}.",
	})
	e.RegisterTemplate(Template{
		ID:      TemplateInvitationResend,
		Name:    "Organization Invitation Reminder",
		Subject: "Reminder: join {{organization_name}} on MedDocs",
		Body: "Hello,\n\n{{inviter_name}} is still waiting for you to join {{organization_name}}.\n\n" +
			"Accept the invitation here: {{invitation_link}}\n\nThis link expires on {{expires_at}}.",
	})
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement. Keys absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// HTTPEmailSender posts messages to a Resend-compatible email API.
type HTTPEmailSender struct {
	client *resty.Client
	from   string
}

func NewHTTPEmailSender(apiURL, apiKey, from string, timeout time.Duration) *HTTPEmailSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(apiURL, "/")).
		SetTimeout(timeout).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json")
	return &HTTPEmailSender{client: c, from: from}
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

func (s *HTTPEmailSender) SendEmail(ctx context.Context, to, subject, body string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(emailRequest{From: s.from, To: []string{to}, Subject: subject, Text: body}).
		Post("/emails")
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("email api returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// LogEmailSender writes messages to the log instead of delivering them.
// It is used when no email API is configured.
type LogEmailSender struct {
	logger zerolog.Logger
}

func NewLogEmailSender(logger zerolog.Logger) *LogEmailSender {
	return &LogEmailSender{logger: logger.With().Str("component", "email").Logger()}
}

func (s *LogEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().Str("to", to).Str("subject", subject).Str("body", body).Msg("email not delivered, no email API configured")
	return nil
}

// Invitation carries what an invitation email needs.
type Invitation struct {
	Email            string
	OrganizationName string
	InviterName      string
	Link             string
	ExpiresAt        time.Time
	Resend           bool
}

// Notifier renders templates and hands them to an EmailSender.
type Notifier struct {
	sender    EmailSender
	templates *TemplateEngine
}

func NewNotifier(sender EmailSender, templates *TemplateEngine) *Notifier {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &Notifier{sender: sender, templates: templates}
}

func (n *Notifier) SendInvitation(ctx context.Context, inv Invitation) error {
	if inv.Email == "" {
		return errors.New("recipient email is required")
	}
	if inv.Link == "" {
		return errors.New("invitation link is required")
	}
	inviter := inv.InviterName
	if inviter == "" {
		inviter = "An administrator"
	}

	id := TemplateInvitation
	if inv.Resend {
		id = TemplateInvitationResend
	}
	subject, body, err := n.templates.Render(id, map[string]string{
		"organization_name": inv.OrganizationName,
		"inviter_name":      inviter,
		"invitation_link":   inv.Link,
		"expires_at":        inv.ExpiresAt.UTC().Format("January 2, 2006"),
	})
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	return n.sender.SendEmail(ctx, inv.Email, subject, body)
}

// Package mailer sends the application's outgoing email.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"text/template"
	"time"

	"carline/dismissal/dbtypes"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"golang.org/x/time/rate"
)

// Message is a plain-text email to one recipient.
type Message struct {
	To      string
	Subject string
	Text    string
}

type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// SendGridSender delivers mail through SendGrid, pacing requests so a burst
// of invitations doesn't trip the API's rate limits.
type SendGridSender struct {
	client  *sendgrid.Client
	from    *mail.Email
	limiter *rate.Limiter
}

func NewSendGrid(client *sendgrid.Client, fromName, fromAddress string, perSecond float64) *SendGridSender {
	return &SendGridSender{
		client:  client,
		from:    mail.NewEmail(fromName, fromAddress),
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg *Message) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("while waiting for send quota: %w", err)
	}

	message := mail.NewV3Mail()
	message.From = s.from
	message.Subject = msg.Subject

	personalization := mail.NewPersonalization()
	personalization.To = append(personalization.To, mail.NewEmail("", msg.To))
	message.Personalizations = append(message.Personalizations, personalization)

	message.Content = append(message.Content, mail.NewContent("text/plain", msg.Text))

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("while sending mail through SendGrid: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2XX response while sending mail through Sendgrid: %d %s", resp.StatusCode, resp.Body)
	}

	return nil
}

// LogSender writes messages to the log instead of sending them.  For local
// development.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg *Message) error {
	slog.InfoContext(ctx, "Not sending email",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("text", msg.Text))
	return nil
}

type invitationData struct {
	SchoolName string
	Role       dbtypes.Role
	InvitedBy  string
	AcceptLink string
	ExpiresAt  string
}

const invitationPlain = `
{{- if .InvitedBy -}}
{{.InvitedBy}} has invited you to join {{.SchoolName}} on Carline as {{.Role}}.
{{- else -}}
You have been invited to join {{.SchoolName}} on Carline as {{.Role}}.
{{- end}}

Accept the invitation here: {{.AcceptLink}}

The link expires on {{.ExpiresAt}}.
`

var invitationPlainTemplate = template.Must(template.New("invitation").Parse(invitationPlain))

// InvitationMessage renders the email inviting someone to a school.  baseURL
// is the root of the web front end.
func InvitationMessage(inv *dbtypes.UserInvitation, school *dbtypes.School, inviter *dbtypes.User, baseURL string) (*Message, error) {
	link, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("while parsing base URL: %w", err)
	}
	link = link.JoinPath("accept-invitation")
	link.RawQuery = url.Values{"token": []string{inv.Token}}.Encode()

	data := &invitationData{
		SchoolName: school.Name,
		Role:       inv.Role,
		AcceptLink: link.String(),
		ExpiresAt:  inv.ExpiresAt.In(school.Location()).Format(time.RFC1123),
	}
	if inviter != nil {
		data.InvitedBy = inviter.DisplayName
		if data.InvitedBy == "" {
			data.InvitedBy = inviter.Email
		}
	}

	text := &bytes.Buffer{}
	if err := invitationPlainTemplate.Execute(text, data); err != nil {
		return nil, fmt.Errorf("while templating plain-text email content: %w", err)
	}

	return &Message{
		To:      inv.Email,
		Subject: fmt.Sprintf("You're invited to join %s on Carline", school.Name),
		Text:    text.String(),
	}, nil
}

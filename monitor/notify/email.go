package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"

	"deploywatch.org/core/monitor/models"
)

// Email delivers alerts through resend. It requires the channel to be
// enabled and to have at least one recipient configured.
type Email struct {
	settingsHolder
	client *resend.Client
	from   string
}

func NewEmail(apiKey, from string, settings models.ChannelSettings) *Email {
	e := &Email{
		client: resend.NewClient(apiKey),
		from:   from,
	}
	e.Configure(settings)
	return e
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, alert *models.Alert) error {
	recipients := e.Settings().Recipients
	if len(recipients) == 0 {
		return fmt.Errorf("email channel has no recipients configured")
	}

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Type)

	var body strings.Builder
	fmt.Fprintf(&body, "Alert %s\n\n", alert.ID)
	fmt.Fprintf(&body, "Type: %s\nSeverity: %s\nFirst seen: %s\nOccurrences: %d\n",
		alert.Type, alert.Severity, alert.Timestamp.Format("2006-01-02 15:04:05 MST"), alert.Occurrences)
	for k, v := range alert.Data {
		fmt.Fprintf(&body, "%s: %v\n", k, v)
	}

	_, err := e.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    e.from,
		To:      recipients,
		Subject: subject,
		Text:    body.String(),
	})
	if err != nil {
		return fmt.Errorf("error sending alert email: %w", err)
	}
	return nil
}

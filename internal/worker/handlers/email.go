package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/nadmax/auditq/internal/task"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	log "github.com/sirupsen/logrus"
)

// NotifyEmailField is the payload key holding the address to notify when a
// task finishes.
const NotifyEmailField = "notify_email"

// Sender is the subset of *sendgrid.Client used to deliver mail.
type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// EmailNotifier mails the requester when a task reaches a final state.
type EmailNotifier struct {
	sender Sender
	from   *mail.Email
}

func NewEmailNotifier(apiKey, fromName, fromAddress string) *EmailNotifier {
	return NewEmailNotifierWithSender(sendgrid.NewSendClient(apiKey), fromName, fromAddress)
}

func NewEmailNotifierWithSender(sender Sender, fromName, fromAddress string) *EmailNotifier {
	return &EmailNotifier{
		sender: sender,
		from:   mail.NewEmail(fromName, fromAddress),
	}
}

// Notify is a no-op for tasks that did not ask for a notification.
func (n *EmailNotifier) Notify(ctx context.Context, t *task.Task) error {
	to, _ := t.Payload[NotifyEmailField].(string)
	to = strings.TrimSpace(to)
	if to == "" {
		return nil
	}

	subject, body := composeNotification(t)
	email := mail.NewSingleEmail(n.from, subject, mail.NewEmail("", to), body, body)

	response, err := n.sender.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	log.WithFields(log.Fields{
		"task_id": t.ID,
		"to":      to,
		"status":  response.StatusCode,
	}).Info("Notification email sent")
	return nil
}

func composeNotification(t *task.Task) (string, string) {
	label := strings.ReplaceAll(t.Type, "_", " ")

	switch t.Status {
	case task.CompletedStatus:
		subject := fmt.Sprintf("Your %s is ready", label)
		var b strings.Builder
		fmt.Fprintf(&b, "Task %s finished successfully.\n", t.ID)
		if domain, ok := t.Result["domain"].(string); ok {
			fmt.Fprintf(&b, "Domain: %s\n", domain)
		}
		if pages, ok := t.Result["pages"]; ok {
			fmt.Fprintf(&b, "Pages audited: %v\n", pages)
		}
		if title, ok := t.Result["title"].(string); ok {
			fmt.Fprintf(&b, "Title: %s\n", title)
		}
		return subject, b.String()
	default:
		subject := fmt.Sprintf("Your %s failed", label)
		return subject, fmt.Sprintf("Task %s did not complete: %s\n", t.ID, t.WireError())
	}
}

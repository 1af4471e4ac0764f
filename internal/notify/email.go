package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/noah-isme/pos-billing/internal/events"
	"github.com/noah-isme/pos-billing/internal/queue"
)

// TaskInvoiceEmail is the queue kind used for invoice email deliveries.
const TaskInvoiceEmail = "invoice.email"

// TaskEnqueuer publishes queue tasks.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// EmailNotifier turns invoice.created events into email delivery tasks when
// the cashier asked for the invoice to be mailed.
type EmailNotifier struct {
	Queue       TaskEnqueuer
	Enabled     bool
	MaxAttempts int
}

// Notify implements events.Notifier.
func (n EmailNotifier) Notify(ctx context.Context, event events.Event) error {
	if !n.Enabled || n.Queue == nil || event.Topic != events.TopicInvoiceCreated {
		return nil
	}
	var payload events.InvoiceCreated
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("email notify: decode payload: %w", err)
	}
	if !payload.SendEmail || strings.TrimSpace(payload.CustomerEmail) == "" {
		return nil
	}
	return n.Queue.Enqueue(ctx, queue.Task{
		Kind:           TaskInvoiceEmail,
		Payload:        event.Payload,
		IdempotencyKey: "invoice:" + payload.InvoiceID,
		MaxAttempts:    n.MaxAttempts,
	})
}

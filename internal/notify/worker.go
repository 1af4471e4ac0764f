package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-billing/internal/billing"
	"github.com/noah-isme/pos-billing/internal/common"
	"github.com/noah-isme/pos-billing/internal/events"
	"github.com/noah-isme/pos-billing/internal/lock"
	"github.com/noah-isme/pos-billing/internal/obs"
	"github.com/noah-isme/pos-billing/internal/queue"
)

// DeliveryWorker renders and sends invoice emails pulled from the queue.
// With a Locker, each invoice is marked in Redis before its email goes out,
// so a task redelivered after the visibility timeout is dropped instead of
// emailing the customer twice.
type DeliveryWorker struct {
	Mail           common.EmailSender
	Locker         *lock.Locker
	LockTTL        time.Duration
	SentTTL        time.Duration
	CurrencySymbol string
	Logger         *zerolog.Logger
}

// Handle executes a single invoice email task.
func (w DeliveryWorker) Handle(ctx context.Context, task queue.Task) error {
	if w.Mail == nil {
		return errors.New("email worker: sender not configured")
	}
	var inv events.InvoiceCreated
	if err := json.Unmarshal(task.Payload, &inv); err != nil {
		// malformed payloads never succeed on retry
		obs.ObserveEmailDelivery("invalid")
		if w.Logger != nil {
			w.Logger.Error().Err(err).Str("task_key", task.IdempotencyKey).Msg("email_payload_invalid")
		}
		return nil
	}
	to := strings.TrimSpace(inv.CustomerEmail)
	if to == "" {
		obs.ObserveEmailDelivery("skipped")
		return nil
	}
	send := func() error {
		subject, body := RenderInvoiceEmail(inv, w.CurrencySymbol)
		if err := w.Mail.Send(to, subject, body); err != nil {
			obs.ObserveEmailDelivery("error")
			return fmt.Errorf("email worker: send: %w", err)
		}
		obs.ObserveEmailDelivery("sent")
		return nil
	}
	if w.Locker == nil {
		return send()
	}
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return w.Locker.WithLock(ctx, "email:"+inv.InvoiceID, ttl, func(ctx context.Context) error {
		return w.sendOnce(ctx, inv.InvoiceID, ttl, send)
	})
}

// sendOnce reserves the sent marker for the in-flight window, runs send and
// keeps the marker for SentTTL on success. A failed send drops the marker so
// the queue retry can send again.
func (w DeliveryWorker) sendOnce(ctx context.Context, invoiceID string, reserve time.Duration, send func() error) error {
	key := w.Locker.Prefix + "email:sent:" + invoiceID
	fresh, err := w.Locker.R.SetNX(ctx, key, "sending", reserve).Result()
	if err != nil {
		return fmt.Errorf("email worker: mark sent: %w", err)
	}
	if !fresh {
		obs.ObserveEmailDelivery("duplicate")
		if w.Logger != nil {
			w.Logger.Info().Str("invoice_id", invoiceID).Msg("email_already_sent")
		}
		return nil
	}
	if err := send(); err != nil {
		if derr := w.Locker.R.Del(context.WithoutCancel(ctx), key).Err(); derr != nil && w.Logger != nil {
			w.Logger.Warn().Err(derr).Str("invoice_id", invoiceID).Msg("email_mark_clear_failed")
		}
		return err
	}
	sentTTL := w.SentTTL
	if sentTTL <= 0 {
		sentTTL = 7 * 24 * time.Hour
	}
	if err := w.Locker.R.Set(context.WithoutCancel(ctx), key, "sent", sentTTL).Err(); err != nil && w.Logger != nil {
		w.Logger.Warn().Err(err).Str("invoice_id", invoiceID).Msg("email_mark_failed")
	}
	return nil
}

// RenderInvoiceEmail builds the plain text invoice summary sent to customers.
func RenderInvoiceEmail(inv events.InvoiceCreated, currency string) (string, string) {
	subject := fmt.Sprintf("Invoice %s", inv.InvoiceNumber)
	var b strings.Builder
	name := strings.TrimSpace(inv.CustomerName)
	if name == "" {
		name = "customer"
	}
	fmt.Fprintf(&b, "Dear %s,\n\nThank you for your purchase. Invoice %s:\n\n", name, inv.InvoiceNumber)
	for _, line := range inv.Lines {
		fmt.Fprintf(&b, "%s x%d @ %s", line.ProductName, line.Quantity, billing.FormatCurrency(currency, line.UnitPrice))
		if !line.GSTAmount.IsZero() {
			fmt.Fprintf(&b, " + GST %s", billing.FormatCurrency(currency, line.GSTAmount))
		}
		fmt.Fprintf(&b, " = %s\n", billing.FormatCurrency(currency, line.Total))
	}
	fmt.Fprintf(&b, "\nSubtotal: %s\n", billing.FormatCurrency(currency, inv.Subtotal))
	if inv.BillingMode == string(billing.ModeWithGST) {
		fmt.Fprintf(&b, "GST: %s\n", billing.FormatCurrency(currency, inv.TotalGST))
	}
	fmt.Fprintf(&b, "Grand total: %s\n", billing.FormatCurrency(currency, inv.GrandTotal))
	return subject, b.String()
}

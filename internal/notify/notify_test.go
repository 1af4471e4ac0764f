package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-billing/internal/common"
	"github.com/noah-isme/pos-billing/internal/events"
	"github.com/noah-isme/pos-billing/internal/lock"
	"github.com/noah-isme/pos-billing/internal/notify"
	"github.com/noah-isme/pos-billing/internal/queue"
)

type captureQueue struct {
	tasks []queue.Task
}

func (c *captureQueue) Enqueue(_ context.Context, t queue.Task) error {
	c.tasks = append(c.tasks, t)
	return nil
}

type failingMail struct{}

func (failingMail) Send(string, string, string) error { return errors.New("smtp down") }

func sampleInvoice() events.InvoiceCreated {
	return events.InvoiceCreated{
		InvoiceID:     "11111111-1111-1111-1111-111111111111",
		InvoiceNumber: "INV-1000",
		CustomerName:  "Asha",
		CustomerEmail: "asha@example.com",
		BillingMode:   "With GST",
		Lines: []events.InvoiceLine{{
			ProductName: "Product A",
			Quantity:    2,
			UnitPrice:   decimal.NewFromInt(100),
			GSTAmount:   decimal.NewFromInt(36),
			Total:       decimal.NewFromInt(236),
		}},
		Subtotal:   decimal.NewFromInt(200),
		TotalGST:   decimal.NewFromInt(36),
		GrandTotal: decimal.NewFromInt(236),
		SendEmail:  true,
	}
}

func eventFor(t *testing.T, inv events.InvoiceCreated) events.Event {
	t.Helper()
	raw, err := json.Marshal(inv)
	require.NoError(t, err)
	return events.Event{ID: "e1", Topic: events.TopicInvoiceCreated, AggregateID: inv.InvoiceID, Payload: raw, OccurredAt: time.Now()}
}

func TestEmailNotifierEnqueuesWhenRequested(t *testing.T) {
	q := &captureQueue{}
	n := notify.EmailNotifier{Queue: q, Enabled: true, MaxAttempts: 3}

	require.NoError(t, n.Notify(context.Background(), eventFor(t, sampleInvoice())))
	require.Len(t, q.tasks, 1)
	require.Equal(t, notify.TaskInvoiceEmail, q.tasks[0].Kind)
	require.Equal(t, "invoice:11111111-1111-1111-1111-111111111111", q.tasks[0].IdempotencyKey)
	require.Equal(t, 3, q.tasks[0].MaxAttempts)
}

func TestEmailNotifierSkips(t *testing.T) {
	q := &captureQueue{}
	inv := sampleInvoice()
	inv.SendEmail = false

	require.NoError(t, notify.EmailNotifier{Queue: q, Enabled: true}.Notify(context.Background(), eventFor(t, inv)))
	require.NoError(t, notify.EmailNotifier{Queue: q}.Notify(context.Background(), eventFor(t, sampleInvoice())))
	other := eventFor(t, sampleInvoice())
	other.Topic = "something.else"
	require.NoError(t, notify.EmailNotifier{Queue: q, Enabled: true}.Notify(context.Background(), other))
	require.Empty(t, q.tasks)

	bad := events.Event{Topic: events.TopicInvoiceCreated, Payload: json.RawMessage(`[`)}
	require.Error(t, notify.EmailNotifier{Queue: q, Enabled: true}.Notify(context.Background(), bad))
}

func TestRenderInvoiceEmail(t *testing.T) {
	subject, body := notify.RenderInvoiceEmail(sampleInvoice(), "₹")
	require.Equal(t, "Invoice INV-1000", subject)
	require.Contains(t, body, "Dear Asha")
	require.Contains(t, body, "Product A x2 @ ₹100.00 + GST ₹36.00 = ₹236.00")
	require.Contains(t, body, "GST: ₹36.00")
	require.Contains(t, body, "Grand total: ₹236.00")

	inv := sampleInvoice()
	inv.BillingMode = "Without GST"
	_, body = notify.RenderInvoiceEmail(inv, "₹")
	require.NotContains(t, body, "GST: ")
}

func TestDeliveryWorkerSendsThroughQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	mail := &common.InMemoryEmail{}
	n := notify.EmailNotifier{Queue: queue.Enqueuer{R: rdb, Prefix: "test"}, Enabled: true}
	ev := eventFor(t, sampleInvoice())
	require.NoError(t, n.Notify(context.Background(), ev))
	// duplicate event is deduplicated by invoice id
	require.NoError(t, n.Notify(context.Background(), ev))

	worker := notify.DeliveryWorker{
		Mail:           mail,
		Locker:         &lock.Locker{R: rdb, Prefix: "test:", RetryBackoff: 5 * time.Millisecond},
		CurrencySymbol: "₹",
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- queue.Worker{
			R:            rdb,
			Prefix:       "test",
			Kind:         notify.TaskInvoiceEmail,
			Handler:      worker.Handle,
			PollInterval: 5 * time.Millisecond,
		}.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(mail.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	sent := mail.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "asha@example.com", sent[0].To)
	require.Equal(t, "Invoice INV-1000", sent[0].Subject)
}

type flakyMail struct {
	fail bool
	sent int
}

func (f *flakyMail) Send(string, string, string) error {
	if f.fail {
		return errors.New("relay timeout")
	}
	f.sent++
	return nil
}

func TestDeliveryWorkerDropsRedeliveredTask(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	raw, err := json.Marshal(sampleInvoice())
	require.NoError(t, err)
	task := queue.Task{Kind: notify.TaskInvoiceEmail, Payload: raw}
	mail := &flakyMail{fail: true}
	worker := notify.DeliveryWorker{
		Mail:    mail,
		Locker:  &lock.Locker{R: rdb, Prefix: "test:", RetryBackoff: 5 * time.Millisecond},
		LockTTL: 30 * time.Second,
		SentTTL: time.Hour,
	}
	ctx := context.Background()
	key := "test:email:sent:" + sampleInvoice().InvoiceID

	require.Error(t, worker.Handle(ctx, task))
	require.False(t, mr.Exists(key), "failed send must not block the retry")

	mail.fail = false
	require.NoError(t, worker.Handle(ctx, task))
	require.Equal(t, 1, mail.sent)
	require.Equal(t, time.Hour, mr.TTL(key))

	// redelivery after the visibility timeout
	mr.FastForward(31 * time.Second)
	require.NoError(t, worker.Handle(ctx, task))
	require.Equal(t, 1, mail.sent)

	mr.FastForward(time.Hour)
	require.NoError(t, worker.Handle(ctx, task))
	require.Equal(t, 2, mail.sent)
}

func TestDeliveryWorkerErrors(t *testing.T) {
	raw, err := json.Marshal(sampleInvoice())
	require.NoError(t, err)

	err = notify.DeliveryWorker{Mail: failingMail{}}.Handle(context.Background(), queue.Task{Payload: raw})
	require.Error(t, err)

	err = notify.DeliveryWorker{}.Handle(context.Background(), queue.Task{Payload: raw})
	require.Error(t, err)

	mail := &common.InMemoryEmail{}
	require.NoError(t, notify.DeliveryWorker{Mail: mail}.Handle(context.Background(), queue.Task{Payload: []byte("nope")}))
	require.Empty(t, mail.Sent())
}

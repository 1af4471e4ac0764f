package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-billing/internal/events"
)

type stubStore struct {
	topic   string
	payload []byte
	err     error
}

func (s *stubStore) InsertDomainEvent(_ context.Context, topic, aggregateID string, payload []byte) (events.Event, error) {
	if s.err != nil {
		return events.Event{}, s.err
	}
	s.topic = topic
	s.payload = payload
	return events.Event{ID: uuid.NewString(), Topic: topic, AggregateID: aggregateID, Payload: payload, OccurredAt: time.Now()}, nil
}

type captureNotifier struct {
	events []events.Event
	err    error
}

func (c *captureNotifier) Notify(_ context.Context, ev events.Event) error {
	c.events = append(c.events, ev)
	return c.err
}

func TestEmitPersistsAndNotifies(t *testing.T) {
	store := &stubStore{}
	notifier := &captureNotifier{}
	bus := &events.Bus{Store: store, Notifiers: []events.Notifier{notifier, nil}}

	payload := events.InvoiceCreated{InvoiceID: "inv-1", GrandTotal: decimal.RequireFromString("236.00"), SendEmail: true}
	ev, err := bus.Emit(context.Background(), events.TopicInvoiceCreated, "inv-1", payload)
	require.NoError(t, err)
	require.Equal(t, events.TopicInvoiceCreated, store.topic)
	require.Len(t, notifier.events, 1)
	require.Equal(t, ev.ID, notifier.events[0].ID)

	var decoded events.InvoiceCreated
	require.NoError(t, json.Unmarshal(notifier.events[0].Payload, &decoded))
	require.True(t, decoded.GrandTotal.Equal(payload.GrandTotal))
}

func TestEmitValidatesInput(t *testing.T) {
	bus := &events.Bus{Store: &stubStore{}}
	_, err := bus.Emit(context.Background(), " ", "a", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), "t", "", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), "t", "a", "{not json")
	require.Error(t, err)

	var nilBus *events.Bus
	_, err = nilBus.Emit(context.Background(), "t", "a", nil)
	require.Error(t, err)
}

func TestEmitJoinsNotifierErrors(t *testing.T) {
	boom := errors.New("queue down")
	bus := &events.Bus{Store: &stubStore{}, Notifiers: []events.Notifier{&captureNotifier{err: boom}}}
	ev, err := bus.Emit(context.Background(), "t", "a", []byte(`{"ok":true}`))
	require.ErrorIs(t, err, boom)
	require.NotEmpty(t, ev.ID)
}

func TestEmitStoreFailure(t *testing.T) {
	notifier := &captureNotifier{}
	bus := &events.Bus{Store: &stubStore{err: errors.New("db")}, Notifiers: []events.Notifier{notifier}}
	_, err := bus.Emit(context.Background(), "t", "a", nil)
	require.Error(t, err)
	require.Empty(t, notifier.events)
}

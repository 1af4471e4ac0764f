package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-billing/internal/obs"
)

// Task represents a job to be processed asynchronously.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
	// Attempt is 1 on first delivery. Set by the worker.
	Attempt int
}

// Enqueuer publishes tasks to Redis backed queues.
type Enqueuer struct {
	R           *redis.Client
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue inserts the task into the queue. If an idempotency key is supplied
// the task is only enqueued once within the deduplication window.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return fmt.Errorf("queue: invalid task kind %q", t.Kind)
	}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		MaxAttempts: t.MaxAttempts,
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = e.MaxAttempts
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 10
	}
	k := keys{prefix: e.Prefix, kind: kind}

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, k.dedup(msg.Key), "1", ttl).Result()
		if err != nil {
			return fmt.Errorf("queue: dedup: %w", err)
		}
		if !ok {
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.R.ZAdd(ctx, k.ready(), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err()
}

// Worker consumes tasks for a specific kind.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	Handler           func(context.Context, Task) error
	RetryBase         time.Duration
	RetryJitter       float64
	PollInterval      time.Duration
	Logger            *zerolog.Logger
}

// Run processes tasks until ctx is cancelled. In-flight tasks sit in a
// processing set scored by their visibility deadline so a crashed worker's
// tasks are redelivered.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return fmt.Errorf("queue: invalid worker kind %q", w.Kind)
	}
	concurrency := max(w.Concurrency, 1)
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	log := zerolog.Nop()
	if w.Logger != nil {
		log = w.Logger.With().Str("queue_kind", kind).Logger()
	}
	k := keys{prefix: w.Prefix, kind: kind}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	lastSweep := time.Time{}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(lastSweep) >= visibility/2 {
			if err := w.requeueExpired(ctx, k); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("queue_requeue_failed")
			}
			lastSweep = time.Now()
		}

		raw, msg, ok, err := w.claim(ctx, k, visibility)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(poll):
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		wg.Add(1)
		go func(raw string, m taskMessage) {
			defer func() { <-sem }()
			defer wg.Done()
			jobCtx, cancel := context.WithTimeout(ctx, visibility)
			defer cancel()
			err := w.Handler(jobCtx, Task{Kind: kind, Payload: m.Payload, IdempotencyKey: m.Key, MaxAttempts: m.MaxAttempts, Attempt: m.Attempt})
			// use a detached context so bookkeeping survives shutdown
			bg, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			if err != nil {
				log.Warn().Err(err).Int("attempt", m.Attempt).Str("task_key", m.Key).Msg("queue_task_failed")
				w.fail(bg, k, raw, m)
				return
			}
			obs.ObserveQueueJob(kind, "ok")
			w.ack(bg, k, raw)
		}(raw, msg)
	}
}

// claim pops the earliest due task and moves it into the processing set.
func (w Worker) claim(ctx context.Context, k keys, visibility time.Duration) (string, taskMessage, bool, error) {
	now := time.Now()
	due, err := w.R.ZRangeByScore(ctx, k.ready(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixNano()), Count: 1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", taskMessage{}, false, err
	}
	if len(due) == 0 {
		return "", taskMessage{}, false, nil
	}
	removed, err := w.R.ZRem(ctx, k.ready(), due[0]).Result()
	if err != nil {
		return "", taskMessage{}, false, err
	}
	if removed == 0 {
		// another worker claimed it first
		return "", taskMessage{}, false, nil
	}
	msg, err := decodeMessage(due[0])
	if err != nil {
		_ = w.R.LPush(ctx, k.dlq(), due[0]).Err()
		return "", taskMessage{}, false, nil
	}
	msg.Attempt++
	encoded, err := json.Marshal(msg)
	if err != nil {
		return "", taskMessage{}, false, err
	}
	deadline := now.Add(visibility).UnixNano()
	if err := w.R.ZAdd(ctx, k.processing(), redis.Z{Score: float64(deadline), Member: encoded}).Err(); err != nil {
		return "", taskMessage{}, false, err
	}
	return string(encoded), msg, true, nil
}

func (w Worker) fail(ctx context.Context, k keys, raw string, msg taskMessage) {
	removed, _ := w.R.ZRem(ctx, k.processing(), raw).Result()
	if removed == 0 {
		// visibility expired and the sweeper already requeued it
		return
	}
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		obs.ObserveQueueJob(msg.Kind, "dead")
		encoded, err := json.Marshal(msg)
		if err != nil {
			return
		}
		_ = w.R.LPush(ctx, k.dlq(), encoded).Err()
		if msg.Key != "" {
			_ = w.R.Del(ctx, k.dedup(msg.Key)).Err()
		}
		return
	}
	obs.ObserveQueueJob(msg.Kind, "retry")
	msg.AvailableAt = time.Now().Add(backoff(w.RetryBase, msg.Attempt, w.RetryJitter)).UnixNano()
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = w.R.ZAdd(ctx, k.ready(), redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
}

func (w Worker) ack(ctx context.Context, k keys, raw string) {
	_ = w.R.ZRem(ctx, k.processing(), raw).Err()
}

func (w Worker) requeueExpired(ctx context.Context, k keys) error {
	now := time.Now().UnixNano()
	expired, err := w.R.ZRangeByScore(ctx, k.processing(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range expired {
		removed, err := w.R.ZRem(ctx, k.processing(), raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		msg.AvailableAt = now
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, k.ready(), redis.Z{Score: float64(now), Member: encoded}).Err()
	}
	return nil
}

// Stats reports queue sizes for one kind.
type Stats struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// Inspect returns the sizes of the ready, processing and dead-letter sets.
func Inspect(ctx context.Context, r *redis.Client, prefix, kind string) (Stats, error) {
	k := keys{prefix: prefix, kind: sanitizeKind(kind)}
	if k.kind == "" {
		return Stats{}, fmt.Errorf("queue: invalid kind %q", kind)
	}
	pipe := r.Pipeline()
	ready := pipe.ZCard(ctx, k.ready())
	processing := pipe.ZCard(ctx, k.processing())
	dead := pipe.LLen(ctx, k.dlq())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}
	return Stats{Ready: ready.Val(), Processing: processing.Val(), Dead: dead.Val()}, nil
}

// backoff doubles base per attempt and spreads it by ±jitter.
func backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	d := base << uint(min(attempt-1, 16))
	if jitter <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * float64(d) * jitter
	return d + time.Duration(delta)
}

type keys struct {
	prefix string
	kind   string
}

func (k keys) base() string {
	if k.prefix == "" {
		return "queue"
	}
	return k.prefix + ":queue"
}

func (k keys) ready() string      { return k.base() + ":" + k.kind }
func (k keys) processing() string { return k.base() + ":" + k.kind + ":processing" }
func (k keys) dlq() string        { return k.base() + ":" + k.kind + ":dlq" }
func (k keys) dedup(key string) string {
	return k.base() + ":dedup:" + k.kind + ":" + key
}

func sanitizeKind(kind string) string {
	if kind == "" {
		return ""
	}
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return ""
		}
	}
	return kind
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}

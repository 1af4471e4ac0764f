package queue_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-billing/internal/queue"
)

func TestVisibilityTimeoutRequeue(t *testing.T) {
	client := newClient(t)
	enq := queue.Enqueuer{R: client, Prefix: "vis", DedupTTL: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := make(chan int, 4)
	log := zerolog.New(io.Discard)
	worker := queue.Worker{
		R:                 client,
		Prefix:            "vis",
		Kind:              "invoice.email",
		Concurrency:       2,
		VisibilityTimeout: 100 * time.Millisecond,
		RetryBase:         20 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		Logger:            &log,
		Handler: func(jobCtx context.Context, task queue.Task) error {
			attempts <- task.Attempt
			if task.Attempt == 1 {
				<-jobCtx.Done()
				return jobCtx.Err()
			}
			cancel()
			return nil
		},
	}

	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "invoice.email", Payload: []byte("payload"), IdempotencyKey: "a1", MaxAttempts: 3}))

	require.Eventually(t, func() bool {
		return len(attempts) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	<-done

	require.Equal(t, 1, <-attempts)
	require.Equal(t, 2, <-attempts)

	stats, err := queue.Inspect(context.Background(), client, "vis", "invoice.email")
	require.NoError(t, err)
	require.Zero(t, stats.Ready)
	require.Zero(t, stats.Processing)
}

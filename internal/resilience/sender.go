package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/pos-billing/internal/common"
)

// Sender retries an EmailSender with backoff behind a Breaker. Once the
// breaker opens, sends fail fast with ErrOpenCircuit and the queue retries
// the job later.
type Sender struct {
	Next        common.EmailSender
	Breaker     *Breaker
	MaxAttempts int
	BaseBackoff time.Duration
	Jitter      float64
	Sleep       func(time.Duration)
}

// Send implements common.EmailSender.
func (s Sender) Send(to, subject, body string) error {
	if s.Next == nil {
		return errors.New("resilience: email sender not configured")
	}
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := s.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	ctx := context.Background()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if s.Breaker != nil && !s.Breaker.Allow(ctx) {
			if lastErr != nil {
				return errors.Join(ErrOpenCircuit, lastErr)
			}
			return ErrOpenCircuit
		}
		err := s.Next.Send(to, subject, body)
		if s.Breaker != nil {
			s.Breaker.Report(ctx, err == nil)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < attempts {
			sleep(Backoff(s.BaseBackoff, attempt, s.Jitter))
		}
	}
	return lastErr
}

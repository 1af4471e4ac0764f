// Package session keeps in-progress billing sessions in Redis so any API
// instance can serve the next request of a terminal.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/pos-billing/internal/billing"
	"github.com/noah-isme/pos-billing/internal/lock"
)

// ErrNotFound is returned for unknown or expired sessions.
var ErrNotFound = errors.New("session not found")

// Store persists sessions as JSON with a sliding TTL.
type Store struct {
	R          *redis.Client
	Prefix     string
	TTL        time.Duration
	Locker     lock.Locker
	LockTTL    time.Duration
	Calculator billing.Calculator
}

func (s *Store) key(id string) string {
	return s.Prefix + "session:" + id
}

func (s *Store) ttl() time.Duration {
	if s.TTL <= 0 {
		return 12 * time.Hour
	}
	return s.TTL
}

// Save writes sess and refreshes its TTL.
func (s *Store) Save(ctx context.Context, sess *billing.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.R.Set(ctx, s.key(sess.ID), raw, s.ttl()).Err()
}

// Load reads a session and binds the store calculator to it.
func (s *Store) Load(ctx context.Context, id string) (*billing.Session, error) {
	raw, err := s.R.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess billing.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess.UseCalculator(s.Calculator)
	return &sess, nil
}

func (s *Store) lockTTL() time.Duration {
	if s.LockTTL <= 0 {
		return 5 * time.Second
	}
	return s.LockTTL
}

// Update loads the session, applies fn and saves the result while holding
// the session lock. Nothing is written when fn fails.
func (s *Store) Update(ctx context.Context, id string, fn func(*billing.Session) error) (*billing.Session, error) {
	var out *billing.Session
	err := s.Locker.WithLock(ctx, "session:"+id, s.lockTTL(), func(ctx context.Context) error {
		sess, err := s.Load(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}
		if err := s.Save(ctx, sess); err != nil {
			return err
		}
		out = sess
		return nil
	})
	return out, err
}

// Delete removes a session under its lock unless guard returns an error.
func (s *Store) Delete(ctx context.Context, id string, guard func(*billing.Session) error) error {
	return s.Locker.WithLock(ctx, "session:"+id, s.lockTTL(), func(ctx context.Context) error {
		sess, err := s.Load(ctx, id)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(sess); err != nil {
				return err
			}
		}
		return s.R.Del(ctx, s.key(id)).Err()
	})
}

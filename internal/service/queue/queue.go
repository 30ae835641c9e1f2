// Package queue is the durable per-recipient holding area for messages whose
// live delivery was not acknowledged in time. Entries are bounded by a TTL
// and are consumed only as a whole batch.
package queue

import (
	"context"
	"fmt"
	"time"

	"e2e_relay/internal/service/metrics"
	"e2e_relay/internal/service/registry"
	"e2e_relay/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Store is a list store with rpush/lrange/del/expire semantics.
	Store interface {
		Append(ctx context.Context, key string, ttl time.Duration, values ...string) error
		Prepend(ctx context.Context, key string, ttl time.Duration, values ...string) error
		Take(ctx context.Context, key string) ([]string, error)
	}

	Queue struct {
		store Store
		ttl   time.Duration
	}
)

func New(store Store, ttl time.Duration) *Queue {
	return &Queue{
		store: store,
		ttl:   ttl,
	}
}

func Key(identity string) string {
	return fmt.Sprintf("queue:%s", identity)
}

// Enqueue appends raw to identity's queue and extends the queue's lifetime.
func (q *Queue) Enqueue(ctx context.Context, identity string, raw []byte) error {
	if err := q.store.Append(ctx, Key(identity), q.ttl, string(raw)); err != nil {
		metrics.QueueErrors.Inc()
		return fmt.Errorf("enqueue for %s: %w", identity, err)
	}
	return nil
}

// DrainAll returns every queued entry in enqueue order and empties the queue.
func (q *Queue) DrainAll(ctx context.Context, identity string) ([]string, error) {
	vals, err := q.store.Take(ctx, Key(identity))
	if err != nil {
		metrics.QueueErrors.Inc()
		return nil, fmt.Errorf("drain for %s: %w", identity, err)
	}
	return vals, nil
}

// Requeue puts entries back at the head of the queue, ahead of anything
// enqueued since they were drained.
func (q *Queue) Requeue(ctx context.Context, identity string, entries []string) error {
	if err := q.store.Prepend(ctx, Key(identity), q.ttl, entries...); err != nil {
		metrics.QueueErrors.Inc()
		return fmt.Errorf("requeue for %s: %w", identity, err)
	}
	return nil
}

// Deliver drains the session owner's queue and pushes each entry with at
// least spacing between consecutive pushes. Entries not pushed because the
// session failed or ctx ended are requeued. It returns the number pushed.
func (q *Queue) Deliver(ctx context.Context, s registry.Session, spacing time.Duration) (int, error) {
	identity := s.Identity()
	entries, err := q.DrainAll(ctx, identity)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	log.Debug("draining offline queue", zap.String("identity", identity), zap.Int("entries", len(entries)))

	for i, raw := range entries {
		if i > 0 && spacing > 0 {
			t := time.NewTimer(spacing)
			select {
			case <-ctx.Done():
				t.Stop()
				return i, q.restore(identity, entries[i:], ctx.Err())
			case <-t.C:
			}
		}

		if err := s.Send([]byte(raw)); err != nil {
			return i, q.restore(identity, entries[i:], err)
		}
		metrics.QueueDrained.Inc()
	}
	return len(entries), nil
}

func (q *Queue) restore(identity string, rest []string, cause error) error {
	// ctx may already be done; the write-back must still happen.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.Requeue(ctx, identity, rest); err != nil {
		log.Error("requeue after interrupted drain failed",
			zap.String("identity", identity), zap.Int("lost", len(rest)), zap.Error(err))
		return fmt.Errorf("%v: %w", cause, err)
	}
	log.Info("drain interrupted, entries requeued",
		zap.String("identity", identity), zap.Int("requeued", len(rest)), zap.Error(cause))
	return cause
}

// Package queue buffers admin-event notifications emitted by the
// in-IdP plugin between a bounded channel and a worker pool that
// applies each one with bounded retry.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

// OverflowPolicy decides what happens when Enqueue is called on a full
// queue.
type OverflowPolicy int

const (
	// Reject refuses the new event; Enqueue returns false.
	Reject OverflowPolicy = iota
	// DropOldest discards the queue's oldest buffered event to make
	// room for the new one.
	DropOldest
)

// Event is one admin-event notification awaiting broker application.
type Event struct {
	CorrelationID string
	Principal     string
	OpType        string
	EnqueuedAt    time.Time
	RetryCount    int
	LastAttemptAt *time.Time
}

// Config controls queue capacity, overflow behavior, and the worker
// pool's retry schedule.
type Config struct {
	Capacity    int
	Overflow    OverflowPolicy
	Workers     int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig buffers 1000 events, rejects on overflow, runs 4
// workers, and makes up to 3 attempts per event, waiting between 1s and
// 30s between attempts.
func DefaultConfig() Config {
	return Config{
		Capacity:    1000,
		Overflow:    Reject,
		Workers:     4,
		MaxRetries:  3,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// Metrics exposes the queue's current gauges and running counters.
type Metrics struct {
	Depth            int64
	Dropped          int64
	ScheduledRetries int64
	TerminalFailures int64
}

// Queue is a bounded channel plus the counters describing its traffic.
type Queue struct {
	cfg Config
	ch  chan Event
	mu  sync.Mutex // guards DropOldest's drain-then-push

	dropped, retries, terminal atomic.Int64
}

// New builds a Queue. cfg.Workers and cfg.Capacity fall back to
// DefaultConfig's values if zero.
func New(cfg Config) *Queue {
	d := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = d.Capacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = d.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	return &Queue{cfg: cfg, ch: make(chan Event, cfg.Capacity)}
}

// Enqueue adds ev to the queue. It reports false when the queue is
// full and the overflow policy is Reject; under DropOldest it always
// succeeds, discarding the oldest event first if necessary.
func (q *Queue) Enqueue(ev Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
	}

	if q.cfg.Overflow == Reject {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// Close stops accepting new events; Run's workers drain what remains
// and exit once the channel is empty and closed.
func (q *Queue) Close() { close(q.ch) }

// Metrics snapshots the queue's current counters. Depth reads the
// channel's buffered length, which is exact only between sends and
// receives racing on it, but good enough for a gauge.
func (q *Queue) Metrics() Metrics {
	return Metrics{
		Depth:            int64(len(q.ch)),
		Dropped:          q.dropped.Load(),
		ScheduledRetries: q.retries.Load(),
		TerminalFailures: q.terminal.Load(),
	}
}

// Handler applies one event, returning an error to trigger a retry.
type Handler func(ctx context.Context, ev Event) error

// Run starts cfg.Workers goroutines draining the queue and applying
// each event through handler with up to cfg.MaxRetries attempts before
// the event is abandoned and counted as a terminal failure. Run blocks
// until ctx is canceled or the queue is closed and drained.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		g.Go(func() error {
			return q.worker(ctx, handler)
		})
	}
	return g.Wait()
}

func (q *Queue) worker(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-q.ch:
			if !ok {
				return nil
			}
			q.process(ctx, handler, ev)
		}
	}
}

func (q *Queue) process(ctx context.Context, handler Handler, ev Event) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.BaseBackoff
	b.MaxInterval = q.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		now := time.Now()
		ev.LastAttemptAt = &now
		ev.RetryCount = attempt - 1
		if err := handler(ctx, ev); err != nil {
			if attempt < q.cfg.MaxRetries {
				q.retries.Add(1)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(q.cfg.MaxRetries)),
	)
	if err != nil {
		q.terminal.Add(1)
	}
}

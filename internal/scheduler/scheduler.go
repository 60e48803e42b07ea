// Package scheduler arms one cancellable timer per running auction and fires
// the end-of-auction settlement when the deadline passes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bugzero/auctiond/internal/clock"
)

// ErrCapacityExceeded is returned when the timer registry is full.
var ErrCapacityExceeded = errors.New("scheduler is at capacity")

// SettleFunc runs the end-of-auction settlement for one auction.
type SettleFunc func(ctx context.Context, auctionID string) error

// Scheduler keeps at most capacity armed timers, one per auction. Scheduling
// an auction that already has a timer replaces it, so moving an end time never
// leaves two timers racing.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	settle   SettleFunc
	pool     *ants.Pool
	capacity int
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a Scheduler firing settle on a worker pool of poolSize
// goroutines, holding at most capacity armed timers.
func New(settle SettleFunc, capacity, poolSize int, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) (*Scheduler, error) {
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler pool: %w", err)
	}
	return &Scheduler{
		timers:   make(map[string]*time.Timer),
		settle:   settle,
		pool:     pool,
		capacity: capacity,
		clock:    clk,
		logger:   logger,
		tracer:   tp.Tracer("github.com/bugzero/auctiond/internal/scheduler"),
	}, nil
}

// Schedule arms (or re-arms) the auction's end-time timer. A deadline already
// in the past settles synchronously instead of arming anything.
func (s *Scheduler) Schedule(auctionID string, endTime time.Time) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("scheduler is shut down")
	}

	// Re-scheduling replaces the previous timer.
	if t, ok := s.timers[auctionID]; ok {
		t.Stop()
		delete(s.timers, auctionID)
	}

	delay := endTime.Sub(s.clock.Now())
	if delay <= 0 {
		s.mu.Unlock()
		s.run(auctionID)
		return nil
	}

	if len(s.timers) >= s.capacity {
		s.mu.Unlock()
		return ErrCapacityExceeded
	}

	s.timers[auctionID] = time.AfterFunc(delay, func() { s.fire(auctionID) })
	s.mu.Unlock()

	s.logger.Debug("auction timer armed",
		slog.String("auction_id", auctionID),
		slog.Time("end_time", endTime),
	)
	return nil
}

// Cancel disarms the auction's timer. Cancelling an auction with no timer is
// a no-op.
func (s *Scheduler) Cancel(auctionID string) {
	s.mu.Lock()
	if t, ok := s.timers[auctionID]; ok {
		t.Stop()
		delete(s.timers, auctionID)
	}
	s.mu.Unlock()
}

// IsScheduled reports whether the auction currently has an armed timer.
func (s *Scheduler) IsScheduled(auctionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[auctionID]
	return ok
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Shutdown disarms every timer and releases the pool. In-flight settlements
// finish on their own.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.pool.Release()
}

// fire is the timer callback: the handle is removed first, unconditionally,
// then the settlement runs on the pool.
func (s *Scheduler) fire(auctionID string) {
	s.mu.Lock()
	delete(s.timers, auctionID)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if err := s.pool.Submit(func() { s.run(auctionID) }); err != nil {
		// Pool saturated or released; the deadline has passed, run inline.
		s.run(auctionID)
	}
}

// run executes the settlement with panic and error isolation so one bad
// auction never takes the scheduler down.
func (s *Scheduler) run(auctionID string) {
	ctx, span := s.tracer.Start(context.Background(), "Scheduler.run",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "settlement panicked",
				slog.String("auction_id", auctionID),
				slog.Any("panic", r),
			)
		}
	}()

	if err := s.settle(ctx, auctionID); err != nil {
		s.logger.ErrorContext(ctx, "timer-fired settlement failed",
			slog.String("auction_id", auctionID),
			slog.Any("error", err),
		)
		return
	}
	s.logger.InfoContext(ctx, "auction settled at end time", slog.String("auction_id", auctionID))
}

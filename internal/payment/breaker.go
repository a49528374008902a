package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketplace/checkout/internal/clock"
	"github.com/marketplace/checkout/internal/orders"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", orders.ErrPaymentAuthority)

// Breaker stops calling the authority after repeated failures. After
// resetTimeout one probe call is let through; its result closes or reopens
// the circuit.
type Breaker struct {
	next         Authority
	clock        clock.Clock
	logger       *zap.Logger
	maxFailures  int
	resetTimeout time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func NewBreaker(next Authority, maxFailures int, resetTimeout time.Duration, clk clock.Clock, logger *zap.Logger) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		next:         next,
		clock:        clk,
		logger:       logger,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	var out Intent
	err := b.execute(func() error {
		var err error
		out, err = b.next.CreateIntent(ctx, req)
		return err
	})
	return out, err
}

func (b *Breaker) RetrieveIntent(ctx context.Context, intentID string) (Intent, error) {
	var out Intent
	err := b.execute(func() error {
		var err error
		out, err = b.next.RetrieveIntent(ctx, intentID)
		return err
	})
	return out, err
}

func (b *Breaker) CancelIntent(ctx context.Context, intentID string) error {
	return b.execute(func() error {
		return b.next.CancelIntent(ctx, intentID)
	})
}

// ParseWebhook does no network I/O and bypasses the circuit.
func (b *Breaker) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	return b.next.ParseWebhook(payload, signature)
}

func (b *Breaker) execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.resetTimeout {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !countsAsFailure(err) {
		if b.state != StateClosed {
			b.logger.Info("payment authority circuit closed")
		}
		b.state = StateClosed
		b.failures = 0
		b.probing = false
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		if b.state != StateOpen {
			b.logger.Warn("payment authority circuit opened", zap.Int("failures", b.failures), zap.Error(err))
		}
		b.state = StateOpen
		b.openedAt = b.clock.Now()
		b.probing = false
	}
}

// Caller cancellation and answers about a specific intent say nothing about
// the authority's health.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, orders.ErrNoPaymentIntent) {
		return false
	}
	return true
}

// Package circuitbreaker fails fast against dependencies that are
// already down, so workflow goroutines never pile up behind a dead
// Postgres or Redis.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker's admission mode.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrBreakerOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds breaker tuning parameters.
type Config struct {
	MaxRequests      uint32        // probe budget while half-open
	Interval         time.Duration // counter reset window while closed
	Timeout          time.Duration // open-to-half-open cooldown
	FailureThreshold uint32        // consecutive failures that trip the breaker
	SuccessThreshold uint32        // consecutive half-open successes that close it
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts holds the current generation's request statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker trips after a run of consecutive failures, rejects while
// open, and re-admits a bounded probe budget after the cooldown.
// Generations fence slow requests: an outcome that arrives after a
// state change is discarded rather than counted against the new state.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	gen    uint64
	counts Counts
	until  time.Time // closed: counter reset due; open: cooldown end
}

func NewBreaker(name string, cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		until:  time.Now().Add(cfg.Interval),
	}
}

// Execute runs fn if the breaker admits it. A panic inside fn counts
// as a failure and propagates.
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.settle(gen, false)
			panic(r)
		}
	}()

	err = fn()
	cb.settle(gen, err == nil)
	return err
}

func (cb *Breaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(time.Now())
	return cb.state
}

func (cb *Breaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// admit decides whether a request may proceed and returns the
// generation it belongs to.
func (cb *Breaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(time.Now())

	switch {
	case cb.state == StateOpen:
		return cb.gen, ErrBreakerOpen
	case cb.state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests:
		return cb.gen, ErrTooManyRequests
	}
	cb.counts.Requests++
	return cb.gen, nil
}

// settle records the outcome of a request admitted in generation gen.
func (cb *Breaker) settle(gen uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.advance(now)
	if gen != cb.gen {
		return
	}

	if ok {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.shift(StateClosed, now)
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	switch cb.state {
	case StateClosed:
		if cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold {
			cb.shift(StateOpen, now)
		}
	case StateHalfOpen:
		cb.shift(StateOpen, now)
	}
}

// advance applies any transition that is due purely to time passing.
// Caller holds the lock.
func (cb *Breaker) advance(now time.Time) {
	switch cb.state {
	case StateClosed:
		if !cb.until.IsZero() && now.After(cb.until) {
			cb.newGeneration(now)
		}
	case StateOpen:
		if now.After(cb.until) {
			cb.shift(StateHalfOpen, now)
		}
	}
}

func (cb *Breaker) shift(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.newGeneration(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func (cb *Breaker) newGeneration(now time.Time) {
	cb.gen++
	cb.counts = Counts{}

	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.until = now.Add(cb.cfg.Interval)
		} else {
			cb.until = time.Time{}
		}
	case StateOpen:
		cb.until = now.Add(cb.cfg.Timeout)
	default:
		cb.until = time.Time{}
	}
}

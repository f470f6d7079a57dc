package internal

import (
	"context"
	"sync"
	"time"
)

// Breaker states. They double as the "state" metric label.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

const (
	_breakerBuckets   = 6
	_breakerBucketSec = 10
)

// BreakerConfig tunes a CircuitBreaker. Zero values get the defaults:
// 2.5s timeout, 5 call volume floor, 50% error rate, 30s reset.
type BreakerConfig struct {
	// Timeout bounds each call admitted through the breaker.
	Timeout time.Duration
	// Volume is how many completed calls the rolling window needs before
	// the error rate is consulted at all.
	Volume int
	// ErrorPct is the failure percentage at which the breaker opens.
	ErrorPct int
	// Reset is how long the breaker stays open before probing again.
	Reset time.Duration
	// OnChange observes state transitions, for metrics. Called with the
	// breaker's mutex held, so keep it cheap.
	OnChange func(from, to string)

	// now is swapped out by tests.
	now func() time.Time
}

// CircuitBreaker guards one provider. Failures are tallied over a one
// minute rolling window of ten second buckets; once the window has enough
// volume and the failure rate crosses the threshold, calls fail fast with
// errBreakerOpen until a reset probe succeeds.
//
// All state, including transitions, is serialized under one mutex.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         string
	openedAt      time.Time
	trialInFlight bool

	epochs   [_breakerBuckets]int64
	calls    [_breakerBuckets]int
	failures [_breakerBuckets]int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2500 * time.Millisecond
	}
	if cfg.Volume <= 0 {
		cfg.Volume = 5
	}
	if cfg.ErrorPct <= 0 {
		cfg.ErrorPct = 50
	}
	if cfg.Reset <= 0 {
		cfg.Reset = 30 * time.Second
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

// Call runs fn under the breaker with the provider deadline applied. In
// Open state it fails fast without invoking fn.
func (b *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	// A panic in fn still settles the call, as a failure. Otherwise a
	// half-open trial would leave its slot claimed forever.
	defer func() {
		if r := recover(); r != nil {
			b.record(true, trial)
			panic(r)
		}
	}()

	err = fn(ctx)
	b.record(isBreakerFailure(err), trial)
	return err
}

// breakerDo is Call for functions that return a value.
func breakerDo[T any](ctx context.Context, b *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// State reports the current state.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// admit decides whether a call may proceed, moving Open to HalfOpen once
// the reset timeout has elapsed. The returned flag marks the half-open
// trial call, whose outcome alone settles the probe.
func (b *CircuitBreaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.cfg.now().Sub(b.openedAt) < b.cfg.Reset {
			return false, errBreakerOpen
		}
		b.transition(BreakerHalfOpen)
		b.trialInFlight = true
		return true, nil
	case BreakerHalfOpen:
		if b.trialInFlight {
			return false, errBreakerOpen
		}
		b.trialInFlight = true
		return true, nil
	}
	return false, nil
}

func (b *CircuitBreaker) record(failed, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
		if b.state != BreakerHalfOpen {
			return
		}
		if failed {
			b.openedAt = b.cfg.now()
			b.transition(BreakerOpen)
			return
		}
		b.resetWindow()
		b.transition(BreakerClosed)
		return
	}

	if b.state != BreakerClosed {
		// A straggler admitted before the breaker opened. Its outcome must
		// not disturb the probe.
		return
	}

	b.bump(failed)
	calls, failures := b.windowTotals()
	if calls >= b.cfg.Volume && failures*100 >= calls*b.cfg.ErrorPct {
		b.openedAt = b.cfg.now()
		b.transition(BreakerOpen)
	}
}

// transition must be called with the mutex held.
func (b *CircuitBreaker) transition(to string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnChange != nil {
		b.cfg.OnChange(from, to)
	}
}

func (b *CircuitBreaker) bump(failed bool) {
	epoch := b.cfg.now().Unix() / _breakerBucketSec
	idx := int(epoch % _breakerBuckets)
	if b.epochs[idx] != epoch {
		b.epochs[idx] = epoch
		b.calls[idx] = 0
		b.failures[idx] = 0
	}
	b.calls[idx]++
	if failed {
		b.failures[idx]++
	}
}

func (b *CircuitBreaker) windowTotals() (calls, failures int) {
	epoch := b.cfg.now().Unix() / _breakerBucketSec
	oldest := epoch - _breakerBuckets + 1
	for i := range b.epochs {
		if b.epochs[i] >= oldest && b.epochs[i] <= epoch {
			calls += b.calls[i]
			failures += b.failures[i]
		}
	}
	return calls, failures
}

func (b *CircuitBreaker) resetWindow() {
	b.epochs = [_breakerBuckets]int64{}
	b.calls = [_breakerBuckets]int{}
	b.failures = [_breakerBuckets]int{}
}

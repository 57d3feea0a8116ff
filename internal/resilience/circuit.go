package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

var nopLogger = zerolog.Nop()

// State is the breaker's position in its lifecycle.
type State int

const (
	// Closed lets traffic through while tracking the failure ratio.
	Closed State = iota
	// Open rejects everything until the cool-off elapses.
	Open
	// HalfOpen lets a probe through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker trips when the rolling failure ratio crosses a threshold, shielding
// payment gateways from retry storms while they are degraded.
type Breaker struct {
	mu sync.Mutex

	state     State
	failures  int
	successes int
	openedAt  time.Time

	minRequests  int
	failureRatio float64
	openFor      time.Duration

	target string
	logger *zerolog.Logger
}

// NewBreaker builds a closed breaker. It opens once at least minRequests
// outcomes are recorded and the failure share reaches failureRatio, then
// stays open for openFor before sampling the dependency again.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	if failureRatio <= 0 || failureRatio > 1 {
		failureRatio = 0.5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		minRequests:  minRequests,
		failureRatio: failureRatio,
		openFor:      openFor,
	}
}

// WithTarget labels the breaker for metrics and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.publishStateLocked()
	return b
}

// WithLogger sets the logger used for transition events.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = &logger
	return b
}

// Allow reports whether a request may proceed. An open breaker whose cool-off
// has elapsed moves to half-open and admits the caller as the probe.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return true
	}
	if time.Since(b.openedAt) < b.openFor {
		return false
	}
	b.transitionLocked(ctx, HalfOpen)
	return true
}

// Report feeds an outcome into the state machine.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		if success {
			b.transitionLocked(ctx, Closed)
		} else {
			b.transitionLocked(ctx, Open)
		}
		return
	}

	if success {
		b.successes++
	} else {
		b.failures++
	}
	total := b.failures + b.successes
	if total < b.minRequests {
		return
	}
	if float64(b.failures)/float64(total) >= b.failureRatio {
		b.transitionLocked(ctx, Open)
		return
	}
	// decay the window so old outcomes stop dominating the ratio
	if total > b.minRequests*2 {
		b.successes = int(math.Ceil(float64(b.successes) / 2))
		b.failures = int(math.Ceil(float64(b.failures) / 2))
	}
}

func (b *Breaker) transitionLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		b.publishStateLocked()
		return
	}
	b.state = next
	b.failures = 0
	b.successes = 0
	switch next {
	case Open:
		b.openedAt = time.Now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.publishStateLocked()

	label := b.label()
	if BreakerTransitions != nil {
		BreakerTransitions.WithLabelValues(label, prev.String(), next.String()).Inc()
	}
	if next == Open && BreakerOpenedTotal != nil {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}

	evt := b.loggerFor(ctx).Info().
		Str("target", label).
		Str("from_state", prev.String()).
		Str("to_state", next.String())
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) publishStateLocked() {
	if BreakerState == nil {
		return
	}
	var v float64
	switch b.state {
	case Closed:
		v = 0
	case Open:
		v = 1
	case HalfOpen:
		v = 2
	}
	BreakerState.WithLabelValues(b.label()).Set(v)
}

func (b *Breaker) label() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

func (b *Breaker) loggerFor(ctx context.Context) *zerolog.Logger {
	if ctxLogger := zerolog.Ctx(ctx); ctxLogger != nil {
		l := ctxLogger.With().Logger()
		return &l
	}
	if b.logger != nil {
		return b.logger
	}
	return &nopLogger
}

// Backoff computes the exponential delay for attempt (1-based), spread by
// jitterPct in either direction so synchronized retries fan out.
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << uint(attempt-1)
	if jitterPct <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * jitterPct * float64(d)
	return d + time.Duration(delta)
}

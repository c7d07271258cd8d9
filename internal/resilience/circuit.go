package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the breaker refuses a call.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is a breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

var stateNames = [...]string{Closed: "closed", Open: "open", HalfOpen: "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// gauge encodes s for the breaker state gauge.
func (s State) gauge() float64 { return float64(s) }

// Breaker trips when the failure ratio over a window of at least minRequests
// outcomes reaches failureRatio. After openFor it admits exactly one probe;
// the probe's outcome closes or re-opens it.
type Breaker struct {
	mu sync.Mutex

	minRequests  int
	failureRatio float64
	openFor      time.Duration
	now          func() time.Time

	state    State
	ok, bad  int
	openedAt time.Time
	probing  bool

	target string
	logger zerolog.Logger
}

// NewBreaker builds a closed breaker. Out-of-range arguments are clamped.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	b := &Breaker{
		minRequests:  max(minRequests, 1),
		failureRatio: failureRatio,
		openFor:      openFor,
		now:          time.Now,
		logger:       zerolog.Nop(),
	}
	if b.failureRatio <= 0 {
		b.failureRatio = 0.5
	}
	b.failureRatio = min(b.failureRatio, 1)
	if b.openFor <= 0 {
		b.openFor = 30 * time.Second
	}
	return b
}

// WithTarget labels the breaker's metrics and transition logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.publishLocked()
	return b
}

// WithLogger sets the fallback logger for transition events.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
	return b
}

// WithClock replaces time.Now.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

// Allow reports whether a call may proceed. Every admitted call must be
// followed by Report.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.openFor {
			return false
		}
		b.moveLocked(ctx, HalfOpen)
		b.probing = true
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Report records the outcome of an admitted call.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probing = false
		if success {
			b.moveLocked(ctx, Closed)
		} else {
			b.moveLocked(ctx, Open)
		}
		return
	}

	if success {
		b.ok++
	} else {
		b.bad++
	}
	total := b.ok + b.bad
	if total < b.minRequests {
		return
	}
	if float64(b.bad)/float64(total) >= b.failureRatio {
		b.moveLocked(ctx, Open)
		return
	}
	// halve the window so old outcomes fade
	if total >= 2*b.minRequests {
		b.ok = (b.ok + 1) / 2
		b.bad = (b.bad + 1) / 2
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) moveLocked(ctx context.Context, next State) {
	prev := b.state
	b.state = next
	b.ok, b.bad = 0, 0
	switch next {
	case Open:
		b.openedAt = b.now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.publishLocked()
	if prev == next {
		return
	}

	label := b.label()
	BreakerTransitions.WithLabelValues(label, prev.String(), next.String()).Inc()
	if next == Open {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}

	logger := &b.logger
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		logger = l
	}
	evt := logger.Info().Str("target", label).Str("from_state", prev.String()).Str("to_state", next.String())
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("upstream_breaker_transition")
}

func (b *Breaker) publishLocked() {
	BreakerState.WithLabelValues(b.label()).Set(b.state.gauge())
}

func (b *Breaker) label() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

// Backoff returns base doubled per attempt after the first, spread by
// jitterPct (0.2 means plus or minus 20%).
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << max(attempt-1, 0)
	if jitterPct <= 0 {
		return d
	}
	spread := float64(d) * jitterPct
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

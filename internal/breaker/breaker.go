// ABOUTME: Circuit breaker state machine with failure counting and timeouts.
// ABOUTME: Transitions Closed -> Open -> HalfOpen per configured thresholds.

package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected without being executed,
// either because the breaker is open or half-open probe capacity is reached.
// Distinct from any operation error so clients can apply backoff.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ErrTimeout is returned when an operation exceeds its per-call timeout.
// The operation itself is not killed; the breaker only stops waiting.
var ErrTimeout = errors.New("operation timed out")

// State is the circuit breaker state.
type State int

const (
	// StateClosed is normal operation: calls pass through.
	StateClosed State = iota
	// StateOpen rejects all calls until the reset timeout elapses.
	StateOpen
	// StateHalfOpen allows a bounded number of probe calls.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config parameterizes the breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from Closed to Open.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays Open before allowing a
	// half-open probe.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent probes while HalfOpen.
	HalfOpenMaxCalls int
	// CallTimeout is the default per-call timeout. Zero means no timeout.
	CallTimeout time.Duration
}

// DefaultConfig returns the breaker defaults used when config omits values.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
		CallTimeout:      30 * time.Second,
	}
}

// Operation is the unit of work the breaker guards.
type Operation func(ctx context.Context) (any, error)

// Snapshot is a point-in-time copy of breaker state and counters.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	TotalCalls          int64
	SuccessfulCalls     int64
	FailedCalls         int64
	Timeouts            int64
	CircuitOpenCount    int64
	AvgLatency          time.Duration
	LastFailureTime     time.Time
	NextAttemptAt       time.Time
}

// Breaker is a circuit breaker. The state machine is guarded by a mutex;
// metric counters use atomics so concurrent failures never lose updates.
type Breaker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	halfOpenCalls       int
	lastFailureTime     time.Time
	nextAttemptAt       time.Time

	totalCalls       atomic.Int64
	successfulCalls  atomic.Int64
	failedCalls      atomic.Int64
	timeouts         atomic.Int64
	circuitOpenCount atomic.Int64
	avgLatencyNanos  atomic.Int64 // exponentially weighted moving average
}

// New creates a breaker with the given configuration. Zero-valued config
// fields fall back to DefaultConfig.
func New(cfg Config, logger *slog.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		cfg:    cfg,
		logger: logger.With("component", "breaker"),
		now:    time.Now,
	}
}

// Execute runs op through the breaker. A non-positive timeout falls back to
// the configured CallTimeout; zero disables the timeout race entirely.
//
// While Open the call fails fast with ErrCircuitOpen. The first call after
// ResetTimeout elapses transitions to HalfOpen and is executed as a probe;
// its success closes the breaker, its failure reopens it.
func (b *Breaker) Execute(ctx context.Context, op Operation, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = b.cfg.CallTimeout
	}

	if err := b.admit(); err != nil {
		return nil, err
	}

	b.totalCalls.Add(1)
	start := b.now()
	result, err := b.run(ctx, op, timeout)
	b.observeLatency(b.now().Sub(start))

	if err != nil {
		if errors.Is(err, ErrTimeout) {
			b.timeouts.Add(1)
		}
		b.failedCalls.Add(1)
		b.onFailure()
		return nil, err
	}

	b.successfulCalls.Add(1)
	b.onSuccess()
	return result, nil
}

// State returns the current breaker state. The Open to HalfOpen transition
// happens on the next admitted call, not here.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a snapshot of counters and state.
func (b *Breaker) Metrics() Snapshot {
	b.mu.Lock()
	snap := Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureTime:     b.lastFailureTime,
		NextAttemptAt:       b.nextAttemptAt,
	}
	b.mu.Unlock()

	snap.TotalCalls = b.totalCalls.Load()
	snap.SuccessfulCalls = b.successfulCalls.Load()
	snap.FailedCalls = b.failedCalls.Load()
	snap.Timeouts = b.timeouts.Load()
	snap.CircuitOpenCount = b.circuitOpenCount.Load()
	snap.AvgLatency = time.Duration(b.avgLatencyNanos.Load())
	return snap
}

// admit decides whether a call may proceed, applying the Open -> HalfOpen
// transition when the reset timeout has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttemptAt) {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.logger.Info("circuit half-open, probing")
		fallthrough
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		b.halfOpenCalls++
	}
	return nil
}

// run executes op, racing it against the timeout when one is set. The op
// goroutine is left to drain on timeout; this is a soft cancel.
func (b *Breaker) run(ctx context.Context, op Operation, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := op(opCtx)
		done <- outcome{result, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.halfOpenCalls = 0
		b.logger.Info("circuit closed after successful probe")
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = b.now()

	if b.state == StateHalfOpen {
		b.trip("probe failed")
		return
	}
	if b.state == StateClosed && b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.trip("failure threshold reached")
	}
}

// trip moves the breaker to Open. Caller must hold the lock.
func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.nextAttemptAt = b.now().Add(b.cfg.ResetTimeout)
	b.halfOpenCalls = 0
	b.circuitOpenCount.Add(1)
	b.logger.Warn("circuit opened",
		"reason", reason,
		"consecutive_failures", b.consecutiveFailures,
		"next_attempt_at", b.nextAttemptAt,
	)
}

// observeLatency folds a sample into the moving average. Weighting favors
// recent samples so the average tracks current behavior.
func (b *Breaker) observeLatency(d time.Duration) {
	for {
		old := b.avgLatencyNanos.Load()
		var updated int64
		if old == 0 {
			updated = int64(d)
		} else {
			updated = old - old/8 + int64(d)/8
		}
		if b.avgLatencyNanos.CompareAndSwap(old, updated) {
			return
		}
	}
}

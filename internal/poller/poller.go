// Package poller confirms asynchronous payments by querying the gateway at a
// fixed interval until a terminal answer arrives or the attempt budget runs
// out.
//
// A Cycle moves INITIATED -> POLLING -> SUCCEEDED | FAILED | TIMED_OUT, or to
// ABANDONED when its owner stops it. The first query fires one interval after
// the cycle starts. Terminal states are final: a query answer that arrives
// after the cycle ended is dropped.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 10
)

// ErrQueryTimeout is recorded for an attempt whose query did not answer
// within Config.QueryTimeout.
var ErrQueryTimeout = errors.New("status query timed out")

var errStopped = errors.New("poll cycle stopped")

// Verdict classifies one query answer.
type Verdict int

const (
	Pending Verdict = iota
	Succeeded
	Failed
)

func (v Verdict) String() string {
	switch v {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Result is a classified query answer.
type Result struct {
	Verdict           Verdict
	Code              string
	Description       string
	ProviderReference string
}

// QueryFunc performs attempt number attempt (1-based). A non-nil error is a
// transient miss and polling continues.
type QueryFunc func(ctx context.Context, attempt int) (Result, error)

// Attempt records one scheduled query. Result is nil until the query answers.
type Attempt struct {
	Number      int
	ScheduledAt time.Time
	Result      *Result
	Err         error
}

// State is the state of a Cycle.
type State string

const (
	StateInitiated State = "INITIATED"
	StatePolling   State = "POLLING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateTimedOut  State = "TIMED_OUT"
	StateAbandoned State = "ABANDONED"
)

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateAbandoned:
		return true
	}
	return false
}

// Final summarises a finished Cycle. Result is the deciding answer for
// SUCCEEDED and FAILED, the last answer seen otherwise.
type Final struct {
	State    State
	Result   Result
	Attempts int
	LastErr  error
	At       time.Time
}

// Config bounds a poll cycle.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
	// QueryTimeout bounds a single query. Zero leaves queries unbounded.
	QueryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Poller starts poll cycles sharing one configuration and clock.
type Poller struct {
	cfg       Config
	clock     Clock
	logger    zerolog.Logger
	onAttempt func(key string, a Attempt)
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(p *Poller) { p.clock = c } }

// WithLogger sets the poller logger.
func WithLogger(l zerolog.Logger) Option { return func(p *Poller) { p.logger = l } }

// WithAttemptHook registers fn to run after every finished attempt.
func WithAttemptHook(fn func(key string, a Attempt)) Option {
	return func(p *Poller) { p.onAttempt = fn }
}

// New creates a Poller.
func New(cfg Config, opts ...Option) *Poller {
	p := &Poller{cfg: cfg.withDefaults(), clock: RealClock{}, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Poller) Config() Config { return p.cfg }

// Start begins a cycle for key. The cycle outlives ctx's cancellation (the
// owner stops it with Abandon) but keeps its values for tracing.
func (p *Poller) Start(ctx context.Context, key string, query QueryFunc) *Cycle {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Cycle{
		p:      p,
		key:    key,
		query:  query,
		state:  StateInitiated,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: p.logger.With().Str("poll_key", key).Logger(),
	}
	go c.run(runCtx)
	return c
}

// Cycle is one running confirmation loop.
type Cycle struct {
	p      *Poller
	key    string
	query  QueryFunc
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	attempts []Attempt
	final    Final

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	cancel   context.CancelFunc
}

// Done is closed once the cycle reaches a terminal state.
func (c *Cycle) Done() <-chan struct{} { return c.done }

// Final returns the summary. It is only meaningful after Done is closed.
func (c *Cycle) Final() Final {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final
}

// State returns the current state.
func (c *Cycle) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of finished attempts.
func (c *Cycle) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attempts)
}

// History returns a copy of the finished attempts.
func (c *Cycle) History() []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Attempt, len(c.attempts))
	copy(out, c.attempts)
	return out
}

// Abandon stops future attempts and cancels an in-flight query. It is a
// no-op once the cycle has finished.
func (c *Cycle) Abandon() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Wait blocks until the cycle finishes or ctx is done.
func (c *Cycle) Wait(ctx context.Context) (Final, error) {
	select {
	case <-c.done:
		return c.Final(), nil
	case <-ctx.Done():
		return Final{}, ctx.Err()
	}
}

func (c *Cycle) run(ctx context.Context) {
	defer close(c.done)
	defer c.cancel()

	cfg := c.p.cfg
	c.setState(StatePolling)

	var last Result
	var lastErr error
	for n := 1; n <= cfg.MaxAttempts; n++ {
		if !c.sleep(cfg.Interval) {
			c.finish(StateAbandoned, last, lastErr)
			return
		}

		attempt := Attempt{Number: n, ScheduledAt: c.p.clock.Now()}
		res, err := c.queryOnce(ctx, n)
		if errors.Is(err, errStopped) {
			c.finish(StateAbandoned, last, lastErr)
			return
		}
		if err != nil {
			attempt.Err = err
			lastErr = err
		} else {
			attempt.Result = &res
			last = res
		}
		c.record(attempt)

		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", n).Msg("status query missed")
			continue
		}
		switch res.Verdict {
		case Succeeded:
			c.finish(StateSucceeded, res, nil)
			return
		case Failed:
			c.finish(StateFailed, res, nil)
			return
		}
		c.logger.Debug().Int("attempt", n).Str("code", res.Code).Msg("payment still pending")
	}
	c.finish(StateTimedOut, last, lastErr)
}

// sleep waits one interval. It returns false when the cycle was abandoned.
func (c *Cycle) sleep(d time.Duration) bool {
	t := c.p.clock.NewTimer(d)
	select {
	case <-t.C():
		return true
	case <-c.stop:
		t.Stop()
		return false
	}
}

// queryOnce runs the query in its own goroutine so that a slow answer can be
// abandoned or timed out. A late answer lands in the buffered channel and is
// dropped.
func (c *Cycle) queryOnce(ctx context.Context, n int) (Result, error) {
	type answer struct {
		res Result
		err error
	}
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	answers := make(chan answer, 1)
	go func() {
		r, e := c.query(qctx, n)
		answers <- answer{r, e}
	}()

	var timeout <-chan time.Time
	if d := c.p.cfg.QueryTimeout; d > 0 {
		t := c.p.clock.NewTimer(d)
		defer t.Stop()
		timeout = t.C()
	}

	select {
	case a := <-answers:
		return a.res, a.err
	case <-timeout:
		return Result{}, ErrQueryTimeout
	case <-c.stop:
		return Result{}, errStopped
	}
}

func (c *Cycle) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Cycle) record(a Attempt) {
	c.mu.Lock()
	c.attempts = append(c.attempts, a)
	c.mu.Unlock()
	if c.p.onAttempt != nil {
		c.p.onAttempt(c.key, a)
	}
}

func (c *Cycle) finish(s State, res Result, lastErr error) {
	c.mu.Lock()
	c.state = s
	c.final = Final{State: s, Result: res, Attempts: len(c.attempts), LastErr: lastErr, At: c.p.clock.Now()}
	c.mu.Unlock()

	c.logger.Info().Str("state", string(s)).Int("attempts", c.final.Attempts).Msg("poll cycle finished")
}

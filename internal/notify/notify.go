// Package notify carries user-facing progress signals from the payment core
// to whatever renders them. The core only emits events; presentation is up
// to the sink.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind is the rendering hint of an event.
type Kind string

const (
	KindLoading Kind = "loading"
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
)

// Event is one notification. Terminal is set on the single event that closes
// an orchestration.
type Event struct {
	Kind     Kind              `json:"kind"`
	OrderRef string            `json:"orderRef"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
	Terminal bool              `json:"terminal"`
	At       time.Time         `json:"at"`
}

// Sink receives events. Notify must not block for long.
type Sink interface {
	Notify(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event)

func (f SinkFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, s := range m {
		s.Notify(ctx, e)
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// LogSink writes events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, e Event) {
	ev := s.logger.Info()
	if e.Kind == KindError {
		ev = s.logger.Warn()
	}
	d := zerolog.Dict()
	for k, v := range e.Context {
		d = d.Str(k, v)
	}
	ev.Str("order_ref", e.OrderRef).
		Str("kind", string(e.Kind)).
		Bool("terminal", e.Terminal).
		Dict("context", d).
		Msg(e.Message)
}

const (
	// DefaultFeedSize is the number of events a Feed keeps per order.
	DefaultFeedSize = 50
	// DefaultFeedRetention is how long a finished order's events stay readable.
	DefaultFeedRetention = 15 * time.Minute
	// DefaultFeedMaxOrders bounds the number of orders a Feed tracks.
	DefaultFeedMaxOrders = 10000
)

type feedEntry struct {
	events []Event
	// closedAt is set by a terminal event and cleared when the order
	// is attempted again.
	closedAt time.Time
}

type closedOrder struct {
	ref string
	at  time.Time
}

// Feed keeps the most recent events per order so a polling UI can read
// them back. Finished orders are forgotten after the retention period, or
// oldest first once more than the maximum number of orders is tracked.
type Feed struct {
	mu        sync.Mutex
	size      int
	retention time.Duration
	maxOrders int
	now       func() time.Time
	orders    map[string]*feedEntry
	closed    []closedOrder
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

func WithRetention(d time.Duration) FeedOption { return func(f *Feed) { f.retention = d } }

func WithMaxOrders(n int) FeedOption { return func(f *Feed) { f.maxOrders = n } }

func WithFeedClock(now func() time.Time) FeedOption { return func(f *Feed) { f.now = now } }

// NewFeed creates a Feed keeping size events per order. Non-positive sizes
// use DefaultFeedSize.
func NewFeed(size int, opts ...FeedOption) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	f := &Feed{
		size:      size,
		retention: DefaultFeedRetention,
		maxOrders: DefaultFeedMaxOrders,
		now:       time.Now,
		orders:    make(map[string]*feedEntry),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Feed) Notify(_ context.Context, e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()

	entry, ok := f.orders[e.OrderRef]
	if !ok {
		entry = &feedEntry{}
		f.orders[e.OrderRef] = entry
	}
	evs := append(entry.events, e)
	if len(evs) > f.size {
		evs = append([]Event(nil), evs[len(evs)-f.size:]...)
	}
	entry.events = evs

	if e.Terminal {
		entry.closedAt = now
		f.closed = append(f.closed, closedOrder{ref: e.OrderRef, at: now})
	} else {
		entry.closedAt = time.Time{}
	}
	f.pruneLocked(now)
}

// pruneLocked drops finished orders, oldest first, while they are past the
// retention period or the feed is over capacity. Orders still in progress
// are never dropped.
func (f *Feed) pruneLocked(now time.Time) {
	for len(f.closed) > 0 {
		c := f.closed[0]
		entry, ok := f.orders[c.ref]
		current := ok && entry.closedAt.Equal(c.at)
		if current && now.Sub(c.at) < f.retention && len(f.orders) <= f.maxOrders {
			return
		}
		f.closed = f.closed[1:]
		if current {
			delete(f.orders, c.ref)
		}
	}
}

// Events returns the kept events of orderRef, oldest first.
func (f *Feed) Events(orderRef string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.orders[orderRef]
	if !ok {
		return nil
	}
	return append([]Event(nil), entry.events...)
}

// Len returns the number of orders the feed currently tracks.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

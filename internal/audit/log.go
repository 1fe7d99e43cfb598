package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink persists events durably. Write is called synchronously, in order.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Subscription receives events recorded after it was created. A subscriber
// that falls a full buffer behind is dropped and its channel closed.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	filter Filter
	log    *Log
	id     int
	once   sync.Once
}

// Close stops delivery. Safe to call more than once.
func (s *Subscription) Close() {
	s.log.unsubscribe(s.id)
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Log is the in-process audit recorder. It is safe for concurrent use.
type Log struct {
	// appendMu serializes sequencing, sink writes and history appends so all
	// three observe the same order.
	appendMu sync.Mutex
	events   []Event
	seq      map[string]int64

	mu      sync.Mutex
	pending []Event
	subs    map[int]*Subscription
	nextSub int
	closed  bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	sink   Sink
	limit  int
	logger *slog.Logger
	now    func() time.Time
}

// DefaultHistoryLimit is how many events a Log keeps in memory unless
// WithHistoryLimit says otherwise.
const DefaultHistoryLimit = 10000

type Option func(*Log)

func WithSink(s Sink) Option {
	return func(l *Log) { l.sink = s }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithHistoryLimit bounds the in-memory history; older events are dropped
// from Events but stay in the sink. n <= 0 keeps the default.
func WithHistoryLimit(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.limit = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// NewLog starts the dispatcher goroutine. Call Close to stop it.
func NewLog(opts ...Option) *Log {
	l := &Log{
		seq:    make(map[string]int64),
		subs:   make(map[int]*Subscription),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		now:    time.Now,
		limit:  DefaultHistoryLimit,
	}
	for _, o := range opts {
		o(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.wg.Add(1)
	go l.dispatch()
	return l
}

// Record assigns ID, Seq and Timestamp and appends the event. A sink error
// is logged and does not reject the event.
func (l *Log) Record(ctx context.Context, e Event) Event {
	l.appendMu.Lock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	key := e.ResourceType + ":" + e.ResourceID
	l.seq[key]++
	e.Seq = l.seq[key]

	if l.sink != nil {
		if err := l.sink.Write(context.WithoutCancel(ctx), e); err != nil {
			l.logger.Warn("audit sink write failed", "event_type", e.Type, "resource_id", e.ResourceID, "error", err)
		}
	}
	l.events = append(l.events, e)
	if len(l.events) > l.limit {
		l.events[0] = Event{}
		l.events = l.events[1:]
	}

	l.mu.Lock()
	if !l.closed && len(l.subs) > 0 {
		l.pending = append(l.pending, e)
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()
	l.appendMu.Unlock()
	return e
}

// Events returns the recorded events matching f, oldest first.
func (l *Log) Events(f Filter) []Event {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	var out []Event
	for _, e := range l.events {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Failures returns every event recording a recovered failure.
func (l *Log) Failures() []Event {
	return l.Events(Filter{FailuresOnly: true})
}

// Subscribe returns a live feed of events matching f.
func (l *Log) Subscribe(buffer int, f Filter) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	l.mu.Lock()
	defer l.mu.Unlock()
	sub := &Subscription{C: ch, ch: ch, filter: f, log: l, id: l.nextSub}
	l.nextSub++
	if l.closed {
		sub.close()
		return sub
	}
	l.subs[sub.id] = sub
	return sub
}

func (l *Log) unsubscribe(id int) {
	l.mu.Lock()
	sub, ok := l.subs[id]
	delete(l.subs, id)
	l.mu.Unlock()
	if ok {
		sub.close()
	}
}

func (l *Log) dispatch() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case <-l.notify:
		}
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, e := range batch {
			l.fanOut(e)
		}
	}
}

func (l *Log) fanOut(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, sub := range l.subs {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			l.logger.Warn("audit subscriber lagging, dropping it", "subscriber", id)
			delete(l.subs, id)
			sub.close()
		}
	}
}

// Close stops the dispatcher and closes every subscription. Events recorded
// afterwards are still kept in history.
func (l *Log) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	subs := l.subs
	l.subs = make(map[int]*Subscription)
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
	for _, sub := range subs {
		sub.close()
	}
}

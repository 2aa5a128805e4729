package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

const (
	TopicDenied   = "print-denied"
	TopicRejected = "print-rejected"
	TopicError    = "ingress-error"
)

// Event is one admin notification. It carries the queue path and client
// address only, never request parameters.
type Event struct {
	Topic    string    `json:"topic"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Queue    string    `json:"queue,omitempty"`
	Addr     string    `json:"addr,omitempty"`
	Time     time.Time `json:"time"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Log writes events to the error log.
type Log struct{}

func (Log) Notify(_ context.Context, ev Event) error {
	e := log.Warn()
	switch ev.Severity {
	case SeverityError:
		e = log.Error()
	case SeverityInfo:
		e = log.Info()
	}
	e.Str("topic", ev.Topic).Str("queue", ev.Queue).Str("addr", ev.Addr).Msg(ev.Message)
	return nil
}

// Multi fans an event out to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Async delivers events in the background through a bounded queue served
// by a fixed set of workers. Delivery failures are logged and dropped, and
// so are events that arrive while the queue is full.
type Async struct {
	Next    Notifier
	Timeout time.Duration
	// QueueSize and Workers default to 256 and 4.
	QueueSize int
	Workers   int

	once    sync.Once
	queue   chan Event
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func NewAsync(next Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{Next: next, Timeout: timeout}
}

func (a *Async) start() {
	a.once.Do(func() {
		if a.QueueSize <= 0 {
			a.QueueSize = 256
		}
		if a.Workers <= 0 {
			a.Workers = 4
		}
		if a.Timeout <= 0 {
			a.Timeout = 5 * time.Second
		}
		a.queue = make(chan Event, a.QueueSize)
		for i := 0; i < a.Workers; i++ {
			go a.work()
		}
	})
}

func (a *Async) work() {
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.Timeout)
		if err := a.Next.Notify(ctx, ev); err != nil {
			log.Debug().Err(err).Str("topic", ev.Topic).Msg("admin notification dropped")
		}
		cancel()
		a.wg.Done()
	}
}

func (a *Async) Notify(_ context.Context, ev Event) error {
	a.start()
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	a.wg.Add(1)
	select {
	case a.queue <- ev:
	default:
		a.wg.Done()
		a.dropped.Add(1)
		log.Debug().Str("topic", ev.Topic).Int("queue", a.QueueSize).Msg("admin notification queue full; event dropped")
	}
	return nil
}

// Dropped reports how many events were discarded because the queue was full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Wait blocks until queued deliveries finish or ctx ends.
func (a *Async) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

package notify

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"

	farmagent "github.com/httprunner/FarmAgent"
	"github.com/rs/zerolog/log"
)

const defaultBufferSize = 256

// Sink consumes events on the bus goroutine.
type Sink interface {
	Name() string
	Handle(ctx context.Context, evt farmagent.Event) error
	Close() error
}

// Bus is the outbound event queue of the core. Publish never blocks: when the
// queue is full the event is dropped and counted.
type Bus struct {
	queue chan farmagent.Event
	sinks []Sink
	host  string

	mu     sync.Mutex
	subs   map[int]chan farmagent.Event
	nextID int

	dropped atomic.Int64
	started atomic.Bool
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
}

var _ farmagent.Notifier = (*Bus)(nil)

// NewBus builds a bus with the given queue size (defaults when <= 0).
func NewBus(bufferSize int, sinks ...Sink) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		queue:   make(chan farmagent.Event, bufferSize),
		sinks:   sinks,
		host:    HostIdentity(),
		subs:    make(map[int]chan farmagent.Event),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Publish enqueues evt without blocking.
func (b *Bus) Publish(evt farmagent.Event) {
	if evt.Host == "" {
		evt.Host = b.host
	}
	select {
	case <-b.closing:
		b.dropped.Add(1)
		return
	default:
	}
	select {
	case b.queue <- evt:
	default:
		n := b.dropped.Add(1)
		log.Debug().Str("event", string(evt.Type)).Int64("dropped", n).Msg("event queue full, dropping event")
	}
}

// Dropped returns how many events were discarded so far.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe returns a channel receiving every later event and a cancel
// function. Slow subscribers lose events instead of stalling the bus.
func (b *Bus) Subscribe(buffer int) (<-chan farmagent.Event, func()) {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	ch := make(chan farmagent.Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Run delivers queued events until ctx is done, then drains what is left.
func (b *Bus) Run(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}
	defer close(b.done)
	for {
		select {
		case evt := <-b.queue:
			b.deliver(ctx, evt)
		case <-ctx.Done():
			b.drain(context.WithoutCancel(ctx))
			return nil
		case <-b.closing:
			b.drain(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (b *Bus) drain(ctx context.Context) {
	for {
		select {
		case evt := <-b.queue:
			b.deliver(ctx, evt)
		default:
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, evt farmagent.Event) {
	for _, sink := range b.sinks {
		if err := sink.Handle(ctx, evt); err != nil {
			log.Warn().Err(err).Str("sink", sink.Name()).Str("event", string(evt.Type)).Msg("event sink failed")
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close stops accepting events, waits for Run to drain when it is running,
// delivers whatever was queued after Run returned and closes every sink and
// subscriber.
func (b *Bus) Close(ctx context.Context) error {
	var errs []error
	b.once.Do(func() {
		close(b.closing)
		stopped := true
		if b.started.Load() {
			select {
			case <-b.done:
			case <-ctx.Done():
				stopped = false
				errs = append(errs, ctx.Err())
			}
		}
		if stopped {
			b.drain(context.WithoutCancel(ctx))
		}
		for _, sink := range b.sinks {
			if err := sink.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		b.mu.Lock()
		for id, ch := range b.subs {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	})
	return stderrors.Join(errs...)
}

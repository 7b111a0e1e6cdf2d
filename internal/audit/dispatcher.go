package audit

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultQueueSize = 1024

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	QueueSize int
	// OnDrop runs on the emitting goroutine whenever an event is dropped.
	OnDrop func()
}

// Dispatcher fans events out to sinks on a single worker goroutine. Emit
// never blocks: when the queue is full the event is dropped and counted.
type Dispatcher struct {
	sinks  []Sink
	log    zerolog.Logger
	onDrop func()

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}

	dropped atomic.Uint64
}

// NewDispatcher starts a Dispatcher delivering to sinks.
func NewDispatcher(cfg DispatcherConfig, log zerolog.Logger, sinks ...Sink) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	d := &Dispatcher{
		sinks:  sinks,
		log:    log.With().Str("component", "audit").Logger(),
		onDrop: cfg.OnDrop,
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit queues e for delivery.
func (d *Dispatcher) Emit(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.closed {
		select {
		case d.queue <- e:
			return
		default:
		}
	}
	d.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop()
	}
}

// Dropped returns how many events were discarded.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Close stops accepting events, delivers what is queued and waits for the
// worker to exit. It is idempotent.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		for _, s := range d.sinks {
			if err := s.Write(e); err != nil {
				d.log.Warn().Err(err).Str("event", string(e.Event)).Msg("audit sink failed")
			}
		}
	}
}

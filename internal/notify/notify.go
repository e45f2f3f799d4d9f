// Package notify delivers monitor events to subscribers.
//
// Every subscriber owns a buffered queue drained by its own goroutine, so a
// slow or failing handler only delays itself. Publishing never blocks: when a
// subscriber's queue is full the event is dropped for that subscriber and
// counted. Subscribers only see events published while they are registered;
// there is no replay.
package notify

import (
	"encoding/base64"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.klb.dev/shotpipe/internal/fingerprint"
	"go.klb.dev/shotpipe/internal/raster"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// ImageEvent announces a newly detected clipboard image.
type ImageEvent struct {
	// Seq is the image count of the run at detection time, starting at 1.
	Seq         int64
	Fingerprint fingerprint.Fingerprint
	Image       *raster.Image
	DetectedAt  time.Time
}

// Base64 returns the canonical PNG as standard base64, ready for embedding
// in a data: URL.
func (e ImageEvent) Base64() string {
	if e.Image == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(e.Image.PNG)
}

// StateEvent announces a monitoring state change.
type StateEvent struct {
	Monitoring bool
	At         time.Time
}

// ImageHandler receives image events. A returned error is logged.
type ImageHandler func(ImageEvent) error

// StateHandler receives state events. A returned error is logged.
type StateHandler func(StateEvent) error

// Handlers bundles the callbacks of one subscription. Either may be nil.
// Events for both handlers share one queue, so their relative order is kept.
type Handlers struct {
	Image ImageHandler
	State StateHandler
}

// Options tunes a Dispatcher.
type Options struct {
	// Buffer is the per-subscriber queue length. Default: DefaultBuffer.
	Buffer int
}

// Dispatcher fans events out to subscribers. It is safe for concurrent use.
type Dispatcher struct {
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	wg      sync.WaitGroup
	dropped atomic.Uint64
}

type subscriber struct {
	id   uint64
	name string
	h    Handlers
	ch   chan any
	done chan struct{}
}

// New returns an empty Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	return &Dispatcher{
		buffer: opts.Buffer,
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscribe registers h and returns a function that removes it. The returned
// function is idempotent. name only appears in logs.
func (d *Dispatcher) Subscribe(name string, h Handlers) (unsubscribe func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return func() {}
	}
	d.nextID++
	s := &subscriber{
		id:   d.nextID,
		name: name,
		h:    h,
		ch:   make(chan any, d.buffer),
		done: make(chan struct{}),
	}
	d.subs[s.id] = s
	total := len(d.subs)
	d.wg.Add(1)
	d.mu.Unlock()

	slog.Debug("subscriber registered", "subscriber", name, "total", total)
	go d.run(s)

	var once sync.Once
	return func() { once.Do(func() { d.remove(s) }) }
}

// SubscribeImage registers an image-only handler.
func (d *Dispatcher) SubscribeImage(name string, fn ImageHandler) (unsubscribe func()) {
	return d.Subscribe(name, Handlers{Image: fn})
}

// SubscribeState registers a state-only handler.
func (d *Dispatcher) SubscribeState(name string, fn StateHandler) (unsubscribe func()) {
	return d.Subscribe(name, Handlers{State: fn})
}

// PublishImage queues ev for every subscriber with an image handler.
func (d *Dispatcher) PublishImage(ev ImageEvent) {
	d.publish(ev, func(h Handlers) bool { return h.Image != nil })
}

// PublishState queues ev for every subscriber with a state handler.
func (d *Dispatcher) PublishState(ev StateEvent) {
	d.publish(ev, func(h Handlers) bool { return h.State != nil })
}

func (d *Dispatcher) publish(ev any, wants func(Handlers) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.subs {
		if !wants(s.h) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			d.dropped.Add(1)
			slog.Warn("subscriber queue full, dropping event", "subscriber", s.name)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Dropped returns how many deliveries were dropped on full queues.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Close removes every subscriber and waits for their goroutines to return.
// Events still queued are discarded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, s := range d.subs {
		close(s.done)
		delete(d.subs, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) remove(s *subscriber) {
	d.mu.Lock()
	if _, ok := d.subs[s.id]; !ok {
		// Already removed by Close.
		d.mu.Unlock()
		return
	}
	delete(d.subs, s.id)
	close(s.done)
	total := len(d.subs)
	d.mu.Unlock()
	slog.Debug("subscriber removed", "subscriber", s.name, "total", total)
}

func (d *Dispatcher) run(s *subscriber) {
	defer d.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			d.deliver(s, ev)
		}
	}
}

func (d *Dispatcher) deliver(s *subscriber, ev any) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("subscriber panicked", "subscriber", s.name, "panic", p)
		}
	}()
	var err error
	switch e := ev.(type) {
	case ImageEvent:
		err = s.h.Image(e)
	case StateEvent:
		err = s.h.State(e)
	}
	if err != nil {
		slog.Warn("subscriber handler failed", "subscriber", s.name, "err", err)
	}
}

// Package monitor owns the clipboard monitoring state machine.
//
// An Engine is either Stopped or Monitoring. While Monitoring, one poll
// goroutine per session reads the clipboard at a fixed interval and feeds each
// snapshot to observe, which announces an image exactly once per change of
// fingerprint. All state lives behind a single mutex; notifications are queued
// to the dispatcher while that mutex is held, so the order of state changes and
// detections seen by subscribers is the order in which they happened.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.klb.dev/shotpipe/internal/clip"
	"go.klb.dev/shotpipe/internal/fingerprint"
	"go.klb.dev/shotpipe/internal/notify"
	"go.klb.dev/shotpipe/internal/raster"
)

// DefaultInterval is the poll period: responsive for screenshots without
// keeping a core busy.
const DefaultInterval = 500 * time.Millisecond

var (
	// ErrClosed is returned by operations on a closed Engine.
	ErrClosed = errors.New("monitor: closed")
	// ErrNoImage is returned by Latest before the first detection.
	ErrNoImage = errors.New("monitor: no image detected yet")
)

// Status is the monitoring state.
type Status int

const (
	Stopped Status = iota
	Monitoring
)

func (s Status) String() string {
	if s == Monitoring {
		return "monitoring"
	}
	return "stopped"
}

// SnapshotReader is the clipboard side of the engine. *clip.Accessor
// implements it.
type SnapshotReader interface {
	Name() string
	Init() error
	ReadSnapshot(ctx context.Context) clip.Snapshot
	WriteImage(ctx context.Context, encoded []byte) (*raster.Image, error)
}

// Options tunes an Engine.
type Options struct {
	// Interval is the poll period. Default: DefaultInterval.
	Interval time.Duration
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Status          Status
	ImageCount      int64
	LastFingerprint fingerprint.Fingerprint
	LastDetectedAt  time.Time
	StartedAt       time.Time
	Backend         string
	Interval        time.Duration
	// Polls counts observed cycles across all sessions of this run.
	Polls      int64
	Unreadable int64
	Ignored    int64
}

// Engine is the monitor state machine. The zero value is not usable; call New.
type Engine struct {
	reader   SnapshotReader
	d        *notify.Dispatcher
	interval time.Duration

	mu      sync.Mutex
	status  Status
	closed  bool
	session uint64
	cancel  context.CancelFunc
	loops   sync.WaitGroup

	haveLast       bool
	lastFP         fingerprint.Fingerprint
	count          int64
	latest         notify.ImageEvent
	startedAt      time.Time
	lastDetectedAt time.Time

	polls      int64
	unreadable int64
	ignored    int64

	// Clipboard writes made through Copy. epoch moves on both edges of every
	// write; reads that overlap one are discarded. suppressFP is the image we
	// wrote, ignored until a different image shows up.
	epoch        uint64
	writing      int
	haveSuppress bool
	suppressFP   fingerprint.Fingerprint
}

// ticket ties a poll read to the session and write epoch it started in.
type ticket struct {
	session uint64
	epoch   uint64
}

// New returns a stopped Engine reading from r and publishing to d.
func New(r SnapshotReader, d *notify.Dispatcher, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Engine{reader: r, d: d, interval: opts.Interval}
}

// Start moves the engine to Monitoring. Starting while already Monitoring
// succeeds without side effects. If the clipboard cannot be initialised the
// engine stays Stopped and the error is returned.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked()
}

// Stop moves the engine to Stopped. Stopping while Stopped is a no-op. Stop
// does not wait for an in-flight clipboard read; whatever that read returns is
// discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

// Toggle flips the state and returns the new one.
func (e *Engine) Toggle() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == Monitoring {
		e.stopLocked()
		return false, nil
	}
	if err := e.startLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Monitoring reports whether the engine is Monitoring.
func (e *Engine) Monitoring() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == Monitoring
}

// Stats returns counters and the current state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Status:          e.status,
		ImageCount:      e.count,
		LastFingerprint: e.lastFP,
		LastDetectedAt:  e.lastDetectedAt,
		StartedAt:       e.startedAt,
		Backend:         e.reader.Name(),
		Interval:        e.interval,
		Polls:           e.polls,
		Unreadable:      e.unreadable,
		Ignored:         e.ignored,
	}
}

// Latest returns the most recently announced image of this run.
func (e *Engine) Latest() (notify.ImageEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.count == 0 {
		return notify.ImageEvent{}, ErrNoImage
	}
	return e.latest, nil
}

// Copy places an image on the clipboard and suppresses its announcement, so
// the poll loop does not report our own write. The write runs outside the
// engine lock; Stop and queries are never held up by it.
func (e *Engine) Copy(ctx context.Context, encoded []byte) (*raster.Image, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.epoch++
	e.writing++
	e.mu.Unlock()

	img, err := e.reader.WriteImage(ctx, encoded)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.epoch++
	e.writing--
	if err != nil {
		return nil, fmt.Errorf("copy image: %w", err)
	}
	e.suppressFP, e.haveSuppress = fingerprint.Of(img.PNG), true
	slog.Info("image copied to clipboard", "fingerprint", e.suppressFP.Short(), "width", img.Width, "height", img.Height)
	return img, nil
}

// Close stops the engine and waits for every poll goroutine to return. Every
// later Start fails with ErrClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	e.stopLocked()
	e.closed = true
	e.mu.Unlock()
	e.loops.Wait()
}

func (e *Engine) startLocked() error {
	if e.closed {
		return ErrClosed
	}
	if e.status == Monitoring {
		return nil
	}
	if err := e.reader.Init(); err != nil {
		slog.Error("cannot start monitoring", "backend", e.reader.Name(), "err", err)
		return fmt.Errorf("start monitoring: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.session++
	e.status = Monitoring
	e.cancel = cancel
	e.startedAt = time.Now()

	// Queued before the poll goroutine exists, so it precedes any detection
	// of this session.
	e.d.PublishState(notify.StateEvent{Monitoring: true, At: e.startedAt})
	slog.Info("monitoring started", "backend", e.reader.Name(), "interval", e.interval, "session", e.session)

	e.loops.Add(1)
	go e.poll(ctx, e.session)
	return nil
}

func (e *Engine) stopLocked() {
	if e.status != Monitoring {
		return
	}
	e.status = Stopped
	e.cancel()
	e.cancel = nil
	e.d.PublishState(notify.StateEvent{Monitoring: false, At: time.Now()})
	slog.Info("monitoring stopped", "session", e.session, "images", e.count)
}

// ticketFor returns the ticket for a read about to start in session.
func (e *Engine) ticketFor(session uint64) ticket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ticket{session: session, epoch: e.epoch}
}

// observe applies one snapshot. It reports whether an image was announced.
// The fingerprint is computed before taking the lock; the comparison, the
// update and the notification happen together under it. Snapshots from an
// earlier session, or read while a Copy was in progress, are discarded.
func (e *Engine) observe(tk ticket, snap clip.Snapshot) bool {
	var fp fingerprint.Fingerprint
	if snap.Kind == clip.KindImage {
		fp = fingerprint.Of(snap.Image.PNG)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != Monitoring || e.session != tk.session {
		return false
	}
	if e.writing > 0 || e.epoch != tk.epoch {
		return false
	}
	e.polls++

	switch snap.Kind {
	case clip.KindImage:
	case clip.KindUnreadable:
		e.unreadable++
		slog.Debug("clipboard unreadable, retrying next poll", "err", snap.Err)
		return false
	default:
		e.ignored++
		return false
	}

	if e.haveSuppress {
		if fp == e.suppressFP {
			e.ignored++
			return false
		}
		e.haveSuppress = false
	}
	if e.haveLast && fp == e.lastFP {
		return false
	}
	e.lastFP, e.haveLast = fp, true
	e.count++
	e.lastDetectedAt = snap.CapturedAt
	e.latest = notify.ImageEvent{
		Seq:         e.count,
		Fingerprint: fp,
		Image:       snap.Image,
		DetectedAt:  snap.CapturedAt,
	}
	e.d.PublishImage(e.latest)
	return true
}

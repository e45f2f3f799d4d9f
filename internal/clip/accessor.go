package clip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.klb.dev/shotpipe/internal/raster"
)

const (
	// DefaultReadTimeout bounds a single clipboard read so a wedged OS call
	// cannot make stop unresponsive.
	DefaultReadTimeout = 2 * time.Second
	// DefaultWriteTimeout bounds normalizing and writing one image.
	DefaultWriteTimeout = 2 * time.Second
	// DefaultMaxBytes is the largest encoded payload we attempt to decode.
	DefaultMaxBytes = 64 << 20
)

var (
	errReadInFlight  = errors.New("clipboard: previous read still in flight")
	errWriteInFlight = errors.New("clipboard: previous write still in flight")
)

// Options tunes an Accessor. Zero values take the defaults.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MinDimension and MaxPixels are passed to raster.Normalize.
	MinDimension int
	MaxPixels    int
	// MaxBytes rejects oversized encoded payloads before decoding.
	MaxBytes int
}

func (o *Options) defaults() {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
}

// Accessor turns backend reads into Snapshots. It is safe for concurrent use,
// but at most one OS read is outstanding at any time.
type Accessor struct {
	backend Backend
	opts    Options

	inflight atomic.Bool
	writing  atomic.Bool

	// cache of the last readable snapshot, keyed by the backend change counter.
	mu        sync.Mutex
	haveCount bool
	lastCount uint64
	last      Snapshot
}

// NewAccessor wraps backend.
func NewAccessor(backend Backend, opts Options) *Accessor {
	opts.defaults()
	return &Accessor{backend: backend, opts: opts}
}

// Name returns the backend name.
func (a *Accessor) Name() string { return a.backend.Name() }

// Init initializes the backend. Safe to call more than once.
func (a *Accessor) Init() error {
	if err := a.backend.Init(); err != nil {
		return fmt.Errorf("clipboard init (%s): %w", a.backend.Name(), err)
	}
	return nil
}

// ReadSnapshot reads and classifies the clipboard. It never fails: every
// problem is reported as KindUnreadable with Snapshot.Err set.
func (a *Accessor) ReadSnapshot(ctx context.Context) Snapshot {
	now := time.Now()

	count, counted := a.changeCount()
	if counted {
		a.mu.Lock()
		if a.haveCount && a.lastCount == count {
			s := a.last
			a.mu.Unlock()
			s.CapturedAt = now
			return s
		}
		a.mu.Unlock()
	}

	r, err := a.read(ctx)
	if err != nil {
		return Snapshot{Kind: KindUnreadable, CapturedAt: now, Err: err}
	}
	s := a.classify(r, now)

	if counted && s.Kind != KindUnreadable {
		a.mu.Lock()
		a.haveCount, a.lastCount, a.last = true, count, s
		a.mu.Unlock()
	}
	return s
}

// WriteImage normalizes encoded and places it on the clipboard, giving up
// after WriteTimeout. The size gate is not applied to writes. A write that
// timed out and is still blocked in the OS makes later writes fail fast.
func (a *Accessor) WriteImage(ctx context.Context, encoded []byte) (*raster.Image, error) {
	if !a.writing.CompareAndSwap(false, true) {
		return nil, errWriteInFlight
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.WriteTimeout)
	defer cancel()

	type result struct {
		img *raster.Image
		err error
	}
	done := make(chan result, 1)
	go func() {
		img, err := a.writeBackend(encoded)
		a.writing.Store(false)
		done <- result{img, err}
	}()

	select {
	case r := <-done:
		return r.img, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("clipboard write: %w", ctx.Err())
	}
}

func (a *Accessor) writeBackend(encoded []byte) (img *raster.Image, err error) {
	defer func() {
		if p := recover(); p != nil {
			img, err = nil, fmt.Errorf("clipboard write panic: %v", p)
		}
	}()
	img, err = raster.Normalize(encoded, raster.Options{MinDimension: -1, MaxPixels: a.opts.MaxPixels})
	if err != nil {
		return nil, err
	}
	if err := a.backend.WriteImage(img.PNG); err != nil {
		return nil, fmt.Errorf("clipboard write: %w", err)
	}
	a.mu.Lock()
	a.haveCount = false
	a.mu.Unlock()
	return img, nil
}

func (a *Accessor) changeCount() (uint64, bool) {
	cc, ok := a.backend.(ChangeCounter)
	if !ok {
		return 0, false
	}
	return cc.ChangeCount()
}

type readResult struct {
	image []byte
	text  []byte
	err   error
}

// read performs one bounded OS read. If a previous read timed out and is
// still blocked in the OS, read fails fast instead of stacking another one.
func (a *Accessor) read(ctx context.Context) (readResult, error) {
	if !a.inflight.CompareAndSwap(false, true) {
		return readResult{}, errReadInFlight
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.ReadTimeout)
	defer cancel()

	done := make(chan readResult, 1)
	go func() {
		r := a.readBackend()
		a.inflight.Store(false)
		done <- r
	}()

	select {
	case r := <-done:
		return r, r.err
	case <-ctx.Done():
		return readResult{}, fmt.Errorf("clipboard read: %w", ctx.Err())
	}
}

func (a *Accessor) readBackend() (r readResult) {
	defer func() {
		if p := recover(); p != nil {
			r = readResult{err: fmt.Errorf("clipboard read panic: %v", p)}
		}
	}()
	r.image, r.err = a.backend.ReadImage()
	if r.err != nil || len(r.image) > 0 {
		return r
	}
	r.text, r.err = a.backend.ReadText()
	return r
}

func (a *Accessor) classify(r readResult, now time.Time) Snapshot {
	if len(r.image) == 0 {
		if len(r.text) > 0 {
			return Snapshot{Kind: KindNonImage, CapturedAt: now}
		}
		return Snapshot{Kind: KindEmpty, CapturedAt: now}
	}
	if len(r.image) > a.opts.MaxBytes {
		return Snapshot{
			Kind:       KindNonImage,
			CapturedAt: now,
			Err:        fmt.Errorf("%w: %d encoded bytes", raster.ErrTooLarge, len(r.image)),
		}
	}

	img, err := raster.Normalize(r.image, raster.Options{
		MinDimension: a.opts.MinDimension,
		MaxPixels:    a.opts.MaxPixels,
	})
	switch {
	case errors.Is(err, raster.ErrTooSmall), errors.Is(err, raster.ErrTooLarge):
		return Snapshot{Kind: KindNonImage, CapturedAt: now, Err: err}
	case err != nil:
		// Producers sometimes expose the format before the payload is complete.
		slog.Debug("clipboard image not decodable yet", "err", err, "size_bytes", len(r.image))
		return Snapshot{Kind: KindUnreadable, CapturedAt: now, Err: err}
	}
	return Snapshot{Kind: KindImage, Image: img, CapturedAt: now}
}

package clip

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process clipboard. The daemon uses it in headless
// environments (containers, CI) where no display server is available, and
// tests use it to script what the clipboard returns.
type Memory struct {
	mu       sync.Mutex
	image    []byte
	text     []byte
	readErr  error
	initErr  error
	delay    time.Duration
	wdelay   time.Duration
	seq      uint64
	counting bool

	reads atomic.Int64
}

// NewMemory returns an empty in-memory clipboard.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Name() string { return "memory (headless)" }

func (m *Memory) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initErr
}

// SetImage replaces the clipboard with an encoded image.
func (m *Memory) SetImage(b []byte) {
	m.mu.Lock()
	m.image, m.text = bytes.Clone(b), nil
	m.seq++
	m.mu.Unlock()
}

// SetText replaces the clipboard with text.
func (m *Memory) SetText(s string) {
	m.mu.Lock()
	m.image, m.text = nil, []byte(s)
	m.seq++
	m.mu.Unlock()
}

// Clear empties the clipboard.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.image, m.text = nil, nil
	m.seq++
	m.mu.Unlock()
}

// SetReadError makes every read fail with err until cleared with nil.
func (m *Memory) SetReadError(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
}

// SetInitError makes Init fail with err until cleared with nil.
func (m *Memory) SetInitError(err error) {
	m.mu.Lock()
	m.initErr = err
	m.mu.Unlock()
}

// SetDelay makes every read block for d.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// EnableChangeCount makes Memory report a sequence number like the macOS and
// Windows backends do.
func (m *Memory) EnableChangeCount() {
	m.mu.Lock()
	m.counting = true
	m.mu.Unlock()
}

// Reads returns how many image reads reached the backend.
func (m *Memory) Reads() int64 { return m.reads.Load() }

func (m *Memory) ChangeCount() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq, m.counting
}

func (m *Memory) ReadImage() ([]byte, error) {
	m.reads.Add(1)
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	return bytes.Clone(m.image), nil
}

func (m *Memory) ReadText() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	return bytes.Clone(m.text), nil
}

// SetWriteDelay makes every WriteImage block for d first.
func (m *Memory) SetWriteDelay(d time.Duration) {
	m.mu.Lock()
	m.wdelay = d
	m.mu.Unlock()
}

func (m *Memory) WriteImage(png []byte) error {
	m.mu.Lock()
	delay := m.wdelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	m.SetImage(png)
	return nil
}

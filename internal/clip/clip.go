// Package clip reads the system clipboard and classifies what it finds.
//
// Backends wrap the OS clipboard; the Accessor layered on top turns each read
// into an immutable Snapshot and never returns an error to its caller. Platform
// files add a cheap change counter where the OS offers one:
//
//	count_darwin.go  : NSPasteboard changeCount via cgo
//	count_windows.go : GetClipboardSequenceNumber via user32
//	count_other.go   : none; every poll reads the clipboard
package clip

import (
	"errors"
	"time"

	"go.klb.dev/shotpipe/internal/raster"
)

// ErrUnavailable is returned by Backend.Init when the clipboard subsystem
// cannot be used at all (no display server, missing libraries, ...).
var ErrUnavailable = errors.New("clipboard unavailable")

// Kind classifies one clipboard read.
type Kind int

const (
	// KindUnreadable: the read failed, timed out or returned a payload that
	// could not be decoded. Usually transient right after a screenshot.
	KindUnreadable Kind = iota
	// KindEmpty: nothing on the clipboard.
	KindEmpty
	// KindNonImage: text, file references, or an image rejected by the size gates.
	KindNonImage
	// KindImage: a decodable image; Snapshot.Image is set.
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindUnreadable:
		return "unreadable"
	case KindEmpty:
		return "empty"
	case KindNonImage:
		return "non-image"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

// Snapshot is one point-in-time read of the clipboard.
type Snapshot struct {
	Kind       Kind
	Image      *raster.Image // only for KindImage
	CapturedAt time.Time
	// Err is the absorbed cause for KindUnreadable and gated KindNonImage reads.
	Err error
}

// Backend is the interface that clipboard implementations satisfy.
type Backend interface {
	// Name returns a human-readable name for the backend.
	Name() string

	// Init prepares the backend. An error wrapping ErrUnavailable means the
	// clipboard cannot be used in this process.
	Init() error

	// ReadImage returns the encoded image on the clipboard, or nil if there
	// is none. Reading must not modify the clipboard.
	ReadImage() ([]byte, error)

	// ReadText returns the text on the clipboard, or nil if there is none.
	ReadText() ([]byte, error)

	// WriteImage replaces the clipboard contents with a PNG image.
	WriteImage(png []byte) error
}

// ChangeCounter is implemented by backends that can report a clipboard
// sequence number without reading the contents. ok is false when the
// platform has no such counter.
type ChangeCounter interface {
	ChangeCount() (n uint64, ok bool)
}

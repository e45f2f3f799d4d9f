package clip

import (
	"fmt"
	"runtime"

	"golang.design/x/clipboard"
)

type systemBackend struct{}

// NewSystem returns the OS clipboard backend. clipboard.Init is deferred to
// Init so that CLI sub-commands which never monitor don't touch the display.
func NewSystem() Backend { return &systemBackend{} }

func (b *systemBackend) Name() string { return "system clipboard (" + runtime.GOOS + ")" }

func (b *systemBackend) Init() error {
	if err := clipboard.Init(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *systemBackend) ReadImage() (data []byte, err error) {
	defer recoverRead(&err)
	return clipboard.Read(clipboard.FmtImage), nil
}

func (b *systemBackend) ReadText() (data []byte, err error) {
	defer recoverRead(&err)
	return clipboard.Read(clipboard.FmtText), nil
}

func (b *systemBackend) WriteImage(png []byte) (err error) {
	defer recoverRead(&err)
	// The returned channel only reports when someone else overwrites us.
	_ = clipboard.Write(clipboard.FmtImage, png)
	return nil
}

func (b *systemBackend) ChangeCount() (uint64, bool) { return changeCount() }

// recoverRead turns a panic inside the platform layer into an error. The
// Windows implementation panics when another process holds the clipboard open.
func recoverRead(err *error) {
	if p := recover(); p != nil {
		*err = fmt.Errorf("clipboard: %v", p)
	}
}

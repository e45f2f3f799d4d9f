//go:build windows

package clip

import "golang.org/x/sys/windows"

var (
	user32                         = windows.NewLazySystemDLL("user32.dll")
	procGetClipboardSequenceNumber = user32.NewProc("GetClipboardSequenceNumber")
)

// changeCount returns the clipboard sequence number. Zero means the caller
// lacks access to the window station, in which case we fall back to reading.
func changeCount() (uint64, bool) {
	if err := procGetClipboardSequenceNumber.Find(); err != nil {
		return 0, false
	}
	r, _, _ := procGetClipboardSequenceNumber.Call()
	if r == 0 {
		return 0, false
	}
	return uint64(r), true
}

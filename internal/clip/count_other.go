//go:build !darwin && !windows

package clip

// X11 and Wayland have no cheap sequence number; every poll reads.
func changeCount() (uint64, bool) { return 0, false }

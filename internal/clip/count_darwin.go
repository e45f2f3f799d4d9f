//go:build darwin

package clip

// #cgo CFLAGS: -x objective-c
// #cgo LDFLAGS: -framework Cocoa
// #import <Cocoa/Cocoa.h>
//
// NSInteger shotpipe_changeCount() {
//     return [[NSPasteboard generalPasteboard] changeCount];
// }
import "C"

// changeCount returns the general pasteboard's change counter. It increments
// on every write, including screenshot tools writing to the clipboard.
func changeCount() (uint64, bool) {
	return uint64(C.shotpipe_changeCount()), true
}

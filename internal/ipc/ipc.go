// Package ipc locates and opens the local socket that shotpipe CLI commands
// use to reach a running daemon.
//
// The daemon serves the same gRPC Monitor service on the socket as it does on
// its optional TCP address. Unix domain sockets are used on every platform;
// Windows has supported AF_UNIX since 10 1803.
package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// SocketName is the file name of the socket inside the runtime directory.
const SocketName = "shotpipe.sock"

// ErrRunning is returned by Listen when another daemon already answers on the socket.
var ErrRunning = errors.New("ipc: a daemon is already listening")

// SocketPath returns the IPC socket path.
//
//   - $SHOTPIPE_SOCKET when set
//   - $XDG_RUNTIME_DIR/shotpipe.sock on Linux desktops
//   - $TMPDIR/shotpipe-<uid>/shotpipe.sock otherwise; Listen creates the
//     directory 0700
func SocketPath() string {
	if s := os.Getenv("SHOTPIPE_SOCKET"); s != "" {
		return s
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, SocketName)
	}
	dir := "shotpipe"
	if uid := os.Getuid(); uid >= 0 {
		dir = fmt.Sprintf("shotpipe-%d", uid)
	}
	return filepath.Join(os.TempDir(), dir, SocketName)
}

// Target returns the gRPC dial target for path.
func Target(path string) string {
	return "unix://" + path
}

// IsRunning reports whether something accepts connections on path.
// It dials and closes; no data is exchanged.
func IsRunning(path string) bool {
	c, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Listen opens a listener on path. A stale socket file left by a crashed
// daemon is removed; a live one yields ErrRunning.
func Listen(path string) (net.Listener, error) {
	if IsRunning(path) {
		return nil, fmt.Errorf("%w on %s", ErrRunning, path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("ipc: remove stale socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ipc: %w", err)
	}
	// Other local users must not drive the clipboard: the socket is created
	// owner-only rather than chmod-ed after the fact.
	ln, err := listenPrivate(path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", path, err)
	}
	return ln, nil
}

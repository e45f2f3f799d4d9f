package ipc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// socketIn returns a short socket path; sun_path is limited to ~104 bytes on
// macOS, so t.TempDir() is too long on some CI runners.
func socketIn(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sp")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func TestSocketPath_Env(t *testing.T) {
	t.Setenv("SHOTPIPE_SOCKET", "/tmp/custom.sock")
	if got := SocketPath(); got != "/tmp/custom.sock" {
		t.Fatalf("SocketPath = %q", got)
	}
}

func TestSocketPath_RuntimeDir(t *testing.T) {
	t.Setenv("SHOTPIPE_SOCKET", "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got, want := SocketPath(), filepath.Join("/run/user/1000", SocketName); got != want {
		t.Fatalf("SocketPath = %q, want %q", got, want)
	}
}

func TestSocketPath_PerUserTempDir(t *testing.T) {
	t.Setenv("SHOTPIPE_SOCKET", "")
	t.Setenv("XDG_RUNTIME_DIR", "")
	got := SocketPath()
	if filepath.Dir(filepath.Dir(got)) != filepath.Clean(os.TempDir()) {
		t.Fatalf("SocketPath = %q, want a subdirectory of %s", got, os.TempDir())
	}
	if filepath.Base(filepath.Dir(got)) == filepath.Base(os.TempDir()) {
		t.Fatalf("SocketPath = %q sits directly in the shared temp dir", got)
	}
}

func TestListen_CreatesPrivateDir(t *testing.T) {
	path := filepath.Join(socketIn(t)+".d", "s.sock")
	t.Cleanup(func() { os.RemoveAll(filepath.Dir(path)) })

	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	fi, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0o700 {
		t.Fatalf("socket dir mode = %o, want 700", perm)
	}
}

func TestTarget(t *testing.T) {
	if got := Target("/run/x.sock"); got != "unix:///run/x.sock" {
		t.Fatalf("Target = %q", got)
	}
}

func TestListen_RemovesStaleSocket(t *testing.T) {
	path := socketIn(t)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	if !IsRunning(path) {
		t.Fatal("IsRunning = false while listening")
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Fatalf("socket mode = %o, want 600", perm)
	}
}

func TestListen_RefusesLiveDaemon(t *testing.T) {
	path := socketIn(t)
	first, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer first.Close()

	go func() {
		for {
			c, err := first.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	if _, err := Listen(path); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Listen err = %v, want ErrRunning", err)
	}
}

func TestIsRunning_NoSocket(t *testing.T) {
	if IsRunning(socketIn(t)) {
		t.Fatal("IsRunning = true with no listener")
	}
}

//go:build windows

package ipc

import "net"

// AF_UNIX sockets on Windows inherit the directory ACL; SocketPath places
// them in the per-user temp or runtime directory.
func listenPrivate(path string) (net.Listener, error) {
	return net.Listen("unix", path)
}

package bridge

import (
	"fmt"
	"net"
)

// FreePort asks the kernel for an unused loopback TCP port by binding port 0
// and releasing it right away. Another process may grab the port before the
// worker binds it; the connect retry in Start surfaces that as ErrConnection.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("%w: could not get a free port: %v", ErrResource, err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, fmt.Errorf("%w: could not release port %d: %v", ErrResource, port, err)
	}
	return port, nil
}

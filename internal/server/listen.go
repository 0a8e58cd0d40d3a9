package server

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrAddrInUse is returned by Listen when another process holds the address.
var ErrAddrInUse = errors.New("address already in use")

// Listen opens a TCP listener on addr.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen %s: %w", addr, ErrAddrInUse)
		}
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

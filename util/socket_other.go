//go:build !linux && !darwin && !freebsd && !dragonfly && !netbsd && !openbsd

package util

import (
	"errors"
	"net"
)

var errNoSockets = errors.New("util: raw sockets not supported on this platform")

func Listen(addr string, backlog int) (int, error) {
	return -1, errNoSockets
}

func Connect(addr string) (int, error) {
	return -1, errNoSockets
}

func Accept(fd int) (int, net.Addr, error) {
	return -1, nil, errNoSockets
}

func LocalAddr(fd int) (net.Addr, error) {
	return nil, errNoSockets
}

func CloseSocket(fd int) error {
	return errNoSockets
}

// Package sockfd provides raw, non-blocking IPv4 TCP socket helpers used by
// the client and server packages. Sockets are kept at the unix.* fd level
// (rather than net.Conn) because spec §4.2/§4.3 require every blocking point
// to be driven through an explicit multiplexed wait over raw fds, including
// the cancellation self-pipe.
package sockfd

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Listener opens a non-blocking listening socket bound to INADDR_ANY:port
// with SO_REUSEADDR, per spec §4.5 step 1.
func Listener(port uint16, backlog int) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("setsockopt(SO_REUSEADDR): %w", err)
	}
	sa := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind(:%d): %w", port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// BoundPort returns the port a listening socket was actually bound to,
// useful when Listener was called with port 0.
func BoundPort(fd int) (uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("getsockname: unexpected sockaddr type %T", sa)
	}
	return uint16(in4.Port), nil
}

// Connect opens a non-blocking TCP socket and issues connect(), tolerating
// the EINPROGRESS in-progress indication per spec §4.4 step 2.
func Connect(ip string, port uint16) (fd int, inProgress bool, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, false, fmt.Errorf("socket: %w", err)
	}
	addr4, ierr := to4(ip)
	if ierr != nil {
		_ = unix.Close(fd)
		return -1, false, ierr
	}
	sa := &unix.SockaddrInet4{Port: int(port), Addr: addr4}
	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}
	_ = unix.Close(fd)
	return -1, false, fmt.Errorf("connect(%s:%d): %w", ip, port, err)
}

// ConnectError returns the pending error on a socket whose connect()
// completed asynchronously (SO_ERROR), nil meaning success.
func ConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt(SO_ERROR): %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("connect: %w", unix.Errno(errno))
	}
	return nil
}

// Accept performs a non-blocking accept4 on an already-readable listening
// socket, per spec §4.6 step 3.
func Accept(listenFD int) (fd int, err error) {
	fd, _, err = unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// Close closes fd, tolerating an already-closed fd (spec §3 invariant 5:
// every opened fd is closed on every exit path; callers may call Close more
// than once defensively).
func Close(fd int) {
	if fd < 0 {
		return
	}
	_ = unix.Close(fd)
}

func to4(ip string) ([4]byte, error) {
	var out [4]byte
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return out, fmt.Errorf("invalid IPv4 address %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return out, fmt.Errorf("not an IPv4 address: %q", ip)
	}
	copy(out[:], v4)
	return out, nil
}

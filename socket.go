// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relayproxy

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Socket helpers (spec §4.3): raw non-blocking sockets, created and driven
// directly through golang.org/x/sys/unix rather than net.Conn, so that
// every fd can be registered with the event loop's epoll instance and its
// readiness driven explicitly instead of hidden behind Go's runtime netpoller.

var (
	errEConnAborted error = unix.ECONNABORTED
	errEAgain       error = unix.EAGAIN
	errEWouldBlock  error = unix.EWOULDBLOCK
)

// resolveCandidates resolves host to an ordered list of candidate IPs.
// Name resolution itself is an out-of-scope collaborator per spec §1; this
// simply calls the platform resolver synchronously.
func resolveCandidates(host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("relayproxy: no addresses for %q", host)
	}
	return ips, nil
}

// validatePort checks the 1-65535 range required by spec §6.
func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidArgument, port)
	}
	return nil
}

func sockaddrFor(ip net.IP, port int) (unix.Sockaddr, int, error) {
	if v4 := ip.To4(); v4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = port
		copy(sa.Addr[:], v4)
		return &sa, unix.AF_INET, nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, 0, fmt.Errorf("%w: unparseable address %q", ErrInvalidArgument, ip.String())
	}
	var sa unix.SockaddrInet6
	sa.Port = port
	copy(sa.Addr[:], v6)
	return &sa, unix.AF_INET6, nil
}

// newListenSocket creates, binds, and listens on a non-blocking,
// close-on-exec TCP socket for bindAddr:bindPort. bindAddr must be numeric
// (spec §6).
func newListenSocket(bindAddr string, bindPort int) (fd int, err error) {
	if err := validatePort(bindPort); err != nil {
		return -1, err
	}
	ip := net.ParseIP(bindAddr)
	if ip == nil {
		return -1, fmt.Errorf("%w: bind address %q is not numeric", ErrInvalidArgument, bindAddr)
	}
	sa, family, err := sockaddrFor(ip, bindPort)
	if err != nil {
		return -1, err
	}

	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt(SO_REUSEADDR): %w", err)
	}
	if family == unix.AF_INET6 {
		// Keep v4 and v6 listeners independent; callers that want dual-stack
		// bind two listeners (spec's "bind v4/v6" socket helper, not a
		// single dual-stack socket).
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, acceptBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// dialNonblocking iterates candidate addresses, issuing a non-blocking
// connect(2) to each in turn. Per spec §9's correction: connect's return of
// 0 means immediate completion; a return of -1 with errno == EINPROGRESS
// means completion is pending and must be confirmed via writable readiness.
//
// Returns the connected (or connecting) fd, and a bool reporting whether
// the connect completed immediately (true) or is pending (false, caller
// must await writable readiness then call connectError).
func dialNonblocking(candidates []net.IP, port int) (fd int, immediate bool, err error) {
	if err := validatePort(port); err != nil {
		return -1, false, err
	}
	var lastErr error
	for _, ip := range candidates {
		sa, family, serr := sockaddrFor(ip, port)
		if serr != nil {
			lastErr = serr
			continue
		}
		cfd, serr := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if serr != nil {
			lastErr = serr
			continue
		}
		cerr := unix.Connect(cfd, sa)
		if cerr == nil {
			return cfd, true, nil
		}
		if cerr == unix.EINPROGRESS {
			return cfd, false, nil
		}
		unix.Close(cfd)
		lastErr = cerr
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no candidates for port %d", ErrInvalidArgument, port)
	}
	return -1, false, lastErr
}

// connectError queries SO_ERROR after writable readiness fires for a
// pending connect, per spec §4.5's pending-connect callback.
func connectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// acceptNonblocking accepts one pending connection on a listening socket,
// returning a non-blocking, close-on-exec client fd.
func acceptNonblocking(listenFd int) (fd int, err error) {
	fd, _, err = unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return fd, err
}

// setNonblocking toggles O_NONBLOCK on fd.
func setNonblocking(fd int, on bool) error {
	return unix.SetNonblock(fd, on)
}

// rawLeg is a transport backed directly by a raw, non-blocking TCP socket
// fd (no framing codec).
type rawLeg struct {
	fd int
}

func (r rawLeg) recv(p []byte) (int, error) {
	n, err := unix.Read(r.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		if err == unix.ECONNRESET {
			return 0, ErrDisconnect
		}
		return 0, err
	}
	if n == 0 {
		return 0, ErrDisconnect
	}
	return n, nil
}

func (r rawLeg) send(p []byte) (int, error) {
	// MSG_NOSIGNAL: spec §4.2's "no-SIGPIPE semantics" for send.
	n, err := unix.SendmsgN(r.fd, p, nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return n, ErrWouldBlock
		}
		if err == unix.EPIPE || err == unix.ECONNRESET {
			return n, ErrDisconnect
		}
		return n, err
	}
	return n, nil
}

// ParsePort validates and converts a CLI numeric-port argument.
func ParsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: port %q is not numeric", ErrInvalidArgument, s)
	}
	if err := validatePort(p); err != nil {
		return 0, err
	}
	return p, nil
}

//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 THL A29 Limited, a Tencent company.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

package evcore

import (
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kavu-io/evcore/internal/asyncop"
	"github.com/kavu-io/evcore/internal/netutil"
	"github.com/kavu-io/evcore/internal/reactor"
)

// DialStream connects to address over network ("tcp", "tcp4", "tcp6", or
// "unix") and delivers the resulting StreamSocket asynchronously: the
// connect itself goes through the Connect kind of the asyncop state
// machine, completing speculatively if the kernel connects immediately
// (common for "unix" and for "tcp" to an already-cached route) or
// reactively once the fd reports writable.
func DialStream(ex *Executor, network, address string, completion func(*StreamSocket, error), opts ...StreamOption) {
	fd, laddr, raddr, err := dialSocket(network, address)
	if err != nil {
		completion(nil, wrapSyscall("dial", err))
		return
	}

	connect := asyncop.New(asyncop.Connect)
	var tag reactor.Tag
	attempt := func() (int, error) {
		errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return 0, err
		}
		if errno != 0 {
			return 0, unix.Errno(errno)
		}
		// SO_ERROR is also 0 while the connect is still in progress; the
		// socket has no peer until the handshake completes.
		if _, perr := unix.Getpeername(fd); perr == unix.ENOTCONN {
			_ = ex.Reactor().AddEvent(tag, reactor.Write)
			return 0, unix.EAGAIN
		}
		return 0, nil
	}

	tag, regErr := ex.Reactor().Register(fd, reactor.Write, func(events reactor.EventSet) {
		if events.Writable() || events.HasError() {
			connect.OnReady()
		}
	})
	if regErr != nil {
		unix.Close(fd)
		completion(nil, wrapSyscall("register dial socket", regErr))
		return
	}
	ex.incJobCount()

	connect.Start(attempt, func(_ int, err error) {
		ex.Reactor().Deregister(tag, false)
		ex.decJobCount()
		if err != nil {
			unix.Close(fd)
			completion(nil, wrapSyscall("connect", err))
			return
		}
		s, err := newStreamSocket(ex, fd, laddr, raddr, network)
		if err != nil {
			completion(nil, err)
			return
		}
		o := defaultStreamOptions()
		for _, apply := range opts {
			apply(&o)
		}
		o.apply(s)
		completion(s, nil)
	})
}

// dialSocket creates a non-blocking socket and issues connect(2), leaving
// EINPROGRESS (the expected outcome for a non-blocking connect) for the
// caller to observe via SO_ERROR once the fd becomes writable.
func dialSocket(network, address string) (fd int, laddr, raddr net.Addr, err error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		return dialTCP(network, address)
	case "unix":
		return dialUnix(address)
	default:
		return 0, nil, nil, &net.OpError{Op: "dial", Net: network, Err: net.UnknownNetworkError(network)}
	}
}

func dialTCP(network, address string) (int, net.Addr, net.Addr, error) {
	raddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return 0, nil, nil, err
	}
	family := unix.AF_INET
	if raddr.IP.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return 0, nil, nil, err
	}
	if err := setNonblockCloexec(fd); err != nil {
		unix.Close(fd)
		return 0, nil, nil, err
	}
	// AddrToSockAddr only uses laddr to cross-check address family against
	// raddr; passing raddr for both sides is the family trivially agreeing
	// with itself, and the sockaddr it builds comes entirely from raddr.
	sa, err := netutil.AddrToSockAddr(raddr, raddr)
	if err != nil {
		unix.Close(fd)
		return 0, nil, nil, err
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return 0, nil, nil, err
	}
	return fd, nil, raddr, nil
}

func dialUnix(address string) (int, net.Addr, net.Addr, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, nil, nil, err
	}
	if err := setNonblockCloexec(fd); err != nil {
		unix.Close(fd)
		return 0, nil, nil, err
	}
	sa := &unix.SockaddrUnix{Name: address}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return 0, nil, nil, err
	}
	raddr := &net.UnixAddr{Name: address, Net: "unix"}
	return fd, nil, raddr, nil
}

// DialTimeout is like DialStream but fails the completion with a timeout
// error if the connect has not finished within d.
func DialTimeout(ex *Executor, network, address string, d time.Duration, completion func(*StreamSocket, error), opts ...StreamOption) {
	var once int32
	finish := func(s *StreamSocket, err error) {
		if !atomic.CompareAndSwapInt32(&once, 0, 1) {
			if s != nil {
				s.Close()
			}
			return
		}
		completion(s, err)
	}

	tag, err := ex.ScheduleOnceAfter(d, func() {
		finish(nil, newError(CodeTimeout, "dial", nil))
	})
	_ = tag
	if err != nil {
		completion(nil, err)
		return
	}

	DialStream(ex, network, address, func(s *StreamSocket, err error) {
		_ = ex.CancelTimer(tag)
		finish(s, err)
	}, opts...)
}

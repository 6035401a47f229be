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

	"golang.org/x/sys/unix"

	"github.com/kavu-io/evcore/internal/netutil"
	"github.com/kavu-io/evcore/internal/reactor"
)

// OnAccept fires for every newly accepted StreamSocket.
type OnAccept func(s *StreamSocket)

// Acceptor listens for and accepts incoming stream connections (TCP or
// AF_UNIX SOCK_STREAM), handing each one to onAccept as a StreamSocket
// already registered with the same executor.
type Acceptor struct {
	netFD
	closer

	ex       *Executor
	listener net.Listener
	onAccept OnAccept
}

// NewAcceptor wraps an already-bound net.Listener (created via net.Listen
// so the OS handles address resolution and SO_REUSEADDR semantics) and
// registers its fd with ex's reactor.
func NewAcceptor(ex *Executor, ln net.Listener, onAccept OnAccept) (*Acceptor, error) {
	fd, err := netutil.DupFD(ln)
	if err != nil {
		// DupFD covers TCP listeners only; other listeners (AF_UNIX) are
		// duplicated from their raw fd.
		if raw, gerr := netutil.GetFD(ln); gerr == nil {
			fd, err = unix.Dup(raw)
		}
	}
	if err != nil {
		return nil, wrapSyscall("dup listener fd", err)
	}
	if err := setNonblockCloexec(fd); err != nil {
		unix.Close(fd)
		return nil, wrapSyscall("set listener nonblocking", err)
	}
	a := &Acceptor{ex: ex, listener: ln, onAccept: onAccept}
	a.fd = fd
	a.laddr = ln.Addr()
	a.network = ln.Addr().Network()

	tag, err := ex.Reactor().Register(fd, reactor.Read, a.onEvents)
	if err != nil {
		unix.Close(fd)
		return nil, wrapSyscall("register listener", err)
	}
	a.tag = tag
	ex.incJobCount()
	return a, nil
}

func (a *Acceptor) onEvents(events reactor.EventSet) {
	if events.Readable() {
		for a.acceptOne() {
		}
	}
	_ = a.ex.Reactor().AddEvent(a.tag, reactor.Read)
}

// acceptOne accepts at most one pending connection. It returns true if it
// should be called again immediately (edge-triggered accept must drain the
// backlog fully, since a single readiness notification may represent
// multiple queued connections).
func (a *Acceptor) acceptOne() bool {
	connFD, sa, err := netutil.Accept(a.fd)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return false
		}
		return false
	}
	if err := setNonblockCloexec(connFD); err != nil {
		unix.Close(connFD)
		return true
	}
	raddr := netutil.SockaddrToTCPOrUnixAddr(sa)
	if a.network == "unix" {
		raddr = netutil.SockaddrToTCPOrUnixAddr(sa)
	}
	s, err := newStreamSocket(a.ex, connFD, a.laddr, raddr, a.network)
	if err != nil {
		return true
	}
	if a.onAccept != nil {
		a.onAccept(s)
	}
	return true
}

// Close stops accepting and closes the listening fd.
func (a *Acceptor) Close() error {
	if !a.closeAllJob.Begin() {
		return nil
	}
	a.closeAllJobs()
	a.ex.Reactor().Deregister(a.tag, true)
	a.ex.decJobCount()
	return a.listener.Close()
}

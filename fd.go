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

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/kavu-io/evcore/internal/netutil"
	"github.com/kavu-io/evcore/internal/reactor"
)

// netFD is the common fd/address/reactor-tag bundle shared by every socket
// kind (stream, datagram, packet, acceptor).
type netFD struct {
	fd      int
	tag     reactor.Tag
	laddr   net.Addr
	raddr   net.Addr
	network string
	closed  atomic.Bool
}

func (nfd *netFD) FD() int             { return nfd.fd }
func (nfd *netFD) LocalAddr() net.Addr { return nfd.laddr }
func (nfd *netFD) RemoteAddr() net.Addr {
	if nfd.raddr == nil {
		return emptyAddr{network: nfd.network}
	}
	return nfd.raddr
}

// emptyAddr stands in for an unconnected socket's remote address, matching
// net.PacketConn's convention of never returning a nil Addr.
type emptyAddr struct{ network string }

func (a emptyAddr) Network() string { return a.network }
func (a emptyAddr) String() string  { return "" }

func (nfd *netFD) SetKeepAlive(secs int) error {
	return netutil.SetKeepAlive(nfd.fd, secs)
}

func (nfd *netFD) SetNoDelay(noDelay bool) error {
	v := 0
	if noDelay {
		v = 1
	}
	return unix.SetsockoptInt(nfd.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// closeRaw closes the file descriptor directly. Reactor deregistration is
// the caller's responsibility since only the caller knows whether
// close-on-completion should be deferred.
func (nfd *netFD) closeRaw() {
	if nfd.closed.CAS(false, true) {
		unix.Close(nfd.fd)
	}
}

func setNonblockCloexec(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	if errno != 0 {
		return errno
	}
	return nil
}

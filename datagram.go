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
	"fmt"
	"net"

	goreuseport "github.com/kavu/go_reuseport"
	"golang.org/x/sys/unix"

	"github.com/kavu-io/evcore/internal/asyncop"
	"github.com/kavu-io/evcore/internal/netutil"
	"github.com/kavu-io/evcore/internal/reactor"
	"github.com/kavu-io/evcore/metrics"
)

// OnDatagram is the handler shape for a per-datagram consumer. Nothing in
// this package invokes it; ReceiveFromAsync reports through its own
// completion.
type OnDatagram func(s *DatagramSocket, p []byte, addr net.Addr)

// DatagramSocket is a connectionless, message-oriented UDP socket. AF_UNIX
// SOCK_DGRAM sockets are not supported: the listener's fd is duplicated
// through netutil.DupFD, which accepts only TCP/UDP connections and TCP
// listeners, and SendToAsync accepts only *net.UDPAddr destinations.
// Like StreamSocket's send/receive, at most
// one SendToAsync may be in flight at a time: a second call while one is
// still draining completes immediately with asyncop.ErrOperationOngoing.
type DatagramSocket struct {
	netFD
	closer

	ex *Executor

	recv *asyncop.Operation
	send *asyncop.Operation

	sendBuf  []byte
	sendAddr unix.Sockaddr

	onClosed func(s *DatagramSocket)
	metaData any
}

// ListenDatagram binds fanout sockets to address (fanout > 1 requires
// SO_REUSEPORT, wired through go_reuseport), spreading one wildcard address
// across fanout independently-registered sockets so the kernel load-balances
// incoming datagrams across them instead of funneling every packet through
// a single fd. All returned sockets share ex's reactor.
func ListenDatagram(ex *Executor, network, address string, fanout int) ([]*DatagramSocket, error) {
	if fanout < 1 {
		fanout = 1
	}
	listenPacket := net.ListenPacket
	if fanout > 1 {
		listenPacket = goreuseport.ListenPacket
	}
	socks := make([]*DatagramSocket, 0, fanout)
	for i := 0; i < fanout; i++ {
		pc, err := listenPacket(network, address)
		if err != nil {
			for _, s := range socks {
				s.Close()
			}
			return nil, wrapSyscall("listen datagram", err)
		}
		s, err := newDatagramSocketFromListener(ex, pc)
		if err != nil {
			pc.Close()
			for _, s := range socks {
				s.Close()
			}
			return nil, err
		}
		socks = append(socks, s)
		address = pc.LocalAddr().String()
	}
	return socks, nil
}

func newDatagramSocketFromListener(ex *Executor, pc net.PacketConn) (*DatagramSocket, error) {
	fd, err := netutil.DupFD(pc)
	if err != nil {
		return nil, wrapSyscall("dup packet conn fd", err)
	}
	if err := setNonblockCloexec(fd); err != nil {
		unix.Close(fd)
		return nil, wrapSyscall("set datagram nonblocking", err)
	}
	s := &DatagramSocket{
		ex:   ex,
		recv: asyncop.New(asyncop.Receive),
		send: asyncop.New(asyncop.Send),
	}
	s.fd = fd
	s.laddr = pc.LocalAddr()
	s.network = pc.LocalAddr().Network()

	tag, err := ex.Reactor().Register(fd, reactor.Read, s.onEvents)
	if err != nil {
		unix.Close(fd)
		return nil, wrapSyscall("register datagram socket", err)
	}
	s.tag = tag
	ex.incJobCount()
	return s, nil
}

// SetMetaData attaches arbitrary user data to the socket.
func (s *DatagramSocket) SetMetaData(v any) { s.metaData = v }

// GetMetaData returns the value set by SetMetaData.
func (s *DatagramSocket) GetMetaData() any { return s.metaData }

// SetOnClosed sets the handler invoked once the socket is fully closed.
func (s *DatagramSocket) SetOnClosed(h func(s *DatagramSocket)) { s.onClosed = h }

// ReceiveFromAsync reads at most one pending datagram of up to maxLen bytes,
// completing immediately if one is already queued in the kernel and
// otherwise once the reactor next reports readability.
func (s *DatagramSocket) ReceiveFromAsync(maxLen int, completion func(p []byte, addr net.Addr, err error)) {
	if !s.beginJobSafely(apiRead) {
		completion(nil, nil, ErrClosed)
		return
	}
	defer s.endJobSafely(apiRead)

	buf := make([]byte, maxLen)
	var n int
	var from unix.Sockaddr
	s.recv.Start(func() (int, error) {
		var err error
		n, from, err = unix.Recvfrom(s.fd, buf, 0)
		if err == unix.EAGAIN {
			_ = s.ex.Reactor().AddEvent(s.tag, reactor.Read)
		}
		return n, err
	}, func(_ int, err error) {
		metrics.Add(metrics.UDPRecvFromCalls, 1)
		if err != nil {
			if err != unix.EAGAIN {
				metrics.Add(metrics.UDPRecvFromFails, 1)
			}
			completion(nil, nil, wrapSyscall("recvfrom", err))
			return
		}
		var addr net.Addr
		if from != nil {
			addr = netutil.SockaddrToUDPAddr(from)
		}
		completion(buf[:n], addr, nil)
	})
}

// SendToAsync sends one datagram to addr, completing speculatively if the
// kernel accepts it immediately and reactively once the fd next reports
// writable otherwise. A SendToAsync issued while a previous one is still in
// flight completes immediately with asyncop.ErrOperationOngoing.
func (s *DatagramSocket) SendToAsync(p []byte, addr net.Addr, completion func(n int, err error)) {
	if !s.beginJobSafely(apiWrite) {
		completion(0, ErrClosed)
		return
	}
	defer s.endJobSafely(apiWrite)

	if s.send.InFlight() {
		completion(0, asyncop.ErrOperationOngoing)
		return
	}
	sa, err := addrToSockaddr(addr)
	if err != nil {
		completion(0, err)
		return
	}
	s.sendBuf = p
	s.sendAddr = sa
	s.send.Start(func() (int, error) {
		err := unix.Sendto(s.fd, s.sendBuf, 0, s.sendAddr)
		if err == unix.EAGAIN {
			_ = s.ex.Reactor().AddEvent(s.tag, reactor.Write)
		}
		return len(s.sendBuf), err
	}, func(n int, err error) {
		metrics.Add(metrics.UDPSendToCalls, 1)
		if err != nil {
			metrics.Add(metrics.UDPSendToFails, 1)
			completion(0, wrapSyscall("sendto", err))
			return
		}
		completion(n, nil)
	})
}

func (s *DatagramSocket) onEvents(events reactor.EventSet) {
	if events.HasError() {
		s.ex.Dispatch(s.ex.WorkerContext(), func() {
			s.recv.Cancel(ErrClosed)
			s.send.Cancel(ErrClosed)
			s.Close()
		})
		return
	}
	if events.Readable() {
		s.recv.OnReady()
	}
	if events.Writable() {
		s.send.OnReady()
	}
	_ = s.ex.Reactor().AddEvent(s.tag, reactor.Read)
}

func (s *DatagramSocket) closeNow() {
	if !s.closeAllJob.Begin() {
		return
	}
	s.closeAllJobs()
	s.recv.Cancel(ErrClosed)
	s.send.Cancel(ErrClosed)
	s.ex.Reactor().Deregister(s.tag, true)
	s.ex.decJobCount()
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

// Close closes the socket. Safe to call more than once and concurrently.
func (s *DatagramSocket) Close() error {
	s.ex.Dispatch(s.ex.WorkerContext(), s.closeNow)
	return nil
}

func addrToSockaddr(addr net.Addr) (unix.Sockaddr, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("evcore: address %T is not a *net.UDPAddr", addr)
	}
	sa, err := netutil.AddrToSockAddr(udpAddr, udpAddr)
	if err != nil {
		return nil, wrapSyscall("resolve datagram address", err)
	}
	return sa, nil
}

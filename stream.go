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
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kavu-io/evcore/internal/asyncop"
	"github.com/kavu-io/evcore/internal/buffer"
	"github.com/kavu-io/evcore/internal/reactor"
	"github.com/kavu-io/evcore/internal/timer"
	"github.com/kavu-io/evcore/log"
	"github.com/kavu-io/evcore/metrics"
)

// OnStreamClosed fires once, after a StreamSocket has fully closed.
type OnStreamClosed func(s *StreamSocket)

// StreamSocket is a connection-oriented byte-stream socket: a TCP
// connection or a connected AF_UNIX SOCK_STREAM socket. Each direction is
// driven by a send/receive asyncop.Operation (§4.4): ReceiveAsync/SendAsync
// try the syscall speculatively and fall back to reactor readiness only
// when the attempt would block.
type StreamSocket struct {
	netFD
	closer

	ex *Executor

	in  buffer.Buffer
	out buffer.Buffer

	send *asyncop.Operation
	recv *asyncop.Operation

	idleTimeout time.Duration
	idleTimer   *timer.Timer
	idleGen     int

	onClosed OnStreamClosed
	metaData any
}

// newStreamSocket registers fd with ex's reactor and wires up the
// send/receive state machines. The caller must already have set fd
// non-blocking.
func newStreamSocket(ex *Executor, fd int, laddr, raddr net.Addr, network string) (*StreamSocket, error) {
	s := &StreamSocket{
		ex:   ex,
		send: asyncop.New(asyncop.Send),
		recv: asyncop.New(asyncop.Receive),
	}
	s.fd, s.laddr, s.raddr, s.network = fd, laddr, raddr, network
	s.in.Initialize()
	s.out.Initialize()

	tag, err := ex.Reactor().Register(fd, reactor.Read, s.onEvents)
	if err != nil {
		unix.Close(fd)
		return nil, wrapSyscall("register stream socket", err)
	}
	s.tag = tag
	ex.incJobCount()
	metrics.Add(metrics.TCPConnsCreate, 1)
	return s, nil
}

// SetOnClosed sets the handler invoked once the socket is fully closed.
func (s *StreamSocket) SetOnClosed(h OnStreamClosed) { s.onClosed = h }

// SetMetaData attaches arbitrary user data to the socket.
func (s *StreamSocket) SetMetaData(v any) { s.metaData = v }

// GetMetaData returns the value set by SetMetaData.
func (s *StreamSocket) GetMetaData() any { return s.metaData }

// SetIdleTimeout closes the socket if neither direction makes progress
// within d. d<=0 disables it.
func (s *StreamSocket) SetIdleTimeout(d time.Duration) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimeout = d
	s.idleGen++
	if d <= 0 {
		return
	}
	s.idleTimer = timer.New(time.Now().Add(d))
	s.idleTimer.Start()
	gen := s.idleGen
	go s.watchIdle(gen)
}

func (s *StreamSocket) watchIdle(gen int) {
	time.Sleep(s.idleTimeout)
	s.ex.Post(func() {
		if s.closed() || gen != s.idleGen {
			return
		}
		s.Close()
	})
}

func (s *StreamSocket) touchIdle() {
	if s.idleTimer != nil {
		s.idleTimer.Start()
		s.idleGen++
		gen := s.idleGen
		go s.watchIdle(gen)
	}
}

// Peek returns the next n buffered bytes without consuming them
// (zero-copy). Use ReceiveAsync first to ensure enough data is buffered.
func (s *StreamSocket) Peek(n int) ([]byte, error) { return s.in.Peek(n) }

// Next returns and consumes the next n buffered bytes (zero-copy).
func (s *StreamSocket) Next(n int) ([]byte, error) { return s.in.Next(n) }

// ReadN copies and consumes the next n buffered bytes.
func (s *StreamSocket) ReadN(n int) ([]byte, error) {
	p, err := s.in.Next(n)
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	s.in.Release()
	return cp, nil
}

// Release returns buffers obtained via Peek/Next to the pool.
func (s *StreamSocket) Release() { s.in.Release() }

// Len reports the number of readable bytes currently buffered.
func (s *StreamSocket) Len() int { return s.in.LenRead() }

// ReceiveAsync attempts to read up to n additional bytes into the socket's
// receive buffer, completing immediately if data is already available and
// otherwise when the reactor next reports readability. completion receives
// the number of bytes newly appended or an error; once the peer has shut
// down the error is ErrEndOfFile, and the socket is closed after completion
// returns.
func (s *StreamSocket) ReceiveAsync(n int, completion func(n int, err error)) {
	if !s.beginJobSafely(apiRead) {
		completion(0, ErrClosed)
		return
	}
	defer s.endJobSafely(apiRead)
	s.recv.Start(func() (int, error) {
		got, err := s.in.Fill((*fdReader)(s), n)
		if err == unix.EAGAIN {
			_ = s.ex.Reactor().AddEvent(s.tag, reactor.Read)
		}
		if err == io.EOF {
			err = ErrEndOfFile
		}
		return got, err
	}, func(got int, err error) {
		metrics.Add(metrics.TCPRecvCalls, 1)
		if err != nil && err != unix.EAGAIN {
			metrics.Add(metrics.TCPRecvFails, 1)
		}
		metrics.Add(metrics.TCPRecvBytes, uint64(got))
		s.touchIdle()
		completion(got, err)
		if err == ErrEndOfFile {
			// The peer is gone; a subsequent receive_async should observe
			// the socket as no longer connected rather than hang or read
			// zero bytes again.
			s.Close()
		}
	})
}

// fdReader adapts a raw socket fd to buffer.Reader. It honors the io.Reader
// contract on end-of-file: a zero-byte, no-error unix.Read means the peer
// performed an orderly shutdown, so it is surfaced as io.EOF rather than as
// a silent (0, nil) — buffer.Fill already knows how to treat any non-nil
// Read error as "stop filling", distinguishing it from "zero bytes asked
// for".
func (r *fdReader) Read(p []byte) (int, error) {
	n, err := unix.Read(r.fd, p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// SendAsync queues p and drains it asynchronously, invoking completion
// exactly once when all of p has been written or an error occurs. Per the
// at-most-one-in-flight invariant shared by every asyncop.Operation, a
// SendAsync issued while a previous one is still draining completes
// immediately with asyncop.ErrOperationOngoing and leaves p unqueued —
// the caller is expected to wait for one send to complete before issuing
// the next, exactly as for ReceiveAsync and DialStream's connect.
func (s *StreamSocket) SendAsync(p []byte, completion func(n int, err error)) {
	if !s.beginJobSafely(apiWrite) {
		completion(0, ErrClosed)
		return
	}
	defer s.endJobSafely(apiWrite)
	if s.send.InFlight() {
		completion(0, asyncop.ErrOperationOngoing)
		return
	}
	s.out.Write(true, p)
	total := len(p)
	s.send.Start(func() (int, error) {
		for s.out.LenRead() > 0 {
			chunk, err := s.out.Peek(s.out.LenRead())
			if err != nil {
				return 0, err
			}
			n, werr := unix.Write(s.fd, chunk)
			if n > 0 {
				s.out.Skip(n)
			}
			if werr != nil {
				if werr == unix.EAGAIN {
					_ = s.ex.Reactor().AddEvent(s.tag, reactor.Write)
				}
				return 0, werr
			}
			if n < len(chunk) {
				_ = s.ex.Reactor().AddEvent(s.tag, reactor.Write)
				return 0, unix.EAGAIN
			}
		}
		_ = s.ex.Reactor().RemoveEvent(s.tag, reactor.Write)
		return 0, nil
	}, func(_ int, err error) {
		metrics.Add(metrics.TCPSendCalls, 1)
		if err != nil {
			metrics.Add(metrics.TCPSendFails, 1)
			completion(0, err)
			return
		}
		metrics.Add(metrics.TCPSendBytes, uint64(total))
		s.touchIdle()
		completion(total, nil)
	})
}

// onEvents is the reactor-delivered handler for this socket's fd. Read
// interest is eager and re-armed unconditionally every time, independent
// of whether a receive is currently in flight, so the next readiness
// notification is never missed.
func (s *StreamSocket) onEvents(events reactor.EventSet) {
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
	if err := s.ex.Reactor().AddEvent(s.tag, reactor.Read); err != nil {
		log.Debugf("stream: re-arm read interest: %v", err)
	}
}

func (s *StreamSocket) closeNow() {
	if !s.closeAllJob.Begin() {
		return
	}
	s.closeAllJobs()
	s.recv.Cancel(ErrClosed)
	s.send.Cancel(ErrClosed)
	s.ex.Reactor().Deregister(s.tag, true)
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.in.Free()
	s.out.Free()
	metrics.Add(metrics.TCPConnsClose, 1)
	s.ex.decJobCount()
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

// Close closes the socket. Safe to call more than once and concurrently.
func (s *StreamSocket) Close() error {
	s.ex.Dispatch(s.ex.WorkerContext(), s.closeNow)
	return nil
}

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
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kavu-io/evcore/internal/reactor"
)

// SignalSet delivers a fixed set of Unix signals through the reactor via
// signalfd, rather than Go's runtime signal.Notify channel, so a signal
// arrival is just another fd readiness event the same single epoll_wait
// observes, the same way every other waited-on kernel object (sockets,
// timerfd) is registered through the one reactor.
type SignalSet struct {
	ex   *Executor
	fd   int
	tag  reactor.Tag
	sigs []unix.Signal

	mu      sync.Mutex
	waiting func(sig int, err error)
}

// NewSignalSet creates a SignalSet watching sigs. It blocks delivery of
// sigs through the normal disposition (via pthread_sigmask) so they are
// only observed through the returned signalfd; this must happen before any
// other goroutine could receive them via the default disposition.
func NewSignalSet(ex *Executor, sigs ...unix.Signal) (*SignalSet, error) {
	var mask unix.Sigset_t
	for _, sig := range sigs {
		bit := uint(sig) - 1
		mask.Val[bit/64] |= 1 << (bit % 64)
	}
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &mask, nil); err != nil {
		return nil, wrapSyscall("block signals", err)
	}
	fd, err := unix.Signalfd(-1, &mask, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return nil, wrapSyscall("signalfd", err)
	}
	s := &SignalSet{ex: ex, fd: fd, sigs: sigs}
	tag, err := ex.Reactor().Register(fd, reactor.Read, s.onEvents)
	if err != nil {
		unix.Close(fd)
		return nil, wrapSyscall("register signalfd", err)
	}
	s.tag = tag
	ex.incJobCount()
	return s, nil
}

// WaitAsync arms a single pending wait for any signal in the set. If a
// signal was already pending (delivered before WaitAsync was called),
// completion fires with it immediately (the same speculative-first-attempt
// property every other async operation in this package has); otherwise it
// fires the next time one is delivered. Only one wait may be outstanding;
// a second WaitAsync before the first completes replaces it.
func (s *SignalSet) WaitAsync(completion func(sig int, err error)) {
	s.mu.Lock()
	s.waiting = completion
	s.mu.Unlock()
	s.tryRead()
}

// Cancel fails any outstanding WaitAsync with a cancelled error.
func (s *SignalSet) Cancel() {
	s.mu.Lock()
	completion := s.waiting
	s.waiting = nil
	s.mu.Unlock()
	if completion != nil {
		completion(0, newError(CodeCancelled, "signalset wait", nil))
	}
}

// Close stops watching this set's signals and releases the signalfd. It
// does not restore the previous signal mask: in a program with more than
// one SignalSet, unblocking would reintroduce the default disposition
// while another set may still depend on the signal being blocked.
func (s *SignalSet) Close() error {
	s.ex.Reactor().Deregister(s.tag, true)
	s.Cancel()
	s.ex.decJobCount()
	return unix.Close(s.fd)
}

func (s *SignalSet) onEvents(events reactor.EventSet) {
	if events.Readable() {
		s.tryRead()
	}
	_ = s.ex.Reactor().AddEvent(s.tag, reactor.Read)
}

func (s *SignalSet) tryRead() {
	s.mu.Lock()
	completion := s.waiting
	s.mu.Unlock()
	if completion == nil {
		return
	}

	var info unix.SignalfdSiginfo
	buf := (*[unsafe.Sizeof(info)]byte)(unsafe.Pointer(&info))[:]
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.mu.Lock()
		s.waiting = nil
		s.mu.Unlock()
		completion(0, wrapSyscall("read signalfd", err))
		return
	}
	if n < len(buf) {
		return
	}
	s.mu.Lock()
	s.waiting = nil
	s.mu.Unlock()
	completion(int(info.Signo), nil)
}

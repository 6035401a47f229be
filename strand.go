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
	"context"
	"sync"
)

type strandMarkerKey struct{}

// Strand is a FIFO, non-reentrant serializer over an Executor: at most one
// of its tasks executes at any instant across the entire worker pool, even
// though different tasks may run on different workers over time. It
// follows the same shape as Boost.Asio's strand, built on top of the
// executor rather than replacing it.
type Strand struct {
	ex *Executor

	mu      sync.Mutex
	queue   []func()
	running bool
}

// NewStrand creates a Strand bound to ex.
func NewStrand(ex *Executor) *Strand {
	return &Strand{ex: ex}
}

// Context returns a context.Context marked as running on s, for the same
// reason Executor exposes WorkerContext: code running inside one of s's
// tasks that wants a nested Dispatch call to be recognized as already
// serialized must thread this through explicitly, since Go has no
// goroutine-local storage to detect it implicitly.
func (s *Strand) Context() context.Context {
	return context.WithValue(context.Background(), strandMarkerKey{}, s)
}

func (s *Strand) runningOnThis(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(strandMarkerKey{}).(*Strand)
	return owner == s
}

// Running reports whether ctx shows the caller is presently executing
// inside one of s's serialized tasks. Callers that need a synchronous,
// no-round-trip operation to be safe (e.g. a SendSync variant bypassing
// Post/Dispatch entirely) should assert this first and refuse to proceed
// otherwise, rather than risk racing with whatever task the strand is
// concurrently draining.
func (s *Strand) Running(ctx context.Context) bool {
	return s.runningOnThis(ctx)
}

// Post enqueues task. If no task for this strand is currently running, a
// single drain job is posted to the underlying executor; otherwise task
// just joins the queue the running drain will reach.
func (s *Strand) Post(task func()) {
	s.mu.Lock()
	s.queue = append(s.queue, task)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.ex.Post(s.drain)
}

// Dispatch runs task inline when ctx shows the caller is already inside
// this strand's serialized section. Otherwise, if ctx shows the caller is
// on one of the executor's own workers, it runs task inline as long as no
// other task for this strand is currently running (claiming the running
// slot itself rather than bouncing through the queue); if some other task
// is running, task is queued like Post. Outside the executor entirely,
// Dispatch behaves exactly like Post.
func (s *Strand) Dispatch(ctx context.Context, task func()) {
	if s.runningOnThis(ctx) {
		task()
		return
	}
	if !s.ex.runningOn(ctx) {
		s.Post(task)
		return
	}
	s.mu.Lock()
	if s.running {
		s.queue = append(s.queue, task)
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	task()
	s.drain()
}

// drain pops and runs tasks until the queue is empty, then clears running.
// Holding s.mu only around the pop (never across a task invocation) matches
// the reactor's and executor's own no-lock-across-user-code rule.
func (s *Strand) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		task()
	}
}

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

// Package evcore provides an epoll-based, cooperative-thread-pool async I/O
// engine: a reactor multiplexes readiness events for an arbitrary number of
// sockets and timers, and an executor of N worker goroutines drains a
// shared job queue, with exactly one worker at a time blocked inside the
// reactor's epoll_wait.
package evcore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kavu-io/evcore/internal/reactor"
	"github.com/kavu-io/evcore/internal/timerqueue"
	"github.com/kavu-io/evcore/log"
	"github.com/kavu-io/evcore/metrics"
)

// Job is a unit of work posted to an Executor.
type Job = func()

type workerMarkerKey struct{}

// withWorker tags ctx as running on one of e's cooperative worker threads.
// Dispatch uses this to decide whether a job can run inline instead of
// round-tripping through the shared queue. Each worker loop builds such a
// context, but jobs are plain funcs and receive no context; socket code
// obtains a marked context through WorkerContext.
func (e *Executor) withWorker(parent context.Context) context.Context {
	return context.WithValue(parent, workerMarkerKey{}, e)
}

// runningOn reports whether ctx was produced by e's own worker loop.
func (e *Executor) runningOn(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(workerMarkerKey{}).(*Executor)
	return owner == e
}

// Executor owns a Reactor, a lazily-created TimerQueue, and a shared FIFO
// of pending jobs drained cooperatively by its worker goroutines. At any
// moment at most one worker is blocked inside the reactor's epoll_wait;
// that privilege is modeled as a sentinel ("the reactor task"), the
// reactorTaskAvailable flag, which an idle worker claims only when the job
// queue is empty, following the same design Boost.Asio's io_context uses
// for its io_context::run threads.
type Executor struct {
	react  *reactor.Reactor
	capacity int

	mu                   sync.Mutex
	cond                 *sync.Cond
	queue                []Job
	stopped              bool
	reactorTaskAvailable bool
	workers              int
	// jobCount is the sum of queued jobs plus outstanding work that will
	// eventually produce one: registered long-lived sockets/acceptors, a
	// signal set, an in-flight connect, and armed timers (§4.3). It never
	// gates the very first Run — a freshly created executor is expected to
	// have sockets registered against it after Run starts — but once it has
	// gone positive, draining back to zero stops every worker the same way
	// Stop does, so Run returns instead of parking forever.
	jobCount int

	wg sync.WaitGroup

	timersOnce sync.Once
	timers     *timerqueue.Queue
	timersErr  error
}

// NewExecutor creates an Executor whose reactor can register up to capacity
// file descriptors (sockets plus, lazily, one timerfd).
func NewExecutor(capacity int) (*Executor, error) {
	r, err := reactor.New(capacity)
	if err != nil {
		return nil, errors.Wrap(err, "create reactor")
	}
	e := &Executor{
		react:                r,
		capacity:             capacity,
		reactorTaskAvailable: true,
	}
	e.cond = sync.NewCond(&e.mu)
	return e, nil
}

// Reactor exposes the executor's underlying reactor for socket
// registration.
func (e *Executor) Reactor() *reactor.Reactor { return e.react }

// WorkerContext returns a context.Context marked as belonging to e. Any
// goroutine presenting this context to Dispatch is treated as already
// cooperating with e's worker loop — in particular, reactor-driven
// continuations invoked from inside a worker's job execution should use
// this rather than context.Background() so they run inline instead of
// round-tripping through the shared queue.
func (e *Executor) WorkerContext() context.Context {
	return e.withWorker(context.Background())
}

// Timers lazily constructs and returns the executor's TimerQueue, wiring
// its fire callback to the executor's own Post so that expired timer jobs
// are scheduled like any other job instead of running on the reactor's
// calling thread directly.
func (e *Executor) Timers() (*timerqueue.Queue, error) {
	e.timersOnce.Do(func() {
		e.timers, e.timersErr = timerqueue.New(e.react, e.Post)
		if e.timersErr == nil {
			// An armed timer is outstanding work just like a registered
			// socket: it will eventually post its handler, so it must keep
			// Run from declaring the executor drained in the meantime.
			e.timers.SetArmHooks(e.incJobCount, e.decJobCount)
		}
	})
	return e.timers, e.timersErr
}

// Post schedules job for execution by some worker thread. It never runs
// job inline, even if called from inside a worker — use Dispatch for that.
func (e *Executor) Post(job Job) {
	e.mu.Lock()
	e.queue = append(e.queue, job)
	e.jobCount++
	e.mu.Unlock()
	metrics.Add(metrics.JobsPosted, 1)
	e.cond.Signal()
}

// incJobCount records one more unit of outstanding work: a registered
// long-lived socket/acceptor/signal set, or an in-flight connect. Paired
// with exactly one later decJobCount.
func (e *Executor) incJobCount() {
	e.mu.Lock()
	e.jobCount++
	e.mu.Unlock()
}

// decJobCount retires one unit of outstanding work. If this drains
// jobCount to zero, every parked worker is released the same way Stop
// does, so Run returns once everything registered against this executor
// has been torn down instead of blocking in epoll_wait forever.
func (e *Executor) decJobCount() {
	e.mu.Lock()
	if e.jobCount > 0 {
		e.jobCount--
	}
	drained := e.jobCount == 0 && !e.stopped
	if drained {
		e.stopped = true
	}
	e.mu.Unlock()
	if !drained {
		return
	}
	e.cond.Broadcast()
	if err := e.react.Unblock(); err != nil {
		log.Debugf("executor: unblock on drain: %v", err)
	}
}

// PostDeferred schedules job for a later pass of the queue. With a single
// shared FIFO and no notion of "the current batch", this is equivalent to
// Post; it exists as a distinct name so call sites can express intent
// (e.g. "run this only after everything currently pending has run").
func (e *Executor) PostDeferred(job Job) {
	e.Post(job)
}

// Dispatch runs job immediately if ctx marks the calling goroutine as one
// of e's own workers; otherwise it behaves like Post. This is the
// executor-context fast path: no lock, no queue round-trip, when the
// caller is already cooperating with the executor.
func (e *Executor) Dispatch(ctx context.Context, job Job) {
	if e.runningOn(ctx) {
		metrics.Add(metrics.JobsDispatchedLocal, 1)
		job()
		return
	}
	e.Post(job)
}

// ScheduleOnceAfter arms a one-shot timer that posts handler after d. The
// returned tag may be passed to CancelTimer.
func (e *Executor) ScheduleOnceAfter(d time.Duration, handler func()) (timerqueue.Tag, error) {
	t, err := e.Timers()
	if err != nil {
		return 0, err
	}
	tag := t.Reserve(func() { e.Post(handler) })
	if err := t.Enqueue(tag, time.Now().Add(d), 0); err != nil {
		return 0, err
	}
	return tag, nil
}

// SchedulePersistent arms a repeating timer, firing every interval starting
// at interval from now. Successive firings are computed from the previous
// scheduled expiry, not from wall-clock "now", bounding drift.
func (e *Executor) SchedulePersistent(interval time.Duration, handler func()) (timerqueue.Tag, error) {
	t, err := e.Timers()
	if err != nil {
		return 0, err
	}
	tag := t.Reserve(func() { e.Post(handler) })
	if err := t.Enqueue(tag, time.Now().Add(interval), interval); err != nil {
		return 0, err
	}
	return tag, nil
}

// CancelTimer cancels a previously scheduled timer. A no-op for unknown or
// already-fired one-shot tags.
func (e *Executor) CancelTimer(tag timerqueue.Tag) error {
	t, err := e.Timers()
	if err != nil {
		return err
	}
	t.Dequeue(tag)
	return nil
}

// RegisterEvent registers a software event with the reactor, grounded on
// the same slot table as file-descriptor events (§4.1). Invoke posts it.
func (e *Executor) RegisterEvent(kind reactor.SoftwareKind, handler func()) reactor.Tag {
	return e.react.RegisterSoftware(kind, func(reactor.EventSet) { handler() })
}

// Invoke triggers a previously registered software event. Each call
// produces exactly one invocation; no coalescing is performed.
func (e *Executor) Invoke(tag reactor.Tag) error {
	return e.react.Trigger(tag)
}

// Run starts n cooperative worker goroutines and blocks the calling
// goroutine until Stop is called or the outstanding-work count drains to
// zero (see decJobCount). n must be at least 1.
func (e *Executor) Run(n int) {
	if n < 1 {
		n = 1
	}
	e.mu.Lock()
	e.stopped = false
	e.mu.Unlock()

	e.wg.Add(n - 1)
	for i := 1; i < n; i++ {
		go func() {
			defer e.wg.Done()
			e.workerLoop()
		}()
	}
	e.workerLoop()
	e.wg.Wait()
}

// Stop requests every worker to exit its loop once currently running jobs
// finish, waking the worker blocked inside epoll_wait if any.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.cond.Broadcast()
	if err := e.react.Unblock(); err != nil {
		log.Debugf("executor: unblock on stop: %v", err)
	}
}

// Restart clears the stopped flag so Run can be called again, following
// the same restart idiom as Boost.Asio's io_context::restart.
func (e *Executor) Restart() {
	e.mu.Lock()
	e.stopped = false
	e.reactorTaskAvailable = true
	e.mu.Unlock()
}

// Close releases the executor's reactor (and timerfd, if created).
func (e *Executor) Close() error {
	if e.timers != nil {
		_ = e.timers.Close()
	}
	return e.react.Close()
}

func (e *Executor) workerLoop() {
	ctx := e.withWorker(context.Background())
	e.mu.Lock()
	e.workers++
	e.mu.Unlock()
	for e.runOne(ctx) {
	}
	e.mu.Lock()
	e.workers--
	e.mu.Unlock()
}

// runOne processes exactly one job or one reactor poll cycle, parking on
// the condition variable when there is nothing to do. It returns false
// once the executor has been stopped and there is no more work to drain.
func (e *Executor) runOne(ctx context.Context) bool {
	e.mu.Lock()
	for {
		if len(e.queue) > 0 {
			job := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()
			e.invoke(ctx, job)
			return true
		}
		if e.stopped {
			e.mu.Unlock()
			return false
		}
		if e.reactorTaskAvailable {
			e.reactorTaskAvailable = false
			e.mu.Unlock()
			return e.pollReactor(ctx)
		}
		e.cond.Wait()
	}
}

func (e *Executor) invoke(ctx context.Context, job Job) {
	_ = ctx
	job()
	metrics.Add(metrics.JobsExecuted, 1)
	e.decJobCount()
}

// pollReactor is the sentinel "reactor task": exactly one worker at a time
// holds it, blocks in epoll_wait, and on return hands the sentinel back to
// the queue for the next idle worker to claim.
func (e *Executor) pollReactor(ctx context.Context) bool {
	metrics.Add(metrics.ThreadsParked, 1)
	_, err := e.react.HandleEvents(-1, func(j reactor.Job) {
		e.mu.Lock()
		e.queue = append(e.queue, Job(j))
		e.jobCount++
		e.mu.Unlock()
		e.cond.Signal()
	})
	metrics.Add(metrics.ThreadsParked, ^uint64(0)) // decrement
	_ = ctx

	e.mu.Lock()
	e.reactorTaskAvailable = true
	stopped := e.stopped
	e.mu.Unlock()
	e.cond.Signal()

	if err != nil {
		log.Errorf("executor: reactor poll: %v", err)
		return !stopped
	}
	return true
}

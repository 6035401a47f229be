// Package timerqueue multiplexes an unbounded number of user timers through
// a single timerfd registered with the reactor (§4.2).
package timerqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kavu-io/evcore/internal/reactor"
	"github.com/kavu-io/evcore/log"
	"github.com/kavu-io/evcore/metrics"
)

// Tag identifies a reserved timer entry.
type Tag int64

// ErrNotExist is returned by Enqueue for an unknown or cancelled tag.
var ErrNotExist = errors.New("timerqueue: timer does not exist")

type entry struct {
	tag        Tag
	expiry     time.Time
	interval   time.Duration
	handler    func()
	valid      bool
	inProgress bool
	inHeap     bool
	index      int // heap.Interface bookkeeping
}

// minHeap orders entries by absolute expiry. Ties break in arbitrary order.
type minHeap []*entry

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *minHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue owns a single timerfd and a min-heap of pending expiries.
type Queue struct {
	mu   sync.Mutex
	fd   int
	tag  reactor.Tag
	heap minHeap
	reg  map[Tag]*entry
	next Tag
	free []Tag

	react *reactor.Reactor
	post  func(func())

	// armed counts entries currently sitting in heap, i.e. timers that will
	// eventually fire on their own. onArm/onDisarm fire on the 0→1 and 1→0
	// edges respectively, so an owning executor can track "some timer is
	// still outstanding" without polling the heap itself.
	armed    int
	onArm    func()
	onDisarm func()
}

// SetArmHooks installs the callbacks invoked on the armed-count's 0→1 and
// 1→0 transitions. Must be called once, before any Enqueue/Dequeue.
func (q *Queue) SetArmHooks(onArm, onDisarm func()) {
	q.mu.Lock()
	q.onArm, q.onDisarm = onArm, onDisarm
	q.mu.Unlock()
}

func (q *Queue) noteArmedLocked() (fireArm bool) {
	q.armed++
	return q.armed == 1
}

func (q *Queue) noteDisarmedLocked() (fireDisarm bool) {
	if q.armed > 0 {
		q.armed--
	}
	return q.armed == 0
}

// New creates a timer queue, creates the timerfd, and registers it with r.
// post is the function used to schedule immediate (zero-expiry) and fired
// handlers for executor invocation — typically Executor.Post.
func New(r *reactor.Reactor, post func(func())) (*Queue, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "timerfd_create")
	}
	q := &Queue{
		fd:    fd,
		reg:   make(map[Tag]*entry),
		react: r,
		post:  post,
	}
	tag, err := r.Register(fd, reactor.Read, q.dispatch)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "register timerfd")
	}
	q.tag = tag
	return q, nil
}

// Reserve assigns a tag and stores handler without arming anything.
func (q *Queue) Reserve(handler func()) Tag {
	q.mu.Lock()
	defer q.mu.Unlock()
	var tag Tag
	if n := len(q.free); n > 0 {
		tag = q.free[n-1]
		q.free = q.free[:n-1]
	} else {
		tag = q.next
		q.next++
	}
	q.reg[tag] = &entry{tag: tag, handler: handler, valid: true}
	return tag
}

// Enqueue arms (or re-arms) tag for expiry with the given interval (zero for
// one-shot). A zero expiry fires the handler immediately via post, without
// ever touching the heap or the timerfd.
func (q *Queue) Enqueue(tag Tag, expiry time.Time, interval time.Duration) error {
	q.mu.Lock()
	e, ok := q.reg[tag]
	if !ok || !e.valid {
		q.mu.Unlock()
		return ErrNotExist
	}
	if expiry.IsZero() {
		handler := e.handler
		q.mu.Unlock()
		q.post(handler)
		return nil
	}
	e.expiry = expiry
	e.interval = interval
	var fireArm bool
	if e.inHeap {
		heap.Fix(&q.heap, e.index)
	} else {
		heap.Push(&q.heap, e)
		e.inHeap = true
		fireArm = q.noteArmedLocked()
	}
	isHead := q.heap[0] == e
	onArm := q.onArm
	q.mu.Unlock()
	if fireArm && onArm != nil {
		onArm()
	}
	if isHead {
		q.arm(expiry)
	}
	return nil
}

// Dequeue cancels a pending timer. If it is not currently executing, the
// callable is released now; otherwise release is deferred until the expiry
// handler returns.
func (q *Queue) Dequeue(tag Tag) {
	q.mu.Lock()
	e, ok := q.reg[tag]
	if !ok {
		q.mu.Unlock()
		return
	}
	e.valid = false
	if e.inProgress {
		q.mu.Unlock()
		return
	}
	wasHead := e.inHeap && q.heap[0] == e
	var fireDisarm bool
	if e.inHeap {
		heap.Remove(&q.heap, e.index)
		e.inHeap = false
		fireDisarm = q.noteDisarmedLocked()
	}
	delete(q.reg, tag)
	q.free = append(q.free, tag)
	var newHead time.Time
	haveHead := len(q.heap) > 0
	if haveHead {
		newHead = q.heap[0].expiry
	}
	onDisarm := q.onDisarm
	q.mu.Unlock()
	if fireDisarm && onDisarm != nil {
		onDisarm()
	}

	if wasHead {
		if haveHead {
			q.arm(newHead)
		} else {
			q.disarm()
		}
	}
}

// dispatch is the reactor-posted handler for the timerfd: it drains the
// kernel expiration counter, then fires every entry whose expiry has
// passed, rearming periodic entries from their previous scheduled expiry
// (bounding drift to zero) rather than from now.
func (q *Queue) dispatch(events reactor.EventSet) {
	q.drainCounter()

	for {
		q.mu.Lock()
		if len(q.heap) == 0 || q.heap[0].expiry.After(time.Now()) {
			q.mu.Unlock()
			break
		}
		e := q.heap[0]
		e.inProgress = true
		handler := e.handler
		q.mu.Unlock()

		handler()
		metrics.Add(metrics.TimerFired, 1)

		q.mu.Lock()
		e.inProgress = false
		if !e.valid {
			// Dequeue arrived while the handler ran; finish the release now.
			var fireDisarm bool
			if e.inHeap {
				heap.Remove(&q.heap, e.index)
				e.inHeap = false
				fireDisarm = q.noteDisarmedLocked()
			}
			delete(q.reg, e.tag)
			q.free = append(q.free, e.tag)
			onDisarm := q.onDisarm
			q.mu.Unlock()
			if fireDisarm && onDisarm != nil {
				onDisarm()
			}
			continue
		}
		if e.interval > 0 {
			e.expiry = e.expiry.Add(e.interval)
			heap.Fix(&q.heap, e.index)
			q.mu.Unlock()
		} else {
			heap.Remove(&q.heap, e.index)
			e.inHeap = false
			delete(q.reg, e.tag)
			q.free = append(q.free, e.tag)
			fireDisarm := q.noteDisarmedLocked()
			onDisarm := q.onDisarm
			q.mu.Unlock()
			if fireDisarm && onDisarm != nil {
				onDisarm()
			}
		}
	}

	q.mu.Lock()
	haveHead := len(q.heap) > 0
	var head time.Time
	if haveHead {
		head = q.heap[0].expiry
	}
	q.mu.Unlock()
	if haveHead {
		q.arm(head)
	} else {
		q.disarm()
	}

	// Edge-triggered: re-arm read interest for the next expiry notification.
	if err := q.react.AddEvent(q.tag, reactor.Read); err != nil {
		log.Debugf("timerqueue: re-arm read interest: %v", err)
	}
}

func (q *Queue) drainCounter() {
	var buf [8]byte
	for {
		_, err := unix.Read(q.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (q *Queue) arm(expiry time.Time) error {
	spec := unix.ItimerSpec{Value: monotonicTimespec(expiry)}
	metrics.Add(metrics.TimerArms, 1)
	return errors.Wrap(unix.TimerfdSettime(q.fd, unix.TFD_TIMER_ABSTIME, &spec, nil), "timerfd_settime arm")
}

func (q *Queue) disarm() error {
	metrics.Add(metrics.TimerDisarms, 1)
	return errors.Wrap(unix.TimerfdSettime(q.fd, 0, &unix.ItimerSpec{}, nil), "timerfd_settime disarm")
}

// Close closes the underlying timerfd. Registration is released through the
// reactor's own Deregister flow by the owning executor.
func (q *Queue) Close() error {
	return unix.Close(q.fd)
}

func monotonicTimespec(t time.Time) unix.Timespec {
	var now unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &now)
	d := time.Until(t)
	total := time.Duration(now.Sec)*time.Second + time.Duration(now.Nsec) + d
	if total < 0 {
		total = time.Nanosecond // timerfd rejects a zero/negative absolute value as disarm.
	}
	return unix.Timespec{Sec: int64(total / time.Second), Nsec: int64(total % time.Second)}
}

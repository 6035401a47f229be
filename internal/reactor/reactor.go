package reactor

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kavu-io/evcore/log"
	"github.com/kavu-io/evcore/metrics"
)

// Job is a nullary callable posted to the executor's operation queue.
type Job func()

// Outcome reports what a single HandleEvents iteration produced.
type Outcome int

// Outcome values, matching the four terminal states of one event-loop
// iteration (§4.1).
const (
	Timeout Outcome = iota
	Unblocked
	Events
	SoftwareDrained
)

// Sentinel errors surfaced by Register/Deregister/control operations.
var (
	// ErrCapacityExceeded is returned when the slot table is full.
	ErrCapacityExceeded = errors.New("reactor: capacity exceeded")
	// ErrAlreadyRegistered is returned when fd is already registered.
	ErrAlreadyRegistered = errors.New("reactor: fd already registered")
	// ErrInvalidTag is returned for operations against a stale or unknown tag.
	ErrInvalidTag = errors.New("reactor: invalid tag")
)

// Reactor is a thread-safe edge-triggered multiplexer atop epoll, augmented
// with in-process software events and a single timer channel (§4.1). One
// thread at a time may be parked in epoll_wait (enforced by the caller, the
// executor); registration and modification are callable from any thread at
// any time.
type Reactor struct {
	epfd int

	unblockFD  int
	unblockTag Tag

	tableMu sync.Mutex
	slots   []*slot
	free    []Tag
	byFD    map[int]Tag

	softMu            sync.Mutex
	triggeredSoftware []Tag

	notified atomic.Bool
	events   []unix.EpollEvent
}

// New creates a Reactor with the given fixed slot-table capacity. Failure to
// allocate the epoll fd or the unblock eventfd, or to register the unblock
// eventfd, is fatal: it is reported through log.Fatalf, which exits the
// process with the default logger. The error is returned only when
// log.Default has been replaced by a Logger whose Fatalf returns.
func New(capacity int) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		log.Fatalf("reactor: epoll_create1: %v", err)
		return nil, errors.Wrap(err, "epoll_create1")
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		log.Fatalf("reactor: eventfd: %v", err)
		return nil, errors.Wrap(err, "eventfd")
	}
	r := &Reactor{
		epfd:     epfd,
		unblockFD: efd,
		byFD:     make(map[int]Tag, capacity),
		slots:    make([]*slot, 0, capacity),
		events:   make([]unix.EpollEvent, 64),
	}
	tag, err := r.register(efd, ReadInterest, func(EventSet) {})
	if err != nil {
		unix.Close(epfd)
		unix.Close(efd)
		log.Fatalf("reactor: register unblock eventfd: %v", err)
		return nil, errors.Wrap(err, "register unblock eventfd")
	}
	r.unblockTag = tag
	return r, nil
}

// Register allocates the first free slot, reusing a deregistered slot once
// its handler has drained, and subscribes events∪{read-priority} in
// edge-triggered mode.
func (r *Reactor) Register(fd int, events EventSet, handler Handler) (Tag, error) {
	return r.register(fd, events, handler)
}

func (r *Reactor) register(fd int, events EventSet, handler Handler) (Tag, error) {
	r.tableMu.Lock()
	if _, dup := r.byFD[fd]; dup {
		r.tableMu.Unlock()
		return InvalidTag, ErrAlreadyRegistered
	}
	tag, s, err := r.allocSlotLocked()
	if err != nil {
		r.tableMu.Unlock()
		return InvalidTag, err
	}
	r.byFD[fd] = tag
	r.tableMu.Unlock()

	if events.Readable() {
		events = events.Union(Priority)
	}

	s.mu.Lock()
	s.fd = fd
	s.seq++
	s.monitored = events
	s.captured = 0
	s.handler = handler
	s.software = false
	s.valid = true
	s.asyncInFlight = false
	s.handlerPosted = false
	s.executionInProgress = false
	s.releaseOnCompletion = false
	s.closeFDOnCompletion = false
	s.mu.Unlock()

	kernel := r.kernelMask(events)
	if err := epollAdd(r.epfd, fd, kernel, tag); err != nil {
		r.tableMu.Lock()
		delete(r.byFD, fd)
		r.tableMu.Unlock()
		s.mu.Lock()
		s.valid = false
		s.mu.Unlock()
		r.freeSlot(tag)
		return InvalidTag, errors.Wrapf(err, "epoll_ctl add fd=%d", fd)
	}
	return tag, nil
}

// RegisterSoftware allocates a slot with no backing fd, triggered solely by
// Trigger(tag).
func (r *Reactor) RegisterSoftware(kind SoftwareKind, handler Handler) Tag {
	r.tableMu.Lock()
	tag, s, err := r.allocSlotLocked()
	r.tableMu.Unlock()
	if err != nil {
		return InvalidTag
	}
	s.mu.Lock()
	s.fd = -1
	s.seq++
	s.handler = handler
	s.software = true
	s.softwareKind = kind
	s.valid = true
	s.mu.Unlock()
	return tag
}

func (r *Reactor) allocSlotLocked() (Tag, *slot, error) {
	if n := len(r.free); n > 0 {
		tag := r.free[n-1]
		r.free = r.free[:n-1]
		return tag, r.slots[tag], nil
	}
	if len(r.slots) >= cap(r.slots) && cap(r.slots) > 0 {
		return InvalidTag, nil, ErrCapacityExceeded
	}
	s := &slot{}
	r.slots = append(r.slots, s)
	return Tag(len(r.slots) - 1), s, nil
}

func (r *Reactor) slotFor(tag Tag) *slot {
	if tag == InvalidTag {
		return nil
	}
	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	if int(tag) < 0 || int(tag) >= len(r.slots) {
		return nil
	}
	return r.slots[tag]
}

func (r *Reactor) freeSlot(tag Tag) {
	s := r.slotFor(tag)
	if s == nil {
		return
	}
	s.mu.Lock()
	fd := s.fd
	releasable := s.releasable()
	s.mu.Unlock()
	if !releasable {
		return
	}
	r.tableMu.Lock()
	if fd >= 0 {
		delete(r.byFD, fd)
	}
	r.free = append(r.free, tag)
	r.tableMu.Unlock()
}

// Deregister marks the slot invalid. If no handler is currently executing
// for it, the callable is released and the fd optionally closed immediately;
// otherwise cleanup is deferred to handler return via
// release_on_completion/close_fd_on_completion. Deregistration is
// synchronous from the application's point of view: a reactor event
// observed after this call returns will not invoke the user handler.
func (r *Reactor) Deregister(tag Tag, closeFD bool) {
	s := r.slotFor(tag)
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		return
	}
	s.valid = false
	fd := s.fd
	software := s.software

	if s.executionInProgress {
		s.releaseOnCompletion = true
		s.closeFDOnCompletion = closeFD
		s.mu.Unlock()
		return
	}
	s.handler = nil
	s.mu.Unlock()

	if !software {
		_ = epollDel(r.epfd, fd)
		if closeFD {
			unix.Close(fd)
		}
	}
	r.freeSlot(tag)
}

// AddEvent adds events to the monitored set (union).
func (r *Reactor) AddEvent(tag Tag, events EventSet) error {
	return r.controlMonitored(tag, func(old EventSet) EventSet { return old.Union(events) })
}

// RemoveEvent removes events from the monitored set (difference).
func (r *Reactor) RemoveEvent(tag Tag, events EventSet) error {
	return r.controlMonitored(tag, func(old EventSet) EventSet { return old.Difference(events) })
}

// SetEvent replaces the monitored set outright.
func (r *Reactor) SetEvent(tag Tag, events EventSet) error {
	return r.controlMonitored(tag, func(EventSet) EventSet { return events })
}

func (r *Reactor) controlMonitored(tag Tag, f func(EventSet) EventSet) error {
	s := r.slotFor(tag)
	if s == nil {
		return ErrInvalidTag
	}
	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		return ErrInvalidTag
	}
	old := s.monitored
	s.monitored = f(old)
	fd := s.fd
	software := s.software
	oldKernel := r.kernelMask(old)
	newKernel := r.kernelMask(s.monitored)
	s.mu.Unlock()

	if software || oldKernel == newKernel {
		return nil
	}
	// Only round-trip to epoll_ctl when the kernel-visible bits (write,
	// edge-mode) actually change; read-interest is maintained eagerly.
	if err := epollMod(r.epfd, fd, newKernel, tag); err != nil {
		return errors.Wrapf(err, "epoll_ctl mod fd=%d", fd)
	}
	return nil
}

// kernelMask computes the epoll subscription for a logical monitored set:
// read/priority/hangup/error/rdhup are always subscribed once a slot is
// open (eager read-interest); write is subscribed only on request.
func (r *Reactor) kernelMask(monitored EventSet) EventSet {
	mask := ReadInterest | EdgeTrigger
	if monitored.Writable() {
		mask |= WriteInterest
	}
	return mask
}

// Trigger appends tag to the triggered-software-event list. Each call
// produces exactly one invocation at the next drain; coalescing is not
// performed.
func (r *Reactor) Trigger(tag Tag) error {
	s := r.slotFor(tag)
	if s == nil {
		return ErrInvalidTag
	}
	s.mu.Lock()
	valid := s.valid && s.software
	s.mu.Unlock()
	if !valid {
		return ErrInvalidTag
	}
	r.softMu.Lock()
	r.triggeredSoftware = append(r.triggeredSoftware, tag)
	r.softMu.Unlock()
	return nil
}

// Unblock writes a nonzero count to the unblock eventfd. Idempotent from the reactor's
// point of view: worst case is one spurious wake.
func (r *Reactor) Unblock() error {
	if !r.notified.CompareAndSwap(false, true) {
		return nil
	}
	for {
		var one [8]byte
		one[7] = 1
		_, err := unix.Write(r.unblockFD, one[:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "write unblock eventfd")
		}
		return nil
	}
}

func (r *Reactor) drainUnblock() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.unblockFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		break
	}
	r.notified.Store(false)
}

// HandleEvents performs a single event-loop iteration: it first drains any
// pending software events (returning immediately without entering epoll so
// control returns to the executor quickly), then enters epoll_wait for at
// most timeoutMS (negative means block indefinitely), dispatching slot jobs
// via enqueue.
func (r *Reactor) HandleEvents(timeoutMS int, enqueue func(Job)) (Outcome, error) {
	if r.drainSoftware(enqueue) {
		return SoftwareDrained, nil
	}

	n, err := epollWait(r.epfd, r.events, timeoutMS)
	if err != nil {
		return Timeout, err
	}
	if n == 0 {
		return Timeout, nil
	}

	unblocked := false
	for i := 0; i < n; i++ {
		tag := Tag(r.events[i].Fd)
		evts := EventSet(r.events[i].Events)
		if tag == r.unblockTag {
			r.drainUnblock()
			unblocked = true
			continue
		}
		r.deliverSlotEvent(tag, evts, enqueue)
	}
	metrics.Add(metrics.EpollEvents, uint64(n))
	if unblocked {
		return Unblocked, nil
	}
	return Events, nil
}

func (r *Reactor) deliverSlotEvent(tag Tag, evts EventSet, enqueue func(Job)) {
	s := r.slotFor(tag)
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		return
	}
	s.captured = evts
	toReport := s.captured.Intersection(s.monitored)
	if s.handlerPosted {
		// A handler for this slot is already posted; coalesce by leaving
		// captured updated for the pending run to pick up.
		s.mu.Unlock()
		return
	}
	if toReport.Empty() {
		s.mu.Unlock()
		return
	}
	s.handlerPosted = true
	s.mu.Unlock()
	enqueue(func() { r.runSlotHandler(tag) })
}

// runSlotHandler is the generated per-slot handler (§4.1): it recomputes
// events, consumes monitored interest (strict one-shot), and drops into the
// user callback. Per the Design Notes' preferred refactor, the callable is
// copied out and the slot mutex is released before invocation, rather than
// held across it.
func (r *Reactor) runSlotHandler(tag Tag) {
	s := r.slotFor(tag)
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.valid {
		s.handlerPosted = false
		s.mu.Unlock()
		return
	}
	toReport := s.captured.Intersection(s.monitored)
	if toReport.Empty() {
		s.handlerPosted = false
		s.mu.Unlock()
		log.Debugf("reactor: uninteresting event for tag %d, dropping", tag)
		return
	}
	s.monitored = s.monitored.Difference(toReport)
	s.asyncInFlight = false
	s.executionInProgress = true
	handler := s.handler
	s.mu.Unlock()

	handler(toReport)

	s.mu.Lock()
	if s.releaseOnCompletion {
		closeFD := s.closeFDOnCompletion
		fd := s.fd
		s.releaseOnCompletion = false
		s.closeFDOnCompletion = false
		s.handler = nil
		s.executionInProgress = false
		s.handlerPosted = false
		s.mu.Unlock()
		if closeFD {
			unix.Close(fd)
		}
		r.freeSlot(tag)
		return
	}
	s.executionInProgress = false
	s.handlerPosted = false
	s.mu.Unlock()
}

func (r *Reactor) drainSoftware(enqueue func(Job)) bool {
	r.softMu.Lock()
	if len(r.triggeredSoftware) == 0 {
		r.softMu.Unlock()
		return false
	}
	pending := r.triggeredSoftware
	r.triggeredSoftware = nil
	r.softMu.Unlock()

	for _, tag := range pending {
		tag := tag
		enqueue(func() { r.runSoftwareHandler(tag) })
	}
	return true
}

func (r *Reactor) runSoftwareHandler(tag Tag) {
	s := r.slotFor(tag)
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		return
	}
	handler := s.handler
	oneshot := s.softwareKind == Oneshot
	s.executionInProgress = true
	s.mu.Unlock()

	handler(0)

	s.mu.Lock()
	s.executionInProgress = false
	if oneshot {
		s.valid = false
	}
	release := s.releaseOnCompletion || !s.valid
	s.releaseOnCompletion = false
	s.mu.Unlock()
	if release {
		r.freeSlot(tag)
	}
}

// Close closes the epoll fd and the unblock eventfd, stopping any future
// HandleEvents call from making progress.
func (r *Reactor) Close() error {
	if err := unix.Close(r.epfd); err != nil {
		return errors.Wrap(err, "close epoll fd")
	}
	return errors.Wrap(unix.Close(r.unblockFD), "close unblock eventfd")
}

func epollAdd(epfd, fd int, events EventSet, tag Tag) error {
	ev := unix.EpollEvent{Events: uint32(events), Fd: int32(tag)}
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func epollMod(epfd, fd int, events EventSet, tag Tag) error {
	ev := unix.EpollEvent{Events: uint32(events), Fd: int32(tag)}
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func epollDel(epfd, fd int) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func epollWait(epfd int, events []unix.EpollEvent, timeoutMS int) (int, error) {
	for {
		n, err := unix.EpollWait(epfd, events, timeoutMS)
		metrics.Add(metrics.EpollWait, 1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, "epoll_wait")
		}
		return n, nil
	}
}

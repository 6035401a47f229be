// Package reactor implements the thread-safe edge-triggered epoll multiplexer
// at the core of the engine: handler slots, software events, and the single
// kernel wait call that fans both out to executor-posted jobs.
package reactor

import "golang.org/x/sys/unix"

// EventSet is a bit set over {read, write, edge-trigger, priority, hangup,
// error, rdhup}, mapped directly onto the epoll event bits so that masks can
// be passed to epoll_ctl/epoll_wait without translation.
type EventSet uint32

// Event bits. Read implicitly carries priority interest (EPOLLPRI), matching
// the "events ∪ {read-priority}" subscription rule.
const (
	Read        EventSet = unix.EPOLLIN
	Write       EventSet = unix.EPOLLOUT
	Priority    EventSet = unix.EPOLLPRI
	Hangup      EventSet = unix.EPOLLHUP
	Err         EventSet = unix.EPOLLERR
	RDHup       EventSet = unix.EPOLLRDHUP
	EdgeTrigger EventSet = unix.EPOLLET

	// ReadInterest is what Register/AddEvent(Read) actually subscribes:
	// read readiness plus priority and the error/hangup bits the reactor
	// always wants to observe for a registered fd.
	ReadInterest EventSet = Read | Priority | RDHup | Hangup | Err
	// WriteInterest is what Register/AddEvent(Write) subscribes.
	WriteInterest EventSet = Write | Hangup | Err
)

// Union returns the monitored set with e added (add-monitored).
func (s EventSet) Union(e EventSet) EventSet { return s | e }

// Difference returns the monitored set with e removed (remove-monitored).
func (s EventSet) Difference(e EventSet) EventSet { return s &^ e }

// Intersection returns the events common to both sets (events-to-deliver
// computation: captured ∩ monitored).
func (s EventSet) Intersection(e EventSet) EventSet { return s & e }

// Empty reports whether the set carries no bits.
func (s EventSet) Empty() bool { return s == 0 }

// HasError reports whether the set carries any of hangup/rdhup/error.
func (s EventSet) HasError() bool { return s&(Hangup|RDHup|Err) != 0 }

// Readable reports whether the set indicates read/priority readiness.
func (s EventSet) Readable() bool { return s&(Read|Priority) != 0 }

// Writable reports whether the set indicates write readiness.
func (s EventSet) Writable() bool { return s&Write != 0 }

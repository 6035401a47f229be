package reactor

import "sync"

// Tag is the opaque identifier returned at registration and used for all
// subsequent operations on a slot. Tags are recyclable once the owning slot
// is fully released (invalid and no execution in progress).
type Tag int32

// InvalidTag is never assigned to a live slot. Register returns it together
// with a non-nil error; RegisterSoftware returns it when the table is full.
const InvalidTag Tag = -1

// Handler is the callable stored in a slot. It receives the events that
// triggered delivery for fd-backed slots (Empty for software events).
type Handler func(events EventSet)

// SoftwareKind distinguishes one-shot software events (auto-invalidated
// after a single delivery) from persistent ones (valid across invocations
// until explicitly deregistered).
type SoftwareKind int

const (
	// Oneshot software events are usable only once.
	Oneshot SoftwareKind = iota
	// Persistent software events remain valid across invocations.
	Persistent
)

// slot is the per-registration record described by the data model: fd,
// sequence number, monitored/captured event masks, the handler, and the
// five (plus the fd-close variant) independent bit-flags, all protected by
// a single per-slot mutex. The slot is the unit of serialization: only one
// handler invocation per slot may be in flight at any time.
type slot struct {
	mu sync.Mutex

	fd       int
	seq      uint64
	monitored EventSet
	captured  EventSet
	handler   Handler

	software     bool
	softwareKind SoftwareKind
	triggered    bool // software: appended to the triggered list, awaiting drain

	valid                bool
	asyncInFlight        bool
	handlerPosted        bool
	executionInProgress  bool
	releaseOnCompletion  bool
	closeFDOnCompletion  bool
}

// releasable reports whether the slot may be reclaimed: invalid and with no
// handler execution currently in progress (§3 Handler slot lifetime).
func (s *slot) releasable() bool {
	return !s.valid && !s.executionInProgress
}

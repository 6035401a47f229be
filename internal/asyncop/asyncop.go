// Package asyncop implements the generic asynchronous-operation state
// machine shared by every I/O direction of every socket kind: a single
// attempt is made speculatively, and only falls back to waiting on reactor
// readiness if the attempt would block (§4.4).
package asyncop

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kavu-io/evcore/internal/locker"
)

// Kind identifies which direction of I/O an Operation drives. It exists
// purely for diagnostics; the state machine itself is identical across
// kinds.
type Kind int

const (
	Send Kind = iota
	Receive
	Connect
)

func (k Kind) String() string {
	switch k {
	case Send:
		return "send"
	case Receive:
		return "receive"
	case Connect:
		return "connect"
	default:
		return "unknown"
	}
}

// ErrOperationOngoing is delivered to the completion handler — never
// returned synchronously from Start — when a second operation of the same
// kind is started while one is already in flight on the same Operation.
var ErrOperationOngoing = errors.New("asyncop: operation already in flight")

// Attempt performs one non-blocking try at the underlying syscall. It must
// return unix.EAGAIN (or EWOULDBLOCK) to signal "would block" rather than
// any other sentinel, so the state machine can distinguish "keep waiting"
// from "real error, complete now".
type Attempt func() (n int, err error)

// Completion is invoked exactly once per Start, whether the operation
// completed speculatively, reactively, was cancelled, or was rejected for
// already being in flight.
type Completion func(n int, err error)

// Operation is a single instance of the send/receive/connect state
// machine. It is not itself registered with the reactor: the owning socket
// registers its fd once and calls OnReady when the monitored direction
// reports readiness, routing the call to whichever Operation (if any) is
// currently in flight for that direction.
type Operation struct {
	kind       Kind
	guard      locker.Locker
	attempt    Attempt
	completion Completion
	// gen is bumped every time attempt/completion are cleared (by Cancel or
	// by a finishing tryComplete), so a tryComplete racing a Cancel can
	// detect that its captured completion was already delivered and avoid
	// invoking it a second time.
	gen uint64
	// mu protects attempt/completion/gen against a concurrent Cancel/OnReady
	// race once guard has been acquired.
	mu sync.Mutex
}

// New creates an Operation of the given kind.
func New(kind Kind) *Operation {
	return &Operation{kind: kind}
}

// Kind returns the operation's kind.
func (op *Operation) Kind() Kind { return op.kind }

// InFlight reports whether an operation is currently awaiting completion.
func (op *Operation) InFlight() bool { return op.guard.IsLocked() }

// Start begins a new operation. It tries attempt once immediately
// (speculative execution); if that would block, the Operation remains in
// flight until a later OnReady call retries it (reactive execution). If an
// operation of this kind is already in flight, completion is invoked with
// ErrOperationOngoing synchronously, before Start returns: Start itself
// returns nothing, so API-misuse errors surface through the completion
// handler like any other outcome.
func (op *Operation) Start(attempt Attempt, completion Completion) {
	if !op.guard.TryLock() {
		completion(0, ErrOperationOngoing)
		return
	}

	op.mu.Lock()
	op.attempt = attempt
	op.completion = completion
	op.mu.Unlock()

	op.tryComplete()
}

// OnReady retries the in-flight attempt, if any. It is a no-op when no
// operation of this kind is currently in flight — spurious or
// already-satisfied readiness notifications are expected and harmless.
func (op *Operation) OnReady() {
	if !op.guard.IsLocked() {
		return
	}
	op.tryComplete()
}

// Cancel aborts an in-flight operation, delivering err to the completion
// handler exactly once. It is a no-op if nothing is in flight.
func (op *Operation) Cancel(err error) {
	op.mu.Lock()
	attempt := op.attempt
	completion := op.completion
	op.attempt = nil
	op.completion = nil
	op.gen++
	op.mu.Unlock()

	if attempt == nil {
		return
	}
	op.guard.Unlock()
	completion(0, err)
}

func (op *Operation) tryComplete() {
	op.mu.Lock()
	attempt := op.attempt
	completion := op.completion
	gen := op.gen
	op.mu.Unlock()

	if attempt == nil {
		// Raced with Cancel; nothing left to do.
		return
	}

	n, err := attempt()
	if wouldBlock(err) {
		return // stays in flight; caller's reactor interest stays armed.
	}

	op.mu.Lock()
	if op.gen != gen {
		// Cancel already cleared this generation and delivered completion.
		op.mu.Unlock()
		return
	}
	op.attempt = nil
	op.completion = nil
	op.gen++
	op.mu.Unlock()
	op.guard.Unlock()

	completion(n, err)
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

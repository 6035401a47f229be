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

	"github.com/pkg/errors"
)

// Code classifies the errors delivered to completion handlers and returned
// by synchronous setup calls, so callers can branch on what happened
// without string-matching.
type Code int

const (
	// CodeUnknown is the zero value; never produced deliberately.
	CodeUnknown Code = iota
	// CodeClosed indicates the socket or executor was already closed.
	CodeClosed
	// CodeOperationOngoing indicates a second operation of the same kind
	// was started while one was already in flight.
	CodeOperationOngoing
	// CodeCancelled indicates an in-flight operation was cancelled, e.g.
	// by SignalSet.Cancel. Closing a socket completes its in-flight
	// operations with ErrClosed instead.
	CodeCancelled
	// CodeTimeout indicates an idle or operation timeout elapsed.
	CodeTimeout
	// CodeSyscall wraps an underlying errno from a system call.
	CodeSyscall
	// CodeCapacityExceeded indicates the reactor's fixed slot table is full.
	CodeCapacityExceeded
	// CodeInvalidArgument indicates a caller passed a nonsensical value.
	CodeInvalidArgument
	// CodeEndOfFile indicates a stream receive observed the peer's orderly
	// shutdown: zero bytes, no error, nothing more will ever arrive.
	CodeEndOfFile
)

func (c Code) String() string {
	switch c {
	case CodeClosed:
		return "closed"
	case CodeOperationOngoing:
		return "operation_ongoing"
	case CodeCancelled:
		return "cancelled"
	case CodeTimeout:
		return "timeout"
	case CodeSyscall:
		return "syscall"
	case CodeCapacityExceeded:
		return "capacity_exceeded"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeEndOfFile:
		return "end_of_file"
	default:
		return "unknown"
	}
}

// Error is the concrete error type surfaced by this package. It always
// carries a Code so callers can do `var ee *evcore.Error; errors.As(err, &ee)`
// rather than comparing against sentinel values.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evcore: %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("evcore: %s: %s", e.Op, e.Code)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// wrapSyscall annotates an errno at a system-call boundary with a stack
// trace via pkg/errors instead of returning a bare errno up the stack.
func wrapSyscall(op string, err error) error {
	if err == nil {
		return nil
	}
	return newError(CodeSyscall, op, errors.Wrap(err, op))
}

// ErrClosed is returned when an operation is attempted on an already closed
// socket or executor.
var ErrClosed = newError(CodeClosed, "op", errors.New("use of closed network connection"))

// ErrEndOfFile is delivered to a receive completion when the peer has
// performed an orderly shutdown: the read syscall returned zero bytes with
// no error, so there is nothing more to ever arrive on this direction.
var ErrEndOfFile = newError(CodeEndOfFile, "receive", errors.New("end of file"))

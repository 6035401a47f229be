//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

package evcore

import "time"

// ExecutorOptions configures NewExecutorWithOptions.
type ExecutorOptions struct {
	// Capacity bounds how many file descriptors (sockets plus, lazily, one
	// timerfd) the executor's reactor can register at once.
	Capacity int
	// Workers is recorded by WithWorkers but not applied:
	// NewExecutorWithOptions passes only Capacity to NewExecutor, and Run
	// takes its worker count as its own argument.
	Workers int
}

// ExecutorOption mutates an ExecutorOptions.
type ExecutorOption func(*ExecutorOptions)

// WithCapacity sets the reactor's fixed slot capacity.
func WithCapacity(n int) ExecutorOption {
	return func(o *ExecutorOptions) { o.Capacity = n }
}

// WithWorkers sets ExecutorOptions.Workers, which NewExecutorWithOptions
// does not apply (see Workers).
func WithWorkers(n int) ExecutorOption {
	return func(o *ExecutorOptions) { o.Workers = n }
}

func defaultExecutorOptions() ExecutorOptions {
	return ExecutorOptions{Capacity: 4096, Workers: 1}
}

// NewExecutorWithOptions creates an Executor with the Capacity from the
// given options (Workers is not applied), but does not start its worker
// loop — call Run to do that.
func NewExecutorWithOptions(opts ...ExecutorOption) (*Executor, error) {
	o := defaultExecutorOptions()
	for _, apply := range opts {
		apply(&o)
	}
	return NewExecutor(o.Capacity)
}

// streamOptions configures a dialed or accepted StreamSocket.
type streamOptions struct {
	keepAlive   time.Duration
	noDelay     bool
	idleTimeout time.Duration
}

// StreamOption mutates streamOptions.
type StreamOption func(*streamOptions)

// defaultStreamKeepAlive is the default TCP keep-alive interval.
const defaultStreamKeepAlive = 15 * time.Second

func defaultStreamOptions() streamOptions {
	return streamOptions{keepAlive: defaultStreamKeepAlive, noDelay: true}
}

// WithKeepAlive sets the TCP keep-alive interval. <=0 disables it.
func WithKeepAlive(d time.Duration) StreamOption {
	return func(o *streamOptions) { o.keepAlive = d }
}

// WithNoDelay toggles TCP_NODELAY.
func WithNoDelay(noDelay bool) StreamOption {
	return func(o *streamOptions) { o.noDelay = noDelay }
}

// WithStreamIdleTimeout arms SetIdleTimeout on the resulting socket.
func WithStreamIdleTimeout(d time.Duration) StreamOption {
	return func(o *streamOptions) { o.idleTimeout = d }
}

func (o streamOptions) apply(s *StreamSocket) {
	if o.keepAlive > 0 {
		_ = s.SetKeepAlive(int(o.keepAlive.Seconds()))
	}
	_ = s.SetNoDelay(o.noDelay)
	if o.idleTimeout > 0 {
		s.SetIdleTimeout(o.idleTimeout)
	}
}

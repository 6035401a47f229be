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
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestSignalSetDeliversRaisedSignal(t *testing.T) {
	ex, err := NewExecutor(16)
	assert.NoError(t, err)
	go ex.Run(1)
	defer ex.Stop()

	set, err := NewSignalSet(ex, unix.SIGUSR1)
	assert.NoError(t, err)
	defer set.Close()

	got := make(chan int, 1)
	set.WaitAsync(func(sig int, err error) {
		assert.NoError(t, err)
		got <- sig
	})

	assert.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	select {
	case sig := <-got:
		assert.Equal(t, int(unix.SIGUSR1), sig)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal delivery")
	}
}

func TestSignalSetCancelFailsOutstandingWait(t *testing.T) {
	ex, err := NewExecutor(16)
	assert.NoError(t, err)
	go ex.Run(1)
	defer ex.Stop()

	set, err := NewSignalSet(ex, unix.SIGUSR2)
	assert.NoError(t, err)
	defer set.Close()

	done := make(chan error, 1)
	set.WaitAsync(func(_ int, err error) { done <- err })
	set.Cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not fail the outstanding wait")
	}
}

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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStrandFIFOOrder(t *testing.T) {
	ex, err := NewExecutor(16)
	assert.NoError(t, err)
	go ex.Run(4)
	defer ex.Stop()

	s := NewStrand(ex)
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 1; i <= 3; i++ {
		i := i
		s.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestStrandAtMostOneRunningAtOnce(t *testing.T) {
	ex, err := NewExecutor(16)
	assert.NoError(t, err)
	go ex.Run(8)
	defer ex.Stop()

	s := NewStrand(ex)
	var active int32
	var maxActive int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(50)
	for i := 0; i < 50; i++ {
		s.Post(func() {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
}

func TestStrandDispatchInlineWhenAlreadyInStrand(t *testing.T) {
	ex, err := NewExecutor(16)
	assert.NoError(t, err)
	go ex.Run(1)
	defer ex.Stop()

	s := NewStrand(ex)
	done := make(chan struct{})
	s.Post(func() {
		ran := false
		s.Dispatch(s.Context(), func() { ran = true })
		assert.True(t, ran)
		close(done)
	})
	<-done
}

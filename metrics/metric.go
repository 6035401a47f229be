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

// Package metrics provides runtime monitoring data for the reactor,
// executor, timer queue, and socket layer, a good tool for performance
// tuning and for diagnosing stuck event loops.
package metrics

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// All metrics definitions.
const (
	// Reactor/epoll metrics.
	EpollWait = iota
	EpollEvents
	EpollSoftwareDrains
	EpollUnblocks

	// Executor metrics.
	JobsPosted
	JobsDispatchedLocal
	JobsExecuted
	ThreadsParked

	// TimerQueue metrics.
	TimerArms
	TimerDisarms
	TimerFired

	// TCP/stream socket metrics.
	TCPConnsCreate
	TCPConnsClose
	TCPSendCalls
	TCPSendFails
	TCPSendBytes
	TCPRecvCalls
	TCPRecvFails
	TCPRecvBytes

	// UDP/datagram socket metrics.
	UDPSendToCalls
	UDPSendToFails
	UDPRecvFromCalls
	UDPRecvFromFails

	// AF_PACKET metrics.
	PacketBlocksDelivered
	PacketBlocksSync

	// Task pool metrics.
	TaskAssigned

	Max
)

var metricsArr [Max]atomic.Uint64

// Add metrics counter.
func Add(name int, delta uint64) {
	if name >= Max {
		return
	}
	metricsArr[name].Add(delta)
}

// Get one metric counter.
func Get(name int) uint64 {
	if name >= Max {
		return 0
	}
	return metricsArr[name].Load()
}

// GetAll get all metrics.
func GetAll() [Max]uint64 {
	var m [Max]uint64
	for i := range metricsArr {
		m[i] = metricsArr[i].Load()
	}
	return m
}

// ShowMetricsOfPeriod shows metric info of duration d from now on.
// It will block d duration, and then prints metrics info.
func ShowMetricsOfPeriod(d time.Duration) {
	old := GetAll()
	<-time.After(d)
	cur := GetAll()
	var m [Max]uint64
	for i := range metricsArr {
		m[i] = cur[i] - old[i]
	}
	showAll(m)
}

// ShowMetrics shows metric info in console.
func ShowMetrics() {
	showAll(GetAll())
}

func showAll(m [Max]uint64) {
	fmt.Println("######### evcore metrics (", time.Now().Format("2006-01-02 15:04:05"), ") ###########")
	fmt.Printf("%-59s: %d\n", "# REACTOR - number of epoll_wait calls", m[EpollWait])
	fmt.Printf("%-59s: %d\n", "# REACTOR - number of total events delivered", m[EpollEvents])
	fmt.Printf("%-59s: %d\n", "# REACTOR - number of software-event drain cycles", m[EpollSoftwareDrains])
	fmt.Printf("%-59s: %d\n", "# REACTOR - number of unblock wakeups", m[EpollUnblocks])
	fmt.Printf("%-59s: %d\n", "# EXECUTOR - number of jobs posted cross-thread", m[JobsPosted])
	fmt.Printf("%-59s: %d\n", "# EXECUTOR - number of jobs posted to the local queue", m[JobsDispatchedLocal])
	fmt.Printf("%-59s: %d\n", "# EXECUTOR - number of jobs executed", m[JobsExecuted])
	fmt.Printf("%-59s: %d\n", "# TIMERQUEUE - number of timerfd arms", m[TimerArms])
	fmt.Printf("%-59s: %d\n", "# TIMERQUEUE - number of timerfd disarms", m[TimerDisarms])
	fmt.Printf("%-59s: %d\n", "# TIMERQUEUE - number of timer entries fired", m[TimerFired])
	fmt.Printf("%-59s: %d\n", "# TCP - number of connections created", m[TCPConnsCreate])
	fmt.Printf("%-59s: %d\n", "# TCP - number of connections closed", m[TCPConnsClose])
	fmt.Printf("%-59s: %d\n", "# UDP - number of SendTo system calls", m[UDPSendToCalls])
	fmt.Printf("%-59s: %d\n", "# UDP - number of RecvFrom system calls", m[UDPRecvFromCalls])
	fmt.Printf("%-59s: %d\n", "# PACKET - number of ring blocks delivered", m[PacketBlocksDelivered])
	fmt.Printf("%-59s: %d\n", "# PACKET - number of blocks completed synchronously", m[PacketBlocksSync])
	fmt.Printf("\n")
}

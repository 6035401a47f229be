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
	"github.com/panjf2000/ants/v2"

	"github.com/kavu-io/evcore/metrics"
)

var (
	maxRoutines = 0 // meaning INT32_MAX.
	sysPool, _  = ants.NewPoolWithFunc(maxRoutines, taskHandler)
	usrPool, _  = ants.NewPool(maxRoutines)
)

// taskHandler runs a job submitted through doTask. System-pool jobs are
// plain closures. Nothing in this module calls doTask: DatagramSocket and
// PacketSocket invoke their completions directly on executor workers.
func taskHandler(v any) {
	if job, ok := v.(func()); ok {
		job()
	}
}

// doTask offloads job to the internal system pool, distinct from the
// user-facing pool behind Submit, so that the volume of internal per-packet
// dispatch never starves application-submitted work for goroutines.
func doTask(job func()) error {
	metrics.Add(metrics.TaskAssigned, 1)
	return sysPool.Invoke(job)
}

// Submit submits a task to usrPool.
//
// Users can use this API to submit a task to
// the default user business goroutine pool.
func Submit(task func()) error {
	return usrPool.Submit(task)
}

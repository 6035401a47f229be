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
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNewPacketSocketRequiresPrivilege documents the expected failure mode
// for the common case (no CAP_NET_RAW): AF_PACKET socket creation itself
// fails with EPERM before any ring-buffer code runs, so this is the one
// assertion that is safe to make without privileged CI runners.
func TestNewPacketSocketRequiresPrivilege(t *testing.T) {
	ex, err := NewExecutor(16)
	assert.NoError(t, err)
	go ex.Run(1)
	defer ex.Stop()

	s, err := NewPacketSocket(ex, "lo")
	if err != nil {
		assert.Nil(t, s)
		return
	}
	// Running as root or with CAP_NET_RAW: exercise the real ring path.
	defer s.Close()
	assert.Equal(t, 64, s.blockCount)
}

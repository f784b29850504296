// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build integration

package core_test

import (
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/execmon/pkg/ebpf/core"
	"github.com/antimetal/execmon/pkg/kernel"
	"github.com/antimetal/execmon/pkg/testutil"
)

func TestManager_TaskLayout(t *testing.T) {
	testutil.RequireKernel(t, kernel.KernelBTFMinimum)
	testutil.RequireBTF(t)

	m, err := core.NewManager(testr.New(t))
	require.NoError(t, err)
	if !m.GetKernelFeatures().HasBTF {
		t.Skip("kernel BTF not present")
	}

	layout, err := m.TaskLayout()
	require.NoError(t, err)
	assert.True(t, layout.Complete(), "task_struct layout: %+v", layout)
	assert.NotEqual(t, layout.TaskRealParent.Offset, layout.TaskNsproxy.Offset)
}

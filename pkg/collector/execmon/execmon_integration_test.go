// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build integration

package execmon_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/execmon/pkg/collector"
	"github.com/antimetal/execmon/pkg/collector/execmon"
	"github.com/antimetal/execmon/pkg/kernel"
	"github.com/antimetal/execmon/pkg/monitored"
	"github.com/antimetal/execmon/pkg/testutil"
)

func objectPath(t *testing.T) string {
	path := execmon.ResolveObjectPath("")
	if _, err := os.Stat(path); err != nil {
		local, _ := filepath.Abs("../../../ebpf/build/execmon.bpf.o")
		if _, err := os.Stat(local); err != nil {
			t.Skipf("BPF object not built: %s", path)
		}
		return local
	}
	return path
}

func TestCollector_Integration(t *testing.T) {
	testutil.RequireKernel(t, kernel.RingBufferMinimum)
	testutil.RequireTracing(t)

	c, err := execmon.New(testr.New(t), execmon.Config{BPFObjectPath: objectPath(t), SkipSelf: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	receiver := collector.NewMockReceiver("integration")
	require.NoError(t, c.Start(ctx, receiver))
	assert.Equal(t, collector.StatusActive, c.Status())
	assert.ErrorIs(t, c.Start(ctx, receiver), execmon.ErrAlreadyRunning)

	t.Run("captures exec", func(t *testing.T) {
		// The tracepoint fires before exec renames the task, so the child
		// still carries this binary's comm.
		self, err := os.ReadFile("/proc/self/comm")
		require.NoError(t, err)
		comm := strings.TrimSpace(string(self))

		children := make(map[uint32]bool)
		for i := 0; i < 3; i++ {
			cmd := exec.Command("/bin/true")
			require.NoError(t, cmd.Start())
			children[uint32(cmd.Process.Pid)] = true
			require.NoError(t, cmd.Wait())
		}

		deadline, stop := context.WithTimeout(ctx, 5*time.Second)
		defer stop()
		for {
			seen := 0
			for _, e := range receiver.Events() {
				assert.NotEqual(t, uint32(os.Getpid()), e.PID)
				if !children[e.PID] {
					continue
				}
				seen++
				assert.Equal(t, uint32(os.Getpid()), e.PPID)
				assert.Equal(t, uint32(os.Geteuid()), e.UID)
				assert.Equal(t, comm, e.Command())
				assert.NotZero(t, e.MntNS)
			}
			if seen >= len(children) {
				break
			}
			require.NoError(t, deadline.Err(), "saw %d of %d child execs", seen, len(children))
			time.Sleep(50 * time.Millisecond)
		}
	})

	t.Run("filters noise", func(t *testing.T) {
		// A shell named after a noise prefix execs /bin/true under that comm.
		sh, err := os.ReadFile("/bin/sh")
		require.NoError(t, err)
		noisy := filepath.Join(t.TempDir(), "cpuhelper")
		require.NoError(t, os.WriteFile(noisy, sh, 0o755))
		require.NoError(t, exec.Command(noisy, "-c", "/bin/true; :").Run())

		assert.Eventually(t, func() bool { return c.Stats().Filtered > 0 }, 5*time.Second, 50*time.Millisecond)
		for _, e := range receiver.Events() {
			for _, prefix := range []string{"code", "gopl", "apt", "upda", "cpu", "nice", "ioni"} {
				assert.False(t, strings.HasPrefix(e.Command(), prefix), "noise leaked: %s", e)
			}
		}
	})

	t.Run("monitored set", func(t *testing.T) {
		set, err := c.Monitored()
		require.NoError(t, err)

		require.NoError(t, set.Insert(4321))
		ok, err := set.Lookup(4321)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, set.Remove(4321))
		ok, err = set.Lookup(4321)
		require.NoError(t, err)
		assert.False(t, ok)

		var full error
		for pid := uint32(1); pid <= monitored.Capacity+1; pid++ {
			if err := set.Insert(pid); err != nil {
				full = err
				break
			}
		}
		assert.True(t, errors.Is(full, monitored.ErrTableFull))
	})

	require.NoError(t, c.Stop())
	assert.Equal(t, collector.StatusDisabled, c.Status())
	assert.NotZero(t, c.Stats().Received)
}

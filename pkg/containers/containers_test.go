// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !integration

package containers_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/execmon/pkg/containers"
)

const (
	hostNS      = 4026531840
	dockerID    = "1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"
	containerdX = "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789"
)

func TestExtractContainerID(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{"docker systemd scope", "/system.slice/docker-" + dockerID + ".scope", dockerID},
		{"cri-containerd scope", "/kubepods.slice/kubepods-burstable.slice/kubepods-burstable-pod1.slice/cri-containerd-" + containerdX + ".scope", containerdX},
		{"crio scope", "/kubepods.slice/crio-" + dockerID + ".scope", dockerID},
		{"podman libpod", "/machine.slice/libpod-" + dockerID + ".scope/container", dockerID},
		{"docker cgroupfs", "/docker/" + dockerID, dockerID},
		{"kubepods cgroupfs", "/kubepods/besteffort/pod1234/" + containerdX, containerdX},
		{"short id", "/docker/abc123", ""},
		{"host session", "/user.slice/user-1000.slice/session-2.scope", ""},
		{"root", "/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, containers.ExtractContainerID(tt.path))
		})
	}
}

func TestParseCgroup(t *testing.T) {
	tests := []struct {
		name    string
		content string
		id      string
		runtime string
	}{
		{
			name:    "cgroup v2 docker",
			content: "0::/system.slice/docker-" + dockerID + ".scope\n",
			id:      dockerID,
			runtime: "docker",
		},
		{
			name: "cgroup v1 docker",
			content: "12:pids:/docker/" + dockerID + "\n" +
				"11:memory:/docker/" + dockerID + "\n",
			id:      dockerID,
			runtime: "docker",
		},
		{
			name:    "kubernetes containerd",
			content: "0::/kubepods.slice/kubepods-pod1.slice/cri-containerd-" + containerdX + ".scope\n",
			id:      containerdX,
			runtime: "cri-containerd",
		},
		{
			name:    "podman",
			content: "0::/user.slice/user-1000.slice/user@1000.service/user.slice/libpod-" + dockerID + ".scope/container\n",
			id:      dockerID,
			runtime: "podman",
		},
		{
			name:    "host",
			content: "0::/user.slice/user-1000.slice/session-2.scope\n",
		},
		{name: "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, runtime := containers.ParseCgroup(tt.content)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.runtime, runtime)
		})
	}
}

func TestIdentityString(t *testing.T) {
	assert.Equal(t, "unknown", containers.Identity{}.String())
	assert.Equal(t, "host", containers.Identity{MntNS: hostNS, Host: true}.String())
	assert.Equal(t, "mnt:4026532000", containers.Identity{MntNS: 4026532000}.String())
	assert.Equal(t, "docker:1234567890ab", containers.Identity{MntNS: 1, ID: dockerID, Runtime: "docker"}.String())
}

// fakeProc lays out the parts of /proc the resolver reads.
type fakeProc struct {
	root string
}

func newFakeProc(t *testing.T) *fakeProc {
	p := &fakeProc{root: t.TempDir()}
	p.add(t, 1, hostNS, "0::/init.scope\n")
	return p
}

func (p *fakeProc) add(t *testing.T, pid int, mntNS uint32, cgroup string) {
	t.Helper()
	dir := filepath.Join(p.root, fmt.Sprint(pid))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ns"), 0o755))
	require.NoError(t, os.Symlink(fmt.Sprintf("mnt:[%d]", mntNS), filepath.Join(dir, "ns", "mnt")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup"), []byte(cgroup), 0o644))
}

func (p *fakeProc) remove(t *testing.T, pid int) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(p.root, fmt.Sprint(pid))))
}

func TestResolver(t *testing.T) {
	proc := newFakeProc(t)
	proc.add(t, 4000, 4026532100, "0::/system.slice/docker-"+dockerID+".scope\n")
	proc.add(t, 4321, 4026532100, "0::/system.slice/docker-"+dockerID+".scope\n")
	proc.add(t, 5000, 4026532200, "0::/kubepods.slice/cri-containerd-"+containerdX+".scope\n")
	proc.add(t, 6000, 4026532300, "0::/user.slice/session-1.scope\n")
	require.NoError(t, os.WriteFile(filepath.Join(proc.root, "meminfo"), nil, 0o644))

	r, err := containers.NewResolver(proc.root, time.Minute)
	require.NoError(t, err)

	t.Run("unresolved namespace", func(t *testing.T) {
		assert.Equal(t, containers.Identity{}, r.Resolve(4321, 0))
	})

	t.Run("host", func(t *testing.T) {
		id := r.Resolve(4321, hostNS)
		assert.True(t, id.Host)
	})

	t.Run("by pid", func(t *testing.T) {
		id := r.Resolve(4321, 4026532100)
		assert.Equal(t, containers.Identity{MntNS: 4026532100, ID: dockerID, Runtime: "docker"}, id)
	})

	t.Run("by scan after exit", func(t *testing.T) {
		proc.remove(t, 5000)
		proc.add(t, 5001, 4026532200, "0::/kubepods.slice/cri-containerd-"+containerdX+".scope\n")
		id := r.Resolve(5000, 4026532200)
		assert.Equal(t, "cri-containerd:abcdef012345", id.String())
	})

	t.Run("namespace without container", func(t *testing.T) {
		id := r.Resolve(6000, 4026532300)
		assert.Equal(t, "mnt:4026532300", id.String())
	})

	t.Run("cached", func(t *testing.T) {
		before := r.Stats()
		proc.remove(t, 4321)
		proc.remove(t, 4000)
		id := r.Resolve(4321, 4026532100)
		assert.Equal(t, dockerID, id.ID)
		assert.Equal(t, before.Hits+1, r.Stats().Hits)
		assert.Equal(t, 3, r.Stats().Entries)

		r.Invalidate()
		assert.Empty(t, r.Resolve(4321, 4026532100).ID)
	})
}

func TestResolver_Expiry(t *testing.T) {
	proc := newFakeProc(t)
	r, err := containers.NewResolver(proc.root, time.Millisecond)
	require.NoError(t, err)

	assert.Empty(t, r.Resolve(7000, 4026532400).ID)
	proc.add(t, 7000, 4026532400, "0::/docker/"+dockerID+"\n")
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, dockerID, r.Resolve(7000, 4026532400).ID)
}

func TestNewResolver_NoHostNamespace(t *testing.T) {
	_, err := containers.NewResolver(t.TempDir(), 0)
	assert.Error(t, err)
}

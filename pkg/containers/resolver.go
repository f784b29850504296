// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package containers maps mount namespace inode numbers to the containers
// that own them.
package containers

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultCacheTTL = 30 * time.Second

// Identity is what a mount namespace resolved to.
type Identity struct {
	MntNS   uint32
	Host    bool
	ID      string
	Runtime string
}

// ShortID returns the 12-character form of the container ID.
func (i Identity) ShortID() string {
	if len(i.ID) > minContainerIDLength {
		return i.ID[:minContainerIDLength]
	}
	return i.ID
}

func (i Identity) String() string {
	switch {
	case i.Host:
		return "host"
	case i.ID != "":
		return i.Runtime + ":" + i.ShortID()
	case i.MntNS == 0:
		return "unknown"
	default:
		return fmt.Sprintf("mnt:%d", i.MntNS)
	}
}

// Resolver looks up the container behind a mount namespace through procfs.
// Results, including misses, are cached per namespace for the TTL.
type Resolver struct {
	procRoot  string
	hostMntNS uint32
	ttl       time.Duration

	mu      sync.RWMutex
	entries map[uint32]cacheEntry

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry struct {
	identity Identity
	cachedAt time.Time
}

// CacheStats provides visibility into cache performance
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// NewResolver reads the host mount namespace from procRoot/1/ns/mnt.
func NewResolver(procRoot string, ttl time.Duration) (*Resolver, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	host, ok := readMntNS(filepath.Join(procRoot, "1"))
	if !ok {
		return nil, fmt.Errorf("reading host mount namespace under %s", procRoot)
	}
	return &Resolver{
		procRoot:  procRoot,
		hostMntNS: host,
		ttl:       ttl,
		entries:   make(map[uint32]cacheEntry),
	}, nil
}

// Resolve identifies mntNS. pid is tried first since it is usually still
// alive and in that namespace; otherwise procfs is scanned.
func (r *Resolver) Resolve(pid, mntNS uint32) Identity {
	switch mntNS {
	case 0:
		return Identity{}
	case r.hostMntNS:
		return Identity{MntNS: mntNS, Host: true}
	}

	if id, ok := r.get(mntNS); ok {
		r.hits.Add(1)
		return id
	}
	r.misses.Add(1)

	id := Identity{MntNS: mntNS}
	if dir := filepath.Join(r.procRoot, strconv.FormatUint(uint64(pid), 10)); pid != 0 && r.inNamespace(dir, mntNS) {
		id.ID, id.Runtime = readCgroup(dir)
	}
	if id.ID == "" {
		id.ID, id.Runtime = r.scan(mntNS)
	}

	r.set(mntNS, id)
	return id
}

func (r *Resolver) scan(mntNS uint32) (string, string) {
	entries, err := os.ReadDir(r.procRoot)
	if err != nil {
		return "", ""
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.ParseUint(e.Name(), 10, 32); err != nil {
			continue
		}
		dir := filepath.Join(r.procRoot, e.Name())
		if !r.inNamespace(dir, mntNS) {
			continue
		}
		if id, runtime := readCgroup(dir); id != "" {
			return id, runtime
		}
	}
	return "", ""
}

func (r *Resolver) inNamespace(procDir string, mntNS uint32) bool {
	ns, ok := readMntNS(procDir)
	return ok && ns == mntNS
}

// readMntNS parses the "mnt:[4026531840]" link target.
func readMntNS(procDir string) (uint32, bool) {
	target, err := os.Readlink(filepath.Join(procDir, "ns", "mnt"))
	if err != nil {
		return 0, false
	}
	var ns uint32
	if _, err := fmt.Sscanf(target, "mnt:[%d]", &ns); err != nil {
		return 0, false
	}
	return ns, true
}

func readCgroup(procDir string) (string, string) {
	data, err := os.ReadFile(filepath.Join(procDir, "cgroup"))
	if err != nil {
		return "", ""
	}
	return ParseCgroup(string(data))
}

func (r *Resolver) get(mntNS uint32) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[mntNS]
	if !ok || time.Since(entry.cachedAt) > r.ttl {
		return Identity{}, false
	}
	return entry.identity, true
}

func (r *Resolver) set(mntNS uint32, id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Namespaces are recycled; drop expired entries while we hold the lock.
	for k, e := range r.entries {
		if time.Since(e.cachedAt) > r.ttl {
			delete(r.entries, k)
		}
	}
	r.entries[mntNS] = cacheEntry{identity: id, cachedAt: time.Now()}
}

// Invalidate clears all cache entries.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[uint32]cacheEntry)
}

func (r *Resolver) Stats() CacheStats {
	r.mu.RLock()
	n := len(r.entries)
	r.mu.RUnlock()
	return CacheStats{Hits: r.hits.Load(), Misses: r.misses.Load(), Entries: n}
}

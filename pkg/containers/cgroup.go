// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package containers

import (
	"strings"
)

// minContainerIDLength is the shortest ID accepted (the 12-char short form).
const minContainerIDLength = 12

// ParseCgroup finds the container ID and runtime in the contents of a
// /proc/<pid>/cgroup file. It returns empty strings for host processes.
func ParseCgroup(content string) (id, runtime string) {
	for _, line := range strings.Split(content, "\n") {
		// hierarchy-ID:controller-list:cgroup-path
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		path := parts[2]
		if id := ExtractContainerID(path); id != "" {
			return id, detectRuntimeFromPath(path)
		}
	}
	return "", ""
}

// detectRuntimeFromPath attempts to identify the container runtime from the cgroup path
func detectRuntimeFromPath(path string) string {
	path = strings.ToLower(path)

	// CRI prefixes first; they indicate Kubernetes-managed containers.
	if strings.Contains(path, "cri-containerd") {
		return "cri-containerd"
	}
	if strings.Contains(path, "cri-o") || strings.Contains(path, "crio") {
		return "cri-o"
	}

	switch {
	case strings.Contains(path, "docker"):
		return "docker"
	case strings.Contains(path, "containerd"):
		return "containerd"
	case strings.Contains(path, "podman"), strings.Contains(path, "libpod"):
		return "podman"
	default:
		return "unknown"
	}
}

// ExtractContainerID extracts a container ID from a cgroup path. It handles
// systemd scope units (docker-<id>.scope, cri-containerd-<id>.scope,
// libpod-<id>.scope) and cgroupfs directories (/docker/<id>, /kubepods/.../<id>).
func ExtractContainerID(path string) string {
	parts := strings.Split(path, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		part := parts[i]
		if strings.HasSuffix(part, ".scope") {
			name := strings.TrimSuffix(part, ".scope")
			if idx := strings.LastIndex(name, "-"); idx > 0 && isContainerID(name[idx+1:]) {
				return name[idx+1:]
			}
			continue
		}
		if isContainerID(part) {
			return part
		}
	}
	return ""
}

func isContainerID(s string) bool {
	return len(s) >= minContainerIDLength && IsHexString(s)
}

// IsHexString checks if a string contains only hexadecimal characters
func IsHexString(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

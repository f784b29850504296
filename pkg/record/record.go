// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package record defines the fixed 32-byte exec record shared by the kernel
// probe and its user-space consumers.
//
// The layout must match struct execmon_event in ebpf/include/execmon.h:
//
//	offset 0  pid     u32
//	offset 4  ppid    u32
//	offset 8  uid     u32
//	offset 12 mnt_ns  u32
//	offset 16 comm    [16]u8
//
// All integers are in native byte order.
package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// CommLen is the size of the kernel's task comm buffer (TASK_COMM_LEN).
	CommLen = 16

	// Size is the size of an encoded record in bytes.
	Size = 32

	offPID   = 0
	offPPID  = 4
	offUID   = 8
	offMntNS = 12
	offComm  = 16
)

// Event is one exec observation.
//
// MntNS is zero when the namespace chain could not be resolved. Zero is not
// distinguishable from a real namespace inode of zero.
type Event struct {
	PID   uint32
	PPID  uint32
	UID   uint32
	MntNS uint32
	Comm  [CommLen]byte
}

// MarshalTo writes e into b, which must be at least Size bytes long. It does
// not allocate and is safe to call from the capture path.
func (e *Event) MarshalTo(b []byte) {
	_ = b[Size-1]
	binary.NativeEndian.PutUint32(b[offPID:], e.PID)
	binary.NativeEndian.PutUint32(b[offPPID:], e.PPID)
	binary.NativeEndian.PutUint32(b[offUID:], e.UID)
	binary.NativeEndian.PutUint32(b[offMntNS:], e.MntNS)
	copy(b[offComm:offComm+CommLen], e.Comm[:])
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e *Event) MarshalBinary() ([]byte, error) {
	b := make([]byte, Size)
	e.MarshalTo(b)
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Trailing bytes past
// Size are ignored; ring buffer samples may be padded.
func (e *Event) UnmarshalBinary(b []byte) error {
	if len(b) < Size {
		return fmt.Errorf("record too small: %d bytes, want %d", len(b), Size)
	}
	e.PID = binary.NativeEndian.Uint32(b[offPID:])
	e.PPID = binary.NativeEndian.Uint32(b[offPPID:])
	e.UID = binary.NativeEndian.Uint32(b[offUID:])
	e.MntNS = binary.NativeEndian.Uint32(b[offMntNS:])
	copy(e.Comm[:], b[offComm:offComm+CommLen])
	return nil
}

// Command returns the comm as a string with trailing NUL padding removed.
func (e *Event) Command() string {
	return CommString(e.Comm)
}

func (e *Event) String() string {
	return fmt.Sprintf("pid=%d ppid=%d uid=%d mnt_ns=%d comm=%q",
		e.PID, e.PPID, e.UID, e.MntNS, e.Command())
}

// CommString trims NUL padding from a raw comm. A name that fills all 16
// bytes has no terminator and is returned whole.
func CommString(comm [CommLen]byte) string {
	if i := bytes.IndexByte(comm[:], 0); i >= 0 {
		return string(comm[:i])
	}
	return string(comm[:])
}

// CommFromString builds a raw comm the way the kernel stores it: truncated to
// 15 characters plus a terminator, the rest zero padded.
func CommFromString(name string) [CommLen]byte {
	var comm [CommLen]byte
	copy(comm[:CommLen-1], name)
	return comm
}

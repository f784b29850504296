// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ringbuffer implements a bounded multi-producer, single-consumer byte
// ring with the same contract as BPF_MAP_TYPE_RINGBUF.
//
// Producers reserve space with a single compare-and-swap on the producer
// position and never wait on each other or on the consumer. A full buffer
// fails the reservation and counts a drop. Each record carries an 8-byte
// header that is written last, so a reserved but unsubmitted record is never
// visible to the consumer, and the consumer stops at the first such record.
// That gives FIFO order per producer and no order across producers beyond
// reservation order.
package ringbuffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// HeaderSize is the per-record overhead.
	HeaderSize = 8

	// MinSize is the smallest allowed buffer, one page.
	MinSize = 4096

	lenMask    = 1<<30 - 1
	discardBit = 1 << 30
	commitBit  = 1 << 31

	// Lost CAS races are retried a bounded number of times; after that the
	// record is dropped like on a full buffer.
	maxReserveAttempts = 64
)

var (
	ErrClosed      = errors.New("ring buffer closed")
	ErrInvalidSize = errors.New("ring buffer size must be a power of two and at least one page")
)

type RingBuffer struct {
	producer atomic.Uint64
	_        [56]byte
	consumer atomic.Uint64
	_        [56]byte

	size  uint64
	mask  uint64
	words []uint32
	data  []byte
	drops atomic.Uint64

	consumerMu sync.Mutex
	notify     chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
}

// New allocates a ring of size bytes, which must be a power of two and at
// least MinSize.
func New(size int) (*RingBuffer, error) {
	if size < MinSize || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	words := make([]uint32, size/4)
	return &RingBuffer{
		size:   uint64(size),
		mask:   uint64(size - 1),
		words:  words,
		data:   unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}, nil
}

// Slot is a reserved record. The zero Slot is not valid.
type Slot struct {
	rb  *RingBuffer
	off uint64
	n   uint32
}

// Valid reports whether the reservation succeeded.
func (s Slot) Valid() bool {
	return s.rb != nil
}

// Bytes returns the record payload, exactly as long as was reserved. Its
// contents are unspecified until written.
func (s Slot) Bytes() []byte {
	start := s.off + HeaderSize
	end := start + uint64(s.n)
	return s.rb.data[start:end:end]
}

// Submit publishes the record to the consumer.
func (s Slot) Submit() {
	s.commit(0)
}

// Discard releases the record without delivering it.
func (s Slot) Discard() {
	s.commit(discardBit)
}

func (s Slot) commit(flags uint32) {
	atomic.StoreUint32(&s.rb.words[s.off/4], s.n|flags|commitBit)
	select {
	case s.rb.notify <- struct{}{}:
	default:
	}
}

// Reserve claims space for an n-byte record. It never blocks; when there is
// no room it returns false and counts a drop. The caller must Submit or
// Discard a valid Slot.
func (rb *RingBuffer) Reserve(n int) (Slot, bool) {
	if n <= 0 || n > lenMask {
		rb.drops.Add(1)
		return Slot{}, false
	}
	total := align8(uint64(HeaderSize + n))
	if total > rb.size {
		rb.drops.Add(1)
		return Slot{}, false
	}

	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		prod := rb.producer.Load()
		cons := rb.consumer.Load()
		if cons > prod {
			// Both moved since prod was loaded.
			continue
		}

		off := prod & rb.mask
		var pad uint64
		if off+total > rb.size {
			// Records never straddle the end; burn the tail as a
			// discarded filler record.
			pad = rb.size - off
		}
		if prod+pad+total-cons > rb.size {
			rb.drops.Add(1)
			return Slot{}, false
		}
		if !rb.producer.CompareAndSwap(prod, prod+pad+total) {
			continue
		}

		if pad > 0 {
			atomic.StoreUint32(&rb.words[off/4], uint32(pad-HeaderSize)|discardBit|commitBit)
			off = 0
		}
		return Slot{rb: rb, off: off, n: uint32(n)}, true
	}

	rb.drops.Add(1)
	return Slot{}, false
}

// Output copies b into a new record and submits it.
func (rb *RingBuffer) Output(b []byte) bool {
	s, ok := rb.Reserve(len(b))
	if !ok {
		return false
	}
	copy(s.Bytes(), b)
	s.Submit()
	return true
}

// Consume passes every submitted record, in buffer order, to fn and returns how
// many were delivered. The sample is only valid during the call. It stops at
// the first record that is reserved but not yet submitted.
func (rb *RingBuffer) Consume(fn func(sample []byte)) int {
	return rb.consume(-1, fn)
}

func (rb *RingBuffer) consume(limit int, fn func(sample []byte)) int {
	rb.consumerMu.Lock()
	defer rb.consumerMu.Unlock()

	delivered := 0
	for limit < 0 || delivered < limit {
		cons := rb.consumer.Load()
		off := cons & rb.mask
		hdr := atomic.LoadUint32(&rb.words[off/4])
		if hdr&commitBit == 0 {
			break
		}

		n := uint64(hdr & lenMask)
		total := align8(HeaderSize + n)
		if hdr&discardBit == 0 {
			fn(rb.data[off+HeaderSize : off+HeaderSize+n])
			delivered++
		}

		// Producers treat a zero header as pending, so the whole record
		// is cleared before the space is handed back.
		clear(rb.data[off+4 : off+total])
		atomic.StoreUint32(&rb.words[off/4], 0)
		rb.consumer.Store(cons + total)
	}
	return delivered
}

// Read blocks until a record is available and returns a copy of it appended
// to buf[:0]. Records already submitted are still returned after Close; once
// the buffer is drained Read returns ErrClosed.
func (rb *RingBuffer) Read(ctx context.Context, buf []byte) ([]byte, error) {
	for {
		var (
			out []byte
			got bool
		)
		rb.consume(1, func(sample []byte) {
			out = append(buf[:0], sample...)
			got = true
		})
		if got {
			return out, nil
		}

		select {
		case <-rb.closed:
			return nil, ErrClosed
		default:
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-rb.closed:
		case <-rb.notify:
		}
	}
}

// Close wakes blocked readers. Producers may keep reserving; nothing will read
// their records.
func (rb *RingBuffer) Close() error {
	rb.closeOnce.Do(func() { close(rb.closed) })
	return nil
}

// Size returns the capacity in bytes.
func (rb *RingBuffer) Size() int {
	return int(rb.size)
}

// Pending returns the number of bytes reserved and not yet consumed.
func (rb *RingBuffer) Pending() int {
	cons := rb.consumer.Load()
	return int(rb.producer.Load() - cons)
}

// Drops returns how many reservations failed.
func (rb *RingBuffer) Drops() uint64 {
	return rb.drops.Load()
}

// RecordSpace returns the bytes one n-byte record occupies, header included.
func RecordSpace(n int) int {
	return int(align8(uint64(HeaderSize + n)))
}

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

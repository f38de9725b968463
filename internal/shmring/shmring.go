// Copyright 2025 The gwrs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shmring implements a POSIX shared-memory ring buffer: a named
// shared memory object, backed on Linux by a file under /dev/shm,
// mmap'ed and protected by an in-band spin-lock so multiple processes can
// produce/consume without a kernel-mediated IPC primitive.
package shmring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"gwrs/internal/gwlog"
	"gwrs/internal/telemetry/metrics"
)

const component = "shmring"

// Policy selects enqueue behavior when the ring is at capacity.
type Policy int

const (
	// Block returns ErrFull, leaves the stored entries unchanged and
	// increments the overflow counter.
	Block Policy = iota
	// Overwrite drops the oldest unread entry to make room.
	Overwrite
)

const (
	controlBlockSize = 2048
	slotSize         = 4096
	slotHeaderSize   = 8
	// SlotPayloadMax is the largest payload a single slot can hold.
	SlotPayloadMax = slotSize - slotHeaderSize

	maxTotalSize = 50 << 20

	offLock     = 0
	offWriteIdx = 8
	offReadIdx  = 16
	offCount    = 24
	offCapacity = 32
	offOverflow = 40

	lockTimeout  = 500 * time.Millisecond
	lockSpinStep = 200 * time.Microsecond
	pollInterval = 10 * time.Millisecond
)

var (
	ErrFull          = errors.New("shmring: ring at capacity")
	ErrLockTimeout   = errors.New("shmring: spin-lock acquisition timed out")
	ErrPayloadTooBig = errors.New("shmring: payload exceeds slot capacity")
	ErrCorruptSlot   = errors.New("shmring: slot length out of bounds")
)

// Ring is a mmap-backed, spin-lock-protected circular buffer shared across
// processes under a POSIX shared-memory name.
type Ring struct {
	name     string
	file     *os.File
	mem      []byte
	capacity uint64
	policy   Policy
}

// capacityFor derives the slot capacity for a ring whose control block and
// data area must together fit within maxTotalSize. The byte budget is
// authoritative over a requested entry count.
func capacityFor(requested int) uint64 {
	maxSlots := uint64((maxTotalSize - controlBlockSize) / slotSize)
	if requested <= 0 {
		return maxSlots
	}
	req := uint64(requested)
	if req > maxSlots {
		gwlog.Warnf(component, "requested capacity %d exceeds the %d slots that fit in %d bytes; clamping", req, maxSlots, maxTotalSize)
		return maxSlots
	}
	return req
}

// Open attaches to (creating if necessary) the shared-memory ring named
// name (e.g. "/gwrs-proxy"). requestedCapacity is advisory; see
// capacityFor.
func Open(name string, requestedCapacity int, policy Policy) (*Ring, error) {
	capacity := capacityFor(requestedCapacity)
	totalSize := int64(controlBlockSize + capacity*slotSize)

	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmring: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmring: stat %s: %w", path, err)
	}

	fresh := info.Size() != totalSize
	if fresh {
		if err := f.Truncate(totalSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("shmring: truncate %s: %w", path, err)
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmring: mmap %s: %w", path, err)
	}

	r := &Ring{name: name, file: f, mem: mem, capacity: capacity, policy: policy}
	if fresh {
		r.resetLocked()
	}
	return r, nil
}

func shmPath(name string) string {
	return filepath.Join("/dev/shm", strings.TrimPrefix(name, "/"))
}

// Close unmaps the ring and closes the backing file descriptor. The shared
// memory object itself persists until explicitly unlinked or the machine
// reclaims /dev/shm.
func (r *Ring) Close() error {
	if err := unix.Munmap(r.mem); err != nil {
		return fmt.Errorf("shmring: munmap: %w", err)
	}
	return r.file.Close()
}

// Unlink removes the backing shared-memory object from /dev/shm.
func (r *Ring) Unlink() error {
	return os.Remove(shmPath(r.name))
}

func (r *Ring) u32At(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *Ring) u64At(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}

// lock spins on the control-block lock word with acquire ordering,
// sleeping lockSpinStep between attempts, until it succeeds or lockTimeout
// elapses.
func (r *Ring) lock() error {
	deadline := time.Now().Add(lockTimeout)
	for {
		if atomic.CompareAndSwapUint32(r.u32At(offLock), 0, 1) {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(lockSpinStep)
	}
}

func (r *Ring) unlock() {
	atomic.StoreUint32(r.u32At(offLock), 0)
}

// resetLocked zeroes the ring's indices. The caller must either hold the
// lock already or be certain no other process is attached yet (e.g. a
// freshly created mapping).
func (r *Ring) resetLocked() {
	atomic.StoreUint64(r.u64At(offWriteIdx), 0)
	atomic.StoreUint64(r.u64At(offReadIdx), 0)
	atomic.StoreUint64(r.u64At(offCount), 0)
	atomic.StoreUint64(r.u64At(offOverflow), 0)
	atomic.StoreUint64(r.u64At(offCapacity), r.capacity)
}

// checkCorruption is called with the lock held and resets the control
// block if the indices or count are inconsistent with a well-formed ring.
func (r *Ring) checkCorruption() {
	count := atomic.LoadUint64(r.u64At(offCount))
	writeIdx := atomic.LoadUint64(r.u64At(offWriteIdx))
	readIdx := atomic.LoadUint64(r.u64At(offReadIdx))

	corrupt := count > r.capacity*2 || count == math.MaxUint64 ||
		writeIdx >= r.capacity || readIdx >= r.capacity
	if corrupt {
		gwlog.Errorf(component, "ring %s corruption detected (count=%d write=%d read=%d capacity=%d), resetting", r.name, count, writeIdx, readIdx, r.capacity)
		r.resetLocked()
	}
}

// forceReset bypasses the lock entirely. A lock that cannot be acquired
// within its timeout is treated as corruption and the control block is
// reset.
func (r *Ring) forceReset() {
	gwlog.Errorf(component, "ring %s lock acquisition timed out, forcing control block reset", r.name)
	atomic.StoreUint32(r.u32At(offLock), 0)
	r.resetLocked()
}

func (r *Ring) slotOffset(index uint64) int {
	return controlBlockSize + int(index)*slotSize
}

// Enqueue writes payload into the next free slot, applying the ring's
// overflow Policy if the ring is at capacity.
func (r *Ring) Enqueue(payload []byte) error {
	if len(payload) == 0 || len(payload) > SlotPayloadMax {
		return ErrPayloadTooBig
	}
	if err := r.lock(); err != nil {
		r.forceReset()
		return err
	}
	defer r.unlock()

	r.checkCorruption()

	count := atomic.LoadUint64(r.u64At(offCount))
	writeIdx := atomic.LoadUint64(r.u64At(offWriteIdx))

	if count == r.capacity {
		switch r.policy {
		case Block:
			overflow := atomic.AddUint64(r.u64At(offOverflow), 1)
			metrics.RingOverflow.WithLabelValues(r.name).Set(float64(overflow))
			return ErrFull
		case Overwrite:
			overflow := atomic.AddUint64(r.u64At(offOverflow), 1)
			metrics.RingOverflow.WithLabelValues(r.name).Set(float64(overflow))
			readIdx := atomic.LoadUint64(r.u64At(offReadIdx))
			atomic.StoreUint64(r.u64At(offReadIdx), (readIdx+1)%r.capacity)
		}
	}

	off := r.slotOffset(writeIdx)
	binary.LittleEndian.PutUint64(r.mem[off:off+slotHeaderSize], uint64(len(payload)))
	copy(r.mem[off+slotHeaderSize:off+slotSize], payload)

	atomic.StoreUint64(r.u64At(offWriteIdx), (writeIdx+1)%r.capacity)
	if count < r.capacity {
		atomic.AddUint64(r.u64At(offCount), 1)
	}
	return nil
}

// Dequeue removes and returns the oldest entry, or ok=false if the ring is
// empty.
func (r *Ring) Dequeue() (payload []byte, ok bool, err error) {
	if err := r.lock(); err != nil {
		r.forceReset()
		return nil, false, err
	}
	defer r.unlock()

	r.checkCorruption()

	count := atomic.LoadUint64(r.u64At(offCount))
	if count == 0 {
		return nil, false, nil
	}

	readIdx := atomic.LoadUint64(r.u64At(offReadIdx))
	off := r.slotOffset(readIdx)
	length := binary.LittleEndian.Uint64(r.mem[off : off+slotHeaderSize])
	if length == 0 || length > SlotPayloadMax {
		r.resetLocked()
		return nil, false, ErrCorruptSlot
	}

	payload = make([]byte, length)
	copy(payload, r.mem[off+slotHeaderSize:off+slotHeaderSize+int(length)])

	atomic.StoreUint64(r.u64At(offReadIdx), (readIdx+1)%r.capacity)
	atomic.AddUint64(r.u64At(offCount), ^uint64(0)) // -1
	return payload, true, nil
}

// DequeueTimed polls every 10ms until an entry is available or timeout
// elapses.
func (r *Ring) DequeueTimed(timeout time.Duration) (payload []byte, ok bool, err error) {
	deadline := time.Now().Add(timeout)
	for {
		payload, ok, err = r.Dequeue()
		if err != nil || ok {
			return payload, ok, err
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		time.Sleep(pollInterval)
	}
}

// OverflowCount returns the current overflow counter.
func (r *Ring) OverflowCount() uint64 {
	return atomic.LoadUint64(r.u64At(offOverflow))
}

// Capacity returns the number of slots this ring was opened with.
func (r *Ring) Capacity() uint64 { return r.capacity }

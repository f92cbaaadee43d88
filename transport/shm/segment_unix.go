/*
 * Copyright 2025 The aibridge Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:build unix

package shm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// segmentFileMode is the only permission a segment file may carry.
const segmentFileMode = os.FileMode(0600)

// CreateSegment creates and maps a new segment at path with the given
// ring capacity. The file is created with mode 0600 and exclusive
// access. If a stale segment from a dead owner occupies the path, it is
// replaced and the new segment continues the old generation sequence so
// peers still mapping the stale file can detect the restart.
//
// Fails with ErrAllocation if the path is held by a live owner or the
// OS object cannot be created.
func CreateSegment(path string, capacity uint64) (*Segment, error) {
	if !IsPowerOfTwo(capacity) {
		return nil, fmt.Errorf("%w: capacity %d is not a power of two", ErrAllocation, capacity)
	}
	if capacity < MinRingCapacity {
		return nil, fmt.Errorf("%w: capacity %d below minimum %d", ErrAllocation, capacity, MinRingCapacity)
	}

	generation := uint32(1)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, segmentFileMode)
	if os.IsExist(err) {
		prevGen, staleErr := reclaimStaleSegment(path)
		if staleErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAllocation, path, staleErr)
		}
		generation = prevGen + 1
		file, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, segmentFileMode)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAllocation, path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	// The umask may have widened the create mode; force it back.
	if err := file.Chmod(segmentFileMode); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: chmod %s: %v", ErrAllocation, path, err)
	}

	totalSize := int64(ControlBlockSize) + int64(capacity)
	if err := file.Truncate(totalSize); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: truncate %s: %v", ErrAllocation, path, err)
	}

	mem, err := mapFile(file, int(totalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrAllocation, path, err)
	}

	seg := &Segment{
		File:  file,
		Mem:   mem,
		Path:  path,
		owner: true,
		ctrl:  ctrlFromMem(mem),
	}
	seg.initControl(capacity, generation)
	return seg, nil
}

// OpenSegment maps an existing segment created by a peer. A nonzero
// capacity must match the segment's capacity exactly; zero accepts
// whatever the header declares (used by inspection tooling).
//
// The segment file's permissions and ownership are verified before any
// header field is trusted.
func OpenSegment(path string, capacity uint64) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("shm: open segment %s: %w", path, err)
	}

	if err := verifyFilePermissions(file); err != nil {
		file.Close()
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: stat segment %s: %w", path, err)
	}
	size := info.Size()
	if size < ControlBlockSize {
		file.Close()
		return nil, fmt.Errorf("%w: segment file %s truncated (%d bytes)", ErrSizeMismatch, path, size)
	}

	mem, err := mapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap segment %s: %w", path, err)
	}

	ctrl := ctrlFromMem(mem)
	if err := validateControlBlock(ctrl); err != nil {
		unmapMemory(mem)
		file.Close()
		return nil, fmt.Errorf("shm: segment %s: %w", path, err)
	}
	if capacity != 0 && ctrl.Capacity() != capacity {
		got := ctrl.Capacity()
		unmapMemory(mem)
		file.Close()
		return nil, fmt.Errorf("%w: %s has capacity %d, want %d", ErrSizeMismatch, path, got, capacity)
	}
	if int64(ControlBlockSize)+int64(ctrl.Capacity()) != size {
		got := ctrl.Capacity()
		unmapMemory(mem)
		file.Close()
		return nil, fmt.Errorf("%w: %s declares capacity %d but file is %d bytes", ErrSizeMismatch, path, got, size)
	}

	ctrl.SetPeerPID(uint32(os.Getpid()))
	ctrl.SetAttached()

	return &Segment{
		File: file,
		Mem:  mem,
		Path: path,
		ctrl: ctrl,
	}, nil
}

// reclaimStaleSegment inspects an existing segment file whose creation
// collided with ours. If its recorded owner is still alive the path is
// genuinely taken; otherwise the stale file is removed and its
// generation returned so the replacement can continue the sequence.
func reclaimStaleSegment(path string) (uint32, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil // raced with cleanup; treat as fresh
		}
		return 0, err
	}
	var hdr [ControlBlockSize]byte
	_, err = io.ReadFull(file, hdr[:])
	file.Close()
	if err != nil {
		// Unreadable header: not one of ours or torn mid-create. Remove it.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return 0, rmErr
		}
		return 0, nil
	}

	if string(hdr[0:8]) == SegmentMagic {
		ownerPID := int(binary.LittleEndian.Uint32(hdr[0x38:0x3C]))
		if ownerPID > 0 && processAlive(ownerPID) {
			return 0, fmt.Errorf("segment owned by live process %d", ownerPID)
		}
		generation := binary.LittleEndian.Uint32(hdr[0x0C:0x10])
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return 0, rmErr
		}
		return generation, nil
	}

	// Foreign file at our path: refuse to clobber it.
	return 0, fmt.Errorf("path occupied by non-segment file")
}

// processAlive reports whether a pid refers to a live process we could
// signal. EPERM means alive but not ours.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// mapFile memory-maps size bytes of file shared and read-write.
func mapFile(file *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// mapFileReadOnly maps size bytes of file shared and read-only, for
// inspection without attaching.
func mapFileReadOnly(file *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", file.Name(), err)
	}
	return mem, nil
}

// unmapMemory releases a mapping created by mapFile.
func unmapMemory(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}

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

package shm

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"
)

// Memory layout constants.
const (
	// Magic bytes identifying a segment file.
	SegmentMagic = "AIPCSHM\x00"

	// Current segment format version.
	SegmentVersion = uint32(1)

	// Control block size. The byte ring starts at this offset.
	ControlBlockSize = 128

	// MinRingCapacity is the smallest supported ring (one small frame
	// plus headroom).
	MinRingCapacity = 1024

	// DefaultRingCapacity is used when the configuration does not name one.
	DefaultRingCapacity = uint64(1024 * 1024)
)

// controlBlock is the mapped segment header. Field offsets are part of
// the on-disk format; do not reorder. All mutable fields are accessed
// atomically, never through plain loads.
type controlBlock struct {
	magic         [8]byte  // 0x00: "AIPCSHM\0"
	version       uint32   // 0x08: segment format version
	generation    uint32   // 0x0C: incremented each time the segment is recreated
	capacity      uint64   // 0x10: ring capacity in bytes (power of two)
	widx          uint64   // 0x18: monotonic write index (producer-owned)
	ridx          uint64   // 0x20: monotonic read index (consumer-owned)
	dataSeq       uint32   // 0x28: doorbell sequence, rung when data arrives
	spaceSeq      uint32   // 0x2C: doorbell sequence, rung when space frees
	attached      uint32   // 0x30: peer mapped flag (0 -> 1)
	closed        uint32   // 0x34: closed flag (producer sets to 1)
	ownerPID      uint32   // 0x38: pid of the creating process
	peerPID       uint32   // 0x3C: pid of the opening process
	lastHeartbeat uint64   // 0x40: unix nanos, written by the producer side
	reserved      [56]byte // 0x48-0x7F: reserved, zero
}

// Magic returns the magic bytes.
func (c *controlBlock) Magic() [8]byte { return c.magic }

// SetMagic sets the magic bytes. Only valid during initialization.
func (c *controlBlock) SetMagic(m [8]byte) { c.magic = m }

// Version returns the segment format version.
func (c *controlBlock) Version() uint32 { return atomic.LoadUint32(&c.version) }

// SetVersion sets the segment format version.
func (c *controlBlock) SetVersion(v uint32) { atomic.StoreUint32(&c.version, v) }

// Generation returns the recreation counter.
func (c *controlBlock) Generation() uint32 { return atomic.LoadUint32(&c.generation) }

// SetGeneration sets the recreation counter.
func (c *controlBlock) SetGeneration(g uint32) { atomic.StoreUint32(&c.generation, g) }

// Capacity returns the ring capacity in bytes.
func (c *controlBlock) Capacity() uint64 { return atomic.LoadUint64(&c.capacity) }

// SetCapacity sets the ring capacity in bytes.
func (c *controlBlock) SetCapacity(n uint64) { atomic.StoreUint64(&c.capacity, n) }

// WriteIndex returns the monotonic write index.
func (c *controlBlock) WriteIndex() uint64 { return atomic.LoadUint64(&c.widx) }

// SetWriteIndex advances the monotonic write index. The Go atomic store
// has release semantics: all payload copies into the ring happen-before
// a reader that observes the new index.
func (c *controlBlock) SetWriteIndex(i uint64) { atomic.StoreUint64(&c.widx, i) }

// ReadIndex returns the monotonic read index.
func (c *controlBlock) ReadIndex() uint64 { return atomic.LoadUint64(&c.ridx) }

// SetReadIndex advances the monotonic read index.
func (c *controlBlock) SetReadIndex(i uint64) { atomic.StoreUint64(&c.ridx, i) }

// DataSequence returns the data doorbell sequence.
func (c *controlBlock) DataSequence() uint32 { return atomic.LoadUint32(&c.dataSeq) }

// SpaceSequence returns the space doorbell sequence.
func (c *controlBlock) SpaceSequence() uint32 { return atomic.LoadUint32(&c.spaceSeq) }

// Attached reports whether a peer has mapped the segment.
func (c *controlBlock) Attached() bool { return atomic.LoadUint32(&c.attached) != 0 }

// SetAttached marks the segment as mapped by a peer.
func (c *controlBlock) SetAttached() { atomic.StoreUint32(&c.attached, 1) }

// Closed reports whether the producer has closed the ring.
func (c *controlBlock) Closed() bool { return atomic.LoadUint32(&c.closed) != 0 }

// SetClosed sets the closed flag.
func (c *controlBlock) SetClosed() { atomic.StoreUint32(&c.closed, 1) }

// OwnerPID returns the pid of the creating process.
func (c *controlBlock) OwnerPID() uint32 { return atomic.LoadUint32(&c.ownerPID) }

// SetOwnerPID sets the pid of the creating process.
func (c *controlBlock) SetOwnerPID(pid uint32) { atomic.StoreUint32(&c.ownerPID, pid) }

// PeerPID returns the pid of the opening process.
func (c *controlBlock) PeerPID() uint32 { return atomic.LoadUint32(&c.peerPID) }

// SetPeerPID sets the pid of the opening process.
func (c *controlBlock) SetPeerPID(pid uint32) { atomic.StoreUint32(&c.peerPID, pid) }

// LastHeartbeat returns the producer's last heartbeat, unix nanos.
func (c *controlBlock) LastHeartbeat() uint64 { return atomic.LoadUint64(&c.lastHeartbeat) }

// SetLastHeartbeat records a producer heartbeat, unix nanos.
func (c *controlBlock) SetLastHeartbeat(ns uint64) { atomic.StoreUint64(&c.lastHeartbeat, ns) }

// Used returns the number of bytes currently in the ring. Monotonic
// uint64 indices make the subtraction immune to wrap-around.
func (c *controlBlock) Used() uint64 {
	return atomic.LoadUint64(&c.widx) - atomic.LoadUint64(&c.ridx)
}

// Available returns the free space in bytes.
func (c *controlBlock) Available() uint64 {
	return c.Capacity() - c.Used()
}

// IsPowerOfTwo reports whether n is a nonzero power of two.
func IsPowerOfTwo(n uint64) bool {
	return n > 0 && n&(n-1) == 0
}

// NextPowerOfTwo returns the smallest power of two >= n.
func NextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	if IsPowerOfTwo(n) {
		return n
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}

// validateControlBlock checks an opened segment's header before any
// other field is trusted.
func validateControlBlock(c *controlBlock) error {
	if string(c.magic[:]) != SegmentMagic {
		return fmt.Errorf("invalid segment magic %q", c.magic[:])
	}
	if v := c.Version(); v != SegmentVersion {
		return fmt.Errorf("unsupported segment version %d, expected %d", v, SegmentVersion)
	}
	capacity := c.Capacity()
	if !IsPowerOfTwo(capacity) {
		return fmt.Errorf("segment capacity %d is not a power of two", capacity)
	}
	if capacity < MinRingCapacity {
		return fmt.Errorf("segment capacity %d below minimum %d", capacity, MinRingCapacity)
	}
	if used := c.Used(); used > capacity {
		return fmt.Errorf("segment indices corrupt: used %d exceeds capacity %d", used, capacity)
	}
	return nil
}

// Segment is one memory-mapped region holding a control block and a byte
// ring. A segment carries exactly one direction of a connection: the
// side that reads from it creates and unlinks it.
type Segment struct {
	File  *os.File // backing file descriptor
	Mem   []byte   // the mapped region
	Path  string   // filesystem path of the backing file
	owner bool     // true if this process created the segment

	ctrl *controlBlock
	ring *Ring
}

// Control returns the segment's mapped control block.
func (s *Segment) Control() *controlBlock { return s.ctrl }

// Owner reports whether this process created (and therefore unlinks)
// the segment.
func (s *Segment) Owner() bool { return s.owner }

// Generation returns the segment's recreation counter.
func (s *Segment) Generation() uint32 { return s.ctrl.Generation() }

// Capacity returns the ring capacity in bytes.
func (s *Segment) Capacity() uint64 { return s.ctrl.Capacity() }

// Ring returns the SPSC byte ring stored in the segment. The same *Ring
// is returned on every call.
func (s *Segment) Ring() *Ring {
	if s.ring == nil {
		s.ring = newRing(s.ctrl, s.Mem[ControlBlockSize:])
	}
	return s.ring
}

// initControl initializes a freshly created segment's control block.
func (s *Segment) initControl(capacity uint64, generation uint32) {
	var magic [8]byte
	copy(magic[:], SegmentMagic)
	s.ctrl.SetMagic(magic)
	s.ctrl.SetVersion(SegmentVersion)
	s.ctrl.SetGeneration(generation)
	s.ctrl.SetCapacity(capacity)
	s.ctrl.SetWriteIndex(0)
	s.ctrl.SetReadIndex(0)
	s.ctrl.SetOwnerPID(uint32(os.Getpid()))
}

// Close unmaps the region and closes the backing file. The backing file
// is unlinked only if this process created it.
func (s *Segment) Close() error {
	var firstErr error
	if s.Mem != nil {
		if err := unmapMemory(s.Mem); err != nil {
			firstErr = err
		}
		s.Mem = nil
		s.ctrl = nil
		s.ring = nil
	}
	if s.File != nil {
		if err := s.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.File = nil
	}
	if s.owner {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ctrlFromMem returns the control block view over a mapped region.
func ctrlFromMem(mem []byte) *controlBlock {
	return (*controlBlock)(unsafe.Pointer(&mem[0]))
}

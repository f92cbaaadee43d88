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

// Ring is a single-producer/single-consumer byte ring over a segment's
// mapped data area. Exactly one goroutine may write and one may read at
// a time; the producer owns the write index, the consumer owns the read
// index, and no mutex protects the data path.
//
// All operations are non-blocking and return immediately. Blocking is
// layered on top: the backpressure handler retries full-ring writes and
// the doorbells park empty-ring readers.
type Ring struct {
	ctrl     *controlBlock
	data     []byte
	capacity uint64
	capMask  uint64 // capacity-1; offsets are index & capMask

	dataBell  *Doorbell // rung by the producer when the ring leaves empty
	spaceBell *Doorbell // rung by the consumer after freeing space
}

// newRing wraps a segment's control block and data area.
func newRing(ctrl *controlBlock, data []byte) *Ring {
	capacity := ctrl.Capacity()
	return &Ring{
		ctrl:      ctrl,
		data:      data[:capacity],
		capacity:  capacity,
		capMask:   capacity - 1,
		dataBell:  newDoorbell(&ctrl.dataSeq),
		spaceBell: newDoorbell(&ctrl.spaceSeq),
	}
}

// Capacity returns the ring capacity in bytes.
func (r *Ring) Capacity() uint64 { return r.capacity }

// Used returns the bytes currently buffered.
func (r *Ring) Used() uint64 { return r.ctrl.Used() }

// Available returns the bytes of free space.
func (r *Ring) Available() uint64 { return r.ctrl.Available() }

// Closed reports whether the producer closed the ring.
func (r *Ring) Closed() bool { return r.ctrl.Closed() }

// DataBell returns the doorbell a parked reader waits on.
func (r *Ring) DataBell() *Doorbell { return r.dataBell }

// SpaceBell returns the doorbell a parked writer waits on.
func (r *Ring) SpaceBell() *Doorbell { return r.spaceBell }

// TryWrite copies all of p into the ring, or none of it. It computes
// free space from an acquire load of both indices and returns
// ErrWouldBlock immediately if p does not fit; it never blocks.
func (r *Ring) TryWrite(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if r.ctrl.Closed() {
		return ErrRingClosed
	}
	w := r.ctrl.WriteIndex()
	rd := r.ctrl.ReadIndex()
	used := w - rd
	if r.capacity-used < uint64(len(p)) {
		return ErrWouldBlock
	}
	r.copyIn(w, p)
	r.ctrl.SetWriteIndex(w + uint64(len(p)))
	if used == 0 {
		// Reader may be parked on the empty ring. The read-index load
		// above can be stale against a reader that drained and parked
		// concurrently, so this edge trigger may miss; readers park in
		// bounded slices (waitSliceMax) and re-poll, so a missed ring
		// costs at most one slice of latency, never a deadlock.
		r.dataBell.Ring()
	}
	return nil
}

// TryWriteSome copies as much of p as fits and returns the byte count,
// which may be zero. Partial writes let frames larger than the free
// space (or the whole ring) stream through under backpressure.
func (r *Ring) TryWriteSome(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.ctrl.Closed() {
		return 0, ErrRingClosed
	}
	w := r.ctrl.WriteIndex()
	rd := r.ctrl.ReadIndex()
	used := w - rd
	free := r.capacity - used
	if free == 0 {
		return 0, ErrWouldBlock
	}
	n := uint64(len(p))
	if n > free {
		n = free
	}
	r.copyIn(w, p[:n])
	r.ctrl.SetWriteIndex(w + n)
	if used == 0 {
		// Same missed-wake bound as TryWrite: edge-triggered, with
		// reader wait slices capping the cost of a lost ring.
		r.dataBell.Ring()
	}
	return int(n), nil
}

// TryRead copies up to len(p) buffered bytes into p and returns the
// count, zero when the ring is empty. It never blocks.
func (r *Ring) TryRead(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	rd := r.ctrl.ReadIndex()
	w := r.ctrl.WriteIndex()
	avail := w - rd
	if avail == 0 {
		return 0
	}
	n := uint64(len(p))
	if n > avail {
		n = avail
	}
	r.copyOut(rd, p[:n])
	r.ctrl.SetReadIndex(rd + n)
	// A writer may be parked waiting for any amount of space, not only on
	// the full->not-full edge, so ring unconditionally. Correctness never
	// depends on suppressing a redundant ring.
	r.spaceBell.Ring()
	return int(n)
}

// Close marks the ring closed for writing and wakes both sides.
// Buffered data remains readable.
func (r *Ring) Close() {
	r.ctrl.SetClosed()
	r.dataBell.Ring()
	r.spaceBell.Ring()
}

// State returns a consistent-enough snapshot for diagnostics.
func (r *Ring) State() RingState {
	w := r.ctrl.WriteIndex()
	rd := r.ctrl.ReadIndex()
	return RingState{
		Capacity:   r.capacity,
		WriteIndex: w,
		ReadIndex:  rd,
		Used:       w - rd,
		DataSeq:    r.ctrl.DataSequence(),
		SpaceSeq:   r.ctrl.SpaceSequence(),
		Closed:     r.ctrl.Closed(),
		Generation: r.ctrl.Generation(),
	}
}

// copyIn copies p into the ring at monotonic index w, splitting the copy
// when it straddles the end of the buffer.
func (r *Ring) copyIn(w uint64, p []byte) {
	off := w & r.capMask
	first := r.capacity - off
	if uint64(len(p)) <= first {
		copy(r.data[off:], p)
		return
	}
	copy(r.data[off:], p[:first])
	copy(r.data, p[first:])
}

// copyOut copies from the ring at monotonic index rd into p, splitting
// when the read straddles the end of the buffer.
func (r *Ring) copyOut(rd uint64, p []byte) {
	off := rd & r.capMask
	first := r.capacity - off
	if uint64(len(p)) <= first {
		copy(p, r.data[off:off+uint64(len(p))])
		return
	}
	copy(p, r.data[off:])
	copy(p[first:], r.data)
}

// RingState is a point-in-time snapshot of one ring for diagnostics.
type RingState struct {
	Capacity   uint64
	WriteIndex uint64
	ReadIndex  uint64
	Used       uint64
	DataSeq    uint32
	SpaceSeq   uint32
	Closed     bool
	Generation uint32
}

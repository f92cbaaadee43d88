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
	"context"
	"sync/atomic"
	"time"
)

// waitSliceMax bounds one kernel wait so WaitContext can observe
// cancellation promptly even without a deadline.
const waitSliceMax = 100 * time.Millisecond

// Doorbell is a cross-process wakeup primitive over a sequence word in
// the mapped control block. It carries no payload: a ring only means
// "re-check the ring buffer state".
//
// Ring is safe to call with no waiter present. Wait may wake spuriously;
// callers must re-check the guarded condition after every wakeup. One
// goroutine at a time may Wait on a given Doorbell, which the SPSC
// discipline already guarantees.
type Doorbell struct {
	seq      *uint32
	lastSeen uint32 // waiter-local; tracks consumed signals
}

// newDoorbell wraps a sequence word in shared memory.
func newDoorbell(seq *uint32) *Doorbell {
	return &Doorbell{seq: seq}
}

// Ring signals the doorbell: it increments the shared sequence and wakes
// any parked waiter. Redundant rings are harmless.
func (d *Doorbell) Ring() {
	atomic.AddUint32(d.seq, 1)
	doorbellWake(d.seq)
}

// Observe returns the current sequence value. A caller that snapshots
// the sequence, then re-checks its condition, then calls WaitFor with
// the snapshot can never miss a ring issued in between.
func (d *Doorbell) Observe() uint32 {
	return atomic.LoadUint32(d.seq)
}

// WaitFor parks until the sequence moves past observed or the timeout
// elapses. It returns true if a signal was observed. A signal that
// arrived between Observe and WaitFor returns immediately.
func (d *Doorbell) WaitFor(observed uint32, timeout time.Duration) bool {
	if atomic.LoadUint32(d.seq) != observed {
		return true
	}
	doorbellWait(d.seq, observed, timeout)
	return atomic.LoadUint32(d.seq) != observed
}

// Wait parks until a signal unseen by a previous Wait arrives or the
// timeout elapses. It returns true if a signal was observed, false on
// timeout. Callers must re-check ring state either way.
func (d *Doorbell) Wait(timeout time.Duration) bool {
	cur := atomic.LoadUint32(d.seq)
	if cur != d.lastSeen {
		d.lastSeen = cur
		return true
	}
	doorbellWait(d.seq, cur, timeout)
	now := atomic.LoadUint32(d.seq)
	d.lastSeen = now
	return now != cur
}

// WaitContext waits for a signal past observed, racing the wait against
// ctx. The kernel wait is sliced so cancellation is observed within
// waitSliceMax even on platforms where the wait cannot be interrupted
// directly.
func (d *Doorbell) WaitContext(ctx context.Context, observed uint32) error {
	for {
		if atomic.LoadUint32(d.seq) != observed {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		slice := waitSliceMax
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return context.DeadlineExceeded
			}
			if remaining < slice {
				slice = remaining
			}
		}
		doorbellWait(d.seq, observed, slice)
	}
}

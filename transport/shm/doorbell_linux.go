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
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex-backed doorbell. The sequence word lives in a file-backed mapping
// shared across processes, so the shared futex forms (not *_PRIVATE) are
// required: a private futex keys on the mm and would never match the
// peer's wait queue.

// Futex operation codes from <linux/futex.h>; x/sys/unix does not
// export the op constants, only the syscall numbers.
const (
	futexWait = 0 // FUTEX_WAIT
	futexWake = 1 // FUTEX_WAKE
)

// doorbellWake wakes all waiters parked on the sequence word.
func doorbellWake(seq *uint32) {
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(seq)),
		uintptr(futexWake),
		uintptr(^uint32(0)), // wake all
		0, 0, 0,
	)
}

// doorbellWait parks until the word moves away from val, the timeout
// elapses, or a spurious wakeup occurs. The kernel atomically re-checks
// the word against val before sleeping, which closes the race between
// the caller's snapshot and the sleep.
func doorbellWait(seq *uint32, val uint32, timeout time.Duration) {
	var tsp *unix.Timespec
	if timeout > 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		tsp = &ts
	}
	// EAGAIN: word already changed. EINTR: signal. ETIMEDOUT: timeout.
	// All three mean "return and let the caller re-check".
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(seq)),
		uintptr(futexWait),
		uintptr(val),
		uintptr(unsafe.Pointer(tsp)),
		0, 0,
	)
}

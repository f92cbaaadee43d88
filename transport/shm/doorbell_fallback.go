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

//go:build !linux

package shm

import (
	"sync/atomic"
	"time"
)

// Polling fallback for platforms without a cross-process futex. The
// backoff ladder keeps short waits cheap without burning a core on
// long idle stretches.

const (
	pollFloor = 10 * time.Microsecond
	pollCeil  = 2 * time.Millisecond
)

func doorbellWake(seq *uint32) {
	// Waiters poll the sequence word; the increment in Ring is the signal.
}

func doorbellWait(seq *uint32, val uint32, timeout time.Duration) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	sleep := pollFloor
	for atomic.LoadUint32(seq) == val {
		if timeout > 0 && !time.Now().Before(deadline) {
			return
		}
		time.Sleep(sleep)
		if sleep < pollCeil {
			sleep *= 2
		}
	}
}

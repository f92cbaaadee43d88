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
	"errors"
	"fmt"
	"time"
)

// Segment setup errors.
var (
	// ErrAllocation indicates the underlying OS object for a segment could
	// not be created (name collision with a live owner, quota, ...).
	ErrAllocation = errors.New("shm: segment allocation failed")

	// ErrNotFound indicates the named segment does not exist.
	ErrNotFound = errors.New("shm: segment not found")

	// ErrSizeMismatch indicates an existing segment's capacity disagrees
	// with the capacity requested by the opener.
	ErrSizeMismatch = errors.New("shm: segment capacity mismatch")
)

// Data path errors.
var (
	// ErrWouldBlock is returned by non-blocking ring writes when the ring
	// has insufficient free space. It is transient: the backpressure
	// handler retries it and only surfaces ErrBackpressureExhausted.
	ErrWouldBlock = errors.New("shm: ring full, would block")

	// ErrRingClosed indicates the ring has been closed for writing.
	ErrRingClosed = errors.New("shm: ring closed")

	// ErrBackpressureExhausted indicates the configured retry budget was
	// spent without the ring draining. Recoverable: the caller may drop
	// the message, queue it, or fail the higher-level request.
	ErrBackpressureExhausted = errors.New("shm: backpressure retries exhausted")
)

// Framing errors. Decoding is fail-closed: any of these means the frame
// was discarded, never partially delivered.
var (
	// ErrBadMagic indicates the frame header's magic bytes did not match.
	ErrBadMagic = errors.New("shm: bad frame magic")

	// ErrVersionMismatch indicates an unsupported protocol version or
	// unknown header flag bits.
	ErrVersionMismatch = errors.New("shm: protocol version mismatch")

	// ErrChecksumMismatch indicates the payload CRC-32 did not match the
	// header checksum.
	ErrChecksumMismatch = errors.New("shm: payload checksum mismatch")

	// ErrPayloadTooLarge indicates the payload exceeds MaxPayloadSize.
	// Rejected before any ring write is attempted.
	ErrPayloadTooLarge = errors.New("shm: payload too large")
)

// Connection errors.
var (
	// ErrBroken indicates the connection observed a peer crash: a
	// generation/inode mismatch on the peer's segment, a stale heartbeat,
	// or repeated checksum failures. Broken connections are not retried
	// internally; the caller must reconnect explicitly.
	ErrBroken = errors.New("shm: connection broken")

	// ErrClosed indicates the stream or listener has been shut down.
	ErrClosed = errors.New("shm: closed")

	// ErrHandshake indicates the connect handshake failed or carried an
	// incompatible protocol version.
	ErrHandshake = errors.New("shm: handshake failed")

	// ErrPermission indicates a namespaced object had permissions or
	// ownership that cannot be trusted.
	ErrPermission = errors.New("shm: permission violation")
)

// BackpressureError reports an exhausted retry budget together with the
// writer's view of the attempt. It unwraps to ErrBackpressureExhausted.
//
// Committed distinguishes the two outcomes: false means no byte of the
// frame reached the ring and it was dropped cleanly, so the caller may
// simply move on; true means the frame's head is already in the ring
// and its remainder stays queued inside the writer, completing ahead of
// the next write, so the frame is delayed rather than dropped.
type BackpressureError struct {
	Attempts    int           // write attempts made, including the first
	LastBackoff time.Duration // backoff applied before the final attempt
	BytesShort  int           // bytes that did not fit when giving up
	Committed   bool          // frame head already in the ring
}

func (e *BackpressureError) Error() string {
	outcome := "frame dropped"
	if e.Committed {
		outcome = "frame partially committed, completion pending"
	}
	return fmt.Sprintf("shm: backpressure retries exhausted after %d attempts (last backoff %v, %d bytes short, %s)",
		e.Attempts, e.LastBackoff, e.BytesShort, outcome)
}

// Unwrap makes errors.Is(err, ErrBackpressureExhausted) work.
func (e *BackpressureError) Unwrap() error { return ErrBackpressureExhausted }

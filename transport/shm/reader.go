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
	"errors"
	"sync/atomic"
	"time"
)

const readChunk = 64 * 1024

// frameReader reassembles frames from the inbound ring's byte stream.
// It owns a carry buffer for bytes read off the ring but not yet
// consumed as a complete frame, so partial frames survive across calls.
//
// Corruption handling is fail-closed per frame: a frame with a bad
// checksum is dropped whole, a corrupt header triggers a scan forward
// to the next plausible frame boundary. Consecutive corrupt frames
// past the configured limit break the connection rather than risk
// delivering garbage indefinitely.
type frameReader struct {
	ring   *Ring
	codec  *Codec
	limit  int
	stream *Stream // nil in tests that drive the reader directly

	buf     []byte
	scratch [readChunk]byte

	consecutive      int
	checksumFailures atomic.Uint64
	resyncSkips      atomic.Uint64
}

func newFrameReader(ring *Ring, codec *Codec, limit int, stream *Stream) *frameReader {
	return &frameReader{ring: ring, codec: codec, limit: limit, stream: stream}
}

// next returns the next intact frame, blocking on the data doorbell
// until one is available or ctx ends.
func (r *frameReader) next(ctx context.Context) (Message, error) {
	for {
		msg, ok, err := r.parse()
		if err != nil {
			return Message{}, err
		}
		if ok {
			return msg, nil
		}
		if err := r.fill(ctx); err != nil {
			return Message{}, err
		}
	}
}

// parse consumes at most one frame from the carry buffer. ok is false
// when more bytes are needed.
func (r *frameReader) parse() (Message, bool, error) {
	for len(r.buf) >= FrameHeaderSize {
		h, err := DecodeHeader(r.buf)
		if err != nil {
			if err := r.recordCorruption(); err != nil {
				return Message{}, false, err
			}
			if !r.resync() {
				return Message{}, false, nil
			}
			continue
		}
		total := FrameHeaderSize + int(h.PayloadLen)
		if len(r.buf) < total {
			return Message{}, false, nil
		}
		t, payload, id, err := r.codec.Decode(r.buf[:total])
		if err != nil {
			if errors.Is(err, ErrChecksumMismatch) {
				r.checksumFailures.Add(1)
				r.consume(total)
				if err := r.recordCorruption(); err != nil {
					return Message{}, false, err
				}
				continue
			}
			// Decompression failure; the wire bytes verified, so this
			// frame is unusable but the stream is still in sync.
			r.consume(total)
			if err := r.recordCorruption(); err != nil {
				return Message{}, false, err
			}
			continue
		}
		r.consecutive = 0
		// The payload may alias the carry buffer; detach it.
		out := make([]byte, len(payload))
		copy(out, payload)
		r.consume(total)
		return Message{Type: t, ID: id, Payload: out}, true, nil
	}
	return Message{}, false, nil
}

func (r *frameReader) recordCorruption() error {
	r.consecutive++
	if r.consecutive >= r.limit {
		if r.stream != nil {
			r.stream.markBroken("consecutive corrupt frames")
		}
		return ErrBroken
	}
	return nil
}

// resync drops bytes up to the next plausible header. It returns false
// when no boundary exists in the buffer yet; the retained tail is one
// byte short of a header so a boundary split across reads survives.
func (r *frameReader) resync() bool {
	idx := ScanForFrame(r.buf[1:])
	if idx >= 0 {
		r.resyncSkips.Add(uint64(1 + idx))
		r.consume(1 + idx)
		return true
	}
	keep := FrameHeaderSize - 1
	if len(r.buf) > keep {
		r.resyncSkips.Add(uint64(len(r.buf) - keep))
		r.consume(len(r.buf) - keep)
	}
	return false
}

func (r *frameReader) consume(n int) {
	r.buf = append(r.buf[:0], r.buf[n:]...)
}

// fill blocks until at least one byte arrives from the ring. It wakes
// periodically to notice a broken or closed stream even when the peer
// never rings the doorbell again.
func (r *frameReader) fill(ctx context.Context) error {
	for {
		if n := r.ring.TryRead(r.scratch[:]); n > 0 {
			r.buf = append(r.buf, r.scratch[:n]...)
			return nil
		}
		if r.ring.Closed() {
			// Drain once more; the writer may have pushed bytes before
			// closing.
			if n := r.ring.TryRead(r.scratch[:]); n > 0 {
				r.buf = append(r.buf, r.scratch[:n]...)
				return nil
			}
			return ErrClosed
		}
		if r.stream != nil {
			switch r.stream.State() {
			case StateBroken:
				return ErrBroken
			case StateClosing, StateClosed:
				return ErrClosed
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		observed := r.ring.DataBell().Observe()
		if n := r.ring.TryRead(r.scratch[:]); n > 0 {
			r.buf = append(r.buf, r.scratch[:n]...)
			return nil
		}
		slice := waitSliceMax
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < slice {
				slice = remaining
			}
		}
		if slice > 0 {
			r.ring.DataBell().WaitFor(observed, slice)
		}
	}
}

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
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func newTestReader(t *testing.T, ring *Ring, limit int) *frameReader {
	t.Helper()
	return newFrameReader(ring, newTestCodec(t, false), limit, nil)
}

func mustWrite(t *testing.T, ring *Ring, data []byte) {
	t.Helper()
	if err := ring.TryWrite(data); err != nil {
		t.Fatalf("TryWrite(%d bytes): %v", len(data), err)
	}
}

func TestReaderDeliversFrames(t *testing.T) {
	ring := createTestRing(t, 4096)
	reader := newTestReader(t, ring, 3)

	for i := uint64(1); i <= 3; i++ {
		frame, _ := EncodeMessage(MsgData, []byte{byte(i)}, i)
		mustWrite(t, ring, frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := uint64(1); i <= 3; i++ {
		msg, err := reader.next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if msg.ID != i || msg.Payload[0] != byte(i) {
			t.Fatalf("frame %d out of order: id=%d", i, msg.ID)
		}
	}
}

func TestReaderFrameSplitAcrossReads(t *testing.T) {
	ring := createTestRing(t, 4096)
	reader := newTestReader(t, ring, 3)
	frame, _ := EncodeMessage(MsgData, bytes.Repeat([]byte("x"), 500), 1)

	// Feed the frame in pieces while the reader blocks.
	go func() {
		for _, end := range []int{10, FrameHeaderSize + 3, len(frame)} {
			start := 0
			if end > 10 {
				start = 10
			}
			if end > FrameHeaderSize+3 {
				start = FrameHeaderSize + 3
			}
			ring.TryWrite(frame[start:end])
			time.Sleep(2 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := reader.next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if msg.ID != 1 || len(msg.Payload) != 500 {
		t.Fatalf("reassembled frame id=%d len=%d", msg.ID, len(msg.Payload))
	}
}

func TestReaderResyncsAfterGarbage(t *testing.T) {
	ring := createTestRing(t, 4096)
	reader := newTestReader(t, ring, 10)

	mustWrite(t, ring, []byte("leading garbage, not a frame"))
	frame, _ := EncodeMessage(MsgData, []byte("valid"), 77)
	mustWrite(t, ring, frame)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := reader.next(ctx)
	if err != nil {
		t.Fatalf("next after garbage: %v", err)
	}
	if msg.ID != 77 || string(msg.Payload) != "valid" {
		t.Fatalf("resynced frame = id=%d %q", msg.ID, msg.Payload)
	}
	if reader.resyncSkips.Load() == 0 {
		t.Error("resync skip count not recorded")
	}
}

func TestReaderDropsCorruptFrameAndContinues(t *testing.T) {
	ring := createTestRing(t, 4096)
	reader := newTestReader(t, ring, 10)

	corrupt, _ := EncodeMessage(MsgData, []byte("doomed"), 1)
	corrupt[FrameHeaderSize] ^= 0xff
	mustWrite(t, ring, corrupt)
	good, _ := EncodeMessage(MsgData, []byte("survivor"), 2)
	mustWrite(t, ring, good)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := reader.next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if msg.ID != 2 {
		t.Fatalf("got id %d, want the frame after the corrupt one", msg.ID)
	}
	if reader.checksumFailures.Load() != 1 {
		t.Errorf("checksumFailures = %d, want 1", reader.checksumFailures.Load())
	}
}

func TestReaderBreaksAfterConsecutiveCorruption(t *testing.T) {
	ring := createTestRing(t, 16384)
	reader := newTestReader(t, ring, 3)

	for i := uint64(1); i <= 3; i++ {
		frame, _ := EncodeMessage(MsgData, []byte("corrupt me"), i)
		frame[FrameHeaderSize] ^= 0xff
		mustWrite(t, ring, frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reader.next(ctx); !errors.Is(err, ErrBroken) {
		t.Fatalf("next = %v, want ErrBroken", err)
	}
}

func TestReaderClosedRingDrainsThenEOF(t *testing.T) {
	ring := createTestRing(t, 4096)
	reader := newTestReader(t, ring, 3)

	frame, _ := EncodeMessage(MsgData, []byte("final"), 5)
	mustWrite(t, ring, frame)
	ring.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := reader.next(ctx)
	if err != nil {
		t.Fatalf("next before drain: %v", err)
	}
	if string(msg.Payload) != "final" {
		t.Fatalf("payload = %q", msg.Payload)
	}
	if _, err := reader.next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("next after drain = %v, want ErrClosed", err)
	}
}

func TestReaderContextCancel(t *testing.T) {
	ring := createTestRing(t, 4096)
	reader := newTestReader(t, ring, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := reader.next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("next on empty ring = %v, want DeadlineExceeded", err)
	}
}

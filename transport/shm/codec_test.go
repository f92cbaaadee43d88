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
	"testing"
)

func newTestCodec(t *testing.T, compress bool) *Codec {
	t.Helper()
	c, err := NewCodec(compress)
	if err != nil {
		t.Fatalf("NewCodec(%v): %v", compress, err)
	}
	return c
}

func TestCodecCompressesLargeRepetitivePayload(t *testing.T) {
	c := newTestCodec(t, true)
	payload := bytes.Repeat([]byte("abcdefgh"), 4096)

	frame, err := c.Encode(MsgData, payload, 9)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(frame) >= FrameHeaderSize+len(payload) {
		t.Fatalf("frame %d bytes, expected smaller than %d", len(frame), FrameHeaderSize+len(payload))
	}
	h, err := DecodeHeader(frame)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if !h.Compressed() {
		t.Fatal("compressed flag not set")
	}

	typ, got, id, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if typ != MsgData || id != 9 || !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: type=%v id=%d len=%d", typ, id, len(got))
	}
}

func TestCodecSkipsSmallPayloads(t *testing.T) {
	c := newTestCodec(t, true)
	frame, err := c.Encode(MsgData, []byte("tiny"), 1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	h, _ := DecodeHeader(frame)
	if h.Compressed() {
		t.Fatal("small payload was compressed")
	}
}

func TestCodecSkipsIncompressiblePayloads(t *testing.T) {
	c := newTestCodec(t, true)
	payload := make([]byte, 8192)
	// xorshift fill; zstd cannot shrink this.
	state := uint64(0x9e3779b97f4a7c15)
	for i := range payload {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		payload[i] = byte(state)
	}
	frame, err := c.Encode(MsgData, payload, 1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	h, _ := DecodeHeader(frame)
	if h.Compressed() {
		t.Fatal("incompressible payload was marked compressed")
	}
	if _, got, _, err := c.Decode(frame); err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("round trip failed: %v", err)
	}
}

func TestPlainCodecDecodesCompressedFrames(t *testing.T) {
	// A peer that negotiated compression off may still receive frames
	// compressed before the negotiation settled.
	sender := newTestCodec(t, true)
	receiver := newTestCodec(t, false)

	payload := bytes.Repeat([]byte("z"), 4096)
	frame, err := sender.Encode(MsgData, payload, 5)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, got, _, err := receiver.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch")
	}
}

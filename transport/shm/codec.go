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

	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the smallest payload worth compressing. Below
// it the zstd frame overhead tends to outweigh the savings.
const compressThreshold = 1024

// Codec encodes and decodes frames with optional transparent zstd
// payload compression. Compression applies per-frame: a payload is
// compressed only when the peer negotiated it, the payload meets the
// threshold, and compression actually shrinks it. The checksum always
// covers the payload as carried on the wire, so corruption is caught
// before decompression sees any input.
//
// A Codec is safe for concurrent use.
type Codec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// NewCodec returns a Codec. With compress false it is a plain
// pass-through around EncodeMessage and DecodeMessage.
func NewCodec(compress bool) (*Codec, error) {
	c := &Codec{compress: compress}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("shm: zstd encoder: %w", err)
		}
		c.enc = enc
	}
	// The decoder is always available: a peer that negotiated
	// compression away may still be draining earlier compressed frames.
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(MaxPayloadSize),
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("shm: zstd decoder: %w", err)
	}
	c.dec = dec
	return c, nil
}

// Encode produces a wire frame for payload, compressing when enabled
// and profitable. The size bound applies to the uncompressed payload;
// the compressed form is never larger than what already passed it.
func (c *Codec) Encode(t MessageType, payload []byte, messageID uint64) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("shm: payload %d bytes exceeds %d: %w",
			len(payload), MaxPayloadSize, ErrPayloadTooLarge)
	}
	if c.compress && len(payload) >= compressThreshold {
		compressed := c.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		if len(compressed) < len(payload) {
			return encodeFrame(t, compressed, messageID, flagCompressed)
		}
	}
	return encodeFrame(t, payload, messageID, 0)
}

// Decode parses one frame from buf, decompressing the payload if the
// frame is marked compressed. The returned payload never aliases buf
// when decompression ran.
func (c *Codec) Decode(buf []byte) (MessageType, []byte, uint64, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return 0, nil, 0, err
	}
	t, payload, id, err := DecodeMessage(buf)
	if err != nil {
		return 0, nil, 0, err
	}
	if !h.Compressed() {
		return t, payload, id, nil
	}
	out, err := c.dec.DecodeAll(payload, nil)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("shm: decompress frame id %d: %w", id, err)
	}
	if len(out) > MaxPayloadSize {
		return 0, nil, 0, fmt.Errorf("shm: decompressed payload %d bytes exceeds %d: %w",
			len(out), MaxPayloadSize, ErrPayloadTooLarge)
	}
	return t, out, id, nil
}

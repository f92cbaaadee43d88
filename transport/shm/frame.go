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
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Wire format. Every frame is a fixed 24-byte little-endian header
// followed by payload bytes:
//
//	offset  size  field
//	0       4     magic (0x43504941)
//	4       1     version (1)
//	5       2     message type
//	7       1     flags
//	8       4     payload length (max 10485760)
//	12      8     message id
//	20      4     CRC-32 (IEEE) of the payload bytes as carried
//
// The header is trusted only after the magic and version check out.
// Everything else in a candidate header is attacker- or
// corruption-controlled until then.

const (
	// FrameMagic identifies the protocol; "AIPC" little-endian.
	FrameMagic uint32 = 0x43504941
	// FrameVersion is the current wire version.
	FrameVersion uint8 = 1
	// FrameHeaderSize is the fixed header length in bytes.
	FrameHeaderSize = 24
	// MaxPayloadSize bounds a single frame's payload.
	MaxPayloadSize = 10 * 1024 * 1024
)

// MessageType tags the payload of a frame. The transport never
// interprets payloads; the tag is dispatched by the caller after decode.
type MessageType uint16

const (
	// MsgData carries an opaque application payload.
	MsgData MessageType = 0x0001
	// MsgRequest and MsgResponse carry application request/reply pairs
	// correlated by message id.
	MsgRequest  MessageType = 0x0002
	MsgResponse MessageType = 0x0003
	// MsgStreamChunk carries one chunk of an application-level stream.
	MsgStreamChunk MessageType = 0x0004
	// MsgStreamEnd terminates an application-level stream.
	MsgStreamEnd MessageType = 0x0005
	// MsgError carries an application-level error for a message id.
	MsgError MessageType = 0x0006

	// MsgHandshake and MsgHandshakeAck carry the connection handshake.
	MsgHandshake    MessageType = 0x0010
	MsgHandshakeAck MessageType = 0x0011
	// MsgDisconnect announces an orderly shutdown.
	MsgDisconnect MessageType = 0x0012
	// MsgHeartbeat is a liveness probe, consumed by the transport.
	// Liveness normally rides the control block; the frame form exists
	// for peers that probe through the data path.
	MsgHeartbeat MessageType = 0x0013
)

func (t MessageType) String() string {
	switch t {
	case MsgData:
		return "data"
	case MsgRequest:
		return "request"
	case MsgResponse:
		return "response"
	case MsgStreamChunk:
		return "stream-chunk"
	case MsgStreamEnd:
		return "stream-end"
	case MsgError:
		return "error"
	case MsgHandshake:
		return "handshake"
	case MsgHandshakeAck:
		return "handshake-ack"
	case MsgDisconnect:
		return "disconnect"
	case MsgHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("type(0x%04x)", uint16(t))
}

// Frame flags.
const (
	// flagCompressed marks a zstd-compressed payload.
	flagCompressed uint8 = 0x01

	// knownFlags is the set a frame may carry at this version. A frame
	// with unknown bits set was produced by a newer writer and is
	// rejected rather than half-understood.
	knownFlags = flagCompressed
)

// FrameHeader is the decoded fixed header of one frame.
type FrameHeader struct {
	Type       MessageType
	Flags      uint8
	PayloadLen uint32
	MessageID  uint64
	Checksum   uint32
}

// Compressed reports whether the payload is zstd-compressed.
func (h *FrameHeader) Compressed() bool { return h.Flags&flagCompressed != 0 }

// putHeader serializes h into buf, which must hold FrameHeaderSize bytes.
func putHeader(buf []byte, h *FrameHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], FrameMagic)
	buf[4] = FrameVersion
	binary.LittleEndian.PutUint16(buf[5:7], uint16(h.Type))
	buf[7] = h.Flags
	binary.LittleEndian.PutUint32(buf[8:12], h.PayloadLen)
	binary.LittleEndian.PutUint64(buf[12:20], h.MessageID)
	binary.LittleEndian.PutUint32(buf[20:24], h.Checksum)
}

// DecodeHeader parses and validates a fixed header. The checks run in
// trust order: magic first, then version, then the length bound and
// flags. A failure means none of the remaining fields may be believed,
// in particular PayloadLen must not be used to skip bytes.
func DecodeHeader(buf []byte) (FrameHeader, error) {
	var h FrameHeader
	if len(buf) < FrameHeaderSize {
		return h, fmt.Errorf("shm: short header: %d bytes", len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != FrameMagic {
		return h, fmt.Errorf("shm: magic 0x%08x: %w", magic, ErrBadMagic)
	}
	if v := buf[4]; v != FrameVersion {
		return h, fmt.Errorf("shm: frame version %d, want %d: %w", v, FrameVersion, ErrVersionMismatch)
	}
	h.Type = MessageType(binary.LittleEndian.Uint16(buf[5:7]))
	h.Flags = buf[7]
	h.PayloadLen = binary.LittleEndian.Uint32(buf[8:12])
	h.MessageID = binary.LittleEndian.Uint64(buf[12:20])
	h.Checksum = binary.LittleEndian.Uint32(buf[20:24])
	if h.PayloadLen > MaxPayloadSize {
		return FrameHeader{}, fmt.Errorf("shm: payload length %d exceeds %d: %w",
			h.PayloadLen, MaxPayloadSize, ErrPayloadTooLarge)
	}
	if h.Flags&^knownFlags != 0 {
		return FrameHeader{}, fmt.Errorf("shm: unknown frame flags 0x%02x: %w",
			h.Flags&^knownFlags, ErrVersionMismatch)
	}
	return h, nil
}

// EncodeMessage assembles a complete wire frame: header plus payload.
// The checksum covers the payload bytes exactly as carried.
func EncodeMessage(t MessageType, payload []byte, messageID uint64) ([]byte, error) {
	return encodeFrame(t, payload, messageID, 0)
}

func encodeFrame(t MessageType, payload []byte, messageID uint64, flags uint8) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("shm: payload %d bytes exceeds %d: %w",
			len(payload), MaxPayloadSize, ErrPayloadTooLarge)
	}
	h := FrameHeader{
		Type:       t,
		Flags:      flags,
		PayloadLen: uint32(len(payload)),
		MessageID:  messageID,
		Checksum:   crc32.ChecksumIEEE(payload),
	}
	buf := make([]byte, FrameHeaderSize+len(payload))
	putHeader(buf, &h)
	copy(buf[FrameHeaderSize:], payload)
	return buf, nil
}

// DecodeMessage parses one complete frame from buf. The payload slice
// aliases buf; callers that retain it past buf's lifetime must copy.
// Trailing bytes after the frame are ignored.
func DecodeMessage(buf []byte) (MessageType, []byte, uint64, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return 0, nil, 0, err
	}
	body := buf[FrameHeaderSize:]
	if uint32(len(body)) < h.PayloadLen {
		return 0, nil, 0, fmt.Errorf("shm: truncated frame: %d of %d payload bytes",
			len(body), h.PayloadLen)
	}
	payload := body[:h.PayloadLen]
	if sum := crc32.ChecksumIEEE(payload); sum != h.Checksum {
		return 0, nil, 0, fmt.Errorf("shm: checksum 0x%08x, header claims 0x%08x: %w",
			sum, h.Checksum, ErrChecksumMismatch)
	}
	return h.Type, payload, h.MessageID, nil
}

// ScanForFrame finds the next plausible frame boundary at or after the
// start of buf: the first offset whose bytes decode as a valid header.
// It returns -1 if no candidate exists in buf. Used to resynchronize a
// stream after a corrupt header; payload bytes that happen to contain
// the magic are filtered out by the full header validation and, if
// that passes by chance, by the payload checksum.
func ScanForFrame(buf []byte) int {
	for i := 0; i+FrameHeaderSize <= len(buf); i++ {
		if binary.LittleEndian.Uint32(buf[i:i+4]) != FrameMagic {
			continue
		}
		if _, err := DecodeHeader(buf[i:]); err == nil {
			return i
		}
	}
	return -1
}

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
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// PeerInfo identifies one endpoint of a connection. It is exchanged as
// the CBOR payload of the handshake frames, and returned to the caller
// from Accept.
type PeerInfo struct {
	// PID is the peer's process id.
	PID int `cbor:"pid"`
	// UID is the peer's effective user id; it must match ours.
	UID int `cbor:"uid"`
	// Session is the peer's namespace session token.
	Session string `cbor:"session"`
	// Version is the peer's wire version.
	Version uint8 `cbor:"version"`
	// StartTime is when the peer process started the transport.
	StartTime time.Time `cbor:"start_time"`
	// Compression reports whether the peer is willing to receive
	// zstd-compressed payloads.
	Compression bool `cbor:"compression"`
}

// cbor modes are built once; deterministic encoding so both sides
// produce identical bytes for identical info.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// localPeerInfo describes this process for the handshake.
func localPeerInfo(compression bool) PeerInfo {
	return PeerInfo{
		PID:         os.Getpid(),
		UID:         os.Geteuid(),
		Session:     SessionToken(),
		Version:     FrameVersion,
		StartTime:   time.Now(),
		Compression: compression,
	}
}

func encodePeerInfo(info PeerInfo) ([]byte, error) {
	b, err := cborEnc.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("shm: encode peer info: %w", err)
	}
	return b, nil
}

func decodePeerInfo(payload []byte) (PeerInfo, error) {
	var info PeerInfo
	if err := cborDec.Unmarshal(payload, &info); err != nil {
		return PeerInfo{}, fmt.Errorf("shm: decode peer info: %w: %v", ErrHandshake, err)
	}
	return info, nil
}

// checkPeer validates the handshake claims against local identity. A
// peer from another uid or wire version is rejected before any
// application frame is exchanged.
func checkPeer(info PeerInfo) error {
	if info.Version != FrameVersion {
		return fmt.Errorf("shm: peer wire version %d, want %d: %w",
			info.Version, FrameVersion, ErrVersionMismatch)
	}
	if info.UID != os.Geteuid() {
		return fmt.Errorf("shm: peer uid %d, want %d: %w", info.UID, os.Geteuid(), ErrPermission)
	}
	if info.PID <= 0 {
		return fmt.Errorf("shm: peer pid %d: %w", info.PID, ErrHandshake)
	}
	return nil
}

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

//go:build unix

package shm

import (
	"fmt"
	"os"
	"time"
)

// SegmentInfo is a point-in-time snapshot of a segment's control block,
// taken without attaching as a peer.
type SegmentInfo struct {
	Path          string
	Generation    uint32
	Capacity      uint64
	WriteIndex    uint64
	ReadIndex     uint64
	Used          uint64
	OwnerPID      int
	OwnerAlive    bool
	PeerPID       int
	PeerAlive     bool
	Attached      bool
	Closed        bool
	LastHeartbeat time.Time
}

// InspectSegment reads a segment's control block for diagnostics. It
// does not mark the segment attached or otherwise disturb the peers,
// but it applies the same ownership and mode checks as a real open.
func InspectSegment(path string) (SegmentInfo, error) {
	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return SegmentInfo{}, fmt.Errorf("shm: segment %s: %w", path, ErrNotFound)
		}
		return SegmentInfo{}, fmt.Errorf("shm: open segment %s: %w", path, err)
	}
	defer file.Close()

	if err := verifyFilePermissions(file); err != nil {
		return SegmentInfo{}, err
	}
	mem, err := mapFileReadOnly(file, ControlBlockSize)
	if err != nil {
		return SegmentInfo{}, err
	}
	defer unmapMemory(mem)

	ctrl := ctrlFromMem(mem)
	if err := validateControlBlock(ctrl); err != nil {
		return SegmentInfo{}, err
	}

	info := SegmentInfo{
		Path:       path,
		Generation: ctrl.Generation(),
		Capacity:   ctrl.Capacity(),
		WriteIndex: ctrl.WriteIndex(),
		ReadIndex:  ctrl.ReadIndex(),
		Used:       ctrl.Used(),
		OwnerPID:   int(ctrl.OwnerPID()),
		PeerPID:    int(ctrl.PeerPID()),
		Attached:   ctrl.Attached(),
		Closed:     ctrl.Closed(),
	}
	info.OwnerAlive = info.OwnerPID > 0 && processAlive(info.OwnerPID)
	info.PeerAlive = info.PeerPID > 0 && processAlive(info.PeerPID)
	if hb := ctrl.LastHeartbeat(); hb != 0 {
		info.LastHeartbeat = time.Unix(0, int64(hb))
	}
	return info, nil
}

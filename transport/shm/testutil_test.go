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
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

// createTestSegment creates a fresh segment in a temp directory and
// arranges cleanup.
func createTestSegment(t *testing.T, capacity uint64) *Segment {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.ring")
	seg, err := CreateSegment(path, capacity)
	if err != nil {
		t.Fatalf("CreateSegment(%q, %d): %v", path, capacity, err)
	}
	t.Cleanup(func() { seg.Close() })
	return seg
}

// createTestRing is createTestSegment for tests that only need the ring.
func createTestRing(t *testing.T, capacity uint64) *Ring {
	t.Helper()
	return createTestSegment(t, capacity).Ring()
}

// testConfig returns a config with fast heartbeats suitable for tests.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RingCapacity = 64 * 1024
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	return cfg
}

// connectedPair establishes a live connection pair over a private
// runtime dir. Both streams are cleaned up with the test.
func connectedPair(t *testing.T, cfg Config) (server, client *Stream) {
	t.Helper()
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	logger := slog.New(slog.DiscardHandler)

	listener, err := Bind("pair", cfg, logger)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type acceptResult struct {
		stream *Stream
		err    error
	}
	acceptc := make(chan acceptResult, 1)
	go func() {
		s, _, err := listener.Accept(ctx)
		acceptc <- acceptResult{s, err}
	}()

	client, err = Connect(ctx, "pair", cfg, logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	res := <-acceptc
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	server = res.stream
	t.Cleanup(func() { server.Close() })
	return server, client
}

// recvWithin fails the test unless a frame arrives in time.
func recvWithin(t *testing.T, s *Stream, timeout time.Duration) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	msg, err := s.RecvContext(ctx)
	if err != nil {
		t.Fatalf("RecvContext: %v", err)
	}
	return msg
}

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

// Package shm provides a shared-memory IPC transport for local
// editor/assistant process pairs.
//
// The transport exchanges framed messages over memory-mapped ring buffer
// segments, one segment per direction, with no kernel round-trip on the
// fast path. Writers and readers coordinate through atomic offsets in a
// mapped control block; a futex-backed doorbell wakes a parked reader or
// writer only when the ring was observed empty or full.
//
// A Connection is a pair of segments under a per-user, per-session
// namespaced directory with owner-only permissions. The Listener side
// creates its inbound segment on Bind; the connecting side opens it as
// its outbound direction, creates its own inbound segment, and completes
// a handshake carrying CBOR-encoded peer information.
//
// Each direction is strictly single-producer/single-consumer. Callers
// multiplex logical requests over one connection with the frame header's
// message ID; the transport does not correlate requests or order frames
// across directions.
package shm

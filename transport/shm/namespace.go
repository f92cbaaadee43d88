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
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// Segment paths live under a per-user, per-session namespace:
//
//	<runtime>/shmipc-<uid>/<token>/<name>/
//
// The uid directory keeps users apart even on a world-writable runtime
// root, and the session token keeps concurrent logins of the same user
// from colliding or observing each other's segment names.

const tokenLen = 16 // hex chars of the session token

// RuntimeDir picks the base directory for namespaces. XDG_RUNTIME_DIR
// is preferred since it is per-user, tmpfs-backed, and cleaned on
// logout. /dev/shm keeps segments off disk when XDG is absent.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// SessionToken derives a stable short token for the current login
// session from the uid and session identity. Two processes in the same
// session compute the same token without coordination.
func SessionToken() string {
	h := blake3.New()
	fmt.Fprintf(h, "shmipc/%d/%s", os.Geteuid(), sessionIdentity())
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:tokenLen]
}

// sessionIdentity returns a string that is stable within one login
// session and differs across sessions.
func sessionIdentity() string {
	if s := os.Getenv("XDG_SESSION_ID"); s != "" {
		return "session:" + s
	}
	// Fall back to the boot id so tokens at least rotate per boot.
	if b, err := os.ReadFile("/proc/sys/kernel/random/boot_id"); err == nil {
		return "boot:" + strings.TrimSpace(string(b))
	}
	return "static"
}

// Namespace is a private directory holding the segments of one named
// connection.
type Namespace struct {
	// Name is the connection name supplied by the caller.
	Name string
	// Dir is the namespace directory holding the segment files.
	Dir string
}

// NewNamespace resolves the directory for name without touching the
// filesystem. Name must be non-empty and free of path separators.
func NewNamespace(name string) (*Namespace, error) {
	if name == "" || strings.ContainsAny(name, "/\x00") || name == "." || name == ".." {
		return nil, fmt.Errorf("shm: invalid connection name %q", name)
	}
	dir := filepath.Join(
		RuntimeDir(),
		"shmipc-"+strconv.Itoa(os.Geteuid()),
		SessionToken(),
		name,
	)
	return &Namespace{Name: name, Dir: dir}, nil
}

// Create makes the namespace directory chain with owner-only modes and
// verifies every component we rely on is actually private. MkdirAll
// applies the umask, so modes are re-asserted explicitly.
func (ns *Namespace) Create() error {
	if err := os.MkdirAll(ns.Dir, NamespaceDirMode); err != nil {
		return fmt.Errorf("shm: create namespace %s: %w", ns.Dir, err)
	}
	// Re-assert modes up to and including the shmipc-<uid> root.
	for dir := ns.Dir; ; dir = filepath.Dir(dir) {
		if err := EnforcePermissions(dir); err != nil {
			return err
		}
		if strings.HasPrefix(filepath.Base(dir), "shmipc-") {
			break
		}
	}
	return nil
}

// Verify checks the namespace directory exists with private ownership
// and mode. Connecting peers call this before opening any segment.
func (ns *Namespace) Verify() error {
	fi, err := os.Stat(ns.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("shm: namespace %s: %w", ns.Name, ErrNotFound)
		}
		return fmt.Errorf("shm: stat namespace %s: %w", ns.Dir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("shm: namespace %s is not a directory: %w", ns.Dir, ErrPermission)
	}
	if err := checkOwner(ns.Dir, fi); err != nil {
		return err
	}
	if mode := fi.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Errorf("shm: namespace %s has mode %04o, group/other access forbidden: %w",
			ns.Dir, mode, ErrPermission)
	}
	return nil
}

// SegmentPath returns the path of a segment file inside the namespace.
func (ns *Namespace) SegmentPath(file string) string {
	return filepath.Join(ns.Dir, file)
}

// Remove deletes the namespace directory and everything in it.
func (ns *Namespace) Remove() error {
	if err := os.RemoveAll(ns.Dir); err != nil {
		return fmt.Errorf("shm: remove namespace %s: %w", ns.Dir, err)
	}
	return nil
}

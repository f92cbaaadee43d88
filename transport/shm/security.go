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
	"io/fs"
	"os"
	"syscall"
)

// Segment files must be owned by the current user and carry no group or
// world bits. A file that fails either check is never mapped; its header
// bytes are attacker-controlled and must not be parsed.

const (
	// SegmentFileMode is the required mode for segment files.
	SegmentFileMode fs.FileMode = 0o600
	// NamespaceDirMode is the required mode for namespace directories.
	NamespaceDirMode fs.FileMode = 0o700
)

// VerifyPermissions checks that path is owned by the current effective
// user and grants nothing to group or other. It reports ErrPermission
// with the offending detail, without modifying the file.
func VerifyPermissions(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("shm: stat %s: %w", path, err)
	}
	return checkFileInfo(path, fi)
}

// EnforcePermissions repairs the mode of a file we created: it chmods
// the file to SegmentFileMode (or NamespaceDirMode for directories).
// Ownership cannot be repaired; a foreign owner is still an error.
func EnforcePermissions(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if err := checkOwner(path, fi); err != nil {
		return err
	}
	want := SegmentFileMode
	if fi.IsDir() {
		want = NamespaceDirMode
	}
	if fi.Mode().Perm() == want {
		return nil
	}
	if err := os.Chmod(path, want); err != nil {
		return fmt.Errorf("shm: chmod %s: %w", path, err)
	}
	return nil
}

// verifyFilePermissions checks an already-open file descriptor. Using
// fstat on the open fd avoids a stat/open race on the path.
func verifyFilePermissions(file *os.File) error {
	fi, err := file.Stat()
	if err != nil {
		return fmt.Errorf("shm: stat %s: %w", file.Name(), err)
	}
	return checkFileInfo(file.Name(), fi)
}

func checkFileInfo(path string, fi fs.FileInfo) error {
	if err := checkOwner(path, fi); err != nil {
		return err
	}
	if mode := fi.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Errorf("shm: %s has mode %04o, group/other access forbidden: %w",
			path, mode, ErrPermission)
	}
	return nil
}

func checkOwner(path string, fi fs.FileInfo) error {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("shm: %s: cannot determine owner: %w", path, ErrPermission)
	}
	if uid := uint32(os.Geteuid()); st.Uid != uid {
		return fmt.Errorf("shm: %s owned by uid %d, expected %d: %w",
			path, st.Uid, uid, ErrPermission)
	}
	return nil
}

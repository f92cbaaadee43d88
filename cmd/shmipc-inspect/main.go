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

// shmipc-inspect prints the control-block state of shared-memory
// connection segments without attaching to them. With no arguments it
// walks the current user's namespace root; with a connection name it
// dumps that connection's segments; with --file it inspects one
// segment file directly.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/aibridge/shmipc/transport/shm"
)

func main() {
	var (
		file    = pflag.String("file", "", "inspect a single segment file by path")
		verbose = pflag.BoolP("verbose", "v", false, "print index and heartbeat detail")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [--file path | connection-name]\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	switch {
	case *file != "":
		if _, err := inspectOne(*file, *verbose); err != nil {
			fatal(err)
		}
	case pflag.NArg() == 1:
		ns, err := shm.NewNamespace(pflag.Arg(0))
		if err != nil {
			fatal(err)
		}
		if err := inspectDir(ns.Dir, *verbose); err != nil {
			fatal(err)
		}
	case pflag.NArg() == 0:
		root := filepath.Join(shm.RuntimeDir(), "shmipc-"+strconv.Itoa(os.Geteuid()))
		if err := walkRoot(root, *verbose); err != nil {
			fatal(err)
		}
	default:
		pflag.Usage()
		os.Exit(2)
	}
}

func walkRoot(root string, verbose bool) error {
	sessions, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no active connections")
			return nil
		}
		return err
	}
	for _, session := range sessions {
		if !session.IsDir() {
			continue
		}
		conns, err := os.ReadDir(filepath.Join(root, session.Name()))
		if err != nil {
			return err
		}
		for _, conn := range conns {
			if !conn.IsDir() {
				continue
			}
			fmt.Printf("connection %s (session %s)\n", conn.Name(), session.Name())
			if err := inspectDir(filepath.Join(root, session.Name(), conn.Name()), verbose); err != nil {
				fmt.Fprintf(os.Stderr, "  error: %v\n", err)
			}
		}
	}
	return nil
}

func inspectDir(dir string, verbose bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	full := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := inspectOne(filepath.Join(dir, e.Name()), verbose)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", e.Name(), err)
			continue
		}
		if info.Capacity > 0 && info.Used == info.Capacity {
			full++
		}
	}
	if full >= 2 {
		fmt.Println("  WARNING: both rings full; writers are deadlocked unless each side drains while it sends")
	}
	return nil
}

func inspectOne(path string, verbose bool) (shm.SegmentInfo, error) {
	info, err := shm.InspectSegment(path)
	if err != nil {
		return shm.SegmentInfo{}, err
	}
	fmt.Printf("  %s gen=%d cap=%d used=%d owner=%d(%s) peer=%d(%s)",
		filepath.Base(info.Path), info.Generation, info.Capacity, info.Used,
		info.OwnerPID, liveness(info.OwnerAlive),
		info.PeerPID, liveness(info.PeerAlive))
	if info.Closed {
		fmt.Print(" CLOSED")
	}
	fmt.Println()
	if verbose {
		fmt.Printf("    widx=%d ridx=%d attached=%v", info.WriteIndex, info.ReadIndex, info.Attached)
		if !info.LastHeartbeat.IsZero() {
			fmt.Printf(" heartbeat=%s ago", time.Since(info.LastHeartbeat).Round(time.Millisecond))
		}
		fmt.Println()
	}
	return info, nil
}

func liveness(alive bool) string {
	if alive {
		return "live"
	}
	return "dead"
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "shmipc-inspect: %v\n", err)
	os.Exit(1)
}

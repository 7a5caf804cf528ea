//go:build unix

/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
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

package electionstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// fsyncFile flushes f's contents to durable storage via the raw fsync(2)
// syscall rather than os.File.Sync, mirroring the teacher's
// internal/storage/disk isolation of OS-specific durability calls.
func fsyncFile(f *os.File) error {
	return unix.Fsync(int(f.Fd()))
}

// fsyncDir flushes the directory entry created by the rename in Write.
// Without this, a power loss right after the rename can leave the
// directory pointing at the old inode on some filesystems.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return unix.Fsync(int(d.Fd()))
}

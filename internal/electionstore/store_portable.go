//go:build !unix

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

import "os"

// fsyncFile falls back to the standard library on platforms without the
// raw fsync(2) syscall (golang.org/x/sys/unix does not cover them).
func fsyncFile(f *os.File) error {
	return f.Sync()
}

// fsyncDir is a no-op outside unix: these platforms do not offer directory
// fsync semantics to harden the preceding rename against.
func fsyncDir(dir string) error {
	return nil
}

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

package raftlog

import "golang.org/x/crypto/blake2b"

// Digest is a blake2b-256 integrity hash over a batch's compressed
// payload, stored alongside its header so appendAsFollower can verify an
// anchor batch before trusting its own offset/epoch bookkeeping.
type Digest [32]byte

// computeDigest hashes the encoded, compressed record payload of a batch.
func computeDigest(encodedPayload []byte) Digest {
	return blake2b.Sum256(encodedPayload)
}

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

/*
Package electionstore durably persists the one fact every node must never
forget across a restart: which epoch it is in, who it last voted for, and
who it believes the leader is. Every write goes through a sibling .tmp file
and an atomic rename, fsyncing both the file and its directory so a crash
between write and rename can never observe a half-written record.
*/
package electionstore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/firefly-oss/raftquorum/internal/errors"
	"github.com/firefly-oss/raftquorum/internal/logging"
)

// ElectionRecord is the persisted tuple spec §3/§6 defines. LeaderID and
// VotedFor use -1 as the "none" sentinel, matching the on-disk layout.
type ElectionRecord struct {
	Epoch    uint32 `json:"epoch"`
	LeaderID int32  `json:"leaderId"`
	VotedFor int32  `json:"votedFor"`
}

// EmptyRecord is the record an absent or unparseable-and-empty file implies.
var EmptyRecord = ElectionRecord{Epoch: 0, LeaderID: -1, VotedFor: -1}

// HasLeader reports whether a leader is recorded.
func (r ElectionRecord) HasLeader() bool { return r.LeaderID >= 0 }

// HasVotedFor reports whether a vote is recorded at this epoch.
func (r ElectionRecord) HasVotedFor() bool { return r.VotedFor >= 0 }

// Store is a PersistentElectionStore backed by a single file on disk.
type Store struct {
	path string
	log  *logging.Logger
}

// NewStore returns a Store rooted at path.
func NewStore(path string) *Store {
	return &Store{path: path, log: logging.NewLogger("electionstore")}
}

// Read returns the persisted record, or EmptyRecord if the file is absent.
// A present-but-unparseable file is a fatal persistence error (spec §7
// category 6) — it means the node's own durable state is untrustworthy.
func (s *Store) Read() (ElectionRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return EmptyRecord, nil
	}
	if err != nil {
		return EmptyRecord, errors.StoreWriteFailed(s.path, err)
	}
	if len(data) == 0 {
		return EmptyRecord, nil
	}

	var rec ElectionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return EmptyRecord, errors.StoreCorrupted(s.path)
	}
	return rec, nil
}

// Write atomically persists rec: marshal, write to path+".tmp", fsync the
// temp file, rename over path, then fsync the containing directory so the
// rename itself is durable. After a successful Write, any subsequent Read
// from any process observes exactly rec, and a crash at any point before
// the rename completes leaves the previously persisted record intact.
func (s *Store) Write(rec ElectionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.StoreWriteFailed(s.path, err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.StoreWriteFailed(s.path, err)
		}
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.StoreWriteFailed(s.path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.StoreWriteFailed(s.path, err)
	}
	if err := fsyncFile(f); err != nil {
		f.Close()
		return errors.StoreWriteFailed(s.path, err)
	}
	if err := f.Close(); err != nil {
		return errors.StoreWriteFailed(s.path, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return errors.StoreWriteFailed(s.path, err)
	}
	if err := fsyncDir(dir); err != nil {
		return errors.StoreWriteFailed(s.path, err)
	}

	s.log.Debug("persisted election record", "epoch", rec.Epoch, "leaderId", rec.LeaderID, "votedFor", rec.VotedFor)
	return nil
}

// Clear removes the persisted file. A missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.StoreWriteFailed(s.path, err)
	}
	return nil
}

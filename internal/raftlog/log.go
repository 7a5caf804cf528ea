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
Package raftlog is the append-only, leader-epoch-tagged record log
ConsensusCore replicates. It holds everything in memory (on-disk segment
storage is an external collaborator per spec §1) but implements the full
append-as-leader/append-as-follower/truncate/read contract, including
divergence detection for followers that have fallen off the leader's log.
*/
package raftlog

import (
	"encoding/json"
	"time"

	"github.com/firefly-oss/raftquorum/internal/errors"
	"github.com/firefly-oss/raftquorum/internal/logging"
	"github.com/firefly-oss/raftquorum/internal/raftlog/codec"
)

// ControlRecordKeyLeaderChange identifies a LeaderChange control record, the
// only kind of control record this module defines.
const ControlRecordKeyLeaderChange = "LEADER_CHANGE"

// LeaderChange is the value of a LeaderChange control record: the new
// leader and the voter set in effect as of this epoch.
type LeaderChange struct {
	Version  int     `json:"version"`
	LeaderID int32   `json:"leaderId"`
	Voters   []int32 `json:"voters"`
}

// Batch is one appended unit: a run of records at a single leader epoch.
// Records holds the decoded records for local reads; Payload is the
// Codec-compressed form of the same records (what Digest is computed
// over, and what actually crosses the wire).
type Batch struct {
	BaseOffset uint64
	Epoch      uint32
	Timestamp  time.Time
	IsControl  bool
	Codec      codec.Algorithm
	Digest     Digest
	Payload    []byte
	Records    [][]byte
}

// EndOffset is the offset just past this batch's last record.
func (b Batch) EndOffset() uint64 {
	return b.BaseOffset + uint64(len(b.Records))
}

// Log is an in-memory ReplicatedLog.
type Log struct {
	log      *logging.Logger
	registry *codec.Registry
	codec    codec.Algorithm
	batches  []Batch
}

// NewLog returns an empty log that compresses new leader-appended batches
// with defaultCodec.
func NewLog(defaultCodec codec.Algorithm) *Log {
	return &Log{
		log:      logging.NewLogger("raftlog"),
		registry: codec.NewRegistry(),
		codec:    defaultCodec,
	}
}

// EndOffset returns the offset just past the last appended record.
func (l *Log) EndOffset() uint64 {
	if len(l.batches) == 0 {
		return 0
	}
	return l.batches[len(l.batches)-1].EndOffset()
}

// LastFetchedEpoch returns the epoch of the last record, or 0 for an empty
// log.
func (l *Log) LastFetchedEpoch() uint32 {
	if len(l.batches) == 0 {
		return 0
	}
	return l.batches[len(l.batches)-1].Epoch
}

// AppendAsLeader assigns monotonic offsets starting at the current
// EndOffset and tags every new batch with epoch, returning the base
// offset the records were assigned.
func (l *Log) AppendAsLeader(records [][]byte, epoch uint32) (uint64, error) {
	base := l.EndOffset()
	batch, err := l.buildBatch(base, epoch, false, l.codec, records)
	if err != nil {
		return 0, err
	}
	l.batches = append(l.batches, batch)
	return base, nil
}

// AppendLeaderChange appends the single-record control batch spec §6
// requires on every leader transition.
func (l *Log) AppendLeaderChange(leaderID int32, voters []int32, epoch uint32) (uint64, error) {
	value, err := json.Marshal(LeaderChange{Version: 1, LeaderID: leaderID, Voters: append([]int32{}, voters...)})
	if err != nil {
		return 0, errors.StoreWriteFailed("leader-change-record", err)
	}
	base := l.EndOffset()
	batch, err := l.buildBatch(base, epoch, true, l.codec, [][]byte{value})
	if err != nil {
		return 0, err
	}
	l.batches = append(l.batches, batch)
	l.log.Info("appended leader-change control record", "epoch", epoch, "leaderId", leaderID, "baseOffset", base)
	return base, nil
}

func (l *Log) buildBatch(base uint64, epoch uint32, isControl bool, algo codec.Algorithm, records [][]byte) (Batch, error) {
	encoded, err := json.Marshal(records)
	if err != nil {
		return Batch{}, errors.StoreWriteFailed("batch-encode", err)
	}
	compressed, err := l.registry.Compress(algo, encoded)
	if err != nil {
		return Batch{}, errors.StoreWriteFailed("batch-compress", err)
	}
	return Batch{
		BaseOffset: base,
		Epoch:      epoch,
		Timestamp:  time.Now(),
		IsControl:  isControl,
		Codec:      algo,
		Digest:     computeDigest(compressed),
		Payload:    compressed,
		Records:    records,
	}, nil
}

// AppendAsFollower accepts a batch at the leader's indicated offset. It
// fails with errors.LogGap if base would leave a hole in the log, and with
// errors.DigestMismatch if the batch's Payload doesn't hash to its stated
// Digest — the anchor-integrity check spec §4.2 requires before trusting a
// batch's offset/epoch bookkeeping. Callers are expected to have already
// resolved offset/epoch divergence via ValidateFetch before calling this.
func (l *Log) AppendAsFollower(batch Batch) error {
	end := l.EndOffset()
	if batch.BaseOffset > end {
		return errors.LogGap(end, batch.BaseOffset)
	}
	records, err := l.verifyAndDecode(batch)
	if err != nil {
		return err
	}
	batch.Records = records
	if batch.BaseOffset < end {
		// Overlapping append: truncate the divergent suffix first so the
		// new batch lands at exactly its stated offset.
		l.TruncateTo(batch.BaseOffset)
	}
	l.batches = append(l.batches, batch)
	return nil
}

// verifyAndDecode recomputes batch's digest over its compressed Payload,
// rejecting it with errors.DigestMismatch on mismatch, then decompresses
// and decodes Payload back into the records it carries.
func (l *Log) verifyAndDecode(batch Batch) ([][]byte, error) {
	if computeDigest(batch.Payload) != batch.Digest {
		return nil, errors.DigestMismatch(batch.BaseOffset)
	}
	encoded, err := l.registry.Decompress(batch.Codec, batch.Payload)
	if err != nil {
		return nil, errors.StoreWriteFailed("batch-decompress", err)
	}
	var records [][]byte
	if err := json.Unmarshal(encoded, &records); err != nil {
		return nil, errors.StoreWriteFailed("batch-decode", err)
	}
	return records, nil
}

// TruncateTo discards every record at or after offset. Idempotent.
func (l *Log) TruncateTo(offset uint64) {
	kept := l.batches[:0]
	for _, b := range l.batches {
		if b.BaseOffset >= offset {
			continue
		}
		if b.EndOffset() > offset {
			// Partial truncation within a batch: shrink its record slice
			// and rebuild Payload/Digest over the surviving records so
			// they stay consistent with what a follower would verify.
			cut := offset - b.BaseOffset
			b.Records = b.Records[:cut]
			if rebuilt, err := l.buildBatch(b.BaseOffset, b.Epoch, b.IsControl, b.Codec, b.Records); err == nil {
				rebuilt.Timestamp = b.Timestamp
				b = rebuilt
			}
		}
		kept = append(kept, b)
	}
	l.batches = kept
}

// Read returns the batches covering [startOffset, maxOffset). maxOffset
// nil means "through EndOffset". Never returns a partial batch.
func (l *Log) Read(startOffset uint64, maxOffset *uint64) []Batch {
	var out []Batch
	limit := l.EndOffset()
	if maxOffset != nil && *maxOffset < limit {
		limit = *maxOffset
	}
	for _, b := range l.batches {
		if b.EndOffset() <= startOffset {
			continue
		}
		if b.BaseOffset >= limit {
			break
		}
		out = append(out, b)
	}
	return out
}

// ValidateFetch checks whether (fetchOffset, lastFetchedEpoch) — a
// follower's claimed fetch position — matches this (the leader's) log. If
// it does, ok is true. If not, it returns the offset/epoch boundary the
// follower should truncate to and retry from, per spec §4.5's
// OFFSET_OUT_OF_RANGE contract (scenario S4).
func (l *Log) ValidateFetch(fetchOffset uint64, lastFetchedEpoch uint32) (ok bool, nextFetchOffset uint64, nextFetchOffsetEpoch uint32) {
	end := l.EndOffset()
	if fetchOffset > end {
		return false, end, l.LastFetchedEpoch()
	}
	if fetchOffset == 0 {
		return true, 0, 0
	}
	if l.epochAtOffset(fetchOffset-1) == lastFetchedEpoch {
		return true, 0, 0
	}
	boundary := l.endOffsetOfEpoch(lastFetchedEpoch)
	return false, boundary, lastFetchedEpoch
}

// epochAtOffset returns the epoch of the batch covering offset, or 0 if
// offset is not covered by any batch (an empty log).
func (l *Log) epochAtOffset(offset uint64) uint32 {
	for _, b := range l.batches {
		if offset >= b.BaseOffset && offset < b.EndOffset() {
			return b.Epoch
		}
	}
	return 0
}

// endOffsetOfEpoch returns the offset at which epoch stops covering
// entries in this log — the first offset belonging to a later epoch, or
// EndOffset if epoch is (or exceeds) the log's last epoch.
func (l *Log) endOffsetOfEpoch(epoch uint32) uint64 {
	for _, b := range l.batches {
		if b.Epoch > epoch {
			return b.BaseOffset
		}
	}
	return l.EndOffset()
}

// EpochStartOffset returns the first offset tagged with epoch, or
// EndOffset if this log has no entry at that epoch. ConsensusCore uses
// this to keep the leader from advancing the high-watermark past entries
// it cannot yet know are from its own term.
func (l *Log) EpochStartOffset(epoch uint32) uint64 {
	for _, b := range l.batches {
		if b.Epoch == epoch {
			return b.BaseOffset
		}
	}
	return l.EndOffset()
}

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

package quorum

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/firefly-oss/raftquorum/internal/electionstore"
)

func testConfig(selfID int32, voters ...int32) Config {
	vset := make(map[int32]bool, len(voters))
	for _, v := range voters {
		vset[v] = true
	}
	return Config{
		SelfID:            selfID,
		Voters:            vset,
		ElectionTimeoutMs: 1000,
		ElectionJitterMs:  0,
		Now:               func() time.Time { return time.Unix(0, 0) },
		Jitter:            func(int) time.Duration { return 0 },
	}
}

func newTestState(t *testing.T, cfg Config) *QuorumState {
	t.Helper()
	store := electionstore.NewStore(filepath.Join(t.TempDir(), "election.json"))
	qs, err := NewQuorumState(store, cfg)
	if err != nil {
		t.Fatalf("NewQuorumState failed: %v", err)
	}
	return qs
}

func TestInitialStateIsUnattachedForFreshVoter(t *testing.T) {
	qs := newTestState(t, testConfig(1, 1, 2, 3))
	if qs.Kind() != Unattached {
		t.Fatalf("expected Unattached, got %v", qs.Kind())
	}
	if qs.Epoch() != 0 {
		t.Errorf("expected epoch 0, got %d", qs.Epoch())
	}
}

func TestInitialStateIsObserverForNonVoter(t *testing.T) {
	qs := newTestState(t, testConfig(9, 1, 2, 3))
	if qs.Kind() != Observer {
		t.Fatalf("expected Observer, got %v", qs.Kind())
	}
}

// TestSingleLeaderPerEpoch grounds P1: within one epoch, only a candidate
// holding a granted majority may become leader.
func TestSingleLeaderPerEpoch(t *testing.T) {
	qs := newTestState(t, testConfig(1, 1, 2, 3))

	if err := qs.BecomeCandidate(); err != nil {
		t.Fatalf("BecomeCandidate failed: %v", err)
	}
	epoch := qs.Epoch()

	if err := qs.BecomeLeader(epoch); err == nil {
		t.Fatal("expected BecomeLeader to fail without a granted majority")
	}

	if err := qs.RecordGrant(2); err != nil {
		t.Fatalf("RecordGrant failed: %v", err)
	}
	if !qs.HasMajority() {
		t.Fatal("expected majority with 2 of 3 votes granted")
	}
	if err := qs.BecomeLeader(epoch); err != nil {
		t.Fatalf("BecomeLeader failed once majority reached: %v", err)
	}
	if !qs.IsLeader() {
		t.Fatal("expected IsLeader true")
	}
	if qs.LeaderID() != 1 {
		t.Errorf("expected leader id 1, got %d", qs.LeaderID())
	}

	// A second BecomeLeader call for the same epoch, now that Kind is no
	// longer Candidate, must be rejected -- only one leader per epoch.
	if err := qs.BecomeLeader(epoch); err == nil {
		t.Fatal("expected BecomeLeader to fail once already leader")
	}
}

// TestVoteUniquenessPerEpoch grounds P2: a voter never grants two different
// candidates its vote within the same epoch.
func TestVoteUniquenessPerEpoch(t *testing.T) {
	qs := newTestState(t, testConfig(3, 1, 2, 3))
	// RecordVote only accepts the current epoch; move to epoch 1 first.
	if err := qs.BecomeUnattached(1); err != nil {
		t.Fatalf("BecomeUnattached failed: %v", err)
	}

	if err := qs.RecordVote(1, 1); err != nil {
		t.Fatalf("RecordVote for candidate 1 failed: %v", err)
	}
	if qs.VotedFor() != 1 {
		t.Fatalf("expected votedFor 1, got %d", qs.VotedFor())
	}

	if err := qs.RecordVote(1, 2); err == nil {
		t.Fatal("expected RecordVote for a different candidate in the same epoch to fail")
	}

	// Re-recording the same candidate/epoch pair is idempotent, not a
	// conflict.
	if err := qs.RecordVote(1, 1); err != nil {
		t.Errorf("expected re-recording the same vote to succeed, got %v", err)
	}
}

func TestBecomeFollowerRejectsStaleEpoch(t *testing.T) {
	qs := newTestState(t, testConfig(1, 1, 2, 3))
	if err := qs.BecomeFollower(5, 2); err != nil {
		t.Fatalf("BecomeFollower failed: %v", err)
	}
	if err := qs.BecomeFollower(4, 3); err == nil {
		t.Fatal("expected BecomeFollower to reject a lower epoch")
	}
}

func TestBecomeCandidateRejectedForObserver(t *testing.T) {
	qs := newTestState(t, testConfig(9, 1, 2, 3))
	if err := qs.BecomeCandidate(); err == nil {
		t.Fatal("expected BecomeCandidate to fail for a non-voter")
	}
}

func TestRecordGrantRejectedOutsideCandidate(t *testing.T) {
	qs := newTestState(t, testConfig(1, 1, 2, 3))
	if err := qs.RecordGrant(2); err == nil {
		t.Fatal("expected RecordGrant to fail while Unattached")
	}
}

func TestLeaderMatchOffsetTracking(t *testing.T) {
	qs := newTestState(t, testConfig(1, 1, 2, 3))
	qs.BecomeCandidate()
	epoch := qs.Epoch()
	qs.RecordGrant(2)
	if err := qs.BecomeLeader(epoch); err != nil {
		t.Fatalf("BecomeLeader failed: %v", err)
	}

	if err := qs.UpdateMatchOffset(2, 5); err != nil {
		t.Fatalf("UpdateMatchOffset failed: %v", err)
	}
	if err := qs.UpdateMatchOffset(2, 3); err != nil {
		t.Fatalf("UpdateMatchOffset (lower) failed: %v", err)
	}
	offsets := qs.MatchOffsets()
	if offsets[2] != 5 {
		t.Errorf("expected match offset to stay at high-water mark 5, got %d", offsets[2])
	}
}

func TestPersistenceSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "election.json")
	store := electionstore.NewStore(path)
	cfg := testConfig(1, 1, 2, 3)

	qs, err := NewQuorumState(store, cfg)
	if err != nil {
		t.Fatalf("NewQuorumState failed: %v", err)
	}
	if err := qs.BecomeFollower(7, 2); err != nil {
		t.Fatalf("BecomeFollower failed: %v", err)
	}

	reloaded, err := NewQuorumState(electionstore.NewStore(path), cfg)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Kind() != Follower || reloaded.Epoch() != 7 || reloaded.LeaderID() != 2 {
		t.Fatalf("expected reloaded state Follower(epoch=7,leader=2), got %v epoch=%d leader=%d",
			reloaded.Kind(), reloaded.Epoch(), reloaded.LeaderID())
	}
}

func TestElectionTimeoutArmedOnUnattachedAndFollower(t *testing.T) {
	qs := newTestState(t, testConfig(1, 1, 2, 3))
	if qs.ElectionDeadline().IsZero() {
		t.Fatal("expected election deadline armed on construction via BecomeUnattached-equivalent initial state")
	}

	if err := qs.BecomeFollower(1, 2); err != nil {
		t.Fatalf("BecomeFollower failed: %v", err)
	}
	if qs.ElectionDeadline().IsZero() {
		t.Fatal("expected election deadline armed after BecomeFollower")
	}
}

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
Package quorum holds the in-memory projection of a node's election record
plus the transient, role-specific bookkeeping ConsensusCore needs: a
candidate's granted/rejected votes, a leader's per-voter match offsets. A
transition replaces the state wholesale rather than mutating a shared base,
so Leader, Candidate, Follower, Unattached, and Observer never share fields
they don't mean the same thing by.
*/
package quorum

import (
	"math/rand"
	"time"

	"github.com/firefly-oss/raftquorum/internal/electionstore"
	"github.com/firefly-oss/raftquorum/internal/errors"
	"github.com/firefly-oss/raftquorum/internal/logging"
)

// Kind discriminates the five roles spec §3/§4.6 define.
type Kind int

const (
	Unattached Kind = iota
	Candidate
	Follower
	Leader
	Observer
)

func (k Kind) String() string {
	switch k {
	case Unattached:
		return "Unattached"
	case Candidate:
		return "Candidate"
	case Follower:
		return "Follower"
	case Leader:
		return "Leader"
	case Observer:
		return "Observer"
	default:
		return "Unknown"
	}
}

type candidateData struct {
	granted  map[int32]bool
	rejected map[int32]bool
}

type leaderData struct {
	matchOffset map[int32]uint64
}

// State is the current role and its persisted/transient fields. Only the
// variant struct matching Kind is non-nil.
type State struct {
	Kind     Kind
	Epoch    uint32
	LeaderID int32 // -1 if none
	VotedFor int32 // -1 if none

	candidate *candidateData
	leader    *leaderData
}

// Config parameterizes a QuorumState: the local identity, the voter set,
// and the election-timing knobs spec §6 exposes. Now/Jitter are
// injectable so tests can drive elapsed time deterministically.
type Config struct {
	SelfID            int32
	Voters            map[int32]bool
	ElectionTimeoutMs int
	ElectionJitterMs  int
	Now               func() time.Time
	Jitter            func(maxMs int) time.Duration
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Config) jitter() time.Duration {
	if c.Jitter != nil {
		return c.Jitter(c.ElectionJitterMs)
	}
	if c.ElectionJitterMs <= 0 {
		return 0
	}
	return time.Duration(rand.Intn(c.ElectionJitterMs)) * time.Millisecond
}

// QuorumState is the ConsensusCore-owned projection described above.
type QuorumState struct {
	cfg   Config
	store *electionstore.Store
	log   *logging.Logger

	state            State
	electionDeadline time.Time
}

// NewQuorumState loads the persisted record through store and derives the
// initial role per spec §4.6: a voter's role comes from the persisted
// fields; an observer with no known leader starts Observer-Unattached.
func NewQuorumState(store *electionstore.Store, cfg Config) (*QuorumState, error) {
	rec, err := store.Read()
	if err != nil {
		return nil, err
	}

	qs := &QuorumState{cfg: cfg, store: store, log: logging.NewLogger("quorum")}
	qs.state = qs.deriveInitialState(rec)
	if qs.state.Kind != Leader {
		qs.armElectionTimeout()
	}
	return qs, nil
}

func (qs *QuorumState) deriveInitialState(rec electionstore.ElectionRecord) State {
	isVoter := qs.cfg.Voters[qs.cfg.SelfID]

	if rec.HasLeader() {
		if rec.LeaderID == qs.cfg.SelfID {
			return State{Kind: Leader, Epoch: rec.Epoch, LeaderID: rec.LeaderID, VotedFor: -1, leader: &leaderData{matchOffset: map[int32]uint64{}}}
		}
		kind := Follower
		if !isVoter {
			kind = Observer
		}
		return State{Kind: kind, Epoch: rec.Epoch, LeaderID: rec.LeaderID, VotedFor: -1}
	}

	kind := Unattached
	if !isVoter {
		kind = Observer
	}
	return State{Kind: kind, Epoch: rec.Epoch, LeaderID: -1, VotedFor: rec.VotedFor}
}

// --- predicates ---

func (qs *QuorumState) IsLeader() bool        { return qs.state.Kind == Leader }
func (qs *QuorumState) IsCandidate() bool     { return qs.state.Kind == Candidate }
func (qs *QuorumState) IsFollower() bool      { return qs.state.Kind == Follower }
func (qs *QuorumState) IsObserver() bool      { return qs.state.Kind == Observer }
func (qs *QuorumState) IsVoter(id int32) bool { return qs.cfg.Voters[id] }
func (qs *QuorumState) isSelfVoter() bool     { return qs.cfg.Voters[qs.cfg.SelfID] }

// Kind returns the current role discriminant.
func (qs *QuorumState) Kind() Kind { return qs.state.Kind }

// Epoch, LeaderID, VotedFor mirror the persisted ElectionRecord.
func (qs *QuorumState) Epoch() uint32   { return qs.state.Epoch }
func (qs *QuorumState) LeaderID() int32 { return qs.state.LeaderID }
func (qs *QuorumState) VotedFor() int32 { return qs.state.VotedFor }

// ElectionDeadline is when the current Unattached/Follower/Candidate
// election timer fires, per the role-specific bookkeeping spec §4.4 lists.
func (qs *QuorumState) ElectionDeadline() time.Time { return qs.electionDeadline }

// ElectionExpired reports whether the election deadline has passed as of
// now.
func (qs *QuorumState) ElectionExpired(now time.Time) bool {
	return !qs.electionDeadline.IsZero() && !now.Before(qs.electionDeadline)
}

func (qs *QuorumState) persist(rec electionstore.ElectionRecord) error {
	return qs.store.Write(rec)
}

func (qs *QuorumState) armElectionTimeout() {
	qs.electionDeadline = qs.cfg.now().Add(time.Duration(qs.cfg.ElectionTimeoutMs)*time.Millisecond + qs.cfg.jitter())
}

// BecomeUnattached clears leader & votedFor at epoch, which must be ≥ the
// current epoch. Used on observing a higher epoch, or on EndQuorumEpoch.
func (qs *QuorumState) BecomeUnattached(epoch uint32) error {
	if epoch < qs.state.Epoch {
		return errors.FencedEpoch(qs.state.Epoch, epoch)
	}
	rec := electionstore.ElectionRecord{Epoch: epoch, LeaderID: -1, VotedFor: -1}
	if err := qs.persist(rec); err != nil {
		return err
	}

	kind := Unattached
	if !qs.isSelfVoter() {
		kind = Observer
	}
	qs.state = State{Kind: kind, Epoch: epoch, LeaderID: -1, VotedFor: -1}
	qs.armElectionTimeout()
	qs.log.Info("became unattached", "epoch", epoch)
	return nil
}

// BecomeCandidate bumps the epoch, votes for self, and initializes the
// grant set to {self}. Voters only.
func (qs *QuorumState) BecomeCandidate() error {
	if !qs.isSelfVoter() {
		return errors.NotVoter(qs.cfg.SelfID)
	}
	newEpoch := qs.state.Epoch + 1
	rec := electionstore.ElectionRecord{Epoch: newEpoch, LeaderID: -1, VotedFor: qs.cfg.SelfID}
	if err := qs.persist(rec); err != nil {
		return err
	}

	qs.state = State{
		Kind: Candidate, Epoch: newEpoch, LeaderID: -1, VotedFor: qs.cfg.SelfID,
		candidate: &candidateData{granted: map[int32]bool{qs.cfg.SelfID: true}, rejected: map[int32]bool{}},
	}
	qs.armElectionTimeout()
	qs.log.Info("became candidate", "epoch", newEpoch)
	return nil
}

// BecomeFollower sets leader := leaderID at epoch ≥ current, clears
// votedFor, and arms the election timeout.
func (qs *QuorumState) BecomeFollower(epoch uint32, leaderID int32) error {
	if epoch < qs.state.Epoch {
		return errors.FencedEpoch(qs.state.Epoch, epoch)
	}
	rec := electionstore.ElectionRecord{Epoch: epoch, LeaderID: leaderID, VotedFor: -1}
	if err := qs.persist(rec); err != nil {
		return err
	}

	kind := Follower
	if !qs.isSelfVoter() {
		kind = Observer
	}
	qs.state = State{Kind: kind, Epoch: epoch, LeaderID: leaderID, VotedFor: -1}
	qs.armElectionTimeout()
	qs.log.Info("became follower", "epoch", epoch, "leaderId", leaderID)
	return nil
}

// BecomeLeader transitions from Candidate(epoch) with a granted majority
// to Leader(epoch).
func (qs *QuorumState) BecomeLeader(epoch uint32) error {
	if qs.state.Kind != Candidate || qs.state.Epoch != epoch {
		return errors.IllegalTransition(qs.state.Kind.String(), Leader.String())
	}
	if !qs.hasMajority(qs.state.candidate.granted) {
		return errors.IllegalTransition("Candidate(no majority)", Leader.String())
	}

	rec := electionstore.ElectionRecord{Epoch: epoch, LeaderID: qs.cfg.SelfID, VotedFor: -1}
	if err := qs.persist(rec); err != nil {
		return err
	}

	qs.state = State{Kind: Leader, Epoch: epoch, LeaderID: qs.cfg.SelfID, VotedFor: -1, leader: &leaderData{matchOffset: map[int32]uint64{}}}
	qs.electionDeadline = time.Time{}
	qs.log.Info("became leader", "epoch", epoch)
	return nil
}

// RecordVote grants a vote at epoch (which must equal the current epoch)
// to candidateID, unless a different vote is already recorded this epoch.
func (qs *QuorumState) RecordVote(epoch uint32, candidateID int32) error {
	if !qs.isSelfVoter() {
		return errors.NotVoter(qs.cfg.SelfID)
	}
	if epoch != qs.state.Epoch {
		return errors.FencedEpoch(qs.state.Epoch, epoch)
	}
	if qs.state.VotedFor >= 0 && qs.state.VotedFor != candidateID {
		return errors.VoteAlreadyCast(epoch, qs.state.VotedFor)
	}

	rec := electionstore.ElectionRecord{Epoch: epoch, LeaderID: qs.state.LeaderID, VotedFor: candidateID}
	if err := qs.persist(rec); err != nil {
		return err
	}
	qs.state.VotedFor = candidateID
	qs.armElectionTimeout()
	return nil
}

// RecordGrant records that voterID granted this node's vote request.
// Candidate only.
func (qs *QuorumState) RecordGrant(voterID int32) error {
	if qs.state.Kind != Candidate {
		return errors.IllegalTransition(qs.state.Kind.String(), "record-grant")
	}
	qs.state.candidate.granted[voterID] = true
	return nil
}

// RecordReject records that voterID rejected this node's vote request.
// Candidate only.
func (qs *QuorumState) RecordReject(voterID int32) error {
	if qs.state.Kind != Candidate {
		return errors.IllegalTransition(qs.state.Kind.String(), "record-reject")
	}
	qs.state.candidate.rejected[voterID] = true
	return nil
}

// HasMajority reports whether the current candidate has a strict majority
// of granted votes.
func (qs *QuorumState) HasMajority() bool {
	if qs.state.Kind != Candidate {
		return false
	}
	return qs.hasMajority(qs.state.candidate.granted)
}

// GrantedVoters returns a copy of the candidate's granted-vote set.
func (qs *QuorumState) GrantedVoters() map[int32]bool {
	if qs.state.Kind != Candidate {
		return nil
	}
	return copySet(qs.state.candidate.granted)
}

func (qs *QuorumState) hasMajority(granted map[int32]bool) bool {
	majority := len(qs.cfg.Voters)/2 + 1
	count := 0
	for v := range granted {
		if qs.cfg.Voters[v] {
			count++
		}
	}
	return count >= majority
}

// UpdateMatchOffset records that voterID has fetched through offset.
// Leader only; never decreases a previously recorded value.
func (qs *QuorumState) UpdateMatchOffset(voterID int32, offset uint64) error {
	if qs.state.Kind != Leader {
		return errors.IllegalTransition(qs.state.Kind.String(), "update-match-offset")
	}
	if cur, ok := qs.state.leader.matchOffset[voterID]; !ok || offset > cur {
		qs.state.leader.matchOffset[voterID] = offset
	}
	return nil
}

// MatchOffsets returns a copy of the leader's per-voter match offsets.
func (qs *QuorumState) MatchOffsets() map[int32]uint64 {
	if qs.state.Kind != Leader {
		return nil
	}
	out := make(map[int32]uint64, len(qs.state.leader.matchOffset))
	for k, v := range qs.state.leader.matchOffset {
		out[k] = v
	}
	return out
}

// VoterCount returns the size of the configured voter set.
func (qs *QuorumState) VoterCount() int { return len(qs.cfg.Voters) }

func copySet(m map[int32]bool) map[int32]bool {
	out := make(map[int32]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

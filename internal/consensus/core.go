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
Package consensus is the single-threaded poll loop that drives the
election protocol, leader bootstrap and endorsement, log replication, and
high-watermark advancement described by the other raftquorum packages.
Every state transition, log mutation, and channel send happens inside one
Poll call; the only cross-goroutine edge is the append mailbox an
embedding application writes to concurrently.
*/
package consensus

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/firefly-oss/raftquorum/internal/electionstore"
	"github.com/firefly-oss/raftquorum/internal/errors"
	"github.com/firefly-oss/raftquorum/internal/logging"
	"github.com/firefly-oss/raftquorum/internal/network"
	"github.com/firefly-oss/raftquorum/internal/quorum"
	"github.com/firefly-oss/raftquorum/internal/raftlog"
	"github.com/firefly-oss/raftquorum/internal/raftlog/codec"
)

// BootstrapResolver resolves observer leader-discovery candidates down to a
// single address worth sending FindQuorum to. internal/discovery.Resolver
// satisfies this via its NextReachable method.
type BootstrapResolver interface {
	NextReachable(ctx context.Context, dialTimeout time.Duration) (string, error)
}

// Config parameterizes a Core: identity, the voter set, bootstrap
// addresses for leader discovery, and the timing knobs spec §6 names.
//
// BootstrapNodeIDs and BootstrapResolver are alternative ways to seed
// observer discovery: a fixed voter-id list for a statically configured
// cluster, or a Resolver-backed lookup (DNS/mDNS/static) when the voter
// ids behind those addresses aren't known ahead of time. When both are
// set, BootstrapNodeIDs is round-robined indefinitely and BootstrapResolver
// is never consulted.
type Config struct {
	SelfID           int32
	Voters           []int32
	BootstrapNodeIDs []int32

	BootstrapResolver      BootstrapResolver
	BootstrapDialTimeoutMs int

	ElectionTimeoutMs int
	ElectionJitterMs  int
	RequestTimeoutMs  int
	RetryBackoffMs    int

	Now    func() time.Time
	Jitter func(maxMs int) time.Duration
}

func (c Config) bootstrapDialTimeout() time.Duration {
	if c.BootstrapDialTimeoutMs > 0 {
		return time.Duration(c.BootstrapDialTimeoutMs) * time.Millisecond
	}
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// AppendResult is the outcome of an Append call: the offset/epoch the
// records landed at, or an error (NotLeaderForPartition if this node
// wasn't leader when the append was processed).
type AppendResult struct {
	BaseOffset uint64
	Epoch      uint32
	Err        error
}

type appendRequest struct {
	records [][]byte
	result  chan AppendResult
}

type pendingRequest struct {
	apiKey      network.ApiKey
	destination int32
	deadline    time.Time
}

// Core is the ConsensusCore of spec §4.5.
type Core struct {
	log *logging.Logger
	cfg Config

	quorum        *quorum.QuorumState
	replicatedLog *raftlog.Log
	channel       *network.Channel

	voters map[int32]bool

	pending map[uint32]pendingRequest

	voteInFlight  map[int32]uint32
	beginInFlight map[int32]bool
	endInFlight   map[int32]bool
	fetchInFlight bool

	bootstrapAddrs        []int32
	bootstrapIdx          int
	resolvedAddrs         map[string]int32
	nextSyntheticID       int32
	discovered            bool
	findQuorumInFlight    bool
	nextFindQuorumAttempt time.Time

	highWatermark uint64

	running          bool
	shuttingDown     bool
	shutdownEpoch    uint32
	shutdownDeadline time.Time

	mailboxMu sync.Mutex
	mailbox   []appendRequest
}

// NewCore loads the persisted election record through store and returns a
// Core ready to Poll.
func NewCore(cfg Config, store *electionstore.Store, rlog *raftlog.Log, channel *network.Channel) (*Core, error) {
	voters := make(map[int32]bool, len(cfg.Voters))
	for _, v := range cfg.Voters {
		voters[v] = true
	}

	qcfg := quorum.Config{
		SelfID:            cfg.SelfID,
		Voters:            voters,
		ElectionTimeoutMs: cfg.ElectionTimeoutMs,
		ElectionJitterMs:  cfg.ElectionJitterMs,
		Now:               cfg.Now,
		Jitter:            cfg.Jitter,
	}
	qs, err := quorum.NewQuorumState(store, qcfg)
	if err != nil {
		return nil, err
	}

	c := &Core{
		log:             logging.NewLogger("consensus"),
		cfg:             cfg,
		quorum:          qs,
		replicatedLog:   rlog,
		channel:         channel,
		voters:          voters,
		pending:         map[uint32]pendingRequest{},
		voteInFlight:    map[int32]uint32{},
		beginInFlight:   map[int32]bool{},
		endInFlight:     map[int32]bool{},
		bootstrapAddrs:  cfg.BootstrapNodeIDs,
		resolvedAddrs:   map[string]int32{},
		nextSyntheticID: -1,
		running:         true,
	}
	if len(cfg.BootstrapNodeIDs) == 0 && cfg.BootstrapResolver == nil {
		c.discovered = true
	}
	return c, nil
}

// --- introspection, mirrored by cmd/raftquorum-status ---

func (c *Core) Role() quorum.Kind     { return c.quorum.Kind() }
func (c *Core) Epoch() uint32         { return c.quorum.Epoch() }
func (c *Core) LeaderID() int32       { return c.quorum.LeaderID() }
func (c *Core) HighWatermark() uint64 { return c.highWatermark }
func (c *Core) EndOffset() uint64     { return c.replicatedLog.EndOffset() }
func (c *Core) IsRunning() bool       { return c.running }

// Append enqueues records onto the single-producer-single-consumer
// mailbox and returns a channel the poll loop completes on its next
// drain: (baseOffset, epoch) on success, NotLeaderForPartition if this
// node isn't leader when the append is processed.
func (c *Core) Append(records [][]byte) <-chan AppendResult {
	ch := make(chan AppendResult, 1)
	c.mailboxMu.Lock()
	c.mailbox = append(c.mailbox, appendRequest{records: records, result: ch})
	c.mailboxMu.Unlock()
	return ch
}

// Shutdown is non-blocking. A leader keeps polling, sending
// EndQuorumEpoch to every other voter, until it observes the epoch
// advance past the epoch it held when shutdown was requested, or until
// timeoutMs elapses. A follower or observer stops on the next poll.
func (c *Core) Shutdown(timeoutMs int) {
	if c.shuttingDown {
		return
	}
	c.shuttingDown = true
	if c.quorum.IsLeader() {
		c.shutdownEpoch = c.quorum.Epoch()
		c.shutdownDeadline = c.cfg.now().Add(time.Duration(timeoutMs) * time.Millisecond)
		return
	}
	c.running = false
}

// Poll performs one quantum of work: drains pending appends, drives
// time-expired transitions, emits the outbound requests the current role
// requires, receives and dispatches inbound messages, and recomputes the
// high-watermark. A non-nil return is always a fatal, propagate-to-the-
// embedder condition (spec §7 category 6); the core must not be polled
// again afterward.
func (c *Core) Poll(timeoutMs int) error {
	now := c.cfg.now()

	c.drainAppendMailbox()

	if err := c.driveTimers(now); err != nil {
		return err
	}

	if !c.running {
		return nil
	}

	if err := c.emitOutboundForRole(); err != nil {
		return err
	}

	for _, msg := range c.channel.Receive(timeoutMs) {
		if err := c.dispatch(msg); err != nil {
			return err
		}
	}

	if c.shuttingDown && c.running && !c.quorum.IsLeader() {
		c.running = false
	}

	c.recomputeHighWatermark()
	return nil
}

func (c *Core) drainAppendMailbox() {
	c.mailboxMu.Lock()
	reqs := c.mailbox
	c.mailbox = nil
	c.mailboxMu.Unlock()

	for _, r := range reqs {
		if !c.quorum.IsLeader() {
			r.result <- AppendResult{Err: errors.NotLeader()}
			close(r.result)
			continue
		}
		base, err := c.replicatedLog.AppendAsLeader(r.records, c.quorum.Epoch())
		if err != nil {
			r.result <- AppendResult{Err: err}
		} else {
			r.result <- AppendResult{BaseOffset: base, Epoch: c.quorum.Epoch()}
		}
		close(r.result)
	}
}

func (c *Core) driveTimers(now time.Time) error {
	if c.shuttingDown && c.quorum.IsLeader() && !now.Before(c.shutdownDeadline) {
		c.running = false
		return nil
	}

	for corrID, p := range c.pending {
		if now.After(p.deadline) {
			delete(c.pending, corrID)
			if err := c.onRequestTimeout(corrID, p); err != nil {
				return err
			}
		}
	}

	switch c.quorum.Kind() {
	case quorum.Unattached, quorum.Follower:
		if c.quorum.IsVoter(c.cfg.SelfID) && c.quorum.ElectionExpired(now) {
			return c.startElection()
		}
	case quorum.Candidate:
		if c.quorum.ElectionExpired(now) {
			return c.startElection()
		}
	}
	return nil
}

func (c *Core) onRequestTimeout(corrID uint32, p pendingRequest) error {
	c.log.Warn("request timed out", "error", errors.RequestTimeout(corrID), "destination", p.destination, "apiKey", p.apiKey.String())
	switch p.apiKey {
	case network.Vote:
		delete(c.voteInFlight, p.destination)
	case network.BeginQuorumEpoch:
		delete(c.beginInFlight, p.destination)
	case network.EndQuorumEpoch:
		delete(c.endInFlight, p.destination)
	case network.FetchQuorumRecords:
		c.fetchInFlight = false
		// Request timeout from a presumed leader: drop back to Unattached
		// at the same epoch and rediscover (spec §4.5 observer path, S7).
		if c.quorum.IsFollower() || c.quorum.IsObserver() {
			if err := c.quorum.BecomeUnattached(c.quorum.Epoch()); err != nil {
				return err
			}
			c.clearInFlightForNewEpoch()
			c.discovered = false
		}
	case network.FindQuorum:
		c.findQuorumInFlight = false
	}
	return nil
}

func (c *Core) startElection() error {
	if err := c.quorum.BecomeCandidate(); err != nil {
		return err
	}
	c.clearInFlightForNewEpoch()
	c.log.Info("starting election", "epoch", c.quorum.Epoch())
	if c.quorum.HasMajority() {
		// Single-voter quorum: self-grant already satisfies majority.
		return c.promoteToLeader()
	}
	return nil
}

func (c *Core) promoteToLeader() error {
	epoch := c.quorum.Epoch()
	if err := c.quorum.BecomeLeader(epoch); err != nil {
		return err
	}
	c.clearInFlightForNewEpoch()
	if _, err := c.replicatedLog.AppendLeaderChange(c.cfg.SelfID, sortedVoterIDs(c.voters), epoch); err != nil {
		return err
	}
	c.log.Info("promoted to leader", "epoch", epoch)
	return nil
}

func (c *Core) clearInFlightForNewEpoch() {
	c.voteInFlight = map[int32]uint32{}
	c.beginInFlight = map[int32]bool{}
	c.endInFlight = map[int32]bool{}
	c.fetchInFlight = false
}

// observeEpoch applies the transition table's catch-all rule: observing a
// higher epoch via any request or response demotes this node to
// Unattached at that epoch, regardless of current role.
func (c *Core) observeEpoch(remoteEpoch uint32) error {
	if remoteEpoch > c.quorum.Epoch() {
		if err := c.quorum.BecomeUnattached(remoteEpoch); err != nil {
			return err
		}
		c.clearInFlightForNewEpoch()
		c.discovered = false
	}
	return nil
}

// --- outbound emission ---

func (c *Core) emitOutboundForRole() error {
	if !c.discovered {
		if err := c.maybeSendFindQuorum(); err != nil {
			return err
		}
	}

	switch c.quorum.Kind() {
	case quorum.Candidate:
		return c.maybeSendVoteRequests()
	case quorum.Leader:
		if c.shuttingDown {
			return c.maybeSendEndQuorumEpoch()
		}
		return c.maybeSendBeginQuorumEpoch()
	case quorum.Follower:
		return c.maybeSendFetch()
	case quorum.Observer:
		if c.quorum.LeaderID() >= 0 {
			return c.maybeSendFetch()
		}
	}
	return nil
}

func (c *Core) nextBootstrapAddr() int32 {
	dest := c.bootstrapAddrs[c.bootstrapIdx%len(c.bootstrapAddrs)]
	c.bootstrapIdx++
	return dest
}

// parseBootstrapNodeID recovers a voter id from a resolved address that
// follows the "node-<id>[:port]" placeholder convention Core itself uses
// in voterDescriptors when a peer's real address isn't known yet. Static
// bootstrap entries of that shape round-trip to their real voter id
// instead of minting a synthetic one.
func parseBootstrapNodeID(addr string) (int32, bool) {
	host := addr
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		host = addr[:i]
	}
	trimmed := strings.TrimPrefix(host, "node-")
	if trimmed == host {
		return 0, false
	}
	id, err := strconv.ParseInt(trimmed, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(id), true
}

// resolveBootstrapDest asks cfg.BootstrapResolver for the next reachable
// bootstrap address and maps it to a node id Channel can address. Since
// Transport routes by node id rather than address, an address that
// doesn't carry a recoverable voter id is assigned a synthetic negative
// id the first time it is seen and reused on every later resolve of the
// same address; its endpoint is registered with channel.UpdateEndpoint so
// a socket-backed Transport knows where to actually dial it.
func (c *Core) resolveBootstrapDest(ctx context.Context) (int32, error) {
	addr, err := c.cfg.BootstrapResolver.NextReachable(ctx, c.cfg.bootstrapDialTimeout())
	if err != nil {
		return 0, err
	}
	id, ok := parseBootstrapNodeID(addr)
	if !ok {
		if existing, seen := c.resolvedAddrs[addr]; seen {
			id = existing
		} else {
			id = c.nextSyntheticID
			c.nextSyntheticID--
			c.resolvedAddrs[addr] = id
		}
	}
	c.channel.UpdateEndpoint(id, addr)
	return id, nil
}

func (c *Core) maybeSendFindQuorum() error {
	if c.findQuorumInFlight {
		return nil
	}
	if len(c.bootstrapAddrs) == 0 && c.cfg.BootstrapResolver == nil {
		c.discovered = true
		return nil
	}
	now := c.cfg.now()
	if !c.nextFindQuorumAttempt.IsZero() && now.Before(c.nextFindQuorumAttempt) {
		return nil
	}

	var dest int32
	if len(c.bootstrapAddrs) > 0 {
		dest = c.nextBootstrapAddr()
	} else {
		resolved, err := c.resolveBootstrapDest(context.Background())
		if err != nil {
			c.log.Warn("bootstrap resolver found no reachable candidate", "error", err)
			c.nextFindQuorumAttempt = now.Add(time.Duration(c.cfg.RetryBackoffMs) * time.Millisecond)
			return nil
		}
		dest = resolved
	}

	corrID := c.channel.NewCorrelationID()
	req := network.NewFindQuorumRequest(corrID, dest, network.FindQuorumRequest{ReplicaID: c.cfg.SelfID})
	if err := c.channel.Send(req); err != nil {
		return err
	}
	c.pending[corrID] = pendingRequest{apiKey: network.FindQuorum, destination: dest, deadline: now.Add(c.requestTimeout())}
	c.findQuorumInFlight = true
	return nil
}

func (c *Core) maybeSendVoteRequests() error {
	now := c.cfg.now()
	for _, v := range sortedVoterIDs(c.voters) {
		if v == c.cfg.SelfID {
			continue
		}
		if _, inFlight := c.voteInFlight[v]; inFlight {
			continue
		}
		corrID := c.channel.NewCorrelationID()
		req := network.NewVoteRequest(corrID, v, network.VoteRequest{
			CandidateEpoch:     c.quorum.Epoch(),
			CandidateID:        c.cfg.SelfID,
			LastEpoch:          c.replicatedLog.LastFetchedEpoch(),
			LastEpochEndOffset: c.replicatedLog.EndOffset(),
		})
		if err := c.channel.Send(req); err != nil {
			return err
		}
		c.pending[corrID] = pendingRequest{apiKey: network.Vote, destination: v, deadline: now.Add(c.requestTimeout())}
		c.voteInFlight[v] = corrID
	}
	return nil
}

func (c *Core) maybeSendBeginQuorumEpoch() error {
	now := c.cfg.now()
	for _, v := range sortedVoterIDs(c.voters) {
		if v == c.cfg.SelfID || c.beginInFlight[v] {
			continue
		}
		corrID := c.channel.NewCorrelationID()
		req := network.NewBeginQuorumEpochRequest(corrID, v, network.BeginQuorumEpochRequest{
			LeaderEpoch: c.quorum.Epoch(),
			LeaderID:    c.cfg.SelfID,
			ReplicaID:   c.cfg.SelfID,
		})
		if err := c.channel.Send(req); err != nil {
			return err
		}
		c.pending[corrID] = pendingRequest{apiKey: network.BeginQuorumEpoch, destination: v, deadline: now.Add(c.requestTimeout())}
		c.beginInFlight[v] = true
	}
	return nil
}

func (c *Core) maybeSendEndQuorumEpoch() error {
	now := c.cfg.now()
	for _, v := range sortedVoterIDs(c.voters) {
		if v == c.cfg.SelfID || c.endInFlight[v] {
			continue
		}
		corrID := c.channel.NewCorrelationID()
		req := network.NewEndQuorumEpochRequest(corrID, v, network.EndQuorumEpochRequest{
			LeaderEpoch: c.quorum.Epoch(),
			LeaderID:    c.cfg.SelfID,
			ReplicaID:   c.cfg.SelfID,
		})
		if err := c.channel.Send(req); err != nil {
			return err
		}
		c.pending[corrID] = pendingRequest{apiKey: network.EndQuorumEpoch, destination: v, deadline: now.Add(c.requestTimeout())}
		c.endInFlight[v] = true
	}
	return nil
}

func (c *Core) maybeSendFetch() error {
	if c.fetchInFlight || c.quorum.LeaderID() < 0 {
		return nil
	}
	now := c.cfg.now()
	corrID := c.channel.NewCorrelationID()
	req := network.NewFetchQuorumRecordsRequest(corrID, c.quorum.LeaderID(), network.FetchQuorumRecordsRequest{
		LeaderEpoch:      c.quorum.Epoch(),
		FetchOffset:      c.replicatedLog.EndOffset(),
		LastFetchedEpoch: c.replicatedLog.LastFetchedEpoch(),
		ReplicaID:        c.cfg.SelfID,
	})
	if err := c.channel.Send(req); err != nil {
		return err
	}
	c.pending[corrID] = pendingRequest{apiKey: network.FetchQuorumRecords, destination: c.quorum.LeaderID(), deadline: now.Add(c.requestTimeout())}
	c.fetchInFlight = true
	return nil
}

func (c *Core) requestTimeout() time.Duration {
	return time.Duration(c.cfg.RequestTimeoutMs) * time.Millisecond
}

// --- inbound dispatch ---

func (c *Core) dispatch(msg network.Message) error {
	switch msg.Direction {
	case network.RequestInbound:
		return c.dispatchRequest(msg)
	case network.ResponseInbound:
		return c.dispatchResponse(msg)
	default:
		return nil
	}
}

func (c *Core) dispatchRequest(msg network.Message) error {
	switch msg.APIKey {
	case network.Vote:
		return c.handleVoteRequest(msg)
	case network.BeginQuorumEpoch:
		return c.handleBeginQuorumEpochRequest(msg)
	case network.EndQuorumEpoch:
		return c.handleEndQuorumEpochRequest(msg)
	case network.FetchQuorumRecords:
		return c.handleFetchQuorumRecordsRequest(msg)
	case network.FindQuorum:
		return c.handleFindQuorumRequest(msg)
	default:
		// Design Notes §9: explicitly reject unknown apiKeys rather than
		// relying on exhaustiveness of a partial match.
		c.log.Warn("rejecting request with unrecognized apiKey", "error", errors.UnknownAPIKey(int(msg.APIKey)))
		return c.channel.Send(network.SynthesizeError(msg, network.ErrUnknownServerError))
	}
}

func (c *Core) dispatchResponse(msg network.Message) error {
	switch msg.APIKey {
	case network.Vote:
		return c.handleVoteResponse(msg)
	case network.BeginQuorumEpoch:
		return c.handleBeginQuorumEpochResponse(msg)
	case network.EndQuorumEpoch:
		return c.handleEndQuorumEpochResponse(msg)
	case network.FetchQuorumRecords:
		return c.handleFetchQuorumRecordsResponse(msg)
	case network.FindQuorum:
		return c.handleFindQuorumResponse(msg)
	default:
		return nil
	}
}

func candidateLogUpToDate(candLastEpoch uint32, candLastEndOffset uint64, ourLastEpoch uint32, ourEndOffset uint64) bool {
	if candLastEpoch != ourLastEpoch {
		return candLastEpoch > ourLastEpoch
	}
	return candLastEndOffset >= ourEndOffset
}

func (c *Core) handleVoteRequest(msg network.Message) error {
	req := msg.VoteReq
	currentEpoch := c.quorum.Epoch()

	resp := network.VoteResponse{LeaderEpoch: currentEpoch, LeaderID: c.quorum.LeaderID(), VoteGranted: false}

	if req.CandidateEpoch < currentEpoch {
		resp.ErrorCode = network.ErrFencedLeaderEpoch
	} else {
		if err := c.observeEpoch(req.CandidateEpoch); err != nil {
			return err
		}
		resp.LeaderEpoch = c.quorum.Epoch()
		resp.LeaderID = c.quorum.LeaderID()

		votedFor := c.quorum.VotedFor()
		logOK := candidateLogUpToDate(req.LastEpoch, req.LastEpochEndOffset, c.replicatedLog.LastFetchedEpoch(), c.replicatedLog.EndOffset())
		// Once this epoch has a known leader — ourselves or someone else —
		// BecomeLeader/BecomeFollower have already reset VotedFor to -1, so
		// the votedFor check alone can't tell "haven't voted" from "already
		// settled on a leader". Require no leader known yet, mirroring
		// KRaft's canGrantVote override.
		if c.quorum.IsVoter(c.cfg.SelfID) && c.quorum.LeaderID() < 0 && (votedFor < 0 || votedFor == req.CandidateID) && logOK {
			if err := c.quorum.RecordVote(c.quorum.Epoch(), req.CandidateID); err != nil {
				return err
			}
			resp.VoteGranted = true
		}
	}

	out := network.Message{Direction: network.ResponseOutbound, APIKey: network.Vote, CorrelationID: msg.CorrelationID, Destination: msg.Source, VoteResp: &resp}
	return c.channel.Send(out)
}

func (c *Core) handleBeginQuorumEpochRequest(msg network.Message) error {
	req := msg.BeginReq
	currentEpoch := c.quorum.Epoch()

	resp := network.BeginQuorumEpochResponse{LeaderEpoch: currentEpoch, LeaderID: c.quorum.LeaderID()}
	if req.LeaderEpoch < currentEpoch {
		resp.ErrorCode = network.ErrFencedLeaderEpoch
	} else {
		if err := c.observeEpoch(req.LeaderEpoch); err != nil {
			return err
		}
		if err := c.quorum.BecomeFollower(req.LeaderEpoch, req.LeaderID); err != nil {
			return err
		}
		c.clearInFlightForNewEpoch()
		c.discovered = true
		resp.LeaderEpoch = c.quorum.Epoch()
		resp.LeaderID = c.quorum.LeaderID()
	}

	out := network.Message{Direction: network.ResponseOutbound, APIKey: network.BeginQuorumEpoch, CorrelationID: msg.CorrelationID, Destination: msg.Source, BeginResp: &resp}
	return c.channel.Send(out)
}

func (c *Core) handleEndQuorumEpochRequest(msg network.Message) error {
	req := msg.EndReq
	if err := c.observeEpoch(req.LeaderEpoch); err != nil {
		return err
	}
	if req.LeaderEpoch >= c.quorum.Epoch() && req.LeaderID == c.quorum.LeaderID() {
		if err := c.quorum.BecomeUnattached(c.quorum.Epoch()); err != nil {
			return err
		}
		c.clearInFlightForNewEpoch()
	}

	resp := network.EndQuorumEpochResponse{LeaderEpoch: c.quorum.Epoch(), LeaderID: c.quorum.LeaderID()}
	out := network.Message{Direction: network.ResponseOutbound, APIKey: network.EndQuorumEpoch, CorrelationID: msg.CorrelationID, Destination: msg.Source, EndResp: &resp}
	return c.channel.Send(out)
}

func (c *Core) handleFetchQuorumRecordsRequest(msg network.Message) error {
	req := msg.FetchReq
	if err := c.observeEpoch(req.LeaderEpoch); err != nil {
		return err
	}

	resp := network.FetchQuorumRecordsResponse{LeaderEpoch: c.quorum.Epoch(), LeaderID: c.quorum.LeaderID()}
	if !c.quorum.IsLeader() || req.LeaderEpoch != c.quorum.Epoch() {
		resp.ErrorCode = network.ErrNotLeaderForPartition
		out := network.Message{Direction: network.ResponseOutbound, APIKey: network.FetchQuorumRecords, CorrelationID: msg.CorrelationID, Destination: msg.Source, FetchResp: &resp}
		return c.channel.Send(out)
	}

	// A fetch at our own epoch is implicit endorsement: the sender has
	// adopted us as leader, so we don't need to (re)send BeginQuorumEpoch.
	c.beginInFlight[req.ReplicaID] = true
	if c.quorum.IsVoter(req.ReplicaID) {
		if err := c.quorum.UpdateMatchOffset(req.ReplicaID, req.FetchOffset); err != nil {
			return err
		}
	}

	ok, nextOffset, nextEpoch := c.replicatedLog.ValidateFetch(req.FetchOffset, req.LastFetchedEpoch)
	if !ok {
		resp.ErrorCode = network.ErrOffsetOutOfRange
		no, ne := nextOffset, nextEpoch
		resp.NextFetchOffset = &no
		resp.NextFetchOffsetEpoch = &ne
	} else {
		resp.Records = toWireBatches(c.replicatedLog.Read(req.FetchOffset, nil))
		resp.HighWatermark = c.highWatermark
	}

	out := network.Message{Direction: network.ResponseOutbound, APIKey: network.FetchQuorumRecords, CorrelationID: msg.CorrelationID, Destination: msg.Source, FetchResp: &resp}
	return c.channel.Send(out)
}

func (c *Core) handleFindQuorumRequest(msg network.Message) error {
	resp := network.FindQuorumResponse{
		LeaderEpoch: c.quorum.Epoch(),
		LeaderID:    c.quorum.LeaderID(),
		Voters:      c.voterDescriptors(),
	}
	out := network.Message{Direction: network.ResponseOutbound, APIKey: network.FindQuorum, CorrelationID: msg.CorrelationID, Destination: msg.Source, FindResp: &resp}
	return c.channel.Send(out)
}

func (c *Core) handleVoteResponse(msg network.Message) error {
	p, ok := c.pending[msg.CorrelationID]
	if !ok {
		return nil
	}
	delete(c.pending, msg.CorrelationID)
	if c.voteInFlight[p.destination] != msg.CorrelationID {
		return nil
	}
	delete(c.voteInFlight, p.destination)

	if !c.quorum.IsCandidate() {
		return nil // role changed since the request was sent (S5)
	}
	resp := msg.VoteResp
	if err := c.observeEpoch(resp.LeaderEpoch); err != nil {
		return err
	}
	if !c.quorum.IsCandidate() || resp.LeaderEpoch != c.quorum.Epoch() {
		return nil
	}

	if resp.VoteGranted {
		if err := c.quorum.RecordGrant(p.destination); err != nil {
			return err
		}
		if c.quorum.HasMajority() {
			return c.promoteToLeader()
		}
	} else {
		_ = c.quorum.RecordReject(p.destination)
	}
	return nil
}

func (c *Core) handleBeginQuorumEpochResponse(msg network.Message) error {
	if _, ok := c.pending[msg.CorrelationID]; !ok {
		return nil
	}
	delete(c.pending, msg.CorrelationID)
	resp := msg.BeginResp
	if resp.ErrorCode == network.ErrFencedLeaderEpoch {
		return c.observeEpoch(resp.LeaderEpoch)
	}
	return nil
}

func (c *Core) handleEndQuorumEpochResponse(msg network.Message) error {
	if _, ok := c.pending[msg.CorrelationID]; !ok {
		return nil
	}
	delete(c.pending, msg.CorrelationID)
	resp := msg.EndResp
	if resp.ErrorCode == network.ErrFencedLeaderEpoch {
		return c.observeEpoch(resp.LeaderEpoch)
	}
	return nil
}

func (c *Core) handleFetchQuorumRecordsResponse(msg network.Message) error {
	if _, ok := c.pending[msg.CorrelationID]; !ok {
		return nil
	}
	delete(c.pending, msg.CorrelationID)
	c.fetchInFlight = false

	if !c.quorum.IsFollower() && !c.quorum.IsObserver() {
		return nil // role changed since the fetch was sent (S5)
	}
	resp := msg.FetchResp
	if err := c.observeEpoch(resp.LeaderEpoch); err != nil {
		return err
	}

	switch resp.ErrorCode {
	case network.ErrNone:
		for _, wb := range resp.Records {
			if err := c.replicatedLog.AppendAsFollower(fromWireBatch(wb)); err != nil {
				return err
			}
		}
		if resp.HighWatermark > c.highWatermark {
			c.highWatermark = resp.HighWatermark
		}
	case network.ErrOffsetOutOfRange:
		if resp.NextFetchOffset != nil {
			c.replicatedLog.TruncateTo(*resp.NextFetchOffset)
		}
	case network.ErrClusterAuthorizationFailed:
		// The leader rejected us outright rather than just being
		// unreachable; treat it the same as BROKER_NOT_AVAILABLE and go
		// looking for a quorum member that will still talk to us.
		c.log.Warn("fetch rejected", "error", errors.AuthFailed(resp.LeaderID))
		if err := c.quorum.BecomeUnattached(c.quorum.Epoch()); err != nil {
			return err
		}
		c.discovered = false
	case network.ErrBrokerNotAvailable, network.ErrFencedLeaderEpoch, network.ErrNotLeaderForPartition:
		if err := c.quorum.BecomeUnattached(c.quorum.Epoch()); err != nil {
			return err
		}
		c.discovered = false
	}
	return nil
}

func (c *Core) handleFindQuorumResponse(msg network.Message) error {
	if _, ok := c.pending[msg.CorrelationID]; !ok {
		return nil
	}
	delete(c.pending, msg.CorrelationID)
	c.findQuorumInFlight = false

	resp := msg.FindResp
	if resp.ErrorCode != network.ErrNone {
		c.nextFindQuorumAttempt = c.cfg.now().Add(time.Duration(c.cfg.RetryBackoffMs) * time.Millisecond)
		return nil
	}

	if err := c.observeEpoch(resp.LeaderEpoch); err != nil {
		return err
	}
	for _, vd := range resp.Voters {
		c.channel.UpdateEndpoint(vd.VoterID, fmt.Sprintf("%s:%d", vd.Host, vd.Port))
	}
	c.discovered = true

	// A stale/late FindQuorum response carrying an epoch below our current
	// one must be dropped silently like any other stale response (spec
	// §5), not passed to BecomeFollower: that call is only safe at or above
	// the current epoch and would otherwise turn a benign stale response
	// into a fatal FencedEpoch error out of Poll.
	if resp.LeaderID >= 0 && resp.LeaderEpoch >= c.quorum.Epoch() {
		if err := c.quorum.BecomeFollower(resp.LeaderEpoch, resp.LeaderID); err != nil {
			return err
		}
		c.clearInFlightForNewEpoch()
	}
	return nil
}

// recomputeHighWatermark applies spec §4.5: H is the largest offset
// covered by a strict majority of matchOffsets (leader's own endOffset
// counts), restricted to entries from the leader's own epoch.
func (c *Core) recomputeHighWatermark() {
	if !c.quorum.IsLeader() {
		return
	}
	matchOffsets := c.quorum.MatchOffsets()

	offsets := make([]uint64, 0, len(c.voters))
	for v := range c.voters {
		if v == c.cfg.SelfID {
			offsets = append(offsets, c.replicatedLog.EndOffset())
			continue
		}
		offsets = append(offsets, matchOffsets[v])
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] > offsets[j] })

	H := offsets[len(offsets)/2]
	if H < c.replicatedLog.EpochStartOffset(c.quorum.Epoch()) {
		H = 0
	}
	if H > c.highWatermark {
		c.highWatermark = H
	}
}

func (c *Core) voterDescriptors() []network.VoterDescriptor {
	ids := sortedVoterIDs(c.voters)
	out := make([]network.VoterDescriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, network.VoterDescriptor{VoterID: id, BootTimestamp: c.cfg.now().Unix(), Host: fmt.Sprintf("node-%d", id), Port: 0})
	}
	return out
}

func sortedVoterIDs(voters map[int32]bool) []int32 {
	ids := make([]int32, 0, len(voters))
	for id := range voters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// toWireBatches/fromWireBatch cross the boundary between raftlog's
// internal batch representation and network.RecordBatch, the wire-level
// view spec §1 leaves unspecified (the actual byte framing a socket
// transport would use is out of scope). The batch's already-compressed
// Payload, its Codec tag, and its integrity Digest all travel verbatim so
// the receiving ReplicatedLog can decompress and verify them exactly as
// internal/raftlog.Log.AppendAsFollower requires — nothing is
// re-serialized or re-derived at this boundary.
func toWireBatches(batches []raftlog.Batch) []network.RecordBatch {
	out := make([]network.RecordBatch, 0, len(batches))
	for _, b := range batches {
		out = append(out, network.RecordBatch{
			BaseOffset: b.BaseOffset,
			Epoch:      b.Epoch,
			IsControl:  b.IsControl,
			Codec:      uint8(b.Codec),
			Digest:     append([]byte{}, b.Digest[:]...),
			Payload:    b.Payload,
		})
	}
	return out
}

func fromWireBatch(wb network.RecordBatch) raftlog.Batch {
	var digest raftlog.Digest
	copy(digest[:], wb.Digest)
	return raftlog.Batch{
		BaseOffset: wb.BaseOffset,
		Epoch:      wb.Epoch,
		IsControl:  wb.IsControl,
		Codec:      codec.Algorithm(wb.Codec),
		Digest:     digest,
		Payload:    wb.Payload,
	}
}

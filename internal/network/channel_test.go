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

package network

import "testing"

// fakeTransport is a minimal, deterministic Transport double for exercising
// Channel's flush/synthesis/timeout-derivation rules without any real I/O.
type fakeTransport struct {
	ready      map[int32]bool
	failed     map[int32]bool
	authFailed map[int32]bool
	sent       []Message
	inbound    []Message
	polled     []int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ready: map[int32]bool{}, failed: map[int32]bool{}, authFailed: map[int32]bool{}}
}

func (f *fakeTransport) IsReady(nodeID int32) bool    { return f.ready[nodeID] }
func (f *fakeTransport) Failed(nodeID int32) bool     { return f.failed[nodeID] }
func (f *fakeTransport) AuthFailed(nodeID int32) bool { return f.authFailed[nodeID] }
func (f *fakeTransport) Send(nodeID int32, msg Message, timeoutMs int) error {
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeTransport) Poll(timeoutMs int) []Message {
	f.polled = append(f.polled, timeoutMs)
	out := f.inbound
	f.inbound = nil
	return out
}
func (f *fakeTransport) UpdateEndpoint(nodeID int32, address string) {}
func (f *fakeTransport) Wakeup()                                     {}

func TestNewCorrelationIDMonotonic(t *testing.T) {
	ch := NewChannel(newFakeTransport(), DefaultChannelConfig())
	a := ch.NewCorrelationID()
	b := ch.NewCorrelationID()
	c := ch.NewCorrelationID()
	if !(a < b && b < c) {
		t.Errorf("expected strictly increasing correlation ids, got %d, %d, %d", a, b, c)
	}
}

func TestSendToReadyDestinationReachesTransport(t *testing.T) {
	transport := newFakeTransport()
	transport.ready[1] = true
	ch := NewChannel(transport, DefaultChannelConfig())

	req := NewVoteRequest(ch.NewCorrelationID(), 1, VoteRequest{CandidateEpoch: 1, CandidateID: 0})
	if err := ch.Send(req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ch.Receive(1000)

	if len(transport.sent) != 1 {
		t.Fatalf("expected 1 message reaching transport, got %d", len(transport.sent))
	}
}

func TestUnknownDestinationSynthesizesBrokerNotAvailable(t *testing.T) {
	transport := newFakeTransport()
	transport.failed[99] = true
	ch := NewChannel(transport, DefaultChannelConfig())

	corr := ch.NewCorrelationID()
	req := NewVoteRequest(corr, 99, VoteRequest{CandidateEpoch: 1, CandidateID: 0})
	ch.Send(req)

	msgs := ch.Receive(1000)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 synthesized message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.Direction != ResponseInbound {
		t.Errorf("expected ResponseInbound, got %v", got.Direction)
	}
	if got.CorrelationID != corr {
		t.Errorf("expected correlation id %d, got %d", corr, got.CorrelationID)
	}
	if got.VoteResp == nil || got.VoteResp.ErrorCode != ErrBrokerNotAvailable {
		t.Errorf("expected VoteResp with BROKER_NOT_AVAILABLE, got %+v", got.VoteResp)
	}
}

func TestAuthFailedDestinationSynthesizesClusterAuthorizationFailed(t *testing.T) {
	transport := newFakeTransport()
	transport.authFailed[5] = true
	ch := NewChannel(transport, DefaultChannelConfig())

	corr := ch.NewCorrelationID()
	req := NewVoteRequest(corr, 5, VoteRequest{CandidateEpoch: 1, CandidateID: 0})
	ch.Send(req)

	msgs := ch.Receive(1000)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 synthesized message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.VoteResp == nil || got.VoteResp.ErrorCode != ErrClusterAuthorizationFailed {
		t.Errorf("expected VoteResp with CLUSTER_AUTHORIZATION_FAILED, got %+v", got.VoteResp)
	}
	if len(transport.sent) != 0 {
		t.Errorf("expected the auth-failed destination to never reach the transport, got %d sends", len(transport.sent))
	}
}

func TestNotReadyDestinationIsRequeuedNotSynthesized(t *testing.T) {
	transport := newFakeTransport()
	// Neither ready nor failed: still connecting.
	ch := NewChannel(transport, DefaultChannelConfig())

	req := NewVoteRequest(ch.NewCorrelationID(), 2, VoteRequest{CandidateEpoch: 1, CandidateID: 0})
	ch.Send(req)

	msgs := ch.Receive(1000)
	if len(msgs) != 0 {
		t.Fatalf("expected no messages while still connecting, got %d", len(msgs))
	}
	if len(transport.sent) != 0 {
		t.Fatalf("expected nothing delivered to transport while not ready, got %d", len(transport.sent))
	}

	// Becomes ready: next Receive should flush it.
	transport.ready[2] = true
	ch.Receive(1000)
	if len(transport.sent) != 1 {
		t.Fatalf("expected the requeued send to flush once ready, got %d", len(transport.sent))
	}
}

func TestPollTimeoutDerivation(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.RetryBackoffMs = 42

	t.Run("synthesized pending forces zero timeout", func(t *testing.T) {
		transport := newFakeTransport()
		transport.failed[7] = true
		ch := NewChannel(transport, cfg)
		ch.Send(NewVoteRequest(ch.NewCorrelationID(), 7, VoteRequest{}))

		ch.Receive(5000)
		if got := transport.polled[len(transport.polled)-1]; got != 0 {
			t.Errorf("expected poll timeout 0 when synthesized responses are pending, got %d", got)
		}
	})

	t.Run("blocked on connect uses retry backoff", func(t *testing.T) {
		transport := newFakeTransport()
		ch := NewChannel(transport, cfg)
		ch.Send(NewVoteRequest(ch.NewCorrelationID(), 3, VoteRequest{}))

		ch.Receive(5000)
		if got := transport.polled[len(transport.polled)-1]; got != cfg.RetryBackoffMs {
			t.Errorf("expected poll timeout %d when blocked on connect, got %d", cfg.RetryBackoffMs, got)
		}
	})

	t.Run("otherwise uses caller timeout", func(t *testing.T) {
		transport := newFakeTransport()
		ch := NewChannel(transport, cfg)

		ch.Receive(5000)
		if got := transport.polled[len(transport.polled)-1]; got != 5000 {
			t.Errorf("expected poll timeout 5000, got %d", got)
		}
	})
}

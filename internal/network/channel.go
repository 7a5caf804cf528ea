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

import (
	"sync/atomic"

	"github.com/firefly-oss/raftquorum/internal/errors"
	"github.com/firefly-oss/raftquorum/internal/logging"
)

// Transport is the external collaborator that actually moves bytes. It is
// supplied by the embedder; Channel never does socket I/O itself.
type Transport interface {
	// IsReady reports whether a connection to nodeID can accept a send right
	// now. A destination this transport has never heard of (no endpoint)
	// also reports not ready; Channel distinguishes "unknown" from
	// "not ready yet" via Failed.
	IsReady(nodeID int32) bool
	// Failed reports whether the connection to nodeID is known broken
	// (vs merely still connecting). Unrouteable/unknown destinations also
	// report failed.
	Failed(nodeID int32) bool
	// AuthFailed reports whether nodeID has rejected us on cluster
	// authorization grounds, distinct from a connection simply being
	// unreachable or broken.
	AuthFailed(nodeID int32) bool
	// Send submits an outbound message, already tagged with a per-request
	// timeout in milliseconds. Only called when IsReady(nodeID) is true.
	Send(nodeID int32, msg Message, timeoutMs int) error
	// Poll blocks up to timeoutMs milliseconds for inbound messages
	// (requests from peers, responses to earlier sends).
	Poll(timeoutMs int) []Message
	// UpdateEndpoint learns or updates the network address of a peer.
	UpdateEndpoint(nodeID int32, address string)
	// Wakeup unblocks a concurrent Poll call.
	Wakeup()
}

// ChannelConfig configures the bounded queues and backoff a Channel uses.
type ChannelConfig struct {
	RetryBackoffMs    int
	RequestTimeoutMs  int
	OutboundQueueSize int
}

// DefaultChannelConfig mirrors the election/request timing defaults in
// internal/config.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{RetryBackoffMs: 100, RequestTimeoutMs: 3000, OutboundQueueSize: 64}
}

// Channel implements the correlation-id-multiplexed request/response
// contract of spec §4.3 on top of an injected Transport. It is the one
// piece of the consensus core that owns a send/receive boundary to the
// outside world; ConsensusCore itself never touches Transport directly.
type Channel struct {
	log       *logging.Logger
	transport Transport
	cfg       ChannelConfig

	nextCorrelationID uint32

	outbound    []Message // FIFO of sends not yet handed to the transport
	synthesized []Message // responses manufactured since the last Receive
}

// NewChannel wraps transport with correlation tracking and the error
// synthesis rules of spec §4.3.
func NewChannel(transport Transport, cfg ChannelConfig) *Channel {
	return &Channel{
		log:       logging.NewLogger("network"),
		transport: transport,
		cfg:       cfg,
	}
}

// NewCorrelationID returns the next value in this channel's monotonic
// correlation-id sequence.
func (c *Channel) NewCorrelationID() uint32 {
	return atomic.AddUint32(&c.nextCorrelationID, 1)
}

// Send enqueues an outbound request or response. It does not block and
// does not itself contact the transport; delivery happens on the next
// Receive. Overflow of the bounded outbound queue is a fatal condition —
// spec §4.3 notes a correctly sized peer set guarantees it cannot occur in
// steady state.
func (c *Channel) Send(msg Message) error {
	if len(c.outbound) >= c.cfg.OutboundQueueSize {
		return errors.QueueOverflow("network.outbound")
	}
	c.outbound = append(c.outbound, msg)
	return nil
}

// UpdateEndpoint forwards to the transport.
func (c *Channel) UpdateEndpoint(nodeID int32, address string) {
	c.transport.UpdateEndpoint(nodeID, address)
}

// Wakeup forwards to the transport, unblocking a concurrent Receive.
func (c *Channel) Wakeup() {
	c.transport.Wakeup()
}

// Receive flushes pending outbound sends, polls the transport with a
// timeout derived per spec §4.3, and returns every inbound message plus
// any response this Channel synthesized rather than sending over the wire.
func (c *Channel) Receive(timeoutMs int) []Message {
	blockedOnConnect := c.flushOutbound()

	timeout := timeoutMs
	if len(c.synthesized) > 0 {
		timeout = 0
	} else if blockedOnConnect {
		timeout = c.cfg.RetryBackoffMs
	}

	inbound := c.transport.Poll(timeout)

	out := c.synthesized
	c.synthesized = nil
	out = append(out, inbound...)
	return out
}

// flushOutbound attempts to hand every queued send to the transport,
// synthesizing BROKER_NOT_AVAILABLE for destinations that are unroutable
// or whose connection has failed, and requeuing sends that are merely
// still connecting. It reports whether anything remains queued waiting on
// a connection.
func (c *Channel) flushOutbound() bool {
	remaining := c.outbound[:0]
	blockedOnConnect := false

	for _, msg := range c.outbound {
		switch {
		case c.transport.AuthFailed(msg.Destination):
			c.synthesizeAuthFailed(msg)
		case c.transport.Failed(msg.Destination):
			c.synthesizeUnreachable(msg)
		case c.transport.IsReady(msg.Destination):
			if err := c.transport.Send(msg.Destination, msg, c.requestTimeoutFor(msg)); err != nil {
				c.synthesizeUnreachable(msg)
				continue
			}
		default:
			// Not ready yet: leave at (what becomes) the head of the queue
			// and retry on the next Receive.
			remaining = append(remaining, msg)
			blockedOnConnect = true
		}
	}

	c.outbound = remaining
	return blockedOnConnect
}

func (c *Channel) synthesizeUnreachable(msg Message) {
	if !msg.IsRequest() {
		// A response we failed to deliver has no correlation to retry;
		// drop it rather than synthesize a phantom inbound request.
		c.log.Warn("dropping undeliverable response", "destination", msg.Destination, "apiKey", msg.APIKey.String())
		return
	}
	c.log.Warn("synthesizing broker-not-available", "destination", msg.Destination, "apiKey", msg.APIKey.String(), "correlationId", msg.CorrelationID)
	c.synthesized = append(c.synthesized, SynthesizeErrorForOutbound(msg, ErrBrokerNotAvailable))
}

func (c *Channel) synthesizeAuthFailed(msg Message) {
	if !msg.IsRequest() {
		c.log.Warn("dropping undeliverable response", "destination", msg.Destination, "apiKey", msg.APIKey.String())
		return
	}
	c.log.Warn("synthesizing cluster-authorization-failed", "destination", msg.Destination, "apiKey", msg.APIKey.String(), "correlationId", msg.CorrelationID)
	c.synthesized = append(c.synthesized, SynthesizeErrorForOutbound(msg, ErrClusterAuthorizationFailed))
}

func (c *Channel) requestTimeoutFor(msg Message) int {
	return c.cfg.RequestTimeoutMs
}

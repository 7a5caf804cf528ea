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
Package transport ships the in-process Transport used by tests, plus the
DialFirstReachable probe internal/discovery uses. The consensus core never imports
this package directly — it only depends on network.Transport — so a real
deployment can swap in a socket-backed implementation without touching
internal/consensus.
*/
package transport

import (
	"sync"
	"time"

	"github.com/firefly-oss/raftquorum/internal/network"
)

// MemoryHub wires a set of in-process MemoryTransports together, standing
// in for the socket fabric a real deployment would use. It is the
// multi-node analogue of the teacher's acceptConnections loop, minus any
// actual socket.
type MemoryHub struct {
	mu    sync.Mutex
	nodes map[int32]*MemoryTransport
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{nodes: make(map[int32]*MemoryTransport)}
}

// NewTransport registers nodeID with the hub and returns its Transport.
func (h *MemoryHub) NewTransport(nodeID int32) *MemoryTransport {
	t := &MemoryTransport{
		hub:       h,
		nodeID:    nodeID,
		endpoints: make(map[int32]string),
		inbox:     make(chan network.Message, 256),
		wake:      make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.nodes[nodeID] = t
	h.mu.Unlock()
	return t
}

func (h *MemoryHub) lookup(nodeID int32) *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nodes[nodeID]
}

// MemoryTransport implements network.Transport entirely in process. Every
// node in a MemoryHub is "ready" the instant it is registered — there is no
// connection-establishment delay to simulate, so IsReady only reports
// "do we know this node at all".
type MemoryTransport struct {
	hub    *MemoryHub
	nodeID int32

	mu        sync.Mutex
	endpoints map[int32]string
	denied    map[int32]bool

	inbox chan network.Message
	wake  chan struct{}
}

// IsReady reports whether nodeID is registered with the hub.
func (t *MemoryTransport) IsReady(nodeID int32) bool {
	return t.hub.lookup(nodeID) != nil
}

// Failed reports whether nodeID is not (or no longer) registered.
func (t *MemoryTransport) Failed(nodeID int32) bool {
	return t.hub.lookup(nodeID) == nil
}

// DenyAuth marks nodeID as rejecting this node on cluster authorization
// grounds, the way a real transport would after a failed auth handshake.
// Test-only: simulates what a socket transport's auth layer would report.
func (t *MemoryTransport) DenyAuth(nodeID int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.denied == nil {
		t.denied = make(map[int32]bool)
	}
	t.denied[nodeID] = true
}

// AuthFailed reports whether nodeID has been marked denied via DenyAuth.
func (t *MemoryTransport) AuthFailed(nodeID int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.denied[nodeID]
}

// Send delivers msg to nodeID's inbox, translating the envelope's
// direction the way a real peer's receipt would: an outbound request
// becomes that peer's inbound request, tagged with our node id as Source.
func (t *MemoryTransport) Send(nodeID int32, msg network.Message, timeoutMs int) error {
	dest := t.hub.lookup(nodeID)
	if dest == nil {
		return nil // caller's Failed/IsReady check already filtered this; no-op defensively
	}

	delivered := msg
	delivered.Source = t.nodeID
	delivered.Destination = 0
	switch msg.Direction {
	case network.RequestOutbound:
		delivered.Direction = network.RequestInbound
	case network.ResponseOutbound:
		delivered.Direction = network.ResponseInbound
	}

	select {
	case dest.inbox <- delivered:
	default:
		// Bounded inbox full: the message is dropped rather than blocking
		// the sender, and Send still reports success.
		return nil
	}
	select {
	case dest.wake <- struct{}{}:
	default:
	}
	return nil
}

// Poll waits up to timeoutMs for at least one inbound message, then drains
// whatever else is immediately available without blocking further.
func (t *MemoryTransport) Poll(timeoutMs int) []network.Message {
	var out []network.Message

	// Take an already-queued message first: an expired timer would otherwise
	// compete with it in the select below and could win.
	select {
	case msg := <-t.inbox:
		out = append(out, msg)
	default:
		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer timer.Stop()

		select {
		case msg := <-t.inbox:
			out = append(out, msg)
		case <-t.wake:
		case <-timer.C:
			return nil
		}
	}

drain:
	for {
		select {
		case msg := <-t.inbox:
			out = append(out, msg)
		default:
			break drain
		}
	}
	return out
}

// UpdateEndpoint records a logical address for nodeID. MemoryTransport
// never dials it and nothing reads the recorded address back; delivery
// routes by node id alone.
func (t *MemoryTransport) UpdateEndpoint(nodeID int32, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoints[nodeID] = address
}

// Wakeup unblocks a concurrent Poll.
func (t *MemoryTransport) Wakeup() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

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
Package discovery turns a node's configured bootstrap entries into a list of
addresses worth sending FindQuorum to. An unattached or observer ConsensusCore
that has never heard from a leader calls Resolver.NextReachable once per
discovery cycle; it resolves the list via Addresses and falls back to
round-robin via Next when no candidate accepts a connection.

Three sources are expanded and merged, in the manner of the teacher's
cluster/membership.go seed-node joining:

  - static host:port entries, always available;
  - a DNS SRV lookup against a configured name, for environments that
    publish quorum members as SRV records;
  - local-network mDNS browsing of a _raftquorum._tcp service, for
    single-LAN or demo deployments with no DNS infrastructure.

A single Resolver is safe for concurrent use; concurrent Addresses calls
that land while a resolve is already in flight share its result instead of
each issuing their own DNS/mDNS lookups.
*/
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"github.com/firefly-oss/raftquorum/internal/config"
	"github.com/firefly-oss/raftquorum/internal/errors"
	"github.com/firefly-oss/raftquorum/internal/logging"
	"github.com/firefly-oss/raftquorum/internal/transport"
)

// DefaultMDNSService is the service name bootstrap nodes advertise and
// browse for when mDNS discovery is enabled.
const DefaultMDNSService = "_raftquorum._tcp"

// Config describes how a Resolver expands its bootstrap entries.
type Config struct {
	// Static is a fixed list of host:port candidates, always included.
	Static []string

	// DNSName, if set, is SRV-looked-up via DNSServer (or the system
	// resolver config if DNSServer is empty) on every resolve cycle.
	DNSName   string
	DNSServer string

	// MDNSEnabled turns on local-network service browsing for MDNSService
	// (defaulting to DefaultMDNSService).
	MDNSEnabled bool
	MDNSService string

	// LookupTimeout bounds each DNS/mDNS round. Defaults to 2s.
	LookupTimeout time.Duration
}

// Resolver resolves a bootstrap address list and hands it out in round-robin
// order. Results are not cached: every Addresses call resolves afresh.
type Resolver struct {
	cfg Config
	log *logging.Logger
	sf  singleflight.Group

	mu   sync.Mutex
	next int
}

// NewResolver returns a Resolver for cfg. cfg.Static is copied defensively.
func NewResolver(cfg Config) *Resolver {
	cfg.Static = append([]string{}, cfg.Static...)
	if cfg.MDNSService == "" {
		cfg.MDNSService = DefaultMDNSService
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 2 * time.Second
	}
	return &Resolver{cfg: cfg, log: logging.NewLogger("discovery")}
}

// ConfigFromNodeConfig translates a node's on-disk/env bootstrap settings
// into a Resolver Config, the one place cfg.BootstrapServers,
// cfg.BootstrapDNSName, and cfg.BootstrapMDNSService are actually read and
// turned into discovery behavior.
func ConfigFromNodeConfig(cfg *config.Config) Config {
	return Config{
		Static:      cfg.BootstrapServers,
		DNSName:     cfg.BootstrapDNSName,
		MDNSEnabled: cfg.BootstrapMDNSService != "",
		MDNSService: cfg.BootstrapMDNSService,
	}
}

// Addresses returns the merged, deduplicated bootstrap candidate list.
// Concurrent callers that arrive while a resolve is already running block
// on and share that resolve's result rather than issuing their own lookups.
func (r *Resolver) Addresses(ctx context.Context) ([]string, error) {
	v, err, _ := r.sf.Do("resolve", func() (interface{}, error) {
		return r.resolveAll(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Next resolves the candidate list via Addresses and returns the next
// address in round-robin order, wrapping around.
func (r *Resolver) Next(ctx context.Context) (string, error) {
	addrs, err := r.Addresses(ctx)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", errors.BrokerNotAvailable(-1)
	}
	r.mu.Lock()
	addr := addrs[r.next%len(addrs)]
	r.next++
	r.mu.Unlock()
	return addr, nil
}

// NextReachable is like Next but additionally dials every current
// candidate concurrently and returns the first one that actually accepts a
// connection, falling back to plain round-robin if none are reachable.
func (r *Resolver) NextReachable(ctx context.Context, dialTimeout time.Duration) (string, error) {
	addrs, err := r.Addresses(ctx)
	if err != nil {
		return "", err
	}
	if addr, err := transport.DialFirstReachable(ctx, addrs, dialTimeout); err == nil {
		return addr, nil
	}
	return r.Next(ctx)
}

func (r *Resolver) resolveAll(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var ordered []string
	add := func(addr string) {
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		ordered = append(ordered, addr)
	}
	for _, s := range r.cfg.Static {
		add(s)
	}

	if r.cfg.DNSName != "" {
		srv, err := r.resolveSRV(ctx)
		if err != nil {
			r.log.Warn("SRV bootstrap lookup failed", "name", r.cfg.DNSName, "error", err)
		}
		for _, a := range srv {
			add(a)
		}
	}

	if r.cfg.MDNSEnabled {
		found, err := r.resolveMDNS(ctx)
		if err != nil {
			r.log.Warn("mDNS bootstrap lookup failed", "service", r.cfg.MDNSService, "error", err)
		}
		for _, a := range found {
			add(a)
		}
	}

	if len(ordered) == 0 {
		return nil, errors.BrokerNotAvailable(-1)
	}
	return ordered, nil
}

// resolveSRV looks up r.cfg.DNSName as a SRV record set via miekg/dns,
// returning each target as a host:port candidate.
func (r *Resolver) resolveSRV(ctx context.Context) ([]string, error) {
	server := r.cfg.DNSServer
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(conf.Servers) == 0 {
			return nil, errors.BrokerNotAvailable(-1).WithDetail("no DNS server configured and /etc/resolv.conf unavailable")
		}
		server = conf.Servers[0] + ":" + conf.Port
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(r.cfg.DNSName), dns.TypeSRV)
	client := &dns.Client{Timeout: r.cfg.LookupTimeout}

	in, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}

	var addrs []string
	for _, rr := range in.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		host := srv.Target
		if len(host) > 0 && host[len(host)-1] == '.' {
			host = host[:len(host)-1]
		}
		addrs = append(addrs, fmt.Sprintf("%s:%d", host, srv.Port))
	}
	return addrs, nil
}

// resolveMDNS browses the local network for r.cfg.MDNSService via
// hashicorp/mdns, collecting every entry seen within LookupTimeout.
func (r *Resolver) resolveMDNS(ctx context.Context) ([]string, error) {
	entries := make(chan *mdns.ServiceEntry, 32)
	var addrs []string
	done := make(chan struct{})

	go func() {
		defer close(done)
		for e := range entries {
			addrs = append(addrs, fmt.Sprintf("%s:%d", e.AddrV4, e.Port))
		}
	}()

	params := mdns.DefaultParams(r.cfg.MDNSService)
	params.Entries = entries
	params.Timeout = r.cfg.LookupTimeout
	params.DisableIPv6 = true

	err := mdns.Query(params)
	close(entries)

	select {
	case <-done:
	case <-ctx.Done():
		return addrs, ctx.Err()
	case <-time.After(r.cfg.LookupTimeout + time.Second):
	}
	return addrs, err
}

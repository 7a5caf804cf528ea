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
Package config loads and validates the settings a raftquorum node needs at
startup: its own identity, the initial voter set, how to find the rest of
the cluster, where to keep durable state, and the election timing knobs.

Precedence, low to highest: built-in defaults, config file, environment
variables. LoadFromFile and LoadFromEnv can both be called on the same
Manager; the later call wins for any field it sets.
*/
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/firefly-oss/raftquorum/internal/errors"
)

// Environment variable names recognized by LoadFromEnv.
const (
	EnvNodeID               = "RAFTQUORUM_NODE_ID"
	EnvClusterPort          = "RAFTQUORUM_CLUSTER_PORT"
	EnvDataDir              = "RAFTQUORUM_DATA_DIR"
	EnvVoters               = "RAFTQUORUM_VOTERS"
	EnvBootstrapServers     = "RAFTQUORUM_BOOTSTRAP_SERVERS"
	EnvBootstrapDNSName     = "RAFTQUORUM_BOOTSTRAP_DNS_NAME"
	EnvBootstrapMDNSService = "RAFTQUORUM_BOOTSTRAP_MDNS_SERVICE"
	EnvElectionTimeoutMs    = "RAFTQUORUM_ELECTION_TIMEOUT_MS"
	EnvElectionJitterMs     = "RAFTQUORUM_ELECTION_JITTER_MS"
	EnvRetryBackoffMs       = "RAFTQUORUM_RETRY_BACKOFF_MS"
	EnvRequestTimeoutMs     = "RAFTQUORUM_REQUEST_TIMEOUT_MS"
	EnvLogLevel             = "RAFTQUORUM_LOG_LEVEL"
	EnvLogJSON              = "RAFTQUORUM_LOG_JSON"
)

// Config holds everything a node needs to join and participate in a quorum.
type Config struct {
	// NodeID is this node's unique identifier within the cluster.
	NodeID int32
	// ClusterPort is the port the node's NetworkChannel listens on for
	// peer-to-peer consensus traffic.
	ClusterPort int
	// DataDir holds the persistent election record and the replicated log.
	DataDir string
	// Voters is the initial voter set (node IDs). A node not in this set
	// joins as an observer.
	Voters []int32
	// BootstrapServers is a static list of "host:port" peers consulted by
	// the FindQuorum/LeaderDiscovery sub-protocol.
	BootstrapServers []string
	// BootstrapDNSName, if set, is resolved via a DNS SRV lookup to expand
	// BootstrapServers.
	BootstrapDNSName string
	// BootstrapMDNSService, if set, is the mDNS service name browsed on the
	// local network to discover peers (e.g. "_raftquorum._tcp").
	BootstrapMDNSService string

	ElectionTimeoutMs int
	ElectionJitterMs  int
	RetryBackoffMs    int
	RequestTimeoutMs  int

	LogLevel string
	LogJSON  bool

	// ConfigFile records the path this Config was loaded from, if any.
	ConfigFile string
}

// DefaultConfig returns the configuration a node starts with absent any
// file or environment overrides.
func DefaultConfig() *Config {
	return &Config{
		NodeID:            1,
		ClusterPort:       9090,
		DataDir:           "raftquorum-data",
		Voters:            []int32{1},
		BootstrapServers:  nil,
		ElectionTimeoutMs: 1000,
		ElectionJitterMs:  500,
		RetryBackoffMs:    100,
		RequestTimeoutMs:  3000,
		LogLevel:          "info",
		LogJSON:           false,
	}
}

// Validate reports whether the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.NodeID <= 0 {
		return errors.InvalidConfig("node_id", "must be a positive integer")
	}
	if c.ClusterPort <= 0 || c.ClusterPort > 65535 {
		return errors.InvalidConfig("cluster_port", "must be between 1 and 65535")
	}
	if c.DataDir == "" {
		return errors.InvalidConfig("data_dir", "must not be empty")
	}
	if len(c.Voters) == 0 {
		return errors.InvalidConfig("voters", "must contain at least one node id")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.InvalidConfig("log_level", fmt.Sprintf("unrecognized level %q", c.LogLevel))
	}
	if c.ElectionTimeoutMs <= 0 {
		return errors.InvalidConfig("election_timeout_ms", "must be positive")
	}
	if c.ElectionJitterMs < 0 {
		return errors.InvalidConfig("election_jitter_ms", "must not be negative")
	}
	if c.RetryBackoffMs <= 0 {
		return errors.InvalidConfig("retry_backoff_ms", "must be positive")
	}
	if c.RequestTimeoutMs <= 0 {
		return errors.InvalidConfig("request_timeout_ms", "must be positive")
	}
	isVoter := false
	for _, v := range c.Voters {
		if v == c.NodeID {
			isVoter = true
			break
		}
	}
	if !isVoter && c.BootstrapMDNSService == "" && c.BootstrapDNSName == "" && len(c.BootstrapServers) == 0 {
		return errors.InvalidConfig("bootstrap_servers", "an observer node needs at least one bootstrap discovery method")
	}
	return nil
}

// String renders a human-readable summary.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "NodeID: %d\n", c.NodeID)
	fmt.Fprintf(&b, "ClusterPort: %d\n", c.ClusterPort)
	fmt.Fprintf(&b, "DataDir: %s\n", c.DataDir)
	fmt.Fprintf(&b, "Voters: %v\n", c.Voters)
	fmt.Fprintf(&b, "BootstrapServers: %v\n", c.BootstrapServers)
	fmt.Fprintf(&b, "ElectionTimeoutMs: %d\n", c.ElectionTimeoutMs)
	fmt.Fprintf(&b, "LogLevel: %s\n", c.LogLevel)
	return b.String()
}

// ToTOML renders the configuration in the simple `key = value` dialect this
// package also reads back with LoadFromFile.
func (c *Config) ToTOML() string {
	var b strings.Builder
	fmt.Fprintf(&b, "node_id = %d\n", c.NodeID)
	fmt.Fprintf(&b, "cluster_port = %d\n", c.ClusterPort)
	fmt.Fprintf(&b, "data_dir = %q\n", c.DataDir)
	fmt.Fprintf(&b, "voters = %q\n", joinInt32(c.Voters, ","))
	fmt.Fprintf(&b, "bootstrap_servers = %q\n", strings.Join(c.BootstrapServers, ","))
	if c.BootstrapDNSName != "" {
		fmt.Fprintf(&b, "bootstrap_dns_name = %q\n", c.BootstrapDNSName)
	}
	if c.BootstrapMDNSService != "" {
		fmt.Fprintf(&b, "bootstrap_mdns_service = %q\n", c.BootstrapMDNSService)
	}
	fmt.Fprintf(&b, "election_timeout_ms = %d\n", c.ElectionTimeoutMs)
	fmt.Fprintf(&b, "election_jitter_ms = %d\n", c.ElectionJitterMs)
	fmt.Fprintf(&b, "retry_backoff_ms = %d\n", c.RetryBackoffMs)
	fmt.Fprintf(&b, "request_timeout_ms = %d\n", c.RequestTimeoutMs)
	fmt.Fprintf(&b, "log_level = %q\n", c.LogLevel)
	fmt.Fprintf(&b, "log_json = %v\n", c.LogJSON)
	return b.String()
}

// SaveToFile writes the configuration to path in ToTOML form, creating
// parent directories as needed.
func (c *Config) SaveToFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.StoreWriteFailed(path, err)
		}
	}
	if err := os.WriteFile(path, []byte(c.ToTOML()), 0644); err != nil {
		return errors.StoreWriteFailed(path, err)
	}
	return nil
}

func joinInt32(ids []int32, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(int64(id), 10)
	}
	return strings.Join(parts, sep)
}

func parseInt32List(s string) []int32 {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	fields := strings.Split(s, ",")
	out := make([]int32, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, int32(n))
	}
	return out
}

// Manager owns a live Config and notifies registered callbacks on Reload.
type Manager struct {
	mu       sync.RWMutex
	cfg      *Config
	path     string
	onReload []func(*Config)
}

// NewManager returns a Manager seeded with DefaultConfig.
func NewManager() *Manager {
	return &Manager{cfg: DefaultConfig()}
}

// Get returns the current configuration. Callers must not mutate it.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// OnReload registers a callback invoked after every successful Reload.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// LoadFromFile parses a `key = value` config file, in the same minimal
// dialect ToTOML writes, into the Manager's Config. Comment lines start
// with '#'. Unknown keys are ignored so forward-compatible files don't
// break older nodes.
func (m *Manager) LoadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.StoreWriteFailed(path, err)
	}
	defer f.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := *m.cfg
	if err := applyFileLines(&cfg, f); err != nil {
		return err
	}
	cfg.ConfigFile = path
	m.cfg = &cfg
	m.path = path
	return nil
}

func applyFileLines(cfg *Config, f *os.File) error {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"`)
		applyKeyValue(cfg, key, val)
	}
	return scanner.Err()
}

func applyKeyValue(cfg *Config, key, val string) {
	switch key {
	case "node_id":
		if n, err := strconv.ParseInt(val, 10, 32); err == nil {
			cfg.NodeID = int32(n)
		}
	case "cluster_port":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.ClusterPort = n
		}
	case "data_dir":
		cfg.DataDir = val
	case "voters":
		cfg.Voters = parseInt32List(val)
	case "bootstrap_servers":
		if strings.TrimSpace(val) == "" {
			cfg.BootstrapServers = nil
		} else {
			cfg.BootstrapServers = strings.Split(val, ",")
		}
	case "bootstrap_dns_name":
		cfg.BootstrapDNSName = val
	case "bootstrap_mdns_service":
		cfg.BootstrapMDNSService = val
	case "election_timeout_ms":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.ElectionTimeoutMs = n
		}
	case "election_jitter_ms":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.ElectionJitterMs = n
		}
	case "retry_backoff_ms":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.RetryBackoffMs = n
		}
	case "request_timeout_ms":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.RequestTimeoutMs = n
		}
	case "log_level":
		cfg.LogLevel = val
	case "log_json":
		cfg.LogJSON = val == "true"
	}
}

// LoadFromEnv overlays any RAFTQUORUM_* environment variables on top of the
// current configuration.
func (m *Manager) LoadFromEnv() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := *m.cfg
	if v := os.Getenv(EnvNodeID); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.NodeID = int32(n)
		}
	}
	if v := os.Getenv(EnvClusterPort); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ClusterPort = n
		}
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvVoters); v != "" {
		cfg.Voters = parseInt32List(v)
	}
	if v := os.Getenv(EnvBootstrapServers); v != "" {
		cfg.BootstrapServers = strings.Split(v, ",")
	}
	if v := os.Getenv(EnvBootstrapDNSName); v != "" {
		cfg.BootstrapDNSName = v
	}
	if v := os.Getenv(EnvBootstrapMDNSService); v != "" {
		cfg.BootstrapMDNSService = v
	}
	if v := os.Getenv(EnvElectionTimeoutMs); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ElectionTimeoutMs = n
		}
	}
	if v := os.Getenv(EnvElectionJitterMs); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ElectionJitterMs = n
		}
	}
	if v := os.Getenv(EnvRetryBackoffMs); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryBackoffMs = n
		}
	}
	if v := os.Getenv(EnvRequestTimeoutMs); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RequestTimeoutMs = n
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvLogJSON); v != "" {
		cfg.LogJSON = v == "true"
	}
	m.cfg = &cfg
}

// Reload re-reads the file this Manager was last loaded from and notifies
// every OnReload callback on success.
func (m *Manager) Reload() error {
	m.mu.RLock()
	path := m.path
	m.mu.RUnlock()

	if path == "" {
		return errors.InvalidConfig("config_file", "manager was not loaded from a file")
	}
	if err := m.LoadFromFile(path); err != nil {
		return err
	}

	m.mu.RLock()
	cfg := m.cfg
	callbacks := append([]func(*Config){}, m.onReload...)
	m.mu.RUnlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
	return nil
}

var (
	globalOnce sync.Once
	globalMgr  *Manager
)

// Global returns the process-wide Manager singleton, creating it on first
// use.
func Global() *Manager {
	globalOnce.Do(func() {
		globalMgr = NewManager()
	})
	return globalMgr
}

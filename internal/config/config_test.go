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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NodeID != 1 {
		t.Errorf("Expected default node id 1, got %d", cfg.NodeID)
	}
	if cfg.ClusterPort != 9090 {
		t.Errorf("Expected default cluster port 9090, got %d", cfg.ClusterPort)
	}
	if cfg.DataDir != "raftquorum-data" {
		t.Errorf("Expected default data dir 'raftquorum-data', got '%s'", cfg.DataDir)
	}
	if len(cfg.Voters) != 1 || cfg.Voters[0] != 1 {
		t.Errorf("Expected default voters [1], got %v", cfg.Voters)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log_level 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.LogJSON != false {
		t.Errorf("Expected default log_json false, got %v", cfg.LogJSON)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig() should validate, got error: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name:    "valid default config",
			cfg:     DefaultConfig(),
			wantErr: false,
		},
		{
			name: "valid voter in a three node cluster",
			cfg: &Config{
				NodeID:            2,
				ClusterPort:       9090,
				DataDir:           "data",
				Voters:            []int32{1, 2, 3},
				ElectionTimeoutMs: 1000,
				ElectionJitterMs:  500,
				RetryBackoffMs:    100,
				RequestTimeoutMs:  3000,
				LogLevel:          "info",
			},
			wantErr: false,
		},
		{
			name: "valid observer with bootstrap servers",
			cfg: &Config{
				NodeID:            4,
				ClusterPort:       9090,
				DataDir:           "data",
				Voters:            []int32{1, 2, 3},
				BootstrapServers:  []string{"host1:9090"},
				ElectionTimeoutMs: 1000,
				ElectionJitterMs:  500,
				RetryBackoffMs:    100,
				RequestTimeoutMs:  3000,
				LogLevel:          "info",
			},
			wantErr: false,
		},
		{
			name: "observer without any bootstrap method",
			cfg: &Config{
				NodeID:            4,
				ClusterPort:       9090,
				DataDir:           "data",
				Voters:            []int32{1, 2, 3},
				ElectionTimeoutMs: 1000,
				ElectionJitterMs:  500,
				RetryBackoffMs:    100,
				RequestTimeoutMs:  3000,
				LogLevel:          "info",
			},
			wantErr: true,
		},
		{
			name: "invalid node id - zero",
			cfg: &Config{
				NodeID:            0,
				ClusterPort:       9090,
				DataDir:           "data",
				Voters:            []int32{1},
				ElectionTimeoutMs: 1000,
				RetryBackoffMs:    100,
				RequestTimeoutMs:  3000,
				LogLevel:          "info",
			},
			wantErr: true,
		},
		{
			name: "invalid cluster port - too high",
			cfg: &Config{
				NodeID:            1,
				ClusterPort:       70000,
				DataDir:           "data",
				Voters:            []int32{1},
				ElectionTimeoutMs: 1000,
				RetryBackoffMs:    100,
				RequestTimeoutMs:  3000,
				LogLevel:          "info",
			},
			wantErr: true,
		},
		{
			name: "empty data dir",
			cfg: &Config{
				NodeID:            1,
				ClusterPort:       9090,
				DataDir:           "",
				Voters:            []int32{1},
				ElectionTimeoutMs: 1000,
				RetryBackoffMs:    100,
				RequestTimeoutMs:  3000,
				LogLevel:          "info",
			},
			wantErr: true,
		},
		{
			name: "no voters",
			cfg: &Config{
				NodeID:            1,
				ClusterPort:       9090,
				DataDir:           "data",
				Voters:            nil,
				ElectionTimeoutMs: 1000,
				RetryBackoffMs:    100,
				RequestTimeoutMs:  3000,
				LogLevel:          "info",
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			cfg: &Config{
				NodeID:            1,
				ClusterPort:       9090,
				DataDir:           "data",
				Voters:            []int32{1},
				ElectionTimeoutMs: 1000,
				RetryBackoffMs:    100,
				RequestTimeoutMs:  3000,
				LogLevel:          "verbose",
			},
			wantErr: true,
		},
		{
			name: "zero election timeout",
			cfg: &Config{
				NodeID:            1,
				ClusterPort:       9090,
				DataDir:           "data",
				Voters:            []int32{1},
				ElectionTimeoutMs: 0,
				RetryBackoffMs:    100,
				RequestTimeoutMs:  3000,
				LogLevel:          "info",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "raftquorum_config_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	configContent := `# Test configuration
node_id = 2
cluster_port = 9091
data_dir = "/tmp/test-data"
voters = "1,2,3"
bootstrap_servers = "host1:9090,host2:9090"
election_timeout_ms = 1500
election_jitter_ms = 250
log_level = "debug"
log_json = true
`

	configPath := filepath.Join(tmpDir, "raftquorum.conf")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	mgr := NewManager()
	if err := mgr.LoadFromFile(configPath); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	cfg := mgr.Get()

	if cfg.NodeID != 2 {
		t.Errorf("Expected node_id 2, got %d", cfg.NodeID)
	}
	if cfg.ClusterPort != 9091 {
		t.Errorf("Expected cluster_port 9091, got %d", cfg.ClusterPort)
	}
	if cfg.DataDir != "/tmp/test-data" {
		t.Errorf("Expected data_dir '/tmp/test-data', got '%s'", cfg.DataDir)
	}
	if len(cfg.Voters) != 3 {
		t.Errorf("Expected 3 voters, got %v", cfg.Voters)
	}
	if len(cfg.BootstrapServers) != 2 {
		t.Errorf("Expected 2 bootstrap servers, got %v", cfg.BootstrapServers)
	}
	if cfg.ElectionTimeoutMs != 1500 {
		t.Errorf("Expected election_timeout_ms 1500, got %d", cfg.ElectionTimeoutMs)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log_level 'debug', got '%s'", cfg.LogLevel)
	}
	if cfg.LogJSON != true {
		t.Errorf("Expected log_json true, got %v", cfg.LogJSON)
	}
	if cfg.ConfigFile != configPath {
		t.Errorf("Expected ConfigFile '%s', got '%s'", configPath, cfg.ConfigFile)
	}
}

func TestLoadFromEnv(t *testing.T) {
	origNodeID := os.Getenv(EnvNodeID)
	origLogLevel := os.Getenv(EnvLogLevel)
	origLogJSON := os.Getenv(EnvLogJSON)

	defer func() {
		os.Setenv(EnvNodeID, origNodeID)
		os.Setenv(EnvLogLevel, origLogLevel)
		os.Setenv(EnvLogJSON, origLogJSON)
	}()

	os.Setenv(EnvNodeID, "7")
	os.Setenv(EnvLogLevel, "debug")
	os.Setenv(EnvLogJSON, "true")

	mgr := NewManager()
	mgr.LoadFromEnv()

	cfg := mgr.Get()

	if cfg.NodeID != 7 {
		t.Errorf("Expected node id 7 from env, got %d", cfg.NodeID)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log_level 'debug' from env, got '%s'", cfg.LogLevel)
	}
	if cfg.LogJSON != true {
		t.Errorf("Expected log_json true from env, got %v", cfg.LogJSON)
	}
}

func TestConfigPrecedence(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "raftquorum_config_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	configContent := `node_id = 1
cluster_port = 9090
data_dir = "data"
voters = "1"
log_level = "info"
`
	configPath := filepath.Join(tmpDir, "raftquorum.conf")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	origNodeID := os.Getenv(EnvNodeID)
	defer os.Setenv(EnvNodeID, origNodeID)
	os.Setenv(EnvNodeID, "9")

	mgr := NewManager()
	if err := mgr.LoadFromFile(configPath); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	mgr.LoadFromEnv()

	cfg := mgr.Get()

	if cfg.NodeID != 9 {
		t.Errorf("Expected node id 9 (env override), got %d", cfg.NodeID)
	}
}

func TestToTOML(t *testing.T) {
	cfg := &Config{
		NodeID:            1,
		ClusterPort:       9090,
		DataDir:           "/var/lib/raftquorum/data",
		Voters:            []int32{1, 2, 3},
		ElectionTimeoutMs: 1000,
		ElectionJitterMs:  500,
		RetryBackoffMs:    100,
		RequestTimeoutMs:  3000,
		LogLevel:          "info",
		LogJSON:           false,
	}

	toml := cfg.ToTOML()

	if !strings.Contains(toml, "node_id = 1") {
		t.Error("TOML output missing node_id")
	}
	if !strings.Contains(toml, "cluster_port = 9090") {
		t.Error("TOML output missing cluster_port")
	}
	if !strings.Contains(toml, `data_dir = "/var/lib/raftquorum/data"`) {
		t.Error("TOML output missing data_dir")
	}
	if !strings.Contains(toml, "voters =") {
		t.Error("TOML output missing voters")
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "raftquorum_config_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := DefaultConfig()
	cfg.NodeID = 7
	cfg.ClusterPort = 9191

	configPath := filepath.Join(tmpDir, "subdir", "raftquorum.conf")
	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}

	mgr := NewManager()
	if err := mgr.LoadFromFile(configPath); err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	loaded := mgr.Get()
	if loaded.NodeID != 7 {
		t.Errorf("Expected node id 7, got %d", loaded.NodeID)
	}
	if loaded.ClusterPort != 9191 {
		t.Errorf("Expected cluster port 9191, got %d", loaded.ClusterPort)
	}
}

func TestReload(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "raftquorum_config_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	configContent := `node_id = 1
cluster_port = 9090
data_dir = "data"
voters = "1"
log_level = "info"
`
	configPath := filepath.Join(tmpDir, "raftquorum.conf")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	mgr := NewManager()
	if err := mgr.LoadFromFile(configPath); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	cfg := mgr.Get()
	if cfg.ClusterPort != 9090 {
		t.Errorf("Expected initial cluster_port 9090, got %d", cfg.ClusterPort)
	}

	reloadCalled := false
	mgr.OnReload(func(c *Config) {
		reloadCalled = true
	})

	newContent := `node_id = 1
cluster_port = 9092
data_dir = "data"
voters = "1"
log_level = "debug"
`
	if err := os.WriteFile(configPath, []byte(newContent), 0644); err != nil {
		t.Fatalf("Failed to update config file: %v", err)
	}

	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	cfg = mgr.Get()
	if cfg.ClusterPort != 9092 {
		t.Errorf("Expected reloaded cluster_port 9092, got %d", cfg.ClusterPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected reloaded log_level 'debug', got '%s'", cfg.LogLevel)
	}
	if !reloadCalled {
		t.Error("Reload callback was not called")
	}
}

func TestGlobalManager(t *testing.T) {
	mgr := Global()
	if mgr == nil {
		t.Error("Global() returned nil")
	}

	mgr2 := Global()
	if mgr != mgr2 {
		t.Error("Global() returned different instances")
	}
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	str := cfg.String()

	if !strings.Contains(str, "NodeID:") {
		t.Error("String() missing NodeID")
	}
	if !strings.Contains(str, "ClusterPort:") {
		t.Error("String() missing ClusterPort")
	}
}

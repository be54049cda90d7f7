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

// Package config loads and validates the replication engine's
// configuration from built-in defaults, a TOML file, and environment
// variables, in that ascending order of precedence.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"raftdir/internal/errors"
)

// Environment variable names, mirroring the teacher's Env* constants.
const (
	EnvListenAddr     = "RAFTDIR_LISTEN_ADDR"
	EnvRaftListenAddr = "RAFTDIR_RAFT_LISTEN_ADDR"
	EnvPeerAddrs      = "RAFTDIR_PEER_ADDRS"
	EnvDataDir        = "RAFTDIR_DATA_DIR"
	EnvLogLevel       = "RAFTDIR_LOG_LEVEL"
	EnvLogJSON        = "RAFTDIR_LOG_JSON"
	EnvNodeID         = "RAFTDIR_NODE_ID"
	EnvClusterSecret  = "RAFTDIR_CLUSTER_SECRET"
)

// Config holds every tunable the replication engine and its host process
// need at startup.
type Config struct {
	NodeID         string   `toml:"node_id"`
	ListenAddr     string   `toml:"listen_addr"`
	RaftListenAddr string   `toml:"raft_listen_addr"`
	PeerAddrs      []string `toml:"peer_addrs"`
	DataDir        string   `toml:"data_dir"`

	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`

	// ClusterSecret authenticates peer hello exchanges; every node in a
	// cluster must share it.
	ClusterSecret string `toml:"cluster_secret"`
	TLSEnable     bool   `toml:"tls_enable"`
	CertDir       string `toml:"cert_dir"`
	MDNSEnable    bool   `toml:"mdns_enable"`
	AuditEnable   bool   `toml:"audit_enable"`

	PingIntervalMS         int64 `toml:"ping_interval_ms"`
	ElectionTimeoutMS       int64 `toml:"election_timeout_ms"`
	WaitConsensusTimeoutMS  int64 `toml:"wait_consensus_timeout_ms"`
	WaitPeersReadyMS        int64 `toml:"wait_peers_ready_ms"`
	ReelectionRandMS        int64 `toml:"reelection_rand_ms"`

	ConfigFile string `toml:"-"`
}

// DefaultConfig returns a Config whose timeouts already satisfy the
// startup validation floors.
func DefaultConfig() *Config {
	return &Config{
		NodeID:         "",
		ListenAddr:     "0.0.0.0:8889",
		RaftListenAddr: "0.0.0.0:9998",
		PeerAddrs:      []string{},
		DataDir:        "./data/raftdir",
		LogLevel:       "info",
		LogJSON:        false,
		ClusterSecret:  "",
		TLSEnable:      false,
		CertDir:        "",
		MDNSEnable:     false,
		AuditEnable:    true,

		PingIntervalMS:         100,
		ElectionTimeoutMS:      1000,
		WaitConsensusTimeoutMS: 2000,
		WaitPeersReadyMS:       500,
		ReelectionRandMS:       300,
	}
}

// Validate rejects timeout combinations the engine cannot run with; an
// election timeout that is not comfortably above the ping interval makes
// every heartbeat hiccup an election.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.InvalidParameter("node_id", "must not be empty")
	}
	if c.ListenAddr == "" {
		return errors.InvalidParameter("listen_addr", "must not be empty")
	}
	if c.PingIntervalMS < 20 {
		return errors.InvalidParameter("ping_interval_ms", "must be >= 20")
	}
	if c.ElectionTimeoutMS < 10 {
		return errors.InvalidParameter("election_timeout_ms", "must be >= 10")
	}
	if c.ElectionTimeoutMS <= 2*c.PingIntervalMS {
		return errors.InvalidParameter("election_timeout_ms",
			"must be greater than 2 * ping_interval_ms")
	}
	if c.WaitConsensusTimeoutMS <= 0 {
		return errors.InvalidParameter("wait_consensus_timeout_ms", "must be > 0")
	}
	if c.WaitPeersReadyMS <= 0 {
		return errors.InvalidParameter("wait_peers_ready_ms", "must be > 0")
	}
	if c.ReelectionRandMS < 0 {
		return errors.InvalidParameter("reelection_rand_ms", "must be >= 0")
	}
	return nil
}

// ToTOML renders the config as a minimal TOML document.
func (c *Config) ToTOML() string {
	var b strings.Builder
	fmt.Fprintf(&b, "node_id = %q\n", c.NodeID)
	fmt.Fprintf(&b, "listen_addr = %q\n", c.ListenAddr)
	fmt.Fprintf(&b, "raft_listen_addr = %q\n", c.RaftListenAddr)
	fmt.Fprintf(&b, "peer_addrs = [%s]\n", quoteJoin(c.PeerAddrs))
	fmt.Fprintf(&b, "data_dir = %q\n", c.DataDir)
	fmt.Fprintf(&b, "log_level = %q\n", c.LogLevel)
	fmt.Fprintf(&b, "log_json = %v\n", c.LogJSON)
	fmt.Fprintf(&b, "cluster_secret = %q\n", c.ClusterSecret)
	fmt.Fprintf(&b, "tls_enable = %v\n", c.TLSEnable)
	fmt.Fprintf(&b, "cert_dir = %q\n", c.CertDir)
	fmt.Fprintf(&b, "mdns_enable = %v\n", c.MDNSEnable)
	fmt.Fprintf(&b, "audit_enable = %v\n", c.AuditEnable)
	fmt.Fprintf(&b, "ping_interval_ms = %d\n", c.PingIntervalMS)
	fmt.Fprintf(&b, "election_timeout_ms = %d\n", c.ElectionTimeoutMS)
	fmt.Fprintf(&b, "wait_consensus_timeout_ms = %d\n", c.WaitConsensusTimeoutMS)
	fmt.Fprintf(&b, "wait_peers_ready_ms = %d\n", c.WaitPeersReadyMS)
	fmt.Fprintf(&b, "reelection_rand_ms = %d\n", c.ReelectionRandMS)
	return b.String()
}

func quoteJoin(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = strconv.Quote(it)
	}
	return strings.Join(quoted, ", ")
}

// String implements fmt.Stringer for diagnostics.
func (c *Config) String() string {
	return c.ToTOML()
}

// SaveToFile writes the config to path as TOML.
func (c *Config) SaveToFile(path string) error {
	return os.WriteFile(path, []byte(c.ToTOML()), 0o644)
}

// LoadFromFile parses a minimal TOML-subset file (string, bool, int, and
// string-array values; no nested tables) into a Config seeded with
// DefaultConfig's values.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := DefaultConfig()
	cfg.ConfigFile = path

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		applyTOMLValue(cfg, key, val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyTOMLValue(cfg *Config, key, val string) {
	switch key {
	case "node_id":
		cfg.NodeID = unquote(val)
	case "listen_addr":
		cfg.ListenAddr = unquote(val)
	case "raft_listen_addr":
		cfg.RaftListenAddr = unquote(val)
	case "peer_addrs":
		cfg.PeerAddrs = parseTOMLArray(val)
	case "data_dir":
		cfg.DataDir = unquote(val)
	case "log_level":
		cfg.LogLevel = unquote(val)
	case "log_json":
		cfg.LogJSON = val == "true"
	case "cluster_secret":
		cfg.ClusterSecret = unquote(val)
	case "tls_enable":
		cfg.TLSEnable = val == "true"
	case "cert_dir":
		cfg.CertDir = unquote(val)
	case "mdns_enable":
		cfg.MDNSEnable = val == "true"
	case "audit_enable":
		cfg.AuditEnable = val == "true"
	case "ping_interval_ms":
		cfg.PingIntervalMS = parseInt(val, cfg.PingIntervalMS)
	case "election_timeout_ms":
		cfg.ElectionTimeoutMS = parseInt(val, cfg.ElectionTimeoutMS)
	case "wait_consensus_timeout_ms":
		cfg.WaitConsensusTimeoutMS = parseInt(val, cfg.WaitConsensusTimeoutMS)
	case "wait_peers_ready_ms":
		cfg.WaitPeersReadyMS = parseInt(val, cfg.WaitPeersReadyMS)
	case "reelection_rand_ms":
		cfg.ReelectionRandMS = parseInt(val, cfg.ReelectionRandMS)
	}
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func parseTOMLArray(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, unquote(strings.TrimSpace(p)))
	}
	return out
}

func parseInt(s string, fallback int64) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// LoadFromEnv overlays environment variables onto a base config; env vars
// take precedence over whatever base carried (file values or defaults).
func LoadFromEnv(base *Config) *Config {
	cfg := *base
	if v, ok := os.LookupEnv(EnvNodeID); ok {
		cfg.NodeID = v
	}
	if v, ok := os.LookupEnv(EnvListenAddr); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv(EnvRaftListenAddr); ok {
		cfg.RaftListenAddr = v
	}
	if v, ok := os.LookupEnv(EnvPeerAddrs); ok && v != "" {
		cfg.PeerAddrs = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv(EnvDataDir); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvLogJSON); ok {
		cfg.LogJSON = v == "true" || v == "1"
	}
	if v, ok := os.LookupEnv(EnvClusterSecret); ok {
		cfg.ClusterSecret = v
	}
	return &cfg
}

// Manager owns the active Config and notifies subscribers on Reload.
type Manager struct {
	mu        sync.RWMutex
	cfg       *Config
	callbacks []func(*Config)
}

// NewManager wraps an already-loaded Config.
func NewManager(cfg *Config) *Manager {
	return &Manager{cfg: cfg}
}

// Get returns the currently active config.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads ConfigFile (if set) and environment overrides, validates
// the result, and only on success swaps it in and fires callbacks.
func (m *Manager) Reload() error {
	m.mu.RLock()
	path := m.cfg.ConfigFile
	m.mu.RUnlock()

	var next *Config
	var err error
	if path != "" {
		next, err = LoadFromFile(path)
		if err != nil {
			return err
		}
	} else {
		next = DefaultConfig()
	}
	next = LoadFromEnv(next)
	if err := next.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = next
	cbs := append([]func(*Config){}, m.callbacks...)
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(next)
	}
	return nil
}

// OnReload registers a callback invoked after every successful Reload.
func (m *Manager) OnReload(cb func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

var (
	globalMu      sync.RWMutex
	globalManager *Manager
)

// Global returns the process-wide Manager, creating one from defaults if
// none has been installed yet.
func Global() *Manager {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalManager == nil {
		globalManager = NewManager(DefaultConfig())
	}
	return globalManager
}

// SetGlobal installs mgr as the process-wide Manager.
func SetGlobal(mgr *Manager) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalManager = mgr
}

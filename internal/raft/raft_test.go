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

package raft

import (
	"fmt"
	"testing"
	"time"

	"raftdir/internal/backend"
	"raftdir/internal/config"
)

// testConfig returns a config suitable for fast in-process tests.
func testConfig(t *testing.T, nodeID string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.NodeID = nodeID
	cfg.DataDir = t.TempDir()
	cfg.RaftListenAddr = "127.0.0.1:0"
	cfg.ClusterSecret = "test-secret"
	cfg.AuditEnable = false
	cfg.PingIntervalMS = 50
	cfg.ElectionTimeoutMS = 250
	cfg.WaitConsensusTimeoutMS = 2000
	cfg.WaitPeersReadyMS = 300
	cfg.ReelectionRandMS = 150
	return cfg
}

// setupTestEngine builds a cold engine (not listening) over a memory
// backend, returning it with its backend and a cleanup func.
func setupTestEngine(t *testing.T, nodeID string, peers []string) (*Engine, *backend.MemoryBackend, func()) {
	t.Helper()
	cfg := testConfig(t, nodeID)
	cfg.PeerAddrs = peers
	be := backend.NewMemoryBackend()
	e, err := NewEngine(cfg, be)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.initialized = true
	return e, be, func() { e.store.Close() }
}

// addFakePeer registers an idle peer in the table without a driver, for
// receiver-side and accounting tests.
func addFakePeer(e *Engine, host string) *Peer {
	p := &Peer{
		hostname: host,
		addr:     host,
		state:    PeerIdle,
		health:   NewPhiAccrualDetector(8.0, 3, 100),
	}
	e.mu.Lock()
	e.peers[host] = p
	e.clusterSize = 1 + len(e.peers)
	e.mu.Unlock()
	return p
}

// seedLog appends entries [1..n] to the engine's log with the given
// terms (terms[i] is the term of index i+1), updating in-memory log
// state. Payloads are well-formed Add payloads so the applier can decode
// them.
func seedLog(t *testing.T, e *Engine, terms []uint64) {
	t.Helper()
	for i, term := range terms {
		index := uint64(i + 1)
		entry := testAddEntry(t, index, term)
		if err := e.store.AppendEntry(entryToRecord(entry)); err != nil {
			t.Fatalf("seeding log index %d: %v", index, err)
		}
		e.mu.Lock()
		e.lastLogIndex = index
		e.lastLogTerm = term
		e.mu.Unlock()
	}
}

func testAddEntry(t *testing.T, index, term uint64) LogEntry {
	t.Helper()
	payload, err := EncodeAddPayload(
		dnForIndex(index),
		backend.Attrs{"cn": {"entry"}, "objectclass": {"person"}},
	)
	if err != nil {
		t.Fatalf("encoding payload: %v", err)
	}
	return LogEntry{
		Index:       index,
		Term:        term,
		EntryID:     NewEntryIDPrefix | (index << 31),
		RequestCode: RequestAdd,
		Payload:     payload,
	}
}

func dnForIndex(index uint64) string {
	return normalizeDN(fmt.Sprintf("cn=entry-%d,dc=example", index))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

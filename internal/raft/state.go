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
	"context"
	stdtls "crypto/tls"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"raftdir/internal/audit"
	"raftdir/internal/backend"
	"raftdir/internal/config"
	"raftdir/internal/logging"
	"raftdir/internal/pss"
)

// signal is a broadcast notification: closing the current channel wakes
// every waiter, and a fresh channel replaces it for the next round. All
// methods require the engine mutex.
type signal struct {
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) broadcastLocked() {
	close(s.ch)
	s.ch = make(chan struct{})
}

// voteRound is the in-flight vote accounting for the current candidate
// round.
type voteRound struct {
	term         uint64
	consensusCnt int
	deniedCnt    int
	responses    int
	rpcSent      bool
}

// Engine is the replication engine: the authoritative in-memory Raft
// state plus the goroutines that act on it. One Engine per process.
type Engine struct {
	cfg    *config.Config
	log    *logging.Logger
	store  *pss.Store
	be     backend.Backend
	trail  *audit.Trail
	alloc  *Allocator
	trans  *transport
	srvTLS *stdtls.Config
	nodeID string

	mu              sync.Mutex
	persistMu       sync.Mutex
	writeMu         sync.Mutex
	role            Role
	currentTerm     uint64
	votedFor        string
	votedForTerm    uint64
	commitIndex     uint64
	commitIndexTerm uint64
	lastApplied     uint64
	lastLogIndex    uint64
	lastLogTerm     uint64
	clusterSize     int
	peers           map[string]*Peer
	leaderHint      string
	disallowUpdates bool
	initialized     bool
	shuttingDown    bool

	cmd     Command
	pending *LogEntry
	vote    voteRound

	lastPingRecv time.Time

	requestPending  *signal
	peersReady      *signal
	voteResult      *signal
	appendConsensus *signal

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	listener net.Listener
}

// waitCondLocked blocks until pred holds, the timeout elapses, or the
// engine shuts down, releasing the mutex while asleep. The mutex is held
// on entry and on return; the result is pred's final value.
func (e *Engine) waitCondLocked(sig *signal, timeout time.Duration, pred func() bool) bool {
	deadline := time.Now().Add(timeout)
	for !pred() {
		if e.shuttingDown {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return pred()
		}
		ch := sig.ch
		e.mu.Unlock()
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
		case <-timer.C:
		case <-e.ctx.Done():
		}
		timer.Stop()
		e.mu.Lock()
		if e.ctx.Err() != nil {
			return pred()
		}
	}
	return true
}

// persistStateLocked durably records currentTerm/votedFor/votedForTerm/
// lastApplied. The engine mutex is held on entry and return; the store
// write happens with it released, serialized by persistMu so a stale
// snapshot can never land after a newer one.
func (e *Engine) persistStateLocked() error {
	e.mu.Unlock()
	e.persistMu.Lock()
	e.mu.Lock()
	st := pss.State{
		CurrentTerm:  e.currentTerm,
		VotedFor:     e.votedFor,
		VotedForTerm: e.votedForTerm,
		LastApplied:  e.lastApplied,
	}
	e.mu.Unlock()
	err := e.store.SaveState(st)
	e.persistMu.Unlock()
	e.mu.Lock()
	if err != nil {
		e.log.Error("persisting raft state failed", "error", err)
	}
	return err
}

// quorumLocked is the majority threshold: floor(clusterSize/2) + 1.
func (e *Engine) quorumLocked() int {
	return e.clusterSize/2 + 1
}

func (e *Engine) idlePeerCountLocked() int {
	n := 0
	for _, p := range e.peers {
		if !p.deleted && p.state == PeerIdle {
			n++
		}
	}
	return n
}

// quorumPeersReadyLocked is the shared readiness predicate: at least
// floor(clusterSize/2) peer drivers Idle. Both the vote round and the
// commit hook gate on it before arming a round.
func (e *Engine) quorumPeersReadyLocked() bool {
	return e.idlePeerCountLocked() >= e.clusterSize/2
}

func (e *Engine) connectedPeerCountLocked() int {
	n := 0
	for _, p := range e.peers {
		if !p.deleted && (p.state == PeerIdle || p.state == PeerBusy) {
			n++
		}
	}
	return n
}

func (e *Engine) replicatedPeerCountLocked() int {
	n := 0
	for _, p := range e.peers {
		if !p.deleted && p.logReplicated {
			n++
		}
	}
	return n
}

// stepDownLocked demotes to Follower, adopting term if it is newer
// (resetting votedFor per the higher-term rule). Any in-flight vote or
// append round is woken so it can observe the role change. The caller
// persists if the term moved.
func (e *Engine) stepDownLocked(term uint64, leader string) {
	prevRole := e.role
	if term > e.currentTerm {
		e.currentTerm = term
		e.votedFor = ""
		e.votedForTerm = 0
	}
	e.role = RoleFollower
	if leader != "" {
		e.leaderHint = leader
	}
	e.cmd = CmdNone
	e.pending = nil
	e.disallowUpdates = false
	e.voteResult.broadcastLocked()
	e.appendConsensus.broadcastLocked()
	if prevRole != RoleFollower {
		e.log.Info("stepping down to follower", "term", e.currentTerm, "leader", e.leaderHint)
		e.auditRole(RoleFollower)
	}
}

// termAtLocked returns the term of the log entry at index, 0 for index 0.
// The store read happens with the mutex released.
func (e *Engine) termAtLocked(index uint64) (uint64, bool) {
	if index == 0 {
		return 0, true
	}
	e.mu.Unlock()
	rec, ok, err := e.store.GetEntry(index)
	e.mu.Lock()
	if err != nil || !ok {
		return 0, false
	}
	return rec.Term, true
}

func (e *Engine) auditRole(role Role) {
	if e.trail == nil {
		return
	}
	e.trail.Record(audit.Event{
		Type:   audit.EventRoleChange,
		Node:   e.nodeID,
		Term:   e.currentTerm,
		Detail: role.String(),
	})
}

// Status returns an operator-facing snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		NodeID:          e.nodeID,
		Role:            e.role.String(),
		Term:            e.currentTerm,
		Leader:          e.leaderHint,
		CommitIndex:     e.commitIndex,
		LastApplied:     e.lastApplied,
		LastLogIndex:    e.lastLogIndex,
		LastLogTerm:     e.lastLogTerm,
		ClusterSize:     e.clusterSize,
		DisallowUpdates: e.disallowUpdates,
	}
	for _, p := range e.peers {
		if p.deleted {
			continue
		}
		ps := PeerStatus{
			Hostname:   p.hostname,
			Addr:       p.addr,
			State:      p.state.String(),
			MatchIndex: p.matchIndex,
		}
		if p.health != nil {
			ps.Phi = p.health.Phi()
		}
		st.Peers = append(st.Peers, ps)
	}
	return st
}

// GetLeader returns the current leader hint when this node is a
// Follower; a Leader returns itself, a Candidate nothing.
func (e *Engine) GetLeader() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.role {
	case RoleLeader:
		return e.nodeID, true
	case RoleFollower:
		if e.leaderHint != "" {
			return e.leaderHint, true
		}
	}
	return "", false
}

// IsLeader reports whether this node currently believes it is leader.
func (e *Engine) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role == RoleLeader
}

// DisallowUpdates reports whether a leader transition is in progress and
// writes must be rejected. The operation tag names the caller in the log
// when the answer is yes.
func (e *Engine) DisallowUpdates(op string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disallowUpdates {
		e.log.Info("rejecting update during leader transition", "op", op, "term", e.currentTerm)
		return true
	}
	return false
}

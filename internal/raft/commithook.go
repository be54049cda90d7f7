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
	"sort"
	"time"

	"raftdir/internal/audit"
	"raftdir/internal/backend"
	"raftdir/internal/errors"
)

// peersReadyRetries bounds how many WaitPeersReadyMS windows the commit
// hook spends waiting for idle peers before giving up.
const peersReadyRetries = 3

// PreCommitAdd replicates an Add of dn with attrs through the cluster,
// blocking until the entry is committed and applied locally. The minted
// entry ID is returned on success.
func (e *Engine) PreCommitAdd(dn string, attrs backend.Attrs) (uint64, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	dn = normalizeDN(dn)
	e.mu.Lock()
	if err := e.checkWritableLocked("add"); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	id, err := e.alloc.Next(e.commitIndex)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	payload, err := EncodeAddPayload(dn, attrs)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	entry := LogEntry{
		Index:       e.commitIndex + 1,
		Term:        e.currentTerm,
		EntryID:     id,
		RequestCode: RequestAdd,
		Payload:     payload,
	}
	e.mu.Unlock()

	if err := e.commitHook(entry, dn); err != nil {
		return 0, err
	}
	return id, nil
}

// PreCommitModify replicates a Modify of the entry at dn.
func (e *Engine) PreCommitModify(dn string, changes backend.Attrs) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	dn = normalizeDN(dn)
	id, ok := e.be.LookupDN(dn)
	if !ok {
		return errors.UnwillingToPerform("modify target does not exist: " + dn)
	}

	e.mu.Lock()
	if err := e.checkWritableLocked("modify"); err != nil {
		e.mu.Unlock()
		return err
	}
	payload, err := EncodeModifyPayload(dn, changes)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	entry := LogEntry{
		Index:       e.commitIndex + 1,
		Term:        e.currentTerm,
		EntryID:     uint64(id),
		RequestCode: RequestModify,
	}
	entry.Payload = payload
	e.mu.Unlock()

	return e.commitHook(entry, dn)
}

// PreCommitDelete replicates a Delete of the entry at dn. Deleting this
// server's own peer computer account is rejected.
func (e *Engine) PreCommitDelete(dn string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	dn = normalizeDN(dn)
	if dn == normalizeDN(peerDN(e.nodeID)) {
		return errors.UnwillingToPerform("cannot delete this server's own peer account")
	}
	id, ok := e.be.LookupDN(dn)
	if !ok {
		return errors.UnwillingToPerform("delete target does not exist: " + dn)
	}

	e.mu.Lock()
	if err := e.checkWritableLocked("delete"); err != nil {
		e.mu.Unlock()
		return err
	}
	entry := LogEntry{
		Index:       e.commitIndex + 1,
		Term:        e.currentTerm,
		EntryID:     uint64(id),
		RequestCode: RequestDelete,
	}
	e.mu.Unlock()

	return e.commitHook(entry, dn)
}

// checkWritableLocked vets the write path preconditions shared by every
// PreCommit operation.
func (e *Engine) checkWritableLocked(op string) error {
	if e.shuttingDown {
		return errors.ShuttingDown()
	}
	if e.disallowUpdates {
		e.log.Info("rejecting write during leader transition", "op", op, "term", e.currentTerm)
		return errors.UnwillingToPerform("leader transition in progress")
	}
	if e.clusterSize >= 2 && e.role != RoleLeader {
		hint := e.leaderHint
		err := errors.UnwillingToPerform("not the leader")
		if hint != "" {
			return err.WithHint("retry against leader " + hint)
		}
		return err
	}
	return nil
}

// commitHook is the synchronous replication gate: it blocks the write
// until the drafted entry reaches a quorum, then persists and applies it
// locally. On failure the caller aborts its transaction; nothing of the
// entry survives on this node.
func (e *Engine) commitHook(entry LogEntry, dn string) error {
	// Index 0 marks a transaction with no replicable payload.
	if entry.Index == 0 {
		return nil
	}

	waitPeers := time.Duration(e.cfg.WaitPeersReadyMS) * time.Millisecond
	waitConsensus := time.Duration(e.cfg.WaitConsensusTimeoutMS) * time.Millisecond

	e.mu.Lock()
	if e.clusterSize < 2 {
		// Standalone: commit locally, no RPC.
		e.mu.Unlock()
		return e.commitLocal(entry, dn)
	}
	if e.role != RoleLeader {
		e.mu.Unlock()
		return errors.UnwillingToPerform("not the leader")
	}

	ready := false
	for attempt := 0; attempt < peersReadyRetries; attempt++ {
		if e.waitCondLocked(e.peersReady, waitPeers, e.quorumPeersReadyLocked) {
			ready = true
			break
		}
		if e.role != RoleLeader || e.shuttingDown {
			break
		}
	}
	if !ready || e.role != RoleLeader {
		idle := e.idlePeerCountLocked()
		e.mu.Unlock()
		e.log.Warn("commit rejected, peers not ready", "index", entry.Index, "idle", idle)
		e.auditCommit(entry, dn, false)
		return errors.InsufficientQuorum(entry.Index)
	}

	// Publish the round and wake every driver.
	pending := entry
	e.pending = &pending
	e.cmd = CmdAppendEntries
	for _, p := range e.peers {
		// A peer that already stores this index (caught up past it by a
		// ping) counts immediately.
		p.logReplicated = p.matchIndex >= entry.Index
	}
	e.requestPending.broadcastLocked()

	e.waitCondLocked(e.appendConsensus, waitConsensus, func() bool {
		return e.role != RoleLeader ||
			e.replicatedPeerCountLocked()+1 >= e.quorumLocked()
	})
	reached := e.role == RoleLeader &&
		e.replicatedPeerCountLocked()+1 >= e.quorumLocked()
	e.cmd = CmdNone
	e.pending = nil
	e.mu.Unlock()

	if !reached {
		e.log.Warn("commit failed, quorum not reached", "index", entry.Index, "term", entry.Term)
		e.auditCommit(entry, dn, false)
		return errors.InsufficientQuorum(entry.Index)
	}

	return e.commitLocal(entry, dn)
}

// commitLocal durably appends the entry to this node's log, applies it,
// and advances commitIndex/lastApplied/lastLogIndex together.
func (e *Engine) commitLocal(entry LogEntry, dn string) error {
	if err := e.store.AppendEntry(entryToRecord(entry)); err != nil {
		return err
	}
	e.mu.Lock()
	e.lastLogIndex = entry.Index
	e.lastLogTerm = entry.Term
	e.mu.Unlock()

	if err := e.applyEntry(entry); err != nil {
		return err
	}

	e.mu.Lock()
	e.commitIndex = entry.Index
	e.commitIndexTerm = entry.Term
	e.lastApplied = entry.Index
	e.mu.Unlock()

	e.log.Info("committed", "index", entry.Index, "term", entry.Term,
		"op", entry.RequestCode.String(), "dn", dn)
	e.auditCommit(entry, dn, true)
	return nil
}

func (e *Engine) auditCommit(entry LogEntry, dn string, ok bool) {
	if e.trail == nil {
		return
	}
	ev := audit.Event{
		Type: audit.EventCommit, Node: e.nodeID, Term: entry.Term,
		Index: entry.Index, DN: dn,
		Detail: entry.RequestCode.String(), Status: audit.StatusSuccess,
	}
	if !ok {
		ev.Type = audit.EventCommitFailed
		ev.Status = audit.StatusFailed
	}
	e.trail.Record(ev)
}

// catchUpTargetLocked finds the highest log index above lastApplied that
// at least floor(clusterSize/2) peers are known to store, 0 if none.
// Standalone nodes may apply everything they have.
func (e *Engine) catchUpTargetLocked() uint64 {
	need := e.clusterSize / 2
	if need == 0 {
		return e.lastLogIndex
	}
	var matches []uint64
	for _, p := range e.peers {
		if !p.deleted && p.matchIndex > e.lastApplied {
			matches = append(matches, p.matchIndex)
		}
	}
	if len(matches) < need {
		return 0
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	target := matches[need-1]
	if target > e.lastLogIndex {
		target = e.lastLogIndex
	}
	return target
}

// leaderCommitCatchUpLocked runs once after winning an election: every
// entry in (lastApplied, lastLogIndex] must be known quorum-replicated
// and applied before the new leader opens the write path. Heartbeats do
// the replication; this loop watches peer matchIndex movement and
// applies as soon as a prefix is safe.
func (e *Engine) leaderCommitCatchUpLocked() {
	if e.lastApplied == e.lastLogIndex {
		return
	}
	waitConsensus := time.Duration(e.cfg.WaitConsensusTimeoutMS) * time.Millisecond
	e.log.Info("commit catch-up started",
		"last_applied", e.lastApplied, "last_log_index", e.lastLogIndex)

	for e.lastApplied < e.lastLogIndex && e.role == RoleLeader && !e.shuttingDown {
		target := e.catchUpTargetLocked()
		if target > e.lastApplied {
			if target > e.commitIndex {
				e.commitIndex = target
				if t, ok := e.termAtLocked(target); ok {
					e.commitIndexTerm = t
				}
			}
			e.applyUpToLocked(target)
			continue
		}
		e.waitCondLocked(e.appendConsensus, waitConsensus, func() bool {
			return e.role != RoleLeader || e.shuttingDown ||
				e.catchUpTargetLocked() > e.lastApplied
		})
	}

	if e.role == RoleLeader {
		e.log.Info("commit catch-up complete", "last_applied", e.lastApplied)
	}
}

// NextNewEntryID mints an entry ID for a new Add before its transaction
// persists.
func (e *Engine) NextNewEntryID() (uint64, error) {
	e.mu.Lock()
	commitIndex := e.commitIndex
	e.mu.Unlock()
	return e.alloc.Next(commitIndex)
}

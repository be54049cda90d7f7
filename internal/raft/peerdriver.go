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
	"time"

	"raftdir/internal/audit"
	"raftdir/internal/errors"
	"raftdir/internal/logging"
)

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// runPeerDriver owns one peer: it maintains the authenticated connection
// and serializes every RPC this node sends to that peer.
func (e *Engine) runPeerDriver(ctx context.Context, p *Peer) {
	plog := e.log.With("peer", p.hostname)
	for ctx.Err() == nil {
		client := e.connectPeer(ctx, p, plog)
		if client == nil {
			return
		}

		e.mu.Lock()
		if p.deleted || e.shuttingDown {
			e.mu.Unlock()
			client.Close()
			return
		}
		if p.state == PeerPendingAdd {
			// First successful probe: the peer now counts.
			e.clusterSize++
			plog.Info("peer answered first probe", "cluster_size", e.clusterSize)
			if e.clusterSize == 2 {
				plog.Info("node reclassified from standalone to clustered")
			}
			if e.trail != nil {
				e.trail.Record(audit.Event{
					Type: audit.EventPeerJoin, Node: e.nodeID,
					Term: e.currentTerm, Detail: p.hostname,
				})
			}
		}
		p.state = PeerIdle
		if e.quorumPeersReadyLocked() {
			e.peersReady.broadcastLocked()
		}
		e.mu.Unlock()

		e.drivePeer(ctx, p, client, plog)
		client.Close()

		e.mu.Lock()
		if p.state != PeerPendingAdd {
			p.state = PeerDisconnected
		}
		e.mu.Unlock()
	}
}

// connectPeer dials and probes p until it succeeds or ctx ends.
// Transport-class failures back off PingInterval/2 (halved once more on
// the first retry after a fresh connection, to recover fast from a peer
// restart); other failures back off longer.
func (e *Engine) connectPeer(ctx context.Context, p *Peer, plog *logging.Logger) *peerClient {
	pingInterval := time.Duration(e.cfg.PingIntervalMS) * time.Millisecond
	firstTry := true
	for ctx.Err() == nil {
		e.mu.Lock()
		deleted := p.deleted || e.shuttingDown
		e.mu.Unlock()
		if deleted {
			return nil
		}

		client, err := e.trans.dial(p.hostname, p.addr)
		if err == nil {
			plog.Debug("peer connected", "addr", p.addr)
			return client
		}

		var backoff time.Duration
		if errors.IsTransportError(err) {
			backoff = pingInterval / 2
			if firstTry {
				backoff = pingInterval / 4
			}
			plog.Debug("peer unreachable", "error", err, "phi", p.health.Phi())
		} else {
			backoff = 2 * pingInterval
			plog.Warn("peer connect failed", "error", err)
		}
		firstTry = false
		if !sleepCtx(ctx, backoff) {
			return nil
		}
	}
	return nil
}

// selectTaskLocked decides what the driver should do next. A leader with
// nothing pending synthesizes a heartbeat once PingInterval has elapsed.
func (e *Engine) selectTaskLocked(p *Peer) (Command, *LogEntry, RequestVoteArgs) {
	pingInterval := time.Duration(e.cfg.PingIntervalMS) * time.Millisecond

	if e.cmd == CmdRequestVote && e.role == RoleCandidate && !p.voteAnswered {
		return CmdRequestVote, nil, RequestVoteArgs{
			Term:         e.currentTerm,
			CandidateID:  e.nodeID,
			LastLogIndex: e.lastLogIndex,
			LastLogTerm:  e.lastLogTerm,
		}
	}
	if e.cmd == CmdAppendEntries && e.role == RoleLeader &&
		e.pending != nil && !p.logReplicated && e.pending.Index > p.matchIndex {
		ent := *e.pending
		return CmdAppendEntries, &ent, RequestVoteArgs{}
	}
	if e.role == RoleLeader && time.Since(p.prevPingTime) >= pingInterval {
		return CmdPing, nil, RequestVoteArgs{}
	}
	return CmdNone, nil, RequestVoteArgs{}
}

// drivePeer is the connected main loop: idle, wait for work or the ping
// interval, dispatch. Returns when the connection dies or the peer is
// removed.
func (e *Engine) drivePeer(ctx context.Context, p *Peer, client *peerClient, plog *logging.Logger) {
	pingInterval := time.Duration(e.cfg.PingIntervalMS) * time.Millisecond

	for {
		e.mu.Lock()
		if e.shuttingDown || p.deleted || ctx.Err() != nil {
			e.mu.Unlock()
			return
		}
		p.state = PeerIdle
		if e.quorumPeersReadyLocked() {
			e.peersReady.broadcastLocked()
		}

		task, entry, voteArgs := e.selectTaskLocked(p)
		if task == CmdNone {
			ch := e.requestPending.ch
			e.mu.Unlock()
			timer := time.NewTimer(pingInterval)
			select {
			case <-ch:
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
			timer.Stop()
			e.mu.Lock()
			task, entry, voteArgs = e.selectTaskLocked(p)
			if task == CmdNone {
				e.mu.Unlock()
				continue
			}
		}
		p.state = PeerBusy
		e.mu.Unlock()

		var err error
		switch task {
		case CmdRequestVote:
			err = e.sendRequestVote(p, client, voteArgs)
		case CmdAppendEntries:
			err = e.replicate(p, client, entry)
		case CmdPing:
			err = e.replicate(p, client, nil)
		}
		if err != nil {
			if errors.IsTransportError(err) {
				plog.Warn("peer rpc transport failure, reconnecting", "error", err)
				return
			}
			// Peer answered but refused (e.g. still initializing): short
			// backoff, keep the connection.
			plog.Debug("peer rpc refused", "error", err)
			if !sleepCtx(ctx, pingInterval/2) {
				return
			}
		}
	}
}

// sendRequestVote performs the client side of one vote solicitation.
func (e *Engine) sendRequestVote(p *Peer, client *peerClient, args RequestVoteArgs) error {
	reply, err := client.requestVote(args)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		return err
	}
	p.health.Heartbeat()
	if e.vote.term == args.Term {
		e.vote.rpcSent = true
	}
	e.handleVoteReplyLocked(p, reply)
	return nil
}

// catchUpBatchMax bounds how many consecutive entries one catch-up
// AppendEntries carries.
const catchUpBatchMax = 64

// replicate performs the client side of AppendEntries: a payload round
// for entry, or a heartbeat ping (entry == nil) that also closes any log
// gap the peer still has. Implements the decrement-and-retry walk with
// the probed entry sent inline, avoiding the extra round trip; upward
// catch-up moves runs of consecutive entries as lz4 batches.
func (e *Engine) replicate(p *Peer, client *peerClient, entry *LogEntry) error {
	e.mu.Lock()
	if e.role != RoleLeader {
		e.mu.Unlock()
		return nil
	}
	term := e.currentTerm
	leaderCommit := e.commitIndex

	var startIndex, prevLogIndex, prevLogTerm uint64
	var payload []LogEntry
	if entry != nil {
		payload = []LogEntry{*entry}
		startIndex = entry.Index
		prevLogIndex = entry.Index - 1
	} else {
		startIndex = e.lastLogIndex
		prevLogIndex = e.lastLogIndex
	}
	e.mu.Unlock()

	pt, ok := e.storeTermAt(prevLogIndex)
	if !ok {
		e.log.Error("local log missing entry for replication",
			"peer", p.hostname, "index", prevLogIndex)
		return nil
	}
	prevLogTerm = pt

	for {
		args := AppendEntriesArgs{
			Term:         term,
			Leader:       e.nodeID,
			PrevLogIndex: prevLogIndex,
			PrevLogTerm:  prevLogTerm,
			LeaderCommit: leaderCommit,
		}
		if len(payload) == 1 {
			packed := PackEntry(payload[0])
			args.EntrySize = len(packed)
			args.EntryCount = 1
			catchUp := entry == nil || payload[0].Index < startIndex
			compressed, err := e.trans.packPayload(packed, catchUp)
			if err != nil {
				return err
			}
			args.Entry = compressed
		} else if len(payload) > 1 {
			packedList := make([][]byte, len(payload))
			for i := range payload {
				packedList[i] = PackEntry(payload[i])
				args.EntrySize += len(packedList[i])
			}
			args.EntryCount = len(payload)
			compressed, err := e.trans.packBatch(packedList)
			if err != nil {
				return err
			}
			args.Entry = compressed
		}

		reply, err := client.appendEntries(args)
		if err != nil {
			return err
		}

		e.mu.Lock()
		if reply.Term > e.currentTerm {
			e.stepDownLocked(reply.Term, "")
			e.lastPingRecv = time.Now()
			e.persistStateLocked()
			e.mu.Unlock()
			return nil
		}
		if e.role != RoleLeader || e.currentTerm != term || p.deleted {
			e.mu.Unlock()
			return nil
		}

		if reply.Status != AppendAccepted {
			// Peer lacks prevLogIndex with a matching term: walk down one
			// entry, sending it as the payload.
			e.mu.Unlock()
			if prevLogIndex == 0 {
				e.log.Error("peer rejected append at log start", "peer", p.hostname)
				return nil
			}
			rec, found, err2 := e.store.GetEntry(prevLogIndex)
			if err2 != nil || !found {
				e.log.Error("local log missing entry during walk-down",
					"peer", p.hostname, "index", prevLogIndex, "error", err2)
				return nil
			}
			payload = []LogEntry{recordToEntry(rec)}
			prevLogIndex = payload[0].Index - 1
			pt, ok := e.storeTermAt(prevLogIndex)
			if !ok {
				e.log.Error("local log missing entry during walk-down",
					"peer", p.hostname, "index", prevLogIndex)
				return nil
			}
			prevLogTerm = pt
			continue
		}

		// Accepted: advance matchIndex to what the peer now stores.
		newMatch := prevLogIndex
		if n := len(payload); n > 0 && payload[n-1].Index > newMatch {
			newMatch = payload[n-1].Index
		}
		if newMatch > p.matchIndex {
			p.matchIndex = newMatch
			// Wakes the leader commit catch-up, which watches peer
			// matchIndex movement.
			e.appendConsensus.broadcastLocked()
		}
		p.prevPingTime = time.Now()
		p.health.Heartbeat()

		if p.matchIndex < startIndex {
			// Still behind the index this cycle set out to reach: move
			// the next run of entries above the match point and loop.
			next := p.matchIndex + 1
			e.mu.Unlock()
			if entry != nil && next == entry.Index {
				// The pending entry lives only in memory until it
				// commits; it cannot be read back from the log.
				payload = []LogEntry{*entry}
				prevLogIndex = entry.Index - 1
				pt, ok := e.storeTermAt(prevLogIndex)
				if !ok {
					return nil
				}
				prevLogTerm = pt
				continue
			}
			hi := next + catchUpBatchMax - 1
			if last := e.store.LastIndex(); hi > last {
				hi = last
			}
			recs, err2 := e.store.Entries(next, hi)
			if err2 != nil || len(recs) == 0 {
				e.log.Error("local log missing entries during catch-up",
					"peer", p.hostname, "from", next, "error", err2)
				return nil
			}
			payload = payload[:0]
			for _, rec := range recs {
				payload = append(payload, recordToEntry(rec))
			}
			prevLogIndex = next - 1
			pt, ok := e.storeTermAt(prevLogIndex)
			if !ok {
				return nil
			}
			prevLogTerm = pt
			continue
		}

		// Caught up. If this cycle was replicating the uncommitted
		// pending entry, count it toward quorum.
		if entry != nil && e.cmd == CmdAppendEntries &&
			e.pending != nil && e.pending.Index == entry.Index {
			p.logReplicated = true
			if e.replicatedPeerCountLocked()+1 >= e.quorumLocked() {
				e.appendConsensus.broadcastLocked()
			}
		}
		e.mu.Unlock()
		return nil
	}
}

// storeTermAt reads the term of the log entry at index; index 0 is term 0.
func (e *Engine) storeTermAt(index uint64) (uint64, bool) {
	if index == 0 {
		return 0, true
	}
	rec, ok, err := e.store.GetEntry(index)
	if err != nil || !ok {
		return 0, false
	}
	return rec.Term, true
}

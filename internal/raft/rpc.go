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
	"encoding/json"
	"net"
	"time"

	"raftdir/internal/errors"
)

// runRPCServer accepts peer connections on the engine's listener until
// shutdown.
func (e *Engine) runRPCServer(ctx context.Context) error {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			e.log.Warn("rpc accept failed", "error", err)
			if !sleepCtx(ctx, 100*time.Millisecond) {
				return nil
			}
			continue
		}
		go e.serveConn(ctx, conn)
	}
}

// serveConn handles one inbound peer connection: a hello handshake, then
// a request/response loop until the peer hangs up. Status requests are
// answered without authentication; consensus RPCs are not.
func (e *Engine) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if e.serverTLS() != nil {
		tlsConn := stdtls.Server(conn, e.serverTLS())
		tlsConn.SetDeadline(time.Now().Add(e.trans.rpcTimeout))
		if err := tlsConn.Handshake(); err != nil {
			e.log.Debug("inbound tls handshake failed", "error", err)
			return
		}
		tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	// Follower-to-leader connections carry traffic only during vote
	// rounds, so the idle allowance is generous.
	authed := false
	idle := 20 * time.Duration(e.cfg.ElectionTimeoutMS) * time.Millisecond
	if idle < 30*time.Second {
		idle = 30 * time.Second
	}
	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(idle))
		msgType, body, err := readFrame(conn)
		if err != nil {
			return
		}

		switch msgType {
		case msgHello:
			var args helloArgs
			if err := json.Unmarshal(body, &args); err != nil {
				return
			}
			if !e.trans.verifyHello(args) {
				e.log.Warn("peer hello rejected", "peer", args.NodeID)
				writeJSONFrame(conn, msgError, errorReply{
					Code:    int(errors.ErrCodeAuthMethod),
					Message: "hello authentication failed",
				})
				return
			}
			authed = true
			if err := writeJSONFrame(conn, msgHelloResp, helloReply{NodeID: e.nodeID}); err != nil {
				return
			}

		case msgStatus:
			if err := writeJSONFrame(conn, msgStatusResp, e.Status()); err != nil {
				return
			}

		case msgRequestVote:
			if !authed {
				return
			}
			var args RequestVoteArgs
			if err := json.Unmarshal(body, &args); err != nil {
				return
			}
			reply, rpcErr := e.handleRequestVote(args)
			if rpcErr != nil {
				writeJSONFrame(conn, msgError, errorReply{
					Code: int(rpcErr.Code), Message: rpcErr.Message,
				})
				continue
			}
			if err := writeJSONFrame(conn, msgRequestVoteResp, reply); err != nil {
				return
			}

		case msgAppendEntries:
			if !authed {
				return
			}
			var args AppendEntriesArgs
			if err := json.Unmarshal(body, &args); err != nil {
				return
			}
			reply := e.handleAppendEntries(args)
			if err := writeJSONFrame(conn, msgAppendEntriesResp, reply); err != nil {
				return
			}

		default:
			return
		}
	}
}

// handleRequestVote is the receiver side of RequestVote.
func (e *Engine) handleRequestVote(args RequestVoteArgs) (RequestVoteReply, *errors.EngineError) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return RequestVoteReply{}, errors.UnwillingToPerform("node still initializing")
	}

	// A higher term demotes before any other processing.
	if args.Term > e.currentTerm {
		e.stepDownLocked(args.Term, "")
		e.persistStateLocked()
	}

	reply := RequestVoteReply{Term: e.currentTerm}
	switch {
	case args.Term < e.currentTerm:
		reply.VoteGranted = VoteDenied

	case e.lastLogTerm > args.LastLogTerm,
		e.lastLogTerm == args.LastLogTerm && e.lastLogIndex > args.LastLogIndex:
		// Candidate's log is behind ours; tell it so, so it stops
		// burning term numbers.
		reply.VoteGranted = VoteDeniedShorterLog
		e.log.Debug("denying vote, candidate log behind ours",
			"candidate", args.CandidateID,
			"their_index", args.LastLogIndex, "our_index", e.lastLogIndex)

	case e.role == RoleLeader && args.Term == e.currentTerm:
		reply.VoteGranted = VoteDenied

	case e.votedForTerm == args.Term && e.votedFor != "" && e.votedFor != args.CandidateID:
		reply.VoteGranted = VoteDenied
		e.log.Debug("denying vote, already voted this term",
			"candidate", args.CandidateID, "voted_for", e.votedFor, "term", args.Term)

	default:
		e.votedFor = args.CandidateID
		e.votedForTerm = args.Term
		e.currentTerm = args.Term
		e.role = RoleFollower
		e.lastPingRecv = time.Now()
		e.persistStateLocked()
		reply.Term = e.currentTerm
		reply.VoteGranted = VoteGranted
		e.log.Info("vote granted", "candidate", args.CandidateID, "term", args.Term)
	}
	return reply, nil
}

// handleAppendEntries is the receiver side of AppendEntries, for both
// payload rounds and heartbeat pings.
func (e *Engine) handleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	e.mu.Lock()
	defer e.mu.Unlock()

	reply := AppendEntriesReply{Term: e.currentTerm}
	if e.currentTerm > args.Term {
		reply.Status = AppendLogMismatch
		return reply
	}

	termChanged := args.Term > e.currentTerm
	if termChanged || e.role != RoleFollower {
		e.stepDownLocked(args.Term, args.Leader)
	}
	e.leaderHint = args.Leader
	e.lastPingRecv = time.Now()
	if termChanged {
		e.persistStateLocked()
	}
	reply.Term = e.currentTerm

	// Log consistency check at (prevLogIndex, prevLogTerm).
	match := args.PrevLogIndex == 0
	if !match {
		t, ok := e.termAtLocked(args.PrevLogIndex)
		match = ok && t == args.PrevLogTerm
	}
	if !match {
		reply.Status = AppendLogMismatch
		return reply
	}

	// Anything above the match point is an uncommitted divergent tail.
	if e.lastLogIndex > args.PrevLogIndex {
		from := args.PrevLogIndex + 1
		e.mu.Unlock()
		err := e.store.TruncateFrom(from)
		e.mu.Lock()
		if err != nil {
			e.log.Error("truncating divergent tail failed", "from", from, "error", err)
			reply.Status = AppendLogMismatch
			return reply
		}
		e.log.Info("truncated divergent log tail", "from", from, "was_last", e.lastLogIndex)
		e.lastLogIndex = e.store.LastIndex()
		e.lastLogTerm = e.store.LastTerm()
	}

	if args.EntrySize > 0 {
		var packedList [][]byte
		var err error
		if args.EntryCount > 1 {
			packedList, err = e.trans.unpackBatch(args.Entry)
		} else {
			var packed []byte
			packed, err = e.trans.unpackPayload(args.Entry)
			packedList = [][]byte{packed}
		}
		if err != nil {
			e.log.Error("append payload decompression failed", "error", err)
			reply.Status = AppendLogMismatch
			return reply
		}

		expected := args.PrevLogIndex + 1
		entries := make([]LogEntry, 0, len(packedList))
		for _, packed := range packedList {
			entry, uerr := UnpackEntry(packed)
			if uerr != nil {
				e.log.Error("append payload unpack failed", "error", uerr)
				reply.Status = AppendLogMismatch
				return reply
			}
			if entry.Index != expected {
				e.log.Error("append entry index not contiguous",
					"index", entry.Index, "expected", expected)
				reply.Status = AppendLogMismatch
				return reply
			}
			expected++
			entries = append(entries, entry)
		}

		e.mu.Unlock()
		for _, entry := range entries {
			err = e.store.AppendEntry(entryToRecord(entry))
			if err != nil {
				break
			}
		}
		e.mu.Lock()
		e.lastLogIndex = e.store.LastIndex()
		e.lastLogTerm = e.store.LastTerm()
		if err != nil {
			e.log.Error("persisting replicated entries failed", "error", err)
			reply.Status = AppendLogMismatch
			return reply
		}
	}

	// Advance commitIndex to what the leader says is safe, bounded by
	// what we actually store, and apply.
	newCommit := args.LeaderCommit
	if newCommit > e.lastLogIndex {
		newCommit = e.lastLogIndex
	}
	if newCommit > e.commitIndex {
		e.commitIndex = newCommit
		if t, ok := e.termAtLocked(newCommit); ok {
			e.commitIndexTerm = t
		}
	}
	if e.commitIndex > e.lastApplied {
		e.applyUpToLocked(e.commitIndex)
	}

	reply.Status = AppendAccepted
	return reply
}

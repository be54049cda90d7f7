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
	"math/rand/v2"
	"time"

	"raftdir/internal/audit"
)

// reelectionBase is the floor of the randomized split-vote retry delay.
const reelectionBase = 150 * time.Millisecond

// reelectionDelay returns a random delay in [150ms, 150ms+randMS].
func reelectionDelay(randMS int64) time.Duration {
	if randMS <= 0 {
		return reelectionBase
	}
	return reelectionBase + time.Duration(rand.Int64N(randMS+1))*time.Millisecond
}

// runElectionScheduler is the single goroutine driving follower→candidate
// promotion on election timeout and candidate retry after a split vote.
func (e *Engine) runElectionScheduler(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.shuttingDown {
			e.mu.Unlock()
			return nil
		}
		electionTimeout := time.Duration(e.cfg.ElectionTimeoutMS) * time.Millisecond
		var wait time.Duration
		switch e.role {
		case RoleCandidate:
			wait = reelectionDelay(e.cfg.ReelectionRandMS)
		case RoleFollower:
			// Remaining time until the timeout would fire, clamped to
			// [0, electionTimeout] so clock skew can't produce a
			// negative or runaway wait.
			wait = electionTimeout - time.Since(e.lastPingRecv)
			if wait < 0 {
				wait = 0
			}
			if wait > electionTimeout {
				wait = electionTimeout
			}
		default:
			wait = electionTimeout
		}
		e.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		e.mu.Lock()
		switch {
		case e.shuttingDown:
			e.mu.Unlock()
			return nil
		case e.role == RoleLeader:
			// Leaders re-wait; heartbeats are the drivers' job.
		case e.clusterSize < 2:
			// Standalone node: elections never fire.
		case e.role == RoleFollower:
			if time.Since(e.lastPingRecv) >= electionTimeout {
				e.log.Info("election timeout, becoming candidate",
					"term", e.currentTerm, "last_ping", e.lastPingRecv.Format(time.RFC3339Nano))
				e.role = RoleCandidate
				e.runVoteRoundLocked()
			}
		case e.role == RoleCandidate:
			e.runVoteRoundLocked()
		}
		e.mu.Unlock()
	}
}

// runVoteRoundLocked executes one vote round. The mutex is held on entry
// and return; waits release it.
func (e *Engine) runVoteRoundLocked() {
	waitPeers := time.Duration(e.cfg.WaitPeersReadyMS) * time.Millisecond
	waitConsensus := time.Duration(e.cfg.WaitConsensusTimeoutMS) * time.Millisecond

	// Don't waste a term number while the cluster is unreachable.
	if !e.waitCondLocked(e.peersReady, waitPeers, e.quorumPeersReadyLocked) {
		e.log.Warn("vote round deferred, not enough idle peers",
			"idle", e.idlePeerCountLocked(), "cluster_size", e.clusterSize)
		return
	}
	if e.role != RoleCandidate || e.shuttingDown {
		return
	}

	// Only burn a new term if the previous round actually reached peers.
	if e.vote.rpcSent {
		e.currentTerm++
	}
	// The self-vote is recorded as a real vote: leaving votedFor clear
	// would let two same-term candidates grant each other votes, and
	// then both could reach quorum in that term.
	e.votedFor = e.nodeID
	e.votedForTerm = e.currentTerm
	e.persistStateLocked()
	if e.role != RoleCandidate {
		return
	}

	e.disallowUpdates = true
	e.vote = voteRound{term: e.currentTerm, consensusCnt: 1}
	for _, p := range e.peers {
		p.voteAnswered = false
	}
	e.cmd = CmdRequestVote
	e.log.Info("starting vote round", "term", e.currentTerm,
		"last_log_index", e.lastLogIndex, "last_log_term", e.lastLogTerm)
	e.requestPending.broadcastLocked()

	decided := func() bool {
		if e.role != RoleCandidate || e.vote.term != e.currentTerm {
			return true
		}
		if e.vote.consensusCnt >= e.quorumLocked() {
			return true
		}
		connected := e.connectedPeerCountLocked()
		return connected > 0 && e.vote.responses >= connected
	}
	e.waitCondLocked(e.voteResult, waitConsensus, decided)

	if e.cmd == CmdRequestVote {
		e.cmd = CmdNone
	}

	if e.role == RoleCandidate && e.vote.term == e.currentTerm &&
		e.vote.consensusCnt >= e.quorumLocked() {
		e.becomeLeaderLocked()
		return
	}
	if e.role == RoleCandidate {
		e.log.Info("vote round inconclusive, will retry",
			"term", e.currentTerm,
			"granted", e.vote.consensusCnt, "denied", e.vote.deniedCnt)
	}
}

// becomeLeaderLocked promotes to Leader: forces immediate heartbeats,
// runs the commit catch-up, then reopens the write path.
func (e *Engine) becomeLeaderLocked() {
	e.role = RoleLeader
	e.leaderHint = e.nodeID
	e.lastPingRecv = time.Time{}
	for _, p := range e.peers {
		p.prevPingTime = time.Time{}
		p.logReplicated = false
	}
	e.cmd = CmdNone
	e.pending = nil
	e.log.Info("became leader", "term", e.currentTerm, "commit_index", e.commitIndex,
		"last_log_index", e.lastLogIndex)
	if e.trail != nil {
		e.trail.Record(audit.Event{
			Type: audit.EventLeaderElected, Node: e.nodeID, Term: e.currentTerm,
		})
	}
	e.requestPending.broadcastLocked()

	e.leaderCommitCatchUpLocked()

	if e.role == RoleLeader {
		e.disallowUpdates = false
	}
}

// handleVoteReplyLocked folds one peer's RequestVote answer into the
// current round.
func (e *Engine) handleVoteReplyLocked(p *Peer, reply RequestVoteReply) {
	if !p.voteAnswered {
		p.voteAnswered = true
		e.vote.responses++
	}

	if reply.Term > e.currentTerm {
		e.vote.deniedCnt++
		e.stepDownLocked(reply.Term, "")
		e.persistStateLocked()
		return
	}
	if e.role != RoleCandidate {
		return
	}

	switch reply.VoteGranted {
	case VoteGranted:
		if e.vote.term == e.currentTerm {
			e.vote.consensusCnt++
			e.log.Debug("vote granted", "peer", p.hostname, "term", e.currentTerm,
				"granted", e.vote.consensusCnt, "quorum", e.quorumLocked())
			if e.vote.consensusCnt >= e.quorumLocked() {
				e.voteResult.broadcastLocked()
			}
		}
	case VoteDenied:
		e.vote.deniedCnt++
		e.log.Debug("vote denied", "peer", p.hostname, "term", e.currentTerm)
	case VoteDeniedShorterLog:
		// The peer's log is longer than ours; further retries at higher
		// terms would only waste term numbers.
		e.vote.deniedCnt++
		e.log.Info("vote denied, peer has longer log", "peer", p.hostname,
			"term", e.currentTerm)
		e.stepDownLocked(e.currentTerm, "")
	}

	connected := e.connectedPeerCountLocked()
	if connected > 0 && e.vote.responses >= connected {
		e.voteResult.broadcastLocked()
	}
}

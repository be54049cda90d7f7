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
	"testing"

	"raftdir/internal/errors"
)

func TestRequestVoteDeniedShorterCandidateLog(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-e", nil)
	defer cleanup()

	e.mu.Lock()
	e.currentTerm = 3
	e.lastLogTerm = 3
	e.lastLogIndex = 9
	e.mu.Unlock()

	reply, rpcErr := e.handleRequestVote(RequestVoteArgs{
		Term: 3, CandidateID: "node-d", LastLogIndex: 7, LastLogTerm: 3,
	})
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	if reply.VoteGranted != VoteDeniedShorterLog {
		t.Errorf("expected vote_granted=2 for shorter candidate log, got %d", reply.VoteGranted)
	}
	if reply.Term != 3 {
		t.Errorf("expected reply term 3, got %d", reply.Term)
	}
}

func TestRequestVoteHigherTermDemotesAndGrants(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-e", nil)
	defer cleanup()

	e.mu.Lock()
	e.role = RoleLeader
	e.currentTerm = 1
	e.mu.Unlock()

	reply, rpcErr := e.handleRequestVote(RequestVoteArgs{
		Term: 5, CandidateID: "node-x", LastLogIndex: 3, LastLogTerm: 4,
	})
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	if reply.VoteGranted != VoteGranted {
		t.Errorf("expected grant, got %d", reply.VoteGranted)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.role != RoleFollower {
		t.Errorf("expected demotion to follower, still %s", e.role)
	}
	if e.currentTerm != 5 || e.votedFor != "node-x" || e.votedForTerm != 5 {
		t.Errorf("vote not recorded: term=%d votedFor=%q votedForTerm=%d",
			e.currentTerm, e.votedFor, e.votedForTerm)
	}
}

func TestRequestVoteOnePerTerm(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-e", nil)
	defer cleanup()

	e.mu.Lock()
	e.currentTerm = 5
	e.votedFor = "node-a"
	e.votedForTerm = 5
	e.mu.Unlock()

	reply, _ := e.handleRequestVote(RequestVoteArgs{Term: 5, CandidateID: "node-b"})
	if reply.VoteGranted != VoteDenied {
		t.Errorf("expected denial for second candidate in same term, got %d", reply.VoteGranted)
	}

	// Re-granting to the same candidate is allowed.
	reply, _ = e.handleRequestVote(RequestVoteArgs{Term: 5, CandidateID: "node-a"})
	if reply.VoteGranted != VoteGranted {
		t.Errorf("expected re-grant to same candidate, got %d", reply.VoteGranted)
	}
}

func TestRequestVoteStaleTermDenied(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-e", nil)
	defer cleanup()

	e.mu.Lock()
	e.currentTerm = 5
	e.mu.Unlock()

	reply, _ := e.handleRequestVote(RequestVoteArgs{Term: 3, CandidateID: "node-b"})
	if reply.VoteGranted != VoteDenied {
		t.Errorf("expected denial for stale term, got %d", reply.VoteGranted)
	}
	if reply.Term != 5 {
		t.Errorf("expected our term in reply, got %d", reply.Term)
	}
}

func TestRequestVoteWhileInitializing(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-e", nil)
	defer cleanup()

	e.mu.Lock()
	e.initialized = false
	e.mu.Unlock()

	_, rpcErr := e.handleRequestVote(RequestVoteArgs{Term: 1, CandidateID: "node-b"})
	if rpcErr == nil || rpcErr.Code != errors.ErrCodeUnwillingToPerform {
		t.Errorf("expected unwilling-to-perform while initializing, got %v", rpcErr)
	}
}

func TestAppendEntriesRejectsStaleTerm(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-e", nil)
	defer cleanup()

	e.mu.Lock()
	e.currentTerm = 5
	e.mu.Unlock()

	reply := e.handleAppendEntries(AppendEntriesArgs{Term: 3, Leader: "node-old"})
	if reply.Status != AppendLogMismatch {
		t.Errorf("expected rejection of stale leader, got status %d", reply.Status)
	}
	if reply.Term != 5 {
		t.Errorf("expected our term in reply, got %d", reply.Term)
	}
}

func TestAppendEntriesHigherTermDemotesBeforeProcessing(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-e", nil)
	defer cleanup()

	e.mu.Lock()
	e.role = RoleLeader
	e.currentTerm = 1
	e.mu.Unlock()

	reply := e.handleAppendEntries(AppendEntriesArgs{Term: 2, Leader: "node-b"})
	if reply.Status != AppendAccepted {
		t.Errorf("expected acceptance, got status %d", reply.Status)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.role != RoleFollower || e.currentTerm != 2 || e.leaderHint != "node-b" {
		t.Errorf("expected demotion to follower of node-b at term 2, got %s term=%d leader=%q",
			e.role, e.currentTerm, e.leaderHint)
	}
}

func TestAppendEntriesPrevZeroTruncatesUnconditionally(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-e", nil)
	defer cleanup()
	seedLog(t, e, []uint64{1, 1})

	reply := e.handleAppendEntries(AppendEntriesArgs{Term: 2, Leader: "node-b", PrevLogIndex: 0})
	if reply.Status != AppendAccepted {
		t.Fatalf("expected acceptance at prevLogIndex 0, got status %d", reply.Status)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastLogIndex != 0 {
		t.Errorf("expected full truncation, lastLogIndex=%d", e.lastLogIndex)
	}
}

func TestAppendEntriesDeletesDivergentTail(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-c", nil)
	defer cleanup()

	// Entries 1..10 from term 3, then 11..12 from a stale leader at
	// term 4.
	terms := make([]uint64, 12)
	for i := 0; i < 10; i++ {
		terms[i] = 3
	}
	terms[10], terms[11] = 4, 4
	seedLog(t, e, terms)
	e.mu.Lock()
	e.currentTerm = 4
	e.mu.Unlock()

	reply := e.handleAppendEntries(AppendEntriesArgs{
		Term: 5, Leader: "node-a", PrevLogIndex: 10, PrevLogTerm: 3,
	})
	if reply.Status != AppendAccepted {
		t.Fatalf("expected acceptance at matching prevLogIndex, got status %d", reply.Status)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastLogIndex != 10 {
		t.Errorf("expected divergent entries 11,12 deleted, lastLogIndex=%d", e.lastLogIndex)
	}
	if e.store.LastIndex() != 10 {
		t.Errorf("expected store truncated to 10, got %d", e.store.LastIndex())
	}
}

func TestAppendEntriesLogMismatchStatus(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-e", nil)
	defer cleanup()

	reply := e.handleAppendEntries(AppendEntriesArgs{
		Term: 1, Leader: "node-a", PrevLogIndex: 5, PrevLogTerm: 1,
	})
	if reply.Status != AppendLogMismatch {
		t.Errorf("expected status 1 for missing prevLogIndex, got %d", reply.Status)
	}
}

func TestAppendEntriesStoresAndAppliesEntry(t *testing.T) {
	e, be, cleanup := setupTestEngine(t, "node-e", nil)
	defer cleanup()

	entry := testAddEntry(t, 1, 1)
	compressed, err := e.trans.packPayload(PackEntry(entry), false)
	if err != nil {
		t.Fatalf("packPayload: %v", err)
	}

	reply := e.handleAppendEntries(AppendEntriesArgs{
		Term: 1, Leader: "node-a",
		PrevLogIndex: 0, PrevLogTerm: 0,
		LeaderCommit: 1,
		EntrySize:    len(PackEntry(entry)),
		Entry:        compressed,
	})
	if reply.Status != AppendAccepted {
		t.Fatalf("expected acceptance, got status %d", reply.Status)
	}

	e.mu.Lock()
	lastApplied, commitIndex := e.lastApplied, e.commitIndex
	e.mu.Unlock()
	if commitIndex != 1 || lastApplied != 1 {
		t.Errorf("expected commitIndex=lastApplied=1, got %d/%d", commitIndex, lastApplied)
	}
	if _, found := be.LookupDN(dnForIndex(1)); !found {
		t.Errorf("expected applied entry visible in backend")
	}

	rec, found, err := e.store.GetEntry(1)
	if err != nil || !found {
		t.Fatalf("expected entry 1 durable in log: %v", err)
	}
	if rec.Term != 1 {
		t.Errorf("expected stored term 1, got %d", rec.Term)
	}
}

func TestAppendEntriesBatchedCatchUp(t *testing.T) {
	e, be, cleanup := setupTestEngine(t, "node-e", nil)
	defer cleanup()

	entries := []LogEntry{
		testAddEntry(t, 1, 1),
		testAddEntry(t, 2, 1),
		testAddEntry(t, 3, 1),
	}
	packedList := make([][]byte, len(entries))
	total := 0
	for i, entry := range entries {
		packedList[i] = PackEntry(entry)
		total += len(packedList[i])
	}
	compressed, err := e.trans.packBatch(packedList)
	if err != nil {
		t.Fatalf("packBatch: %v", err)
	}

	reply := e.handleAppendEntries(AppendEntriesArgs{
		Term: 1, Leader: "node-a",
		PrevLogIndex: 0, PrevLogTerm: 0,
		LeaderCommit: 3,
		EntrySize:    total,
		EntryCount:   len(entries),
		Entry:        compressed,
	})
	if reply.Status != AppendAccepted {
		t.Fatalf("expected batch acceptance, got status %d", reply.Status)
	}

	e.mu.Lock()
	lastLogIndex, lastApplied := e.lastLogIndex, e.lastApplied
	e.mu.Unlock()
	if lastLogIndex != 3 || lastApplied != 3 {
		t.Errorf("expected all 3 batched entries stored and applied, got log=%d applied=%d",
			lastLogIndex, lastApplied)
	}
	for i := uint64(1); i <= 3; i++ {
		if _, found := be.LookupDN(dnForIndex(i)); !found {
			t.Errorf("expected batched entry %d applied", i)
		}
	}
}

func TestAppendEntriesBatchRejectsGap(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-e", nil)
	defer cleanup()

	// Entries 1 and 3: not consecutive, must be rejected whole.
	packedList := [][]byte{
		PackEntry(testAddEntry(t, 1, 1)),
		PackEntry(testAddEntry(t, 3, 1)),
	}
	compressed, err := e.trans.packBatch(packedList)
	if err != nil {
		t.Fatalf("packBatch: %v", err)
	}

	reply := e.handleAppendEntries(AppendEntriesArgs{
		Term: 1, Leader: "node-a",
		PrevLogIndex: 0, PrevLogTerm: 0,
		EntrySize:  len(packedList[0]) + len(packedList[1]),
		EntryCount: 2,
		Entry:      compressed,
	})
	if reply.Status != AppendLogMismatch {
		t.Errorf("expected rejection of gapped batch, got status %d", reply.Status)
	}
	if e.store.LastIndex() != 0 {
		t.Errorf("rejected batch must not persist anything, got %d", e.store.LastIndex())
	}
}

func TestAppendEntriesCommitBoundedByLocalLog(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-e", nil)
	defer cleanup()
	seedLog(t, e, []uint64{1})

	// Leader claims commit 10 but we only store 1.
	reply := e.handleAppendEntries(AppendEntriesArgs{
		Term: 1, Leader: "node-a", PrevLogIndex: 1, PrevLogTerm: 1, LeaderCommit: 10,
	})
	if reply.Status != AppendAccepted {
		t.Fatalf("expected acceptance, got %d", reply.Status)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.commitIndex != 1 {
		t.Errorf("expected commitIndex clamped to lastLogIndex 1, got %d", e.commitIndex)
	}
}

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

	"raftdir/internal/backend"
	"raftdir/internal/errors"
)

func TestStandaloneCommit(t *testing.T) {
	e, be, cleanup := setupTestEngine(t, "node-solo", nil)
	defer cleanup()

	id, err := e.PreCommitAdd("cn=app,dc=example", backend.Attrs{"cn": {"app"}})
	if err != nil {
		t.Fatalf("PreCommitAdd: %v", err)
	}
	if id&NewEntryIDPrefix == 0 {
		t.Errorf("expected allocator-minted id, got %x", id)
	}

	st := e.Status()
	if st.CommitIndex != 1 || st.LastApplied != 1 || st.LastLogIndex != 1 {
		t.Errorf("expected commit/applied/log all at 1, got %d/%d/%d",
			st.CommitIndex, st.LastApplied, st.LastLogIndex)
	}
	gotID, found := be.LookupDN(normalizeDN("cn=app,dc=example"))
	if !found || uint64(gotID) != id {
		t.Errorf("expected applied entry under minted id, got %x found=%v", gotID, found)
	}
}

func TestStandaloneModifyAndDelete(t *testing.T) {
	e, be, cleanup := setupTestEngine(t, "node-solo", nil)
	defer cleanup()

	if _, err := e.PreCommitAdd("cn=app,dc=example", backend.Attrs{"cn": {"app"}}); err != nil {
		t.Fatalf("PreCommitAdd: %v", err)
	}
	if err := e.PreCommitModify("cn=app,dc=example", backend.Attrs{"mail": {"a@example.com"}}); err != nil {
		t.Fatalf("PreCommitModify: %v", err)
	}
	id, _ := be.LookupDN(normalizeDN("cn=app,dc=example"))
	attrs, ok := be.Attributes(id)
	if !ok || len(attrs["mail"]) != 1 {
		t.Errorf("expected modify applied, attrs=%v", attrs)
	}

	if err := e.PreCommitDelete("cn=app,dc=example"); err != nil {
		t.Fatalf("PreCommitDelete: %v", err)
	}
	if _, found := be.LookupDN(normalizeDN("cn=app,dc=example")); found {
		t.Errorf("expected entry deleted")
	}

	st := e.Status()
	if st.LastApplied != 3 {
		t.Errorf("expected three applied entries, got %d", st.LastApplied)
	}
}

func TestPreCommitRejectedWhenNotLeader(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-a",
		[]string{"node-b=127.0.0.1:1", "node-c=127.0.0.1:2"})
	defer cleanup()

	_, err := e.PreCommitAdd("cn=app,dc=example", backend.Attrs{})
	if err == nil {
		t.Fatalf("expected rejection on a follower in a cluster")
	}
	if errors.GetCode(err) != errors.ErrCodeUnwillingToPerform {
		t.Errorf("expected unwilling-to-perform, got %v", err)
	}
}

func TestPreCommitRejectedDuringLeaderTransition(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-solo", nil)
	defer cleanup()

	e.mu.Lock()
	e.disallowUpdates = true
	e.mu.Unlock()

	_, err := e.PreCommitAdd("cn=app,dc=example", backend.Attrs{})
	if errors.GetCode(err) != errors.ErrCodeUnwillingToPerform {
		t.Errorf("expected unwilling-to-perform during transition, got %v", err)
	}
	if !e.DisallowUpdates("test-op") {
		t.Errorf("DisallowUpdates must report true during transition")
	}
}

func TestPreCommitDeleteOwnPeerAccountRejected(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-a", []string{"node-b=127.0.0.1:1"})
	defer cleanup()

	err := e.PreCommitDelete(peerDN("node-a"))
	if errors.GetCode(err) != errors.ErrCodeUnwillingToPerform {
		t.Errorf("expected rejection of self-deletion, got %v", err)
	}
}

func TestCommitFailsWithoutQuorum(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-a", nil)
	defer cleanup()
	addFakePeer(e, "node-b")
	addFakePeer(e, "node-c")

	e.mu.Lock()
	e.role = RoleLeader
	e.cfg.WaitConsensusTimeoutMS = 100
	e.cfg.WaitPeersReadyMS = 50
	e.mu.Unlock()

	// Peers are idle but nothing drives them, so no bLogReplicated ever
	// flips and the consensus wait must time out.
	_, err := e.PreCommitAdd("cn=app,dc=example", backend.Attrs{})
	if err == nil {
		t.Fatalf("expected quorum failure")
	}
	if !errors.IsQuorumError(err) {
		t.Errorf("expected insufficient-quorum, got %v", err)
	}

	// Nothing may survive locally from the failed round.
	if e.store.LastIndex() != 0 {
		t.Errorf("failed commit must leave no log entry, got index %d", e.store.LastIndex())
	}
	st := e.Status()
	if st.CommitIndex != 0 || st.LastApplied != 0 {
		t.Errorf("failed commit must not advance state, got %d/%d",
			st.CommitIndex, st.LastApplied)
	}
}

func TestCommitCountsAlreadyCaughtUpPeers(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-a", nil)
	defer cleanup()
	p1 := addFakePeer(e, "node-b")
	addFakePeer(e, "node-c")

	e.mu.Lock()
	e.role = RoleLeader
	e.cfg.WaitConsensusTimeoutMS = 500
	// node-b already stores index 1 from a prior round.
	p1.matchIndex = 1
	e.mu.Unlock()

	id, err := e.PreCommitAdd("cn=app,dc=example", backend.Attrs{})
	if err != nil {
		t.Fatalf("expected commit to count caught-up peer toward quorum: %v", err)
	}
	if id == 0 {
		t.Errorf("expected minted id")
	}
}

func TestLeaderCommitCatchUp(t *testing.T) {
	e, be, cleanup := setupTestEngine(t, "node-b", nil)
	defer cleanup()
	p1 := addFakePeer(e, "node-a")
	p2 := addFakePeer(e, "node-c")

	// Log holds 1..5; only 1..3 were applied before the old leader died.
	seedLog(t, e, []uint64{1, 1, 1, 1, 1})

	e.mu.Lock()
	e.role = RoleLeader
	e.currentTerm = 2
	e.commitIndex = 3
	e.lastApplied = 3
	p1.matchIndex = 5
	p2.matchIndex = 5
	e.leaderCommitCatchUpLocked()
	lastApplied, commitIndex := e.lastApplied, e.commitIndex
	e.mu.Unlock()

	if lastApplied != 5 || commitIndex != 5 {
		t.Errorf("expected catch-up to 5, got applied=%d commit=%d", lastApplied, commitIndex)
	}
	for i := uint64(4); i <= 5; i++ {
		if _, found := be.LookupDN(dnForIndex(i)); !found {
			t.Errorf("expected entry %d applied during catch-up", i)
		}
	}
}

func TestNextNewEntryIDAdvancesWithCommitIndex(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-solo", nil)
	defer cleanup()

	id1, err := e.NextNewEntryID()
	if err != nil {
		t.Fatalf("NextNewEntryID: %v", err)
	}
	id2, _ := e.NextNewEntryID()
	if id1 == id2 {
		t.Errorf("consecutive ids at the same commitIndex must differ")
	}

	if _, err := e.PreCommitAdd("cn=x,dc=example", backend.Attrs{}); err != nil {
		t.Fatalf("PreCommitAdd: %v", err)
	}
	id3, _ := e.NextNewEntryID()
	if id3 == id1 || id3 == id2 {
		t.Errorf("ids must change after commitIndex advances")
	}
}

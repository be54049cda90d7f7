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
)

func TestHostFromPeerDN(t *testing.T) {
	tests := []struct {
		dn   string
		host string
		ok   bool
	}{
		{"cn=node-b,cn=peers,cn=raft", "node-b", true},
		{"CN=Node-B,CN=Peers,CN=Raft", "node-b", true},
		{"cn=node-b,ou=extra,cn=peers,cn=raft", "", false},
		{"cn=node-b,dc=example", "", false},
		{"cn=peers,cn=raft", "", false},
	}
	for _, tt := range tests {
		host, ok := hostFromPeerDN(tt.dn)
		if ok != tt.ok || host != tt.host {
			t.Errorf("hostFromPeerDN(%q) = (%q, %v), want (%q, %v)",
				tt.dn, host, ok, tt.host, tt.ok)
		}
	}
}

func TestParsePeerSpec(t *testing.T) {
	if h, a := parsePeerSpec("node-b=10.0.0.2:9998"); h != "node-b" || a != "10.0.0.2:9998" {
		t.Errorf("named spec parsed as (%q, %q)", h, a)
	}
	if h, a := parsePeerSpec(" 10.0.0.3:9998 "); h != "10.0.0.3:9998" || a != h {
		t.Errorf("bare spec parsed as (%q, %q)", h, a)
	}
}

func TestStartupMembershipSeedsPeers(t *testing.T) {
	e, be, cleanup := setupTestEngine(t, "node-a",
		[]string{"node-b=127.0.0.1:1234", "node-c=127.0.0.1:1235"})
	defer cleanup()

	e.mu.Lock()
	size := e.clusterSize
	_, hasB := e.peers["node-b"]
	_, hasC := e.peers["node-c"]
	e.mu.Unlock()

	if size != 3 {
		t.Errorf("expected clusterSize 3, got %d", size)
	}
	if !hasB || !hasC {
		t.Errorf("expected drivers for node-b and node-c")
	}
	if entries := be.EntriesUnder(normalizeDN(PeerContainerDN)); len(entries) != 2 {
		t.Errorf("expected 2 bootstrap peer entries, got %d", len(entries))
	}
}

func TestReconcileAddsAndRemovesPeer(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-a", nil)
	defer cleanup()

	e.reconcilePeerEntry(RequestAdd, peerDN("node-z"))
	e.mu.Lock()
	p, exists := e.peers["node-z"]
	size := e.clusterSize
	e.mu.Unlock()
	if !exists || p.state != PeerPendingAdd {
		t.Fatalf("expected pending peer node-z")
	}
	if size != 1 {
		t.Errorf("pending peer must not count toward clusterSize, got %d", size)
	}

	e.reconcilePeerEntry(RequestDelete, peerDN("node-z"))
	e.mu.Lock()
	_, exists = e.peers["node-z"]
	e.mu.Unlock()
	if exists {
		t.Errorf("expected peer removed")
	}
}

func TestReconcileIgnoresOwnAccountDeletion(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-a", []string{"node-b=127.0.0.1:1"})
	defer cleanup()

	e.reconcilePeerEntry(RequestDelete, peerDN("node-a"))
	e.mu.Lock()
	size := e.clusterSize
	e.mu.Unlock()
	if size != 2 {
		t.Errorf("deleting own account must not shrink the cluster, got %d", size)
	}
}

func TestReconcileIgnoresNonPeerEntries(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-a", nil)
	defer cleanup()

	e.reconcilePeerEntry(RequestAdd, "cn=someone,ou=users,dc=example")
	e.mu.Lock()
	n := len(e.peers)
	e.mu.Unlock()
	if n != 0 {
		t.Errorf("ordinary entries must not create peers, got %d", n)
	}
}

func TestNeedReferral(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-a",
		[]string{"node-b=127.0.0.1:1", "node-c=127.0.0.1:2"})
	defer cleanup()

	// Follower in a cluster: ordinary DNs are referred.
	if !e.NeedReferral("cn=user,ou=users,dc=example") {
		t.Errorf("expected referral for ordinary DN on a follower")
	}
	// The engine's own state subtree is always served locally.
	if e.NeedReferral("cn=node-b,cn=peers,cn=raft") {
		t.Errorf("raft subtree must never be referred")
	}
	if e.NeedReferral(RaftContextDN) {
		t.Errorf("raft context root must never be referred")
	}
	// Root-DSE style empty DN lookups are served locally.
	if e.NeedReferral("") {
		t.Errorf("empty DN must never be referred")
	}

	e.mu.Lock()
	e.role = RoleLeader
	e.mu.Unlock()
	if e.NeedReferral("cn=user,ou=users,dc=example") {
		t.Errorf("a leader never refers")
	}
}

func TestNeedReferralStandalone(t *testing.T) {
	e, _, cleanup := setupTestEngine(t, "node-solo", nil)
	defer cleanup()
	if e.NeedReferral("cn=user,dc=example") {
		t.Errorf("standalone node serves everything locally")
	}
}

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
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"
	"golang.org/x/text/cases"

	"raftdir/internal/audit"
	"raftdir/internal/backend"
)

// RaftContextDN roots the engine's own state subtree in the directory.
const RaftContextDN = "cn=raft"

// PeerContainerDN holds one computer account entry per cluster member.
const PeerContainerDN = "cn=peers,cn=raft"

// attrRaftAddress is the peer entry attribute carrying the transport
// address.
const attrRaftAddress = "raftaddress"

// mdnsService is the service name nodes advertise for bootstrap
// discovery.
const mdnsService = "_raftdir._tcp"

var dnFolder = cases.Fold()

// normalizeDN case-folds and trims a DN; directory DNs compare
// case-insensitively.
func normalizeDN(dn string) string {
	return dnFolder.String(strings.TrimSpace(dn))
}

// peerDN returns the computer account DN for host.
func peerDN(host string) string {
	return "cn=" + host + "," + PeerContainerDN
}

// hostFromPeerDN extracts the host from a peer computer account DN,
// reporting whether dn is one.
func hostFromPeerDN(dn string) (string, bool) {
	n := normalizeDN(dn)
	suffix := "," + normalizeDN(PeerContainerDN)
	if !strings.HasSuffix(n, suffix) {
		return "", false
	}
	rdn := strings.TrimSuffix(n, suffix)
	if !strings.HasPrefix(rdn, "cn=") || strings.Contains(rdn, ",") {
		return "", false
	}
	return strings.TrimPrefix(rdn, "cn="), true
}

// NeedReferral reports whether a Follower should answer requestDN with a
// referral to the leader instead of serving it. The engine's own state
// subtree and empty root-DSE lookups are always served locally.
func (e *Engine) NeedReferral(requestDN string) bool {
	n := normalizeDN(requestDN)
	if n == "" {
		return false
	}
	ctx := normalizeDN(RaftContextDN)
	if n == ctx || strings.HasSuffix(n, ","+ctx) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clusterSize >= 2 && e.role != RoleLeader
}

// parsePeerSpec splits a configured peer of the form "host=addr", or a
// bare "addr" whose host identity is the address itself.
func parsePeerSpec(spec string) (host, addr string) {
	if h, a, ok := strings.Cut(spec, "="); ok {
		return strings.TrimSpace(h), strings.TrimSpace(a)
	}
	spec = strings.TrimSpace(spec)
	return spec, spec
}

// startupMembership seeds peer computer account entries from the static
// configuration (and, when enabled, mDNS discovery), then scans the peer
// container and creates one driver per non-self host. Runs once before
// the engine starts serving.
func (e *Engine) startupMembership() error {
	for _, spec := range e.cfg.PeerAddrs {
		host, addr := parsePeerSpec(spec)
		if host == "" || host == e.nodeID {
			continue
		}
		if err := e.ensurePeerEntry(host, addr); err != nil {
			return err
		}
	}

	if e.cfg.MDNSEnable && len(e.be.EntriesUnder(normalizeDN(PeerContainerDN))) == 0 {
		for host, addr := range e.discoverSeedPeers(2 * time.Second) {
			if host == e.nodeID {
				continue
			}
			e.log.Info("discovered seed peer via mdns", "peer", host, "addr", addr)
			if err := e.ensurePeerEntry(host, addr); err != nil {
				e.log.Warn("seeding discovered peer failed", "peer", host, "error", err)
			}
		}
	}

	entries := e.be.EntriesUnder(normalizeDN(PeerContainerDN))
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, dn := range entries {
		host, ok := hostFromPeerDN(dn)
		if !ok || host == normalizeDN(e.nodeID) {
			continue
		}
		addr := host
		if attrs, ok := e.be.Attributes(id); ok {
			if v := attrs[attrRaftAddress]; len(v) > 0 {
				addr = v[0]
			}
		}
		e.peers[host] = &Peer{
			hostname: host,
			addr:     addr,
			state:    PeerDisconnected,
			health:   NewPhiAccrualDetector(8.0, 3, 100),
		}
	}
	e.clusterSize = 1 + len(e.peers)
	e.log.Info("membership scan complete", "cluster_size", e.clusterSize)
	return nil
}

// ensurePeerEntry writes a peer computer account entry directly into the
// local backend if absent. This is the bootstrap path only: once the
// cluster is live, peer entries are created and removed exclusively by
// committed log entries.
func (e *Engine) ensurePeerEntry(host, addr string) error {
	dn := normalizeDN(peerDN(host))
	if _, exists := e.be.LookupDN(dn); exists {
		return nil
	}
	// Bootstrap entries are local-only and never replicated; their IDs
	// live outside the allocator's prefix space so they can never
	// collide with a replicated Add.
	h := fnv.New64a()
	h.Write([]byte(dn))
	id := h.Sum64() &^ NewEntryIDPrefix
	txn, err := e.be.Begin()
	if err != nil {
		return err
	}
	if err := txn.AddEntry(backend.EntryID(id), dn, backend.Attrs{
		"cn":            {host},
		attrRaftAddress: {addr},
		"objectclass":   {"computer"},
	}); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

// reconcilePeerEntry adjusts the peer table after a committed Add or
// Delete of a peer computer account. Called by the applier with the
// engine mutex released.
func (e *Engine) reconcilePeerEntry(code RequestCode, dn string) {
	host, ok := hostFromPeerDN(dn)
	if !ok {
		return
	}
	if host == normalizeDN(e.nodeID) {
		if code == RequestDelete {
			e.log.Error("committed delete names this server's own peer account", "dn", dn)
		}
		return
	}

	switch code {
	case RequestAdd:
		addr := host
		if id, found := e.be.LookupDN(normalizeDN(dn)); found {
			if attrs, ok := e.be.Attributes(id); ok {
				if v := attrs[attrRaftAddress]; len(v) > 0 {
					addr = v[0]
				}
			}
		}
		e.addPeer(host, addr)

	case RequestDelete:
		e.removePeer(host)
	}
}

// addPeer registers a runtime-added peer in PendingAdd state (it joins
// clusterSize only after its first successful probe) and starts its
// driver.
func (e *Engine) addPeer(host, addr string) {
	e.mu.Lock()
	if p, exists := e.peers[host]; exists && !p.deleted {
		e.mu.Unlock()
		return
	}
	p := &Peer{
		hostname: host,
		addr:     addr,
		state:    PeerPendingAdd,
		health:   NewPhiAccrualDetector(8.0, 3, 100),
	}
	e.peers[host] = p
	started := e.group != nil
	e.log.Info("peer added", "peer", host, "addr", addr)
	e.mu.Unlock()

	if started {
		e.startPeerDriver(p)
	}
}

// removePeer tombstones a peer, cancels its driver, and shrinks the
// cluster.
func (e *Engine) removePeer(host string) {
	e.mu.Lock()
	p, exists := e.peers[host]
	if !exists || p.deleted {
		e.mu.Unlock()
		return
	}
	p.deleted = true
	if p.state != PeerPendingAdd {
		e.clusterSize--
	}
	delete(e.peers, host)
	if p.cancel != nil {
		p.cancel()
	}
	// Waiters recompute their quorum arithmetic against the new size.
	e.peersReady.broadcastLocked()
	e.voteResult.broadcastLocked()
	e.appendConsensus.broadcastLocked()
	size := e.clusterSize
	e.mu.Unlock()

	e.log.Info("peer removed", "peer", host, "cluster_size", size)
	if e.trail != nil {
		e.trail.Record(audit.Event{
			Type: audit.EventPeerLeave, Node: e.nodeID, Detail: host,
		})
	}
}

// startPeerDriver launches the driver goroutine for p under the engine
// supervisor.
func (e *Engine) startPeerDriver(p *Peer) {
	ctx, cancel := context.WithCancel(e.ctx)
	e.mu.Lock()
	p.cancel = cancel
	e.mu.Unlock()
	e.group.Go(func() error {
		e.runPeerDriver(ctx, p)
		return nil
	})
}

// advertise publishes this node's raft endpoint over mDNS until ctx
// ends. Best-effort: failure to advertise never stops the engine.
func (e *Engine) advertise(ctx context.Context) error {
	_, portStr, err := net.SplitHostPort(e.cfg.RaftListenAddr)
	if err != nil {
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil
	}

	service, err := mdns.NewMDNSService(e.nodeID, mdnsService, "", "", port, nil,
		[]string{"node=" + e.nodeID})
	if err != nil {
		e.log.Warn("mdns advertise failed", "error", err)
		return nil
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		e.log.Warn("mdns advertise failed", "error", err)
		return nil
	}
	defer server.Shutdown()
	<-ctx.Done()
	return nil
}

// discoverSeedPeers browses mDNS for other nodes advertising the cluster
// service, returning nodeID -> addr.
func (e *Engine) discoverSeedPeers(timeout time.Duration) map[string]string {
	found := make(map[string]string)
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})

	// The advertised instance suffix, as a DNS name.
	suffix := "." + strings.TrimSuffix(dns.Fqdn(mdnsService+".local"), ".") + "."

	go func() {
		defer close(done)
		for entry := range entries {
			node := ""
			for _, info := range entry.InfoFields {
				if v, ok := strings.CutPrefix(info, "node="); ok {
					node = v
				}
			}
			if node == "" {
				node = strings.TrimSuffix(entry.Name, suffix)
			}
			if node == "" || entry.AddrV4 == nil {
				continue
			}
			found[node] = fmt.Sprintf("%s:%d", entry.AddrV4, entry.Port)
		}
	}()

	params := mdns.DefaultParams(mdnsService)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	if err := mdns.Query(params); err != nil {
		e.log.Debug("mdns query failed", "error", err)
	}
	close(entries)
	<-done
	return found
}

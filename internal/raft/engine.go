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
	"time"

	"golang.org/x/sync/errgroup"

	"raftdir/internal/audit"
	"raftdir/internal/backend"
	"raftdir/internal/config"
	"raftdir/internal/logging"
	"raftdir/internal/pss"
	enginetls "raftdir/internal/tls"
)

// NewEngine builds an engine from validated configuration and an opened
// backend. Persistent state is recovered from the data directory; the
// engine starts cold (not listening) until Start.
func NewEngine(cfg *config.Config, be backend.Backend) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := pss.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		log:    logging.NewLogger("raft").With("node", cfg.NodeID),
		store:  store,
		be:     be,
		alloc:  NewAllocator(),
		nodeID: cfg.NodeID,
		role:   RoleFollower,
		peers:  make(map[string]*Peer),
		ctx:    context.Background(),

		requestPending:  newSignal(),
		peersReady:      newSignal(),
		voteResult:      newSignal(),
		appendConsensus: newSignal(),
	}

	st, err := store.LoadState()
	if err != nil {
		store.Close()
		return nil, err
	}
	e.currentTerm = st.CurrentTerm
	e.votedFor = st.VotedFor
	e.votedForTerm = st.VotedForTerm
	e.lastApplied = st.LastApplied
	e.lastLogIndex = store.LastIndex()
	e.lastLogTerm = store.LastTerm()
	// Entries beyond lastApplied have unknown commit status until a
	// leader settles them; commitIndex restarts at what was applied.
	e.commitIndex = st.LastApplied
	if t, ok := e.storeTermAt(e.commitIndex); ok {
		e.commitIndexTerm = t
	}

	rpcTimeout := time.Duration(cfg.ElectionTimeoutMS) * time.Millisecond
	var clientTLS *stdtls.Config
	if cfg.TLSEnable {
		certPath, keyPath := enginetls.DefaultCertPaths(cfg.CertDir)
		certCfg := enginetls.DefaultCertConfig()
		certCfg.CommonName = cfg.NodeID
		if err := enginetls.EnsureCertificates(certPath, keyPath, certCfg); err != nil {
			store.Close()
			return nil, err
		}
		srv, err := enginetls.ServerTLSConfig(certPath, keyPath)
		if err != nil {
			store.Close()
			return nil, err
		}
		e.srvTLS = srv
		clientTLS = enginetls.ClientTLSConfig()
	}
	e.trans = newTransport(cfg.NodeID, cfg.ClusterSecret, clientTLS, rpcTimeout)

	if cfg.AuditEnable {
		trail, err := audit.NewTrail(audit.DefaultConfig(cfg.DataDir))
		if err != nil {
			store.Close()
			return nil, err
		}
		e.trail = trail
	}

	if err := e.startupMembership(); err != nil {
		store.Close()
		return nil, err
	}

	e.log.Info("engine recovered", "term", e.currentTerm,
		"last_applied", e.lastApplied, "last_log_index", e.lastLogIndex,
		"cluster_size", e.clusterSize)
	return e, nil
}

func (e *Engine) serverTLS() *stdtls.Config {
	return e.srvTLS
}

// Start opens the RPC listener and launches the supervisor: the election
// scheduler, one driver per peer, and the mDNS advertiser when enabled.
func (e *Engine) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.cfg.RaftListenAddr)
	if err != nil {
		return err
	}

	ectx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ectx)

	e.mu.Lock()
	e.listener = ln
	e.ctx = gctx
	e.cancel = cancel
	e.group = group
	e.lastPingRecv = time.Now()
	e.initialized = true
	peers := make([]*Peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.mu.Unlock()

	group.Go(func() error { return e.runRPCServer(gctx) })
	group.Go(func() error { return e.runElectionScheduler(gctx) })
	if e.cfg.MDNSEnable {
		group.Go(func() error { return e.advertise(gctx) })
	}
	for _, p := range peers {
		e.startPeerDriver(p)
	}

	e.log.Info("engine started", "addr", ln.Addr().String(),
		"cluster_size", e.clusterSize)
	return nil
}

// Addr returns the listener address, useful when the configured address
// carried port 0.
func (e *Engine) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return e.cfg.RaftListenAddr
	}
	return e.listener.Addr().String()
}

// Stop shuts the engine down: flags every suspension point, wakes all
// waiters, closes the listener, joins every goroutine, then releases the
// stores.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return nil
	}
	e.shuttingDown = true
	e.requestPending.broadcastLocked()
	e.peersReady.broadcastLocked()
	e.voteResult.broadcastLocked()
	e.appendConsensus.broadcastLocked()
	cancel := e.cancel
	ln := e.listener
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close()
	}
	if e.group != nil {
		e.group.Wait()
	}
	e.trail.Close()
	err := e.store.Close()
	e.log.Info("engine stopped")
	return err
}

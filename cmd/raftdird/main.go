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

/*
raftdird - replicated directory node daemon

Runs one cluster member: the Raft replication engine over an in-process
directory backend, answering peer RPCs on the raft listener and serving
status to raftdir-ctl.

Usage:
    raftdird --config /etc/raftdir/raftdir.toml
    raftdird --node-id node-a --raft-listen 0.0.0.0:9998 \
             --peers node-b=10.0.0.2:9998,node-c=10.0.0.3:9998
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"raftdir/internal/backend"
	"raftdir/internal/config"
	"raftdir/internal/logging"
	"raftdir/internal/raft"
)

const version = "1.0.0"

func main() {
	var (
		configPath  = flag.String("config", "", "path to TOML configuration file")
		nodeID      = flag.String("node-id", "", "this node's identity")
		raftListen  = flag.String("raft-listen", "", "raft listener address")
		peers       = flag.String("peers", "", "comma-separated peers (host=addr)")
		dataDir     = flag.String("data-dir", "", "data directory")
		logLevel    = flag.String("log-level", "", "debug|info|warn|error")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("raftdird version %s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raftdird: %v\n", err)
		os.Exit(1)
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if *raftListen != "" {
		cfg.RaftListenAddr = *raftListen
	}
	if *peers != "" {
		cfg.PeerAddrs = strings.Split(*peers, ",")
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "raftdird: %v\n", err)
		os.Exit(1)
	}
	config.SetGlobal(config.NewManager(cfg))

	logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetJSONMode(cfg.LogJSON)
	log := logging.NewLogger("raftdird")

	be := backend.NewMemoryBackend()
	engine, err := raft.NewEngine(cfg, be)
	if err != nil {
		log.Error("engine init failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		log.Error("engine start failed", "error", err)
		os.Exit(1)
	}
	log.Info("raftdird running", "node", cfg.NodeID, "raft_addr", engine.Addr())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := config.Global().Reload(); err != nil {
				log.Warn("config reload failed", "error", err)
			} else {
				next := config.Global().Get()
				logging.SetGlobalLevel(logging.ParseLevel(next.LogLevel))
				log.Info("config reloaded")
			}
			continue
		}
		log.Info("shutting down", "signal", sig.String())
		break
	}

	if err := engine.Stop(); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	return config.LoadFromEnv(cfg), nil
}

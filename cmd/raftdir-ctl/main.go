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
raftdir-ctl - interactive admin console for a running raftdird node

Connects to a node's raft listener and prints role, term, commit
progress, and the peer table.

Usage:
    raftdir-ctl                          # interactive shell against localhost
    raftdir-ctl --addr 10.0.0.2:9998 status
    raftdir-ctl --json status            # one-shot, machine-readable
*/
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"raftdir/internal/raft"
	"raftdir/pkg/cli"
)

const version = "1.0.0"

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:9998", "raft listener address of the target node")
		useTLS      = flag.Bool("tls", false, "connect with TLS")
		timeout     = flag.Duration("timeout", 3*time.Second, "rpc timeout")
		jsonOut     = flag.Bool("json", false, "machine-readable output")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("raftdir-ctl version %s\n", version)
		return
	}

	c := &console{addr: *addr, useTLS: *useTLS, timeout: *timeout, jsonOut: *jsonOut}

	// One-shot mode when a command is given on the command line.
	if flag.NArg() > 0 {
		if err := c.dispatch(strings.Join(flag.Args(), " ")); err != nil {
			cli.PrintError("%v", err)
			os.Exit(1)
		}
		return
	}

	c.repl()
}

type console struct {
	addr    string
	useTLS  bool
	timeout time.Duration
	jsonOut bool
}

func (c *console) repl() {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cli.Info("raftdir") + "> ",
		HistoryFile:     os.ExpandEnv("$HOME/.raftdir_ctl_history"),
		InterruptPrompt: "^C",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("status"),
			readline.PcItem("peers"),
			readline.PcItem("leader"),
			readline.PcItem("connect"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		cli.PrintError("readline init failed: %v", err)
		os.Exit(1)
	}
	defer rl.Close()

	cli.PrintInfo("raftdir-ctl %s, connected commands go to %s", version, c.addr)
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or interrupt
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		if err := c.dispatch(line); err != nil {
			cli.PrintError("%v", err)
		}
	}
}

func (c *console) dispatch(line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "status":
		return c.printStatus(false)
	case "peers":
		return c.printStatus(true)
	case "leader":
		st, err := raft.FetchStatus(c.addr, c.useTLS, c.timeout)
		if err != nil {
			return err
		}
		if st.Leader == "" {
			fmt.Println("no known leader")
		} else {
			fmt.Println(st.Leader)
		}
		return nil
	case "connect":
		if len(fields) < 2 {
			return cli.ErrMissingArgument("addr", "connect <host:port>")
		}
		c.addr = fields[1]
		cli.PrintSuccess("now talking to %s", c.addr)
		return nil
	case "help":
		c.printHelp()
		return nil
	default:
		return cli.ErrInvalidCommand(fields[0])
	}
}

func (c *console) printStatus(peersOnly bool) error {
	spinner := cli.NewSpinner("querying " + c.addr)
	spinner.Start()
	st, err := raft.FetchStatus(c.addr, c.useTLS, c.timeout)
	spinner.Stop()
	if err != nil {
		return err
	}

	if c.jsonOut {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if !peersOnly {
		cli.KeyValue("Node", st.NodeID, 16)
		cli.KeyValue("Role", st.Role, 16)
		cli.KeyValue("Term", fmt.Sprintf("%d", st.Term), 16)
		cli.KeyValue("Leader", st.Leader, 16)
		cli.KeyValue("Commit index", fmt.Sprintf("%d", st.CommitIndex), 16)
		cli.KeyValue("Last applied", fmt.Sprintf("%d", st.LastApplied), 16)
		cli.KeyValue("Last log", fmt.Sprintf("%d (term %d)", st.LastLogIndex, st.LastLogTerm), 16)
		cli.KeyValue("Cluster size", fmt.Sprintf("%d", st.ClusterSize), 16)
		if st.DisallowUpdates {
			cli.PrintWarning("writes currently disallowed (leader transition in progress)")
		}
		fmt.Println()
	}

	table := cli.NewTable("PEER", "ADDR", "STATE", "MATCH", "PHI")
	for _, p := range st.Peers {
		table.AddRow(p.Hostname, p.Addr, p.State,
			fmt.Sprintf("%d", p.MatchIndex), fmt.Sprintf("%.2f", p.Phi))
	}
	table.Print()
	return nil
}

func (c *console) printHelp() {
	h := cli.NewHelpFormatter("raftdir-ctl", version)
	h.AddCommand(cli.Command{Name: "status", Description: "node role, term, commit progress, peer table"})
	h.AddCommand(cli.Command{Name: "peers", Description: "peer table only"})
	h.AddCommand(cli.Command{Name: "leader", Description: "print the current leader hint"})
	h.AddCommand(cli.Command{Name: "connect", Description: "switch to another node (connect <host:port>)"})
	h.AddCommand(cli.Command{Name: "quit", Description: "leave the console"})
	h.PrintUsage()
}

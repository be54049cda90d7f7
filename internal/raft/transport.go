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
	"crypto/hmac"
	"crypto/rand"
	stdtls "crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"syscall"
	"time"

	"golang.org/x/crypto/blake2b"

	"raftdir/internal/compression"
	"raftdir/internal/errors"
)

// Wire message types. One byte on the wire, followed by a 4-byte
// big-endian length and a JSON body.
const (
	msgHello             byte = 0x01
	msgHelloResp         byte = 0x02
	msgRequestVote       byte = 0x10
	msgRequestVoteResp   byte = 0x11
	msgAppendEntries     byte = 0x12
	msgAppendEntriesResp byte = 0x13
	msgStatus            byte = 0x20
	msgStatusResp        byte = 0x21
	msgError             byte = 0x7F
)

const maxFrameSize = 1 << 26

// RequestVoteArgs is the RequestVote RPC request.
type RequestVoteArgs struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// RequestVoteReply is the RequestVote RPC reply. VoteGranted carries the
// numeric wire contract: 0 granted, 1 denied, 2 denied because the
// candidate's log is shorter than the voter's.
type RequestVoteReply struct {
	Term        uint64 `json:"term"`
	VoteGranted int    `json:"vote_granted"`
}

// AppendEntriesArgs is the AppendEntries RPC request. Entry carries the
// packed entries, compressed: a single entry on the hot path, or an
// lz4 batch of EntryCount consecutive entries during bulk catch-up.
// EntrySize is the total packed size before compression, zero for a
// heartbeat ping.
type AppendEntriesArgs struct {
	Term         uint64 `json:"term"`
	Leader       string `json:"leader"`
	PrevLogIndex uint64 `json:"prev_log_index"`
	PrevLogTerm  uint64 `json:"prev_log_term"`
	LeaderCommit uint64 `json:"leader_commit"`
	EntrySize    int    `json:"entry_size"`
	EntryCount   int    `json:"entry_count,omitempty"`
	Entry        []byte `json:"entry,omitempty"`
}

// AppendEntriesReply is the AppendEntries RPC reply. Status 0 accepts,
// 1 reports a log mismatch at PrevLogIndex.
type AppendEntriesReply struct {
	Term   uint64 `json:"term"`
	Status int    `json:"status"`
}

type helloArgs struct {
	NodeID string `json:"node_id"`
	Nonce  string `json:"nonce"`
	MAC    string `json:"mac"`
}

type helloReply struct {
	NodeID string `json:"node_id"`
}

type errorReply struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// transport owns dialing, framing, authentication, and in-flight payload
// compression for both sides of the symmetric RPC surface.
type transport struct {
	nodeID      string
	secret      []byte
	tlsConfig   *stdtls.Config // nil disables TLS
	dialTimeout time.Duration
	rpcTimeout  time.Duration

	comp    *compression.Compressor // snappy: single-entry hot path
	lz4Comp *compression.Compressor // lz4: catch-up single entries
	lz4Cfg  compression.Config      // lz4: bulk catch-up batches
}

func newTransport(nodeID, secret string, tlsConfig *stdtls.Config, rpcTimeout time.Duration) *transport {
	snappyCfg := compression.DefaultConfig()
	lz4Cfg := compression.DefaultConfig()
	lz4Cfg.Algorithm = compression.AlgorithmLZ4
	return &transport{
		nodeID:      nodeID,
		secret:      []byte(secret),
		tlsConfig:   tlsConfig,
		dialTimeout: rpcTimeout,
		rpcTimeout:  rpcTimeout,
		comp:        compression.NewCompressor(snappyCfg),
		lz4Comp:     compression.NewCompressor(lz4Cfg),
		lz4Cfg:      lz4Cfg,
	}
}

// mac computes the keyed blake2b tag authenticating a hello frame.
func (t *transport) mac(nodeID, nonce string) string {
	key := t.secret
	if len(key) > 64 {
		key = key[:64]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return ""
	}
	h.Write([]byte(nodeID))
	h.Write([]byte{0})
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

func (t *transport) verifyHello(args helloArgs) bool {
	want := t.mac(args.NodeID, args.Nonce)
	return want != "" && hmac.Equal([]byte(want), []byte(args.MAC))
}

// packPayload compresses a packed log entry for the wire. Catch-up
// traffic (entries behind the round's start index) uses lz4; the hot
// path uses snappy.
func (t *transport) packPayload(packed []byte, catchUp bool) ([]byte, error) {
	if catchUp {
		return t.lz4Comp.Compress(packed)
	}
	return t.comp.Compress(packed)
}

// unpackPayload reverses packPayload using the buffer's own header.
func (t *transport) unpackPayload(data []byte) ([]byte, error) {
	return t.comp.DecompressAuto(data)
}

// packBatch compresses several packed entries as one lz4 batch, which
// compresses better than entry-at-a-time when catch-up moves a run of
// consecutive entries.
func (t *transport) packBatch(packedEntries [][]byte) ([]byte, error) {
	bc := compression.NewBatchCompressor(t.lz4Cfg)
	for _, packed := range packedEntries {
		bc.Add(packed)
	}
	return bc.Flush()
}

// unpackBatch reverses packBatch.
func (t *transport) unpackBatch(data []byte) ([][]byte, error) {
	bc := compression.NewBatchCompressor(t.lz4Cfg)
	return bc.DecompressBatch(data, compression.AlgorithmLZ4)
}

func writeFrame(conn net.Conn, msgType byte, body []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = msgType
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(body)))
	if _, err := conn.Write(hdr); err != nil {
		return err
	}
	_, err := conn.Write(body)
	return err
}

func readFrame(conn net.Conn) (byte, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:5])
	if n > maxFrameSize {
		return 0, nil, errors.OperationsError("oversized rpc frame")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return 0, nil, err
	}
	return hdr[0], body, nil
}

func writeJSONFrame(conn net.Conn, msgType byte, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeFrame(conn, msgType, body)
}

// peerClient is one authenticated connection to a peer, owned by that
// peer's driver goroutine. Not safe for concurrent use; the driver
// serializes all RPCs to its peer by construction.
type peerClient struct {
	t    *transport
	peer string
	conn net.Conn
}

// dial opens, optionally wraps in TLS, and authenticates a connection to
// peer at addr. The hello exchange doubles as the liveness probe.
func (t *transport) dial(peer, addr string) (*peerClient, error) {
	conn, err := net.DialTimeout("tcp", addr, t.dialTimeout)
	if err != nil {
		return nil, t.classifyDialError(peer, err)
	}
	if t.tlsConfig != nil {
		tlsConn := stdtls.Client(conn, t.tlsConfig)
		tlsConn.SetDeadline(time.Now().Add(t.rpcTimeout))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, errors.AuthMethodFailed(peer, err)
		}
		tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	c := &peerClient{t: t, peer: peer, conn: conn}
	nonceBytes := make([]byte, 16)
	rand.Read(nonceBytes)
	nonce := hex.EncodeToString(nonceBytes)
	hello := helloArgs{NodeID: t.nodeID, Nonce: nonce, MAC: t.mac(t.nodeID, nonce)}
	var resp helloReply
	if err := c.call(msgHello, hello, msgHelloResp, &resp); err != nil {
		conn.Close()
		if _, ok := err.(*errors.EngineError); ok {
			return nil, err
		}
		return nil, errors.AuthMethodFailed(peer, err)
	}
	return c, nil
}

func (c *peerClient) Close() error {
	return c.conn.Close()
}

// call performs one request/response exchange on the connection.
func (c *peerClient) call(reqType byte, req any, wantResp byte, resp any) error {
	c.conn.SetDeadline(time.Now().Add(c.t.rpcTimeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := writeJSONFrame(c.conn, reqType, req); err != nil {
		return c.t.classifySessionError(c.peer, err)
	}
	gotType, body, err := readFrame(c.conn)
	if err != nil {
		return c.t.classifySessionError(c.peer, err)
	}
	if gotType == msgError {
		var er errorReply
		if err := json.Unmarshal(body, &er); err != nil {
			return errors.OperationsError("malformed error reply")
		}
		switch errors.ErrorCode(er.Code) {
		case errors.ErrCodeUnwillingToPerform:
			return errors.UnwillingToPerform(er.Message)
		case errors.ErrCodeAuthMethod:
			return errors.AuthMethodFailed(c.peer, stderrors.New(er.Message))
		default:
			return errors.OperationsError(er.Message)
		}
	}
	if gotType != wantResp {
		return errors.OperationsError("unexpected rpc reply type")
	}
	if err := json.Unmarshal(body, resp); err != nil {
		return errors.DecodeFailed("rpc reply body", err)
	}
	return nil
}

func (c *peerClient) requestVote(args RequestVoteArgs) (RequestVoteReply, error) {
	var reply RequestVoteReply
	err := c.call(msgRequestVote, args, msgRequestVoteResp, &reply)
	return reply, err
}

func (c *peerClient) appendEntries(args AppendEntriesArgs) (AppendEntriesReply, error) {
	var reply AppendEntriesReply
	err := c.call(msgAppendEntries, args, msgAppendEntriesResp, &reply)
	return reply, err
}

// classifyDialError maps a dial failure onto the transport error kinds
// the reconnect loop distinguishes.
func (t *transport) classifyDialError(peer string, err error) *errors.EngineError {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.ConnectTimedOut(peer, err)
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) {
		return errors.ConnectRejected(peer, err)
	}
	return errors.CannotConnect(peer, err)
}

// classifySessionError maps a mid-session failure; anything that kills an
// established connection reads as ConnectionClosed unless it was a
// timeout.
func (t *transport) classifySessionError(peer string, err error) *errors.EngineError {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.ConnectTimedOut(peer, err)
	}
	return errors.ConnectionClosed(peer, err)
}

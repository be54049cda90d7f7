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
	stdtls "crypto/tls"
	"encoding/json"
	"net"
	"time"

	"raftdir/internal/errors"
)

// FetchStatus queries a running node's status over its raft listener.
// Used by the admin console; needs no cluster secret.
func FetchStatus(addr string, useTLS bool, timeout time.Duration) (Status, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return Status{}, errors.CannotConnect(addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if useTLS {
		tlsConn := stdtls.Client(conn, &stdtls.Config{
			MinVersion:         stdtls.VersionTLS12,
			InsecureSkipVerify: true,
		})
		if err := tlsConn.Handshake(); err != nil {
			return Status{}, errors.AuthMethodFailed(addr, err)
		}
		conn = tlsConn
		conn.SetDeadline(time.Now().Add(timeout))
	}

	if err := writeJSONFrame(conn, msgStatus, struct{}{}); err != nil {
		return Status{}, errors.ConnectionClosed(addr, err)
	}
	gotType, body, err := readFrame(conn)
	if err != nil {
		return Status{}, errors.ConnectionClosed(addr, err)
	}
	if gotType != msgStatusResp {
		return Status{}, errors.OperationsError("unexpected status reply type")
	}
	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return Status{}, errors.DecodeFailed("status reply", err)
	}
	return st, nil
}

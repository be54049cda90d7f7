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
	"encoding/binary"
	"encoding/json"

	"raftdir/internal/backend"
	"raftdir/internal/errors"
)

// Packed log entry layout, used verbatim on the wire (the PSS stores its
// own record form, with the payload zstd-compressed):
//
//	index(8) term(8) entryID(8) requestCode(1) payloadLen(4) payload
const packedHeaderLen = 8 + 8 + 8 + 1 + 4

// PackEntry serializes a log entry into its packed wire form.
func PackEntry(e LogEntry) []byte {
	buf := make([]byte, packedHeaderLen+len(e.Payload))
	binary.BigEndian.PutUint64(buf[0:8], e.Index)
	binary.BigEndian.PutUint64(buf[8:16], e.Term)
	binary.BigEndian.PutUint64(buf[16:24], e.EntryID)
	buf[24] = byte(e.RequestCode)
	binary.BigEndian.PutUint32(buf[25:29], uint32(len(e.Payload)))
	copy(buf[packedHeaderLen:], e.Payload)
	return buf
}

// UnpackEntry parses a packed wire form back into a log entry.
func UnpackEntry(data []byte) (LogEntry, error) {
	if len(data) < packedHeaderLen {
		return LogEntry{}, errors.DecodeFailed("packed log entry shorter than header", nil)
	}
	e := LogEntry{
		Index:       binary.BigEndian.Uint64(data[0:8]),
		Term:        binary.BigEndian.Uint64(data[8:16]),
		EntryID:     binary.BigEndian.Uint64(data[16:24]),
		RequestCode: RequestCode(data[24]),
	}
	plen := binary.BigEndian.Uint32(data[25:29])
	if int(plen) != len(data)-packedHeaderLen {
		return LogEntry{}, errors.DecodeFailed("packed log entry payload length mismatch", nil)
	}
	if plen > 0 {
		e.Payload = make([]byte, plen)
		copy(e.Payload, data[packedHeaderLen:])
	}
	switch e.RequestCode {
	case RequestAdd, RequestModify, RequestDelete:
	default:
		return LogEntry{}, errors.DecodeFailed("unknown request code in packed log entry", nil)
	}
	return e, nil
}

// AddPayload is the decoded form an Add entry's payload carries.
type AddPayload struct {
	DN    string        `json:"dn"`
	Attrs backend.Attrs `json:"attrs"`
}

// ModifyPayload is the decoded form a Modify entry's payload carries.
type ModifyPayload struct {
	DN      string        `json:"dn"`
	Changes backend.Attrs `json:"changes"`
}

// EncodeAddPayload packs an Add operation's target DN and attributes.
func EncodeAddPayload(dn string, attrs backend.Attrs) ([]byte, error) {
	return json.Marshal(AddPayload{DN: dn, Attrs: attrs})
}

// DecodeAddPayload unpacks an Add entry's payload.
func DecodeAddPayload(data []byte) (AddPayload, error) {
	var p AddPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return AddPayload{}, errors.DecodeFailed("add payload", err)
	}
	return p, nil
}

// EncodeModifyPayload packs a Modify operation's target DN and change list.
func EncodeModifyPayload(dn string, changes backend.Attrs) ([]byte, error) {
	return json.Marshal(ModifyPayload{DN: dn, Changes: changes})
}

// DecodeModifyPayload unpacks a Modify entry's payload.
func DecodeModifyPayload(data []byte) (ModifyPayload, error) {
	var p ModifyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ModifyPayload{}, errors.DecodeFailed("modify payload", err)
	}
	return p, nil
}

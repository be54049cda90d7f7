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
	"raftdir/internal/audit"
	"raftdir/internal/backend"
	"raftdir/internal/errors"
	"raftdir/internal/pss"
)

func entryToRecord(e LogEntry) pss.Record {
	return pss.Record{
		Index:       e.Index,
		Term:        e.Term,
		EntryID:     e.EntryID,
		RequestCode: byte(e.RequestCode),
		Payload:     e.Payload,
	}
}

func recordToEntry(r pss.Record) LogEntry {
	return LogEntry{
		Index:       r.Index,
		Term:        r.Term,
		EntryID:     r.EntryID,
		RequestCode: RequestCode(r.RequestCode),
		Payload:     r.Payload,
	}
}

// applyUpToLocked applies committed entries in (lastApplied, target],
// strictly in index order, never skipping. The mutex is held on entry
// and return, released around backend and log I/O. An apply failure
// halts the loop; the next heartbeat retries.
func (e *Engine) applyUpToLocked(target uint64) {
	for e.lastApplied < target && !e.shuttingDown {
		next := e.lastApplied + 1
		e.mu.Unlock()
		rec, found, err := e.store.GetEntry(next)
		var applyErr error
		if err != nil {
			applyErr = err
		} else if !found {
			applyErr = errors.OperationsError("log missing committed entry")
		} else {
			applyErr = e.applyEntry(recordToEntry(rec))
		}
		e.mu.Lock()
		if applyErr != nil {
			e.log.Error("applying committed entry failed", "index", next, "error", applyErr)
			return
		}
		e.lastApplied = next
		if e.commitIndex < next {
			e.commitIndex = next
			e.commitIndexTerm = rec.Term
		}
	}
}

// applyEntry executes one committed entry against the directory backend
// in a single write transaction that also durably records lastApplied.
// The mutex must NOT be held. Post-commit plugins run inside the
// backend's commit, best-effort.
func (e *Engine) applyEntry(entry LogEntry) error {
	txn, err := e.be.Begin()
	if err != nil {
		return errors.ApplyFailed(entry.Index, err)
	}

	var dn string
	switch entry.RequestCode {
	case RequestAdd:
		p, derr := DecodeAddPayload(entry.Payload)
		if derr != nil {
			txn.Abort()
			return derr
		}
		dn = p.DN
		err = txn.AddEntry(backend.EntryID(entry.EntryID), p.DN, p.Attrs)

	case RequestModify:
		p, derr := DecodeModifyPayload(entry.Payload)
		if derr != nil {
			txn.Abort()
			return derr
		}
		dn = p.DN
		err = txn.ModifyEntry(backend.EntryID(entry.EntryID), p.DN, p.Changes)

	case RequestDelete:
		var found bool
		dn, found = e.be.Lookup(backend.EntryID(entry.EntryID))
		if !found {
			txn.Abort()
			return errors.EntryNotFound(entry.EntryID)
		}
		err = txn.DeleteEntry(backend.EntryID(entry.EntryID), dn)

	default:
		txn.Abort()
		return errors.DecodeFailed("unknown request code", nil)
	}
	if err != nil {
		txn.Abort()
		return errors.ApplyFailed(entry.Index, err)
	}

	// lastApplied rides the same durable step as the mutation.
	e.persistMu.Lock()
	e.mu.Lock()
	st := pss.State{
		CurrentTerm:  e.currentTerm,
		VotedFor:     e.votedFor,
		VotedForTerm: e.votedForTerm,
		LastApplied:  entry.Index,
	}
	e.mu.Unlock()
	err = e.store.SaveState(st)
	e.persistMu.Unlock()
	if err != nil {
		txn.Abort()
		return errors.ApplyFailed(entry.Index, err)
	}

	if err := txn.Commit(); err != nil {
		// The mutation is already durable in the log; a commit failure
		// here is an invariant violation, not a retryable condition.
		return errors.ApplyFailed(entry.Index, err)
	}

	e.log.Debug("applied entry", "index", entry.Index,
		"op", entry.RequestCode.String(), "dn", dn)
	if e.trail != nil {
		e.trail.Record(audit.Event{
			Type: audit.EventApply, Node: e.nodeID, Term: entry.Term,
			Index: entry.Index, DN: dn,
			Detail: entry.RequestCode.String(), Status: audit.StatusSuccess,
		})
	}

	// Peer computer account changes reshape the peer table.
	if entry.RequestCode == RequestAdd || entry.RequestCode == RequestDelete {
		e.reconcilePeerEntry(entry.RequestCode, dn)
	}
	return nil
}

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

// Package backend defines the narrow contract between the replication
// engine's State Machine Applier and whatever directory backend actually
// stores entries. The real directory backend (schema, indices, ACL
// evaluation) is out of scope; this package defines the seam and ships an
// in-memory reference implementation the engine's tests apply entries
// against.
package backend

import (
	"fmt"
	"sync"

	"raftdir/internal/errors"
)

// EntryID identifies a directory entry.
type EntryID uint64

// Attrs is an opaque decoded attribute set.
type Attrs map[string][]string

// Txn is a single backend transaction a committed log entry is applied
// within. Exactly one of AddEntry/ModifyEntry/DeleteEntry is called before
// Commit or Abort.
type Txn interface {
	AddEntry(id EntryID, dn string, attrs Attrs) error
	ModifyEntry(id EntryID, dn string, changes Attrs) error
	DeleteEntry(id EntryID, dn string) error
	Commit() error
	Abort() error
}

// Backend is what the State Machine Applier needs from a directory store.
type Backend interface {
	// Begin starts a new transaction for applying one committed log entry.
	Begin() (Txn, error)

	// Lookup returns the DN currently stored under id, if any. Used by the
	// applier to resolve the DN of a replicated Delete.
	Lookup(id EntryID) (dn string, ok bool)

	// LookupDN returns the entry ID stored under dn, if any.
	LookupDN(dn string) (id EntryID, ok bool)

	// EntriesUnder returns every entry whose DN ends in ","+parent,
	// keyed by ID; entries nested deeper below parent match too. The
	// Membership Reconciler's startup scan of the peer container uses
	// this.
	EntriesUnder(parent string) map[EntryID]string

	// Attributes returns the attribute set stored for id, if any.
	Attributes(id EntryID) (Attrs, bool)
}

// Plugin receives a best-effort, post-commit notification after an Add
// or Modify transaction lands; deletes get no post-commit dispatch. A
// plugin failure is logged, never surfaced to the writer, which already
// has its majority.
type Plugin interface {
	AfterCommit(op RequestKind, id EntryID, dn string)
}

// RequestKind mirrors the three directory mutation kinds a committed log
// entry can carry. Kept here, not imported from internal/raft, so this
// package has no dependency on the consensus core it serves.
type RequestKind int

const (
	KindAdd RequestKind = iota + 1
	KindModify
	KindDelete
)

func (k RequestKind) String() string {
	switch k {
	case KindAdd:
		return "ADD"
	case KindModify:
		return "MODIFY"
	case KindDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// MemoryBackend is an in-memory reference Backend, used by engine tests and
// by any deployment that does not need the entries to survive process
// restart (the Raft log itself, in the PSS, is what actually guarantees
// durability of the replicated history).
type MemoryBackend struct {
	mu      sync.Mutex
	byID    map[EntryID]string
	byDN    map[string]EntryID
	attrs   map[EntryID]Attrs
	plugins []Plugin
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		byID:  make(map[EntryID]string),
		byDN:  make(map[string]EntryID),
		attrs: make(map[EntryID]Attrs),
	}
}

// RegisterPlugin adds a post-commit plugin invoked after every Add or
// Modify transaction commits. Plugins run best-effort and in registration
// order.
func (b *MemoryBackend) RegisterPlugin(p Plugin) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.plugins = append(b.plugins, p)
}

func (b *MemoryBackend) Lookup(id EntryID) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dn, ok := b.byID[id]
	return dn, ok
}

func (b *MemoryBackend) LookupDN(dn string) (EntryID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byDN[dn]
	return id, ok
}

func (b *MemoryBackend) EntriesUnder(parent string) map[EntryID]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[EntryID]string)
	suffix := "," + parent
	for dn, id := range b.byDN {
		if len(dn) > len(suffix) && dn[len(dn)-len(suffix):] == suffix {
			out[id] = dn
		}
	}
	return out
}

func (b *MemoryBackend) Attributes(id EntryID) (Attrs, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	attrs, ok := b.attrs[id]
	if !ok {
		return nil, false
	}
	cp := make(Attrs, len(attrs))
	for k, v := range attrs {
		cp[k] = append([]string{}, v...)
	}
	return cp, true
}

func (b *MemoryBackend) Begin() (Txn, error) {
	return &memTxn{b: b}, nil
}

type memTxn struct {
	b       *MemoryBackend
	applied *memOp
}

type memOp struct {
	kind RequestKind
	id   EntryID
	dn   string
}

func (t *memTxn) AddEntry(id EntryID, dn string, attrs Attrs) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	if _, exists := t.b.byID[id]; exists {
		return errors.ApplyFailed(uint64(id), fmt.Errorf("entry id %d already exists", id))
	}
	if _, exists := t.b.byDN[dn]; exists {
		return errors.ApplyFailed(uint64(id), fmt.Errorf("dn %q already exists", dn))
	}
	t.b.byID[id] = dn
	t.b.byDN[dn] = id
	t.b.attrs[id] = attrs
	t.applied = &memOp{kind: KindAdd, id: id, dn: dn}
	return nil
}

func (t *memTxn) ModifyEntry(id EntryID, dn string, changes Attrs) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	existing, ok := t.b.attrs[id]
	if !ok {
		return errors.EntryNotFound(uint64(id))
	}
	for k, v := range changes {
		existing[k] = v
	}
	t.b.attrs[id] = existing
	t.applied = &memOp{kind: KindModify, id: id, dn: dn}
	return nil
}

func (t *memTxn) DeleteEntry(id EntryID, dn string) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	if _, ok := t.b.byID[id]; !ok {
		return errors.EntryNotFound(uint64(id))
	}
	delete(t.b.byID, id)
	delete(t.b.byDN, dn)
	delete(t.b.attrs, id)
	t.applied = &memOp{kind: KindDelete, id: id, dn: dn}
	return nil
}

func (t *memTxn) Commit() error {
	if t.applied == nil {
		return nil
	}
	// Post-commit plugins run for Add and Modify only; there is no
	// post-delete dispatch.
	if t.applied.kind == KindDelete {
		return nil
	}
	t.b.mu.Lock()
	plugins := append([]Plugin{}, t.b.plugins...)
	t.b.mu.Unlock()
	for _, p := range plugins {
		p.AfterCommit(t.applied.kind, t.applied.id, t.applied.dn)
	}
	return nil
}

func (t *memTxn) Abort() error {
	return nil
}

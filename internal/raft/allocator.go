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
	"sync"

	"raftdir/internal/errors"
)

// NewEntryIDPrefix marks entry IDs minted by this allocator, keeping them
// disjoint from any pre-replication ID space.
const NewEntryIDPrefix uint64 = 1 << 63

// maxIdxMajor bounds the per-index disambiguation counter.
const maxIdxMajor = 1<<31 - 1

// Allocator mints entry IDs for new Add operations before their
// transaction persists. IDs embed the next log index, so they are unique
// across the cluster without a separate ID service: only the leader
// allocates, and each committed index advances the base. The idxMajor
// counter disambiguates multiple Adds drafted against the same would-be
// index and resets whenever commitIndex moves.
type Allocator struct {
	mu              sync.Mutex
	idxMajor        uint32
	lastCommitIndex uint64
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Next returns a fresh entry ID given the current commitIndex.
// Layout: prefix bit | (commitIndex+1) << 31 | idxMajor.
func (a *Allocator) Next(commitIndex uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if commitIndex != a.lastCommitIndex {
		a.idxMajor = 0
		a.lastCommitIndex = commitIndex
	}
	if a.idxMajor > maxIdxMajor {
		return 0, errors.OperationsError("entry id allocator exhausted for current log index")
	}
	id := NewEntryIDPrefix | ((commitIndex + 1) << 31) | uint64(a.idxMajor)
	a.idxMajor++
	return id, nil
}

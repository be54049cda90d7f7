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

package pss

import (
	"testing"
)

func TestSaveAndLoadState(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	want := State{CurrentTerm: 7, VotedFor: "node-b", VotedForTerm: 7, LastApplied: 42}
	if err := s.SaveState(want); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	got, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got != want {
		t.Errorf("LoadState = %+v, want %+v", got, want)
	}
}

func TestLoadStateOnFreshDirReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got != (State{}) {
		t.Errorf("expected zero-value state on fresh dir, got %+v", got)
	}
}

func TestAppendAndGetEntry(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	rec := Record{Index: 1, Term: 1, EntryID: 100, RequestCode: 1, Payload: []byte("cn=alice,dc=example,dc=com")}
	if err := s.AppendEntry(rec); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}

	got, ok, err := s.GetEntry(1)
	if err != nil || !ok {
		t.Fatalf("GetEntry: ok=%v err=%v", ok, err)
	}
	if string(got.Payload) != string(rec.Payload) {
		t.Errorf("payload round-trip mismatch: got %q", got.Payload)
	}
	if s.LastIndex() != 1 || s.LastTerm() != 1 {
		t.Errorf("LastIndex/LastTerm = %d/%d, want 1/1", s.LastIndex(), s.LastTerm())
	}
}

func TestTruncateFromDropsTailAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := uint64(1); i <= 5; i++ {
		if err := s.AppendEntry(Record{Index: i, Term: i, EntryID: i, Payload: []byte("x")}); err != nil {
			t.Fatalf("AppendEntry(%d): %v", i, err)
		}
	}
	if err := s.TruncateFrom(3); err != nil {
		t.Fatalf("TruncateFrom: %v", err)
	}
	if s.LastIndex() != 2 {
		t.Fatalf("LastIndex after truncate = %d, want 2", s.LastIndex())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.LastIndex() != 2 {
		t.Errorf("LastIndex after reopen = %d, want 2", reopened.LastIndex())
	}
}

func TestEntriesRange(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := uint64(1); i <= 5; i++ {
		if err := s.AppendEntry(Record{Index: i, Term: 1, EntryID: i, Payload: []byte("v")}); err != nil {
			t.Fatalf("AppendEntry(%d): %v", i, err)
		}
	}

	entries, err := s.Entries(2, 4)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 3 || entries[0].Index != 2 || entries[2].Index != 4 {
		t.Errorf("unexpected range result: %+v", entries)
	}
}

func TestOpenRefusesSecondLockHolder(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := Open(dir); err == nil {
		t.Errorf("expected second Open on locked dir to fail")
	}
}

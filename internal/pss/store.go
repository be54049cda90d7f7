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

// Package pss is the Persistent State Store: the durable record of
// currentTerm/votedFor/votedForTerm/lastApplied, and the append-only,
// index-addressed log container backing it. Every write that must survive
// a crash goes through here before the in-memory Raft State trusts it.
package pss

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"raftdir/internal/errors"
)

const stateFileName = "state.bin"
const logFileName = "log.bin"

// Record is one log-container entry. It mirrors internal/raft's LogEntry
// shape without importing that package, to keep pss free of a dependency
// on the consensus core it backs.
type Record struct {
	Index       uint64
	Term        uint64
	EntryID     uint64
	RequestCode byte
	Payload     []byte
}

// State is the small fixed set of fields Raft must never lose across a
// restart.
type State struct {
	CurrentTerm  uint64
	VotedFor     string
	VotedForTerm uint64
	LastApplied  uint64
}

// Store owns one node's durable state: the State record and the Log
// container. A Store is safe for concurrent use.
type Store struct {
	dir string

	mu        sync.Mutex
	stateFile *os.File
	logFile   *os.File
	lockFile  *os.File

	offsets []int64 // offsets[i] is the byte offset of entry index i+1
	lastTerm uint64

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens (creating if necessary) the persistent state store rooted at
// dir, taking an exclusive flock so two processes never share a data
// directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("pss: creating data dir: %w", err)
	}

	lockPath := filepath.Join(dir, ".lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("pss: opening lock file: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("pss: data directory %s is locked by another process: %w", dir, err)
	}

	stateFile, err := os.OpenFile(filepath.Join(dir, stateFileName), os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("pss: opening state file: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		stateFile.Close()
		lockFile.Close()
		return nil, fmt.Errorf("pss: opening log file: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("pss: initializing zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("pss: initializing zstd decoder: %w", err)
	}

	s := &Store{
		dir:       dir,
		stateFile: stateFile,
		logFile:   logFile,
		lockFile:  lockFile,
		enc:       enc,
		dec:       dec,
	}
	if err := s.rebuildIndex(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the flock and closes every open file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc.Close()
	s.dec.Close()
	unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	s.lockFile.Close()
	s.stateFile.Close()
	return s.logFile.Close()
}

// rebuildIndex scans the log file from offset 0, building the in-memory
// index -> offset table. Run once at Open.
func (s *Store) rebuildIndex() error {
	if _, err := s.logFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(s.logFile)
	var off int64
	for {
		rec, n, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn write at the tail (crash mid-append) is expected;
			// truncate it away rather than fail to start.
			break
		}
		s.offsets = append(s.offsets, off)
		s.lastTerm = rec.Term
		off += int64(n)
	}
	if err := s.logFile.Truncate(off); err != nil {
		return err
	}
	_, err := s.logFile.Seek(0, io.SeekEnd)
	return err
}

// recordHeader: index(8) term(8) entryID(8) requestCode(1) compressedLen(4)
const recordHeaderLen = 8 + 8 + 8 + 1 + 4

func readRecord(r *bufio.Reader) (Record, int, error) {
	hdr := make([]byte, recordHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Record{}, 0, err
	}
	rec := Record{
		Index:       binary.BigEndian.Uint64(hdr[0:8]),
		Term:        binary.BigEndian.Uint64(hdr[8:16]),
		EntryID:     binary.BigEndian.Uint64(hdr[16:24]),
		RequestCode: hdr[24],
	}
	compLen := binary.BigEndian.Uint32(hdr[25:29])
	comp := make([]byte, compLen)
	if _, err := io.ReadFull(r, comp); err != nil {
		return Record{}, 0, err
	}
	rec.Payload = comp // caller decompresses
	return rec, recordHeaderLen + int(compLen), nil
}

// SaveState atomically persists the Raft voting/term/applied state via a
// write-temp-then-rename, fsyncing both the temp file and the containing
// directory so the rename itself survives a crash.
func (s *Store) SaveState(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 8+8+8+4+len(st.VotedFor))
	binary.BigEndian.PutUint64(buf[0:8], st.CurrentTerm)
	binary.BigEndian.PutUint64(buf[8:16], st.VotedForTerm)
	binary.BigEndian.PutUint64(buf[16:24], st.LastApplied)
	binary.BigEndian.PutUint32(buf[24:28], uint32(len(st.VotedFor)))
	copy(buf[28:], st.VotedFor)

	tmpPath := filepath.Join(s.dir, stateFileName+".tmp")
	if err := os.WriteFile(tmpPath, buf, 0o640); err != nil {
		return fmt.Errorf("pss: writing temp state file: %w", err)
	}
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR, 0o640)
	if err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, filepath.Join(s.dir, stateFileName)); err != nil {
		return fmt.Errorf("pss: renaming state file: %w", err)
	}
	if dirF, err := os.Open(s.dir); err == nil {
		dirF.Sync()
		dirF.Close()
	}
	return nil
}

// LoadState reads the persisted State, returning the zero value if none has
// ever been saved (a brand new node).
func (s *Store) LoadState() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, err
	}
	if len(data) == 0 {
		return State{}, nil
	}
	if len(data) < 28 {
		return State{}, errors.DecodeFailed("state file truncated", nil)
	}
	st := State{
		CurrentTerm:  binary.BigEndian.Uint64(data[0:8]),
		VotedForTerm: binary.BigEndian.Uint64(data[8:16]),
		LastApplied:  binary.BigEndian.Uint64(data[16:24]),
	}
	vlen := binary.BigEndian.Uint32(data[24:28])
	if int(vlen) > len(data)-28 {
		return State{}, errors.DecodeFailed("state file votedFor length out of range", nil)
	}
	st.VotedFor = string(data[28 : 28+vlen])
	return st, nil
}

// AppendEntry compresses rec.Payload with zstd and appends it to the log
// container, fsyncing before returning so a commit hook that observes
// success knows the entry cannot be lost to a crash.
func (s *Store) AppendEntry(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	compressed := s.enc.EncodeAll(rec.Payload, nil)

	hdr := make([]byte, recordHeaderLen)
	binary.BigEndian.PutUint64(hdr[0:8], rec.Index)
	binary.BigEndian.PutUint64(hdr[8:16], rec.Term)
	binary.BigEndian.PutUint64(hdr[16:24], rec.EntryID)
	hdr[24] = rec.RequestCode
	binary.BigEndian.PutUint32(hdr[25:29], uint32(len(compressed)))

	off, err := s.logFile.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := s.logFile.Write(hdr); err != nil {
		return err
	}
	if _, err := s.logFile.Write(compressed); err != nil {
		return err
	}
	if err := unix.Fdatasync(int(s.logFile.Fd())); err != nil {
		return fmt.Errorf("pss: fdatasync log file: %w", err)
	}

	if int(rec.Index) == len(s.offsets)+1 {
		s.offsets = append(s.offsets, off)
	} else if int(rec.Index) <= len(s.offsets) {
		s.offsets[rec.Index-1] = off
	} else {
		return errors.OperationsError(fmt.Sprintf("appended index %d is not contiguous with log length %d", rec.Index, len(s.offsets)))
	}
	s.lastTerm = rec.Term
	return nil
}

// TruncateFrom drops every entry with index >= from, used when a follower
// discovers its tail conflicts with the leader's log. The file itself is
// truncated at the byte offset of the dropped region.
func (s *Store) TruncateFrom(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from < 1 || int(from) > len(s.offsets) {
		return nil
	}
	cut := s.offsets[from-1]
	if err := s.logFile.Truncate(cut); err != nil {
		return err
	}
	if _, err := s.logFile.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	s.offsets = s.offsets[:from-1]
	if len(s.offsets) > 0 {
		last, err := s.readAt(s.offsets[len(s.offsets)-1])
		if err == nil {
			s.lastTerm = last.Term
		}
	} else {
		s.lastTerm = 0
	}
	return nil
}

// LastIndex returns the highest index currently stored, or 0 if the log is
// empty.
func (s *Store) LastIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.offsets))
}

// LastTerm returns the term of the last stored entry, or 0 if empty.
func (s *Store) LastTerm() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTerm
}

// GetEntry returns the entry at index, decompressing its payload.
func (s *Store) GetEntry(index uint64) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 1 || int(index) > len(s.offsets) {
		return Record{}, false, nil
	}
	rec, err := s.readAt(s.offsets[index-1])
	return rec, true, err
}

// Entries returns every entry in [from, to], inclusive, decompressed, for
// AppendEntries batches and leader catch-up.
func (s *Store) Entries(from, to uint64) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from < 1 {
		from = 1
	}
	if int(to) > len(s.offsets) {
		to = uint64(len(s.offsets))
	}
	if from > to {
		return nil, nil
	}
	out := make([]Record, 0, to-from+1)
	for i := from; i <= to; i++ {
		rec, err := s.readAt(s.offsets[i-1])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) readAt(off int64) (Record, error) {
	r := bufio.NewReader(io.NewSectionReader(s.logFile, off, recordHeaderLen+1<<24))
	rec, _, err := readRecord(r)
	if err != nil {
		return Record{}, err
	}
	payload, err := s.dec.DecodeAll(rec.Payload, nil)
	if err != nil {
		return Record{}, errors.DecodeFailed("zstd decode of log entry failed", err)
	}
	rec.Payload = payload
	return rec, nil
}

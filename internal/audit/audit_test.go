/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func setupTestTrail(t *testing.T) (*Trail, func()) {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	trail, err := NewTrail(cfg)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	return trail, func() { trail.Close() }
}

func TestTrailRecordAndQuery(t *testing.T) {
	trail, cleanup := setupTestTrail(t)
	defer cleanup()

	trail.Record(Event{Type: EventLeaderElected, Node: "node-a", Term: 3})
	trail.Record(Event{Type: EventCommit, Node: "node-a", Term: 3, Index: 1, Status: StatusSuccess})
	trail.Record(Event{Type: EventCommit, Node: "node-b", Term: 3, Index: 1, Status: StatusSuccess})

	// The writer is asynchronous; give it a moment to drain.
	deadline := time.Now().Add(2 * time.Second)
	var got []Event
	for time.Now().Before(deadline) {
		events, err := trail.Query(QueryOptions{Type: EventCommit})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(events) == 2 {
			got = events
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 commit events, got %d", len(got))
	}

	byNode, err := trail.Query(QueryOptions{Type: EventCommit, Node: "node-b"})
	if err != nil {
		t.Fatalf("Query by node: %v", err)
	}
	if len(byNode) != 1 || byNode[0].Node != "node-b" {
		t.Errorf("node filter failed: %+v", byNode)
	}
}

func TestTrailQueryLimit(t *testing.T) {
	trail, cleanup := setupTestTrail(t)
	defer cleanup()

	for i := 0; i < 10; i++ {
		trail.Record(Event{Type: EventApply, Node: "node-a", Index: uint64(i + 1)})
	}
	trail.Close()

	events, err := trail.Query(QueryOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("expected limit 3 honored, got %d", len(events))
	}
}

func TestTrailRotation(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.MaxSizeByte = 256
	trail, err := NewTrail(cfg)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	for i := 0; i < 20; i++ {
		trail.Record(Event{
			Type: EventApply, Node: "node-a", Index: uint64(i + 1),
			Detail: "a reasonably long detail string to push past the rotation threshold",
		})
	}
	trail.Close()

	rotated := filepath.Clean(cfg.Path + ".1")
	if _, err := trail.Query(QueryOptions{}); err != nil {
		t.Fatalf("Query after rotation: %v", err)
	}
	if !fileExists(rotated) {
		t.Errorf("expected rotated file %s", rotated)
	}
}

func TestNilTrailIsSafe(t *testing.T) {
	var trail *Trail
	trail.Record(Event{Type: EventCommit})
	if trail.Dropped() != 0 {
		t.Errorf("nil trail drops nothing")
	}
	if err := trail.Close(); err != nil {
		t.Errorf("nil trail Close: %v", err)
	}
	if events, err := trail.Query(QueryOptions{}); err != nil || events != nil {
		t.Errorf("nil trail Query: %v %v", events, err)
	}
}

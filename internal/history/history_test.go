package history

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendLoadLifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test_history.jsonl")
	SetLogPathOverride(logFile)
	defer SetLogPathOverride("")

	if err := Append(Entry{ID: "1", Role: "client", Peer: "10.0.0.2"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	entries, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID != "1" {
		t.Errorf("expected ID 1, got %s", entries[0].ID)
	}

	for i := 0; i < 1100; i++ {
		e := Entry{
			ID:        fmt.Sprintf("p-%d", i),
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := Append(e); err != nil {
			t.Fatalf("Append loop failed at %d: %v", i, err)
		}
	}

	entries, err = Load()
	if err != nil {
		t.Fatalf("Load after prune failed: %v", err)
	}
	if len(entries) > maxEntries {
		t.Errorf("pruning failed, expected <= %d entries, got %d", maxEntries, len(entries))
	}

	if err := Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	entries, err = Load()
	if err != nil {
		t.Fatalf("Load after clear failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("history not cleared, got %d entries", len(entries))
	}
	if _, err := os.Stat(logFile); !os.IsNotExist(err) {
		t.Error("log file still exists after clear")
	}
}

func TestAppendAssignsIdAndTimestamp(t *testing.T) {
	tmpDir := t.TempDir()
	SetLogPathOverride(filepath.Join(tmpDir, "h.jsonl"))
	defer SetLogPathOverride("")

	if err := Append(Entry{Role: "server"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	entries, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID == "" {
		t.Error("expected generated ID, got empty string")
	}
	if entries[0].Timestamp.IsZero() {
		t.Error("expected generated timestamp, got zero value")
	}
}

func TestConcurrentAppends(t *testing.T) {
	tmpDir := t.TempDir()
	SetLogPathOverride(filepath.Join(tmpDir, "concurrent.jsonl"))
	defer SetLogPathOverride("")

	const numGoroutines = 10
	const entriesPerGoroutine = 50

	errCh := make(chan error, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			for j := 0; j < entriesPerGoroutine; j++ {
				entry := Entry{
					ID:        fmt.Sprintf("worker-%d-%d", id, j),
					Timestamp: time.Now(),
					Role:      "client",
				}
				if err := Append(entry); err != nil {
					errCh <- fmt.Errorf("worker %d failed: %w", id, err)
					return
				}
			}
			errCh <- nil
		}(i)
	}

	for i := 0; i < numGoroutines; i++ {
		if err := <-errCh; err != nil {
			t.Fatal(err)
		}
	}

	entries, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	expected := numGoroutines * entriesPerGoroutine
	if len(entries) != expected {
		t.Errorf("expected %d entries, got %d", expected, len(entries))
	}
}

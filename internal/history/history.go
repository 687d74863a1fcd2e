// Package history keeps a local, append-only log of completed test runs
// at ~/.crusader/history.jsonl, independent of the full .crr result file
// for that run.
package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/gofrs/flock"
)

// Entry is one row of run history.
type Entry struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Role            string    `json:"role"` // "client" or "server"
	Peer            string    `json:"peer"`
	Streams         uint32    `json:"streams"`
	LoadDuration    float64   `json:"load_duration_seconds"`
	AvgThroughputMb float64   `json:"avg_throughput_mbps"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	LossPct         float64   `json:"loss_pct"`
	Partial         bool      `json:"partial"`
	ResultPath      string    `json:"result_path,omitempty"`
	Error           string    `json:"error,omitempty"`
}

var logPathOverride string

// SetLogPathOverride points the log at an alternate path, for tests.
func SetLogPathOverride(path string) {
	logPathOverride = path
}

// LogPath returns the path to the history log file, creating its parent
// directory if necessary.
func LogPath() (string, error) {
	if logPathOverride != "" {
		return logPathOverride, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".crusader")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.jsonl"), nil
}

func lockPath() (string, error) {
	p, err := LogPath()
	if err != nil {
		return "", err
	}
	return p + ".lock", nil
}

func withLock(action func() error) error {
	path, err := lockPath()
	if err != nil {
		return err
	}
	fileLock := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("history: acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("history: timed out waiting for lock")
	}
	defer fileLock.Unlock()

	return action()
}

func withReadLock(action func() error) error {
	path, err := lockPath()
	if err != nil {
		return err
	}
	fileLock := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	locked, err := fileLock.TryRLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("history: acquire read lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("history: timed out waiting for read lock")
	}
	defer fileLock.Unlock()

	return action()
}

const maxEntries = 1000

// Append adds entry to the history log, assigning an ID and timestamp if
// unset, and pruning down to the most recent maxEntries rows.
func Append(entry Entry) error {
	return withLock(func() error {
		path, err := LogPath()
		if err != nil {
			return err
		}
		if entry.ID == "" {
			entry.ID = petname.Generate(2, "-")
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now()
		}

		existing, err := loadInternal(path)
		if err == nil && len(existing) >= maxEntries {
			all := append([]Entry{entry}, existing...)
			sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
			return rewriteInternal(path, all[:maxEntries])
		}
		return appendInternal(path, entry)
	})
}

// Load returns all history entries, newest first.
func Load() ([]Entry, error) {
	var entries []Entry
	err := withReadLock(func() error {
		path, err := LogPath()
		if err != nil {
			return err
		}
		var loadErr error
		entries, loadErr = loadInternal(path)
		return loadErr
	})
	return entries, err
}

// Clear deletes the history log file.
func Clear() error {
	return withLock(func() error {
		path, err := LogPath()
		if err != nil {
			return err
		}
		err = os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	})
}

func loadInternal(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	return entries, scanner.Err()
}

func rewriteInternal(path string, entries []Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for i := len(entries) - 1; i >= 0; i-- {
		data, err := json.Marshal(entries[i])
		if err != nil {
			continue
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func appendInternal(path string, entry Entry) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

package breaker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// JournalName is the file the manager writes under its state directory.
const JournalName = "circuit_journal.jsonl"

// Entry is one journaled state transition.
type Entry struct {
	ID     string    `json:"id"`
	Scope  string    `json:"scope"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Journal is an append-only JSON-lines transition log. Appends are synced
// so an open breaker survives a crash.
type Journal struct {
	path string
	f    *os.File
}

// OpenJournal opens or creates the journal file, creating parent
// directories as needed.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("breaker: create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("breaker: open journal: %w", err)
	}
	return &Journal{path: path, f: f}, nil
}

// Append writes one transition and syncs it to disk.
func (j *Journal) Append(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("breaker: marshal journal entry: %w", err)
	}
	if _, err := j.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("breaker: append journal: %w", err)
	}
	return j.f.Sync()
}

// Replay reads every entry in order. Truncated or malformed trailing lines
// (a crash mid-append) are skipped rather than failing startup.
func (j *Journal) Replay() ([]Entry, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("breaker: open journal for replay: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			// Likely a torn write at the tail; keep what parsed.
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("breaker: scan journal: %w", err)
	}
	return entries, nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	return j.f.Close()
}

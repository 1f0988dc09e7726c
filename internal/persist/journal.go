package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JournalEntry is one line of the local side-channel journal.
type JournalEntry struct {
	JobID      string          `json:"job_id"`
	RecordedAt time.Time       `json:"recorded_at"`
	Payload    json.RawMessage `json:"payload"`
}

// FileJournal is the durable append-only local store used as the last line
// of defense against in-memory-only data loss. Every append is synced to
// disk before returning.
type FileJournal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenJournal opens (or creates) the journal file at path.
func OpenJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &FileJournal{file: f, path: path}, nil
}

// Append writes one entry keyed by jobID and fsyncs it.
func (j *FileJournal) Append(jobID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal journal payload: %w", err)
	}
	line, err := json.Marshal(JournalEntry{
		JobID:      jobID,
		RecordedAt: time.Now().UTC(),
		Payload:    raw,
	})
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Replay calls fn for every entry in the journal, in append order. Used by
// operators to re-drive idempotent saves after an outage.
func (j *FileJournal) Replay(fn func(JournalEntry) error) error {
	j.mu.Lock()
	path := j.path
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open journal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return fmt.Errorf("decode journal entry: %w", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Close closes the underlying file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

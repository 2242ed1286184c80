// Package deadletter keeps a small on-disk journal of change events the
// listener dropped, so they can be replayed with `notesync sync --replay-failed`.
package deadletter

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrInvalidInput = errors.New("invalid input")

const defaultCapacity = 1000

// Entry is one dropped event. ItemID is empty when the payload could not be
// decoded; such entries are kept for inspection but never replayed.
type Entry struct {
	ItemID   string    `json:"item_id,omitempty"`
	Payload  string    `json:"payload"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
	Attempts int       `json:"attempts"`
}

type journalState struct {
	Entries []Entry `json:"entries"`
}

// FileJournal persists entries as a JSON document, rewritten atomically on
// every change. When full, the oldest entry is evicted.
type FileJournal struct {
	path     string
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	entries []Entry
}

func Open(path string, capacity int) (*FileJournal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	j := &FileJournal{
		path:     path,
		capacity: capacity,
		now:      time.Now,
		entries:  []Entry{},
	}
	if err := j.load(); err != nil {
		return nil, err
	}
	return j, nil
}

// Record stores a failed event. A second failure for the same item replaces
// the earlier entry and bumps its attempt count.
func (j *FileJournal) Record(itemID, payload string, cause error) error {
	itemID = strings.TrimSpace(itemID)
	entry := Entry{
		ItemID:   itemID,
		Payload:  payload,
		FailedAt: j.now().UTC(),
		Attempts: 1,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	previous := append([]Entry(nil), j.entries...)
	if idx := j.indexLocked(itemID); idx >= 0 {
		entry.Attempts = j.entries[idx].Attempts + 1
		j.entries = append(j.entries[:idx:idx], j.entries[idx+1:]...)
	}
	j.entries = append(j.entries, entry)
	if len(j.entries) > j.capacity {
		j.entries = append([]Entry(nil), j.entries[len(j.entries)-j.capacity:]...)
	}
	if err := j.saveLocked(); err != nil {
		j.entries = previous
		return err
	}
	return nil
}

// Resolve drops the entry for itemID. Unknown ids are not an error.
func (j *FileJournal) Resolve(itemID string) error {
	itemID = strings.TrimSpace(itemID)
	j.mu.Lock()
	defer j.mu.Unlock()
	idx := j.indexLocked(itemID)
	if idx < 0 {
		return nil
	}
	previous := append([]Entry(nil), j.entries...)
	j.entries = append(j.entries[:idx:idx], j.entries[idx+1:]...)
	if err := j.saveLocked(); err != nil {
		j.entries = previous
		return err
	}
	return nil
}

// Entries returns a snapshot, oldest first.
func (j *FileJournal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Entry(nil), j.entries...)
}

// ReplayableIDs returns the item ids of entries that can be re-synced.
func (j *FileJournal) ReplayableIDs() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	ids := make([]string, 0, len(j.entries))
	for _, entry := range j.entries {
		if entry.ItemID != "" {
			ids = append(ids, entry.ItemID)
		}
	}
	return ids
}

func (j *FileJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func (j *FileJournal) indexLocked(itemID string) int {
	if itemID == "" {
		return -1
	}
	for i, entry := range j.entries {
		if entry.ItemID == itemID {
			return i
		}
	}
	return -1
}

func (j *FileJournal) load() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	data, err := os.ReadFile(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot journalState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Entries) > j.capacity {
		j.entries = append([]Entry(nil), snapshot.Entries[len(snapshot.Entries)-j.capacity:]...)
		return j.saveLocked()
	}
	j.entries = append([]Entry(nil), snapshot.Entries...)
	return nil
}

func (j *FileJournal) saveLocked() error {
	data, err := json.MarshalIndent(journalState{Entries: j.entries}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}

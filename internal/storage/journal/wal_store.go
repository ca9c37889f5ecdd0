// Package journal persists automation outcomes in a write-ahead log so
// trade history survives restarts and can be replayed to dashboards.
package journal

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultJournalDir   = "./wal/automation"
	journalSegmentLimit = 100
	journalMaxSegments  = 10
	journalKeyPrefix    = "automation_"
)

// Entry is one recorded automation run.
type Entry struct {
	UserID      string    `json:"userId"`
	Instrument  string    `json:"instrument"`
	Direction   string    `json:"direction"`
	Probability float64   `json:"probability"`
	Explanation string    `json:"explanation"`
	Outcome     string    `json:"outcome"`
	Attempts    int       `json:"attempts"`
	At          time.Time `json:"at"`
}

// EntryRecord pairs an entry with its WAL index.
type EntryRecord struct {
	Index uint64
	Entry Entry
}

// WALStore persists automation entries in a WAL.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed journal under the provided directory.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultJournalDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "run_",
		SegmentThreshold: journalSegmentLimit,
		MaxSegments:      journalMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init automation journal WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Save appends the entry to the journal. Callers must set UserID.
func (s *WALStore) Save(entry Entry) error {
	if s == nil || s.wal == nil {
		return errors.New("journal store is not initialized")
	}
	if entry.UserID == "" {
		return fmt.Errorf("journal entry user id is required")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal journal entry")
	}

	key := fmt.Sprintf("%s%s", journalKeyPrefix, entry.UserID)

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// EntriesAfter returns all entries written after the provided WAL index.
func (s *WALStore) EntriesAfter(index uint64) ([]EntryRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("journal store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]EntryRecord, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, ok := s.wal.Get(idx)
		if !ok || !strings.HasPrefix(key, journalKeyPrefix) {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, errors.Wrap(err, "decode journal entry")
		}
		records = append(records, EntryRecord{Index: idx, Entry: entry})
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("journal store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

package pausestate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/notfolder/coding-agent-sub002/internal/task"
)

// FileStore keeps one JSON file per task key under a state directory.
// Suited to single-host setups; expiry is enforced at read time and
// expired files are removed on sight.
type FileStore struct {
	dir    string
	expiry time.Duration
	clock  func() time.Time
	mu     sync.Mutex
}

func NewFileStore(dir string, expiry time.Duration, clock func() time.Time) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if expiry <= 0 {
		return nil, fmt.Errorf("pause state expiry must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	if clock == nil {
		clock = time.Now
	}
	return &FileStore{
		dir:    dir,
		expiry: expiry,
		clock:  func() time.Time { return clock().UTC() },
	}, nil
}

func (s *FileStore) path(key task.Key) string {
	return filepath.Join(s.dir, url.QueryEscape(key.String())+".json")
}

func (s *FileStore) Save(_ context.Context, record Record) error {
	if err := record.Key.Validate(); err != nil {
		return err
	}
	record.SavedAt = s.clock()
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pause state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path(record.Key) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write pause state: %w", err)
	}
	if err := os.Rename(tmp, s.path(record.Key)); err != nil {
		return fmt.Errorf("commit pause state: %w", err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, key task.Key) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(key)
}

func (s *FileStore) loadLocked(key task.Key) (Record, error) {
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read pause state: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, fmt.Errorf("%w for %s: %v", ErrCorruptState, key, err)
	}
	if record.Key != key {
		return Record{}, fmt.Errorf("%w for %s: record names %s", ErrCorruptState, key, record.Key)
	}
	if s.clock().Sub(record.SavedAt) > s.expiry {
		_ = os.Remove(s.path(key))
		return Record{}, ErrNotFound
	}
	return record, nil
}

func (s *FileStore) Delete(_ context.Context, key task.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete pause state: %w", err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]task.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list pause state: %w", err)
	}
	type aged struct {
		key     task.Key
		savedAt time.Time
	}
	var found []aged
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		decoded, err := url.QueryUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		key, err := task.ParseKey(decoded)
		if err != nil {
			continue
		}
		record, err := s.loadLocked(key)
		if err != nil {
			// Corrupt or expired records are not resumable work.
			continue
		}
		found = append(found, aged{key: key, savedAt: record.SavedAt})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].savedAt.Before(found[j].savedAt) })
	keys := make([]task.Key, 0, len(found))
	for _, item := range found {
		keys = append(keys, item.key)
	}
	return keys, nil
}

package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/psyche/internal/bus"
)

// JSONLStore appends records to one file per level under
// <root>/memory/<level>.jsonl.
type JSONLStore struct {
	root  string
	mu    sync.Mutex
	locks map[bus.Topic]*sync.Mutex
}

// NewJSONLStore creates a store rooted at the given directory.
func NewJSONLStore(root string) *JSONLStore {
	return &JSONLStore{
		root:  root,
		locks: make(map[bus.Topic]*sync.Mutex),
	}
}

func (s *JSONLStore) lock(level bus.Topic) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.locks[level]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[level] = l
	return l
}

func (s *JSONLStore) path(level bus.Topic) string {
	return filepath.Join(s.root, "memory", string(level)+".jsonl")
}

// Save appends r to its level's file.
func (s *JSONLStore) Save(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.Level.Valid() {
		return fmt.Errorf("save record: unknown level %q", r.Level)
	}
	l := s.lock(r.Level)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path(r.Level)), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	f, err := os.OpenFile(s.path(r.Level), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest records for level, oldest first.
func (s *JSONLStore) Recent(_ context.Context, level bus.Topic, limit int) ([]Record, error) {
	l := s.lock(level)
	l.Lock()
	defer l.Unlock()

	f, err := os.Open(s.path(level))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan memory file: %w", err)
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

func (s *JSONLStore) Close() error { return nil }

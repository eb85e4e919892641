// Package store persists the event-definition collection. Every write
// replaces the whole collection.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"flamcal/internal/config"
	"flamcal/internal/model"
)

// DefaultKey is the key the collection is stored under in a FileStore.
const DefaultKey = "calendarEvents"

// Store is the durable owner of the definition collection.
type Store interface {
	Load(ctx context.Context) ([]model.EventDefinition, error)
	ReplaceAll(ctx context.Context, defs []model.EventDefinition) error
}

// FileStore keeps the collection in a JSON object on disk, under Key. Other
// keys in the same file are left as they are.
type FileStore struct {
	Path string
	Key  string

	mu sync.Mutex
}

func NewFileStore(path, key string) *FileStore {
	if key == "" {
		key = DefaultKey
	}
	return &FileStore{Path: path, Key: key}
}

func (s *FileStore) Load(ctx context.Context) ([]model.EventDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc()
	if err != nil {
		return nil, err
	}
	raw, ok := doc[s.Key]
	if !ok || len(raw) == 0 {
		return []model.EventDefinition{}, nil
	}

	var defs []model.EventDefinition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("store: decode %s[%s]: %w", s.Path, s.Key, err)
	}
	if defs == nil {
		defs = []model.EventDefinition{}
	}
	return defs, nil
}

func (s *FileStore) ReplaceAll(ctx context.Context, defs []model.EventDefinition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc()
	if err != nil {
		return err
	}
	if defs == nil {
		defs = []model.EventDefinition{}
	}
	raw, err := json.Marshal(defs)
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	doc[s.Key] = raw

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	if err := config.WriteFileAtomic(s.Path, data); err != nil {
		return fmt.Errorf("store: write %s: %w", s.Path, err)
	}
	return nil
}

func (s *FileStore) readDoc() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("store: read %s: %w", s.Path, err)
	}
	doc := map[string]json.RawMessage{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", s.Path, err)
	}
	return doc, nil
}

// MemoryStore keeps the collection in memory only.
type MemoryStore struct {
	mu   sync.Mutex
	defs []model.EventDefinition
	// Fail, if set, is returned by ReplaceAll.
	Fail error
}

func NewMemoryStore(defs ...model.EventDefinition) *MemoryStore {
	return &MemoryStore{defs: append([]model.EventDefinition(nil), defs...)}
}

func (m *MemoryStore) Load(ctx context.Context) ([]model.EventDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.EventDefinition{}, m.defs...), nil
}

func (m *MemoryStore) ReplaceAll(ctx context.Context, defs []model.EventDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.defs = append([]model.EventDefinition{}, defs...)
	return nil
}

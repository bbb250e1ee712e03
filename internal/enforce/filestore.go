package enforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gpuquota/internal/pkg/model"
)

// fileDocument is the on-disk layout: cluster -> user -> state.
type fileDocument struct {
	Version int                                          `json:"version"`
	States  map[string]map[string]model.EnforcementState `json:"states"`
}

// FileStore keeps enforcement state in a JSON file. Every write replaces
// the file atomically (write to a temp file, then rename). Concurrent
// processes sharing one file are not coordinated.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: state file path is empty", model.ErrInvalidConfig)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) load() (*fileDocument, error) {
	doc := &fileDocument{Version: 1, States: make(map[string]map[string]model.EnforcementState)}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(b) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(b, doc); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", s.path, err)
	}
	if doc.States == nil {
		doc.States = make(map[string]map[string]model.EnforcementState)
	}
	return doc, nil
}

func (s *FileStore) save(doc *fileDocument) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FileStore) Get(_ context.Context, cluster, user string) (*model.EnforcementState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	st, ok := doc.States[cluster][user]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *FileStore) Update(_ context.Context, cluster, user string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	var cur *model.EnforcementState
	if st, ok := doc.States[cluster][user]; ok {
		cur = &st
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		if cur == nil {
			return nil
		}
		delete(doc.States[cluster], user)
		if len(doc.States[cluster]) == 0 {
			delete(doc.States, cluster)
		}
		return s.save(doc)
	}
	next.Cluster, next.User = cluster, user
	users, ok := doc.States[cluster]
	if !ok {
		users = make(map[string]model.EnforcementState)
		doc.States[cluster] = users
	}
	users[user] = *next
	return s.save(doc)
}

func (s *FileStore) Clear(_ context.Context, cluster, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc.States[cluster][user]; !ok {
		return nil
	}
	delete(doc.States[cluster], user)
	if len(doc.States[cluster]) == 0 {
		delete(doc.States, cluster)
	}
	return s.save(doc)
}

func (s *FileStore) List(_ context.Context, cluster string) ([]model.EnforcementState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]model.EnforcementState, 0, len(doc.States[cluster]))
	for _, st := range doc.States[cluster] {
		out = append(out, st)
	}
	sortStates(out)
	return out, nil
}

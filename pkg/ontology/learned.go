package ontology

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LearnedStore persists identifier mappings discovered by successful
// heals: (table, wrong identifier) -> correct identifier, last write wins.
// The map lives in memory; every mutation is snapshotted to disk
// atomically (write temp, fsync, rename) so a partially written mapping
// table is never observable, even under concurrent writers.
type LearnedStore struct {
	mu       sync.RWMutex
	path     string
	mappings map[string]map[string]string
}

// NewLearnedStore opens the store at path, loading any existing snapshot.
// An empty path keeps the store memory-only.
func NewLearnedStore(path string) (*LearnedStore, error) {
	s := &LearnedStore{path: path, mappings: map[string]map[string]string{}}
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read learned mappings: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.mappings); err != nil {
			return nil, fmt.Errorf("parse learned mappings: %w", err)
		}
	}
	return s, nil
}

// Get returns the learned replacement for (table, identifier) if any.
func (s *LearnedStore) Get(table, identifier string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byTable, ok := s.mappings[normalize(table)]
	if !ok {
		return "", false
	}
	mapped, ok := byTable[normalize(identifier)]
	return mapped, ok
}

// Put records a mapping and snapshots the store. Writers for the same key
// are serialized by the store lock; the snapshot is atomic.
func (s *LearnedStore) Put(table, identifier, correct string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := normalize(table)
	byTable, ok := s.mappings[t]
	if !ok {
		byTable = map[string]string{}
		s.mappings[t] = byTable
	}
	byTable[normalize(identifier)] = normalize(correct)
	return s.snapshotLocked()
}

// Len reports the number of learned mappings across all tables.
func (s *LearnedStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, byTable := range s.mappings {
		n += len(byTable)
	}
	return n
}

func (s *LearnedStore) snapshotLocked() error {
	if s.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(s.mappings, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".learned-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

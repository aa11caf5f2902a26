package workorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/agentgate/agentgate/internal/apperrors"
)

// Store persists WorkOrder records, one JSON file per id under dir, and
// keeps an in-memory index for fast lookups and counts. It follows the
// same Repository shape (Create/Get/Update/List) as the other stores in
// this orchestrator, with SQL rows replaced by files.
type Store struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*WorkOrder
}

// NewStore creates a Store rooted at <dir>/work-orders, creating the
// directory if it does not exist, and loads every record already on disk.
func NewStore(dir string) (*Store, error) {
	root := filepath.Join(dir, "work-orders")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperrors.Storage("failed to create work-orders directory", err)
	}

	s := &Store{dir: root, cache: make(map[string]*WorkOrder)}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return apperrors.Storage("failed to list work-orders directory", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue // best-effort load; a single corrupt file does not fail startup
		}
		var wo WorkOrder
		if err := json.Unmarshal(data, &wo); err != nil {
			continue
		}
		s.cache[wo.ID] = &wo
	}
	return nil
}

// Create persists a new WorkOrder. Returns CategoryValidation if the id
// already exists.
func (s *Store) Create(wo *WorkOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cache[wo.ID]; exists {
		return apperrors.Validationf("work order already exists: %s", wo.ID)
	}
	if err := s.writeLocked(wo); err != nil {
		return err
	}
	cp := *wo
	s.cache[wo.ID] = &cp
	return nil
}

// Update overwrites an existing WorkOrder. Returns CategoryValidation if
// the id does not exist.
func (s *Store) Update(wo *WorkOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cache[wo.ID]; !exists {
		return apperrors.Validationf("work order not found: %s", wo.ID)
	}
	if err := s.writeLocked(wo); err != nil {
		return err
	}
	cp := *wo
	s.cache[wo.ID] = &cp
	return nil
}

func (s *Store) writeLocked(wo *WorkOrder) error {
	data, err := json.MarshalIndent(wo, "", "  ")
	if err != nil {
		return apperrors.Storage("failed to marshal work order", err)
	}
	if err := os.WriteFile(s.path(wo.ID), data, 0o644); err != nil {
		return apperrors.Storage("failed to write work order file", err)
	}
	return nil
}

// Get returns a copy of the WorkOrder with the given id, or
// CategoryValidation if it does not exist.
func (s *Store) Get(id string) (*WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wo, ok := s.cache[id]
	if !ok {
		return nil, apperrors.Validationf("work order not found: %s", id)
	}
	cp := *wo
	return &cp, nil
}

// List returns a copy of every WorkOrder, ordered by CreatedAt ascending.
func (s *Store) List() []*WorkOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*WorkOrder, 0, len(s.cache))
	for _, wo := range s.cache {
		cp := *wo
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CountByStatus returns the number of work orders in each status.
func (s *Store) CountByStatus() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int)
	for _, wo := range s.cache {
		counts[wo.Status]++
	}
	return counts
}

// Delete removes the persisted file and cache entry for id. It is not an
// error if id does not exist.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, id)
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return apperrors.Storage("failed to delete work order file", err)
	}
	return nil
}

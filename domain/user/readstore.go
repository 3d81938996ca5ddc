package user

import (
	"context"
	"sort"
	"sync"

	"github.com/codewandler/cqrs-go/adapters/badgerstore"
)

const emailIndex = "email"

// MemoryReadStore keeps the user view in memory, for tests and examples.
type MemoryReadStore struct {
	mu      sync.RWMutex
	byID    map[string]ReadModel
	byEmail map[string]string
}

func NewMemoryReadStore() *MemoryReadStore {
	return &MemoryReadStore{
		byID:    map[string]ReadModel{},
		byEmail: map[string]string{},
	}
}

func (s *MemoryReadStore) Put(_ context.Context, m ReadModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[m.ID]; ok && old.Email != m.Email {
		delete(s.byEmail, old.Email)
	}
	s.byID[m.ID] = m
	s.byEmail[m.Email] = m.ID
	return nil
}

func (s *MemoryReadStore) Get(_ context.Context, id string) (ReadModel, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	return m, ok, nil
}

func (s *MemoryReadStore) GetByEmail(_ context.Context, email string) (ReadModel, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return ReadModel{}, false, nil
	}
	m, ok := s.byID[id]
	return m, ok, nil
}

func (s *MemoryReadStore) List(_ context.Context, limit, offset int) ([]ReadModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]ReadModel, 0, len(s.byID))
	for _, m := range s.byID {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

var _ ReadStore = (*MemoryReadStore)(nil)

// BadgerReadStore persists the user view in an embedded Badger database so it
// survives restarts together with the projection's idempotence cursor.
type BadgerReadStore struct {
	docs *badgerstore.DocStore[ReadModel]
}

func NewBadgerReadStore(store *badgerstore.Store) *BadgerReadStore {
	return &BadgerReadStore{docs: badgerstore.Docs[ReadModel](store, "users")}
}

func (s *BadgerReadStore) Put(_ context.Context, m ReadModel) error {
	return s.docs.Put(m.ID, m, map[string]string{emailIndex: m.Email})
}

func (s *BadgerReadStore) Get(_ context.Context, id string) (ReadModel, bool, error) {
	return s.docs.Get(id)
}

func (s *BadgerReadStore) GetByEmail(_ context.Context, email string) (ReadModel, bool, error) {
	return s.docs.GetByIndex(emailIndex, email)
}

func (s *BadgerReadStore) List(_ context.Context, limit, offset int) ([]ReadModel, error) {
	return s.docs.List(limit, offset)
}

var _ ReadStore = (*BadgerReadStore)(nil)

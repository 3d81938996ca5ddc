package user

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/codewandler/cqrs-go/core/cache"
)

const (
	idKeyPrefix    = "id:"
	emailKeyPrefix = "email:"
)

// CachedReadStore wraps a ReadStore with an LRU+TTL cache. Projection writes
// go through it, so the cache follows the view; lookups of hot users are
// deduplicated with singleflight. Entries expire after the TTL, which bounds
// staleness when another process owns the projection.
type CachedReadStore struct {
	inner ReadStore
	cache cache.TypedCache[ReadModel]
	ttl   time.Duration
	group singleflight.Group
}

func NewCachedReadStore(inner ReadStore, size int, ttl time.Duration) *CachedReadStore {
	return &CachedReadStore{
		inner: inner,
		cache: cache.NewTyped[ReadModel](cache.NewLRU(cache.LRUOpts{Size: size})),
		ttl:   ttl,
	}
}

func (s *CachedReadStore) Put(ctx context.Context, m ReadModel) error {
	// the previous address must come from the store when the id entry was
	// evicted; its email key may still be cached and has to go on a change
	old, hadOld := s.cache.Get(idKeyPrefix + m.ID)
	if !hadOld {
		prev, found, err := s.inner.Get(ctx, m.ID)
		if err != nil {
			return err
		}
		old, hadOld = prev, found
	}

	if err := s.inner.Put(ctx, m); err != nil {
		return err
	}

	if hadOld && old.Email != m.Email {
		s.cache.Delete(emailKeyPrefix + old.Email)
	}
	s.cache.Put(idKeyPrefix+m.ID, m, cache.WithTTL(s.ttl))
	s.cache.Put(emailKeyPrefix+m.Email, m, cache.WithTTL(s.ttl))
	return nil
}

func (s *CachedReadStore) Get(ctx context.Context, id string) (ReadModel, bool, error) {
	return s.lookup(idKeyPrefix+id, func() (ReadModel, bool, error) {
		return s.inner.Get(ctx, id)
	})
}

func (s *CachedReadStore) GetByEmail(ctx context.Context, email string) (ReadModel, bool, error) {
	return s.lookup(emailKeyPrefix+email, func() (ReadModel, bool, error) {
		return s.inner.GetByEmail(ctx, email)
	})
}

// List always hits the underlying store; listings are not worth caching.
func (s *CachedReadStore) List(ctx context.Context, limit, offset int) ([]ReadModel, error) {
	return s.inner.List(ctx, limit, offset)
}

type lookupResult struct {
	m     ReadModel
	found bool
}

func (s *CachedReadStore) lookup(key string, load func() (ReadModel, bool, error)) (ReadModel, bool, error) {
	if m, ok := s.cache.Get(key); ok {
		return m, true, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		m, found, err := load()
		if err != nil {
			return nil, err
		}
		if found {
			s.cache.Put(key, m, cache.WithTTL(s.ttl))
		}
		return lookupResult{m: m, found: found}, nil
	})
	if err != nil {
		return ReadModel{}, false, err
	}
	res := v.(lookupResult)
	return res.m, res.found, nil
}

var _ ReadStore = (*CachedReadStore)(nil)

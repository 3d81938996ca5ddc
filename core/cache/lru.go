package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	Size int
}

type entry struct {
	key       string
	val       any
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// LRU is an in-memory cache with least-recently-used eviction and lazy TTL
// expiry. Safe for concurrent use.
type LRU struct {
	mu      sync.Mutex
	size    int
	order   *list.List
	entries map[string]*list.Element
	now     func() time.Time
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}
	return &LRU{
		size:    opts.Size,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ele, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	e := ele.Value.(*entry)
	if e.expired(l.now()) {
		l.remove(ele)
		return nil, false
	}
	l.order.MoveToFront(ele)
	return e.val, true
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	var options PutOptions
	for _, opt := range opts {
		opt(&options)
	}

	var expiresAt time.Time
	if options.TTL > 0 {
		expiresAt = l.now().Add(options.TTL)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ele, ok := l.entries[key]; ok {
		l.order.MoveToFront(ele)
		e := ele.Value.(*entry)
		e.val = val
		e.expiresAt = expiresAt
		return
	}

	ele := l.order.PushFront(&entry{key: key, val: val, expiresAt: expiresAt})
	l.entries[key] = ele
	if l.order.Len() > l.size {
		if last := l.order.Back(); last != nil {
			l.remove(last)
		}
	}
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ele, ok := l.entries[key]; ok {
		l.remove(ele)
	}
}

// remove expects l.mu held.
func (l *LRU) remove(ele *list.Element) {
	l.order.Remove(ele)
	delete(l.entries, ele.Value.(*entry).key)
}

var _ Cache = (*LRU)(nil)

package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryConfig tunes the in-memory store.
type MemoryConfig struct {
	// MaxEntries caps rows per kind (unary and stream counted separately);
	// the least recently used row is evicted past the cap. 1024 when zero.
	MaxEntries int

	// TTL evicts rows on lookup after this age regardless of the caller's
	// max-age bound. Zero disables the store-level TTL.
	TTL time.Duration
}

// MemoryStore is a TTL+LRU in-memory Store. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	unary  *lruTable[UnaryEntry]
	stream *lruTable[StreamEntry]
	ttl    time.Duration
}

// NewMemoryStore creates an in-memory cache store.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1024
	}
	return &MemoryStore{
		unary:  newLRUTable[UnaryEntry](cfg.MaxEntries),
		stream: newLRUTable[StreamEntry](cfg.MaxEntries),
		ttl:    cfg.TTL,
	}
}

// LookupUnary implements Store.
func (s *MemoryStore) LookupUnary(ctx context.Context, fingerprint string, maxAge time.Duration) (*UnaryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.unary.get(fingerprint)
	if !ok {
		return nil, nil
	}
	if s.stale(entry.CreatedAt, maxAge) {
		s.unary.remove(fingerprint)
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

// LookupStream implements Store.
func (s *MemoryStore) LookupStream(ctx context.Context, fingerprint string, maxAge time.Duration) (*StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.stream.get(fingerprint)
	if !ok {
		return nil, nil
	}
	if s.stale(entry.CreatedAt, maxAge) {
		s.stream.remove(fingerprint)
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

// WriteUnary implements Store.
func (s *MemoryStore) WriteUnary(ctx context.Context, fingerprint string, entry *UnaryEntry) error {
	stored := *entry
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.unary.put(fingerprint, &stored)
	s.mu.Unlock()
	return nil
}

// WriteStream implements Store.
func (s *MemoryStore) WriteStream(ctx context.Context, fingerprint string, entry *StreamEntry) error {
	stored := *entry
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.stream.put(fingerprint, &stored)
	s.mu.Unlock()
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) stale(createdAt time.Time, maxAge time.Duration) bool {
	now := time.Now()
	if expired(createdAt, s.ttl, now) {
		return true
	}
	return expired(createdAt, maxAge, now)
}

// lruTable is a map with least-recently-used eviction past a fixed capacity.
type lruTable[T any] struct {
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type lruItem[T any] struct {
	key   string
	value *T
}

func newLRUTable[T any](capacity int) *lruTable[T] {
	return &lruTable[T]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (t *lruTable[T]) get(key string) (*T, bool) {
	elem, ok := t.items[key]
	if !ok {
		return nil, false
	}
	t.order.MoveToFront(elem)
	return elem.Value.(lruItem[T]).value, true
}

func (t *lruTable[T]) put(key string, value *T) {
	if elem, ok := t.items[key]; ok {
		elem.Value = lruItem[T]{key: key, value: value}
		t.order.MoveToFront(elem)
		return
	}
	t.items[key] = t.order.PushFront(lruItem[T]{key: key, value: value})
	if t.order.Len() > t.capacity {
		oldest := t.order.Back()
		t.order.Remove(oldest)
		delete(t.items, oldest.Value.(lruItem[T]).key)
	}
}

func (t *lruTable[T]) remove(key string) {
	if elem, ok := t.items[key]; ok {
		t.order.Remove(elem)
		delete(t.items, key)
	}
}

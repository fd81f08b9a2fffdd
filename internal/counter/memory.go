package counter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	list      []string
	hash      map[string]string
	expiresAt time.Time
	inserted  time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a mutex-guarded bounded in-process Store. It backs the proxy
// core whenever Redis is unreachable so counter and cache traffic degrades
// instead of failing.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	cap     int
	nowFn   func() time.Time
}

// NewMemoryStore constructs a MemoryStore holding at most cap entries.
func NewMemoryStore(cap int) *MemoryStore {
	if cap <= 0 {
		cap = 4096
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		cap:     cap,
		nowFn:   time.Now,
	}
}

// get returns a live entry, dropping it when expired. Caller holds the lock.
func (s *MemoryStore) get(key string, now time.Time) *memoryEntry {
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	if entry.expired(now) {
		delete(s.entries, key)
		return nil
	}
	return entry
}

// put inserts an entry, evicting expired entries first and then the oldest
// insertion when the store is full. Caller holds the lock.
func (s *MemoryStore) put(key string, entry *memoryEntry, now time.Time) {
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.cap {
		for k, e := range s.entries {
			if e.expired(now) {
				delete(s.entries, k)
			}
		}
		for len(s.entries) >= s.cap {
			oldestKey := ""
			var oldest time.Time
			for k, e := range s.entries {
				if oldestKey == "" || e.inserted.Before(oldest) {
					oldestKey = k
					oldest = e.inserted
				}
			}
			delete(s.entries, oldestKey)
		}
	}
	s.entries[key] = entry
}

// Get retrieves a string value.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.get(key, now)
	if entry == nil {
		return "", ErrNotFound
	}
	return entry.value, nil
}

// Set stores a string value with an optional TTL.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	now := s.nowFn()
	entry := &memoryEntry{value: value, inserted: now}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	s.mu.Lock()
	s.put(key, entry, now)
	s.mu.Unlock()
	return nil
}

// IncrByFloat atomically increments a float counter.
func (s *MemoryStore) IncrByFloat(_ context.Context, key string, delta float64) (float64, error) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.get(key, now)
	if entry == nil {
		entry = &memoryEntry{inserted: now}
		s.put(key, entry, now)
	}
	current, _ := strconv.ParseFloat(entry.value, 64)
	current += delta
	entry.value = strconv.FormatFloat(current, 'f', -1, 64)
	return current, nil
}

// Expire arms a TTL on an existing key.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.get(key, now)
	if entry == nil {
		return nil
	}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	} else {
		entry.expiresAt = time.Time{}
	}
	return nil
}

// SetNX stores a value only when the key does not exist yet.
func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.get(key, now) != nil {
		return false, nil
	}
	entry := &memoryEntry{value: value, inserted: now}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	s.put(key, entry, now)
	return true, nil
}

// LPush prepends values to a list.
func (s *MemoryStore) LPush(_ context.Context, key string, values ...string) error {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.get(key, now)
	if entry == nil {
		entry = &memoryEntry{inserted: now}
		s.put(key, entry, now)
	}
	for _, v := range values {
		entry.list = append([]string{v}, entry.list...)
	}
	return nil
}

// LRange returns a slice of a list using Redis range semantics.
func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.get(key, now)
	if entry == nil {
		return nil, nil
	}
	length := int64(len(entry.list))
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop || length == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, entry.list[start:stop+1])
	return out, nil
}

// LTrim truncates a list to the given range.
func (s *MemoryStore) LTrim(_ context.Context, key string, start, stop int64) error {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.get(key, now)
	if entry == nil {
		return nil
	}
	length := int64(len(entry.list))
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop || length == 0 {
		entry.list = nil
		return nil
	}
	entry.list = entry.list[start : stop+1]
	return nil
}

// HIncrBy atomically increments an integer hash field.
func (s *MemoryStore) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.get(key, now)
	if entry == nil {
		entry = &memoryEntry{inserted: now}
		s.put(key, entry, now)
	}
	if entry.hash == nil {
		entry.hash = make(map[string]string)
	}
	current, _ := strconv.ParseInt(entry.hash[field], 10, 64)
	current += delta
	entry.hash[field] = strconv.FormatInt(current, 10)
	return current, nil
}

// HIncrByFloat atomically increments a float hash field.
func (s *MemoryStore) HIncrByFloat(_ context.Context, key, field string, delta float64) (float64, error) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.get(key, now)
	if entry == nil {
		entry = &memoryEntry{inserted: now}
		s.put(key, entry, now)
	}
	if entry.hash == nil {
		entry.hash = make(map[string]string)
	}
	current, _ := strconv.ParseFloat(entry.hash[field], 64)
	current += delta
	entry.hash[field] = strconv.FormatFloat(current, 'f', -1, 64)
	return current, nil
}

// HGetAll returns a copy of all fields of a hash.
func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.get(key, now)
	if entry == nil || entry.hash == nil {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(entry.hash))
	for k, v := range entry.hash {
		out[k] = v
	}
	return out, nil
}

// Scan returns live keys matching a glob pattern with a single trailing `*`.
func (s *MemoryStore) Scan(_ context.Context, match string) ([]string, error) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, entry := range s.entries {
		if entry.expired(now) {
			continue
		}
		if matchGlob(match, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Del removes keys.
func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, for tests and introspection.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func matchGlob(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

// String renders a short diagnostic summary.
func (s *MemoryStore) String() string {
	return fmt.Sprintf("memory-store(entries=%d cap=%d)", s.Len(), s.cap)
}

package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Getter is the subset of the memcache client memoization needs.
type Getter interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
}

// Memoizer caches expensive computed strings, locally and across the
// fleet. The local map answers repeat calls in-process; memcache
// shares results between processes. Memcache failures degrade to the
// local computation, never to an error.
type Memoizer struct {
	name  string
	ttl   time.Duration
	store Getter

	mu    sync.Mutex
	local map[string]localEntry
}

type localEntry struct {
	value   string
	expires time.Time
}

// NewMemoizer builds a memoizer with a namespace and expiry. A nil
// store memoizes locally only.
func NewMemoizer(name string, ttl time.Duration, store Getter) *Memoizer {
	return &Memoizer{
		name:  name,
		ttl:   ttl,
		local: make(map[string]localEntry),
		store: store,
	}
}

func (m *Memoizer) cacheKey(key string) string {
	return fmt.Sprintf("memoize.%s:%s", m.name, key)
}

// Get returns the memoized value for key, invoking compute on a miss.
func (m *Memoizer) Get(key string, compute func() (string, error)) (string, error) {
	m.mu.Lock()
	entry, ok := m.local[key]
	m.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.value, nil
	}

	cacheKey := m.cacheKey(key)
	if m.store != nil {
		if item, err := m.store.Get(cacheKey); err == nil {
			value := string(item.Value)
			m.remember(key, value)
			return value, nil
		}
	}

	value, err := compute()
	if err != nil {
		return "", err
	}
	m.remember(key, value)

	if m.store != nil {
		seconds := int32(m.ttl / time.Second)
		if seconds == 0 {
			seconds = 1
		}
		// Best effort: the local cache already has it.
		_ = m.store.Set(&memcache.Item{
			Key:        cacheKey,
			Value:      []byte(value),
			Expiration: seconds,
		})
	}
	return value, nil
}

func (m *Memoizer) remember(key, value string) {
	m.mu.Lock()
	m.local[key] = localEntry{value: value, expires: time.Now().Add(m.ttl)}
	m.mu.Unlock()
}

// Forget drops a key from the local cache. The memcache copy falls out
// on its own expiry.
func (m *Memoizer) Forget(key string) {
	m.mu.Lock()
	delete(m.local, key)
	m.mu.Unlock()
}

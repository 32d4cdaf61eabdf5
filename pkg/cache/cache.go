// Package cache wraps the shared memcache fleet: lazy client access,
// best-effort flushes, Add-based locks, and distributed memoization.
package cache

import (
	"fmt"
	"log"
	"sync"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/Sendhub/sh-util/pkg/settings"
)

var (
	clientMu     sync.Mutex
	sharedClient *memcache.Client
)

// Client lazily returns the shared memcache client.
func Client(cfg *settings.Settings) (*memcache.Client, error) {
	clientMu.Lock()
	defer clientMu.Unlock()
	if sharedClient != nil {
		return sharedClient, nil
	}
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	sharedClient = c
	return sharedClient, nil
}

// NewClient always builds a fresh client, replacing the shared one.
func NewClient(cfg *settings.Settings) (*memcache.Client, error) {
	clientMu.Lock()
	defer clientMu.Unlock()
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	sharedClient = c
	return sharedClient, nil
}

func newClient(cfg *settings.Settings) (*memcache.Client, error) {
	if len(cfg.MemcacheServers) == 0 {
		return nil, fmt.Errorf("no memcache servers configured")
	}
	log.Printf("[MEMCACHE] getting new memcache client connection, servers=%v", cfg.MemcacheServers)
	return memcache.New(cfg.MemcacheServers...), nil
}

// Flusher exposes the flush operation migration code invalidates shard
// maps with.
type Flusher struct {
	cfg *settings.Settings
}

// NewFlusher binds a Flusher to the given settings.
func NewFlusher(cfg *settings.Settings) *Flusher {
	return &Flusher{cfg: cfg}
}

// AttemptFlush flushes the whole memcache fleet. Failures are logged
// and swallowed; a stale cache is preferable to a failed migration.
func (f *Flusher) AttemptFlush() {
	log.Printf("[MEMCACHE] attempting to flush all")
	c, err := Client(f.cfg)
	if err != nil {
		log.Printf("[MEMCACHE] flush failed, %v", err)
		return
	}
	if err := c.FlushAll(); err != nil {
		log.Printf("[MEMCACHE] flush failed, %v", err)
		return
	}
	log.Printf("[MEMCACHE] flush completed")
}

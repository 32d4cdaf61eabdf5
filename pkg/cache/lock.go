package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Store is the subset of the memcache client the lock needs. Tests use
// an in-memory implementation.
type Store interface {
	Add(item *memcache.Item) error
	Touch(key string, seconds int32) error
	Delete(key string) error
}

// Lock implements coarse distributed locks on memcache. Add is atomic
// across the fleet, so whoever lands the key holds the lock until it
// expires or is released.
type Lock struct {
	store Store
}

// NewLock binds a Lock helper to a memcache client.
func NewLock(store Store) *Lock {
	return &Lock{store: store}
}

// Acquire attempts to take the named lock. Returns true when the lock
// was taken. The timeout must be positive so an abandoned lock can
// never deadlock its successors.
func (l *Lock) Acquire(lockID string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		return false, fmt.Errorf("lock timeout must be greater than 0")
	}
	seconds := int32(timeout / time.Second)
	if seconds == 0 {
		seconds = 1
	}

	err := l.store.Add(&memcache.Item{
		Key:        lockID,
		Value:      []byte("true"),
		Expiration: seconds,
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, memcache.ErrNotStored) {
		// Lost the race. Re-touch the expiry so a holder that died
		// before its TTL was set cannot leave the key stuck forever.
		if touchErr := l.store.Touch(lockID, seconds); touchErr != nil &&
			!errors.Is(touchErr, memcache.ErrCacheMiss) {
			return false, touchErr
		}
		return false, nil
	}
	return false, err
}

// Release drops the named lock. Releasing an unheld lock is not an
// error.
func (l *Lock) Release(lockID string) error {
	err := l.store.Delete(lockID)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

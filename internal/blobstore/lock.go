package blobstore

import (
	"fmt"
	"sync"
	"time"
)

// defaultLockLease bounds how long a lock outlives a holder that died
// without releasing it. Holders renew at a third of the lease.
const defaultLockLease = 30 * time.Second

// lockLease is the record a durable store keeps for a held key.
type lockLease struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

func lockedUntil(name string, expires time.Time) error {
	return fmt.Errorf("%w: %s held until %s", ErrLocked, name, expires.UTC().Format(time.RFC3339))
}

// holdLease calls renew every period until the returned func is called,
// which stops renewing and runs release once.
func holdLease(period time.Duration, renew, release func() error) func() error {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = renew()
			}
		}
	}()

	var (
		once sync.Once
		err  error
	)
	return func() error {
		once.Do(func() {
			close(stop)
			<-done
			err = release()
		})
		return err
	}
}

// lockTable tracks keys held inside one process.
type lockTable struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]bool)}
}

func (t *lockTable) acquire(name string) (func() error, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held[name] {
		return nil, fmt.Errorf("%w: %s", ErrLocked, name)
	}
	t.held[name] = true

	var once sync.Once
	return func() error {
		once.Do(func() {
			t.mu.Lock()
			delete(t.held, name)
			t.mu.Unlock()
		})
		return nil
	}, nil
}

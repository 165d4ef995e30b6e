package engine

import (
	"sync"
	"time"
)

// Dedup holds short-lived locks keyed by request digest. A lock that is
// never released expires after TTL.
type Dedup struct {
	TTL time.Duration
	Now func() time.Time

	mu   sync.Mutex
	held map[string]time.Time
}

func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{TTL: ttl, held: map[string]time.Time{}}
}

func (d *Dedup) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Acquire takes the lock for key. It returns false while another holder
// has it.
func (d *Dedup) Acquire(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held == nil {
		d.held = map[string]time.Time{}
	}
	now := d.now()
	if exp, ok := d.held[key]; ok && now.Before(exp) {
		return false
	}
	d.held[key] = now.Add(d.TTL)
	return true
}

func (d *Dedup) Release(key string) {
	d.mu.Lock()
	delete(d.held, key)
	d.mu.Unlock()
}

// Held reports the number of live locks.
func (d *Dedup) Held() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	n := 0
	for k, exp := range d.held {
		if now.Before(exp) {
			n++
		} else {
			delete(d.held, k)
		}
	}
	return n
}

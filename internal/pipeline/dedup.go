package pipeline

import "sync"

// DefaultDedupCapacity bounds the in-memory message-id window.
const DefaultDedupCapacity = 4000

// Dedup is a bounded message-id filter with FIFO eviction. Correctness is
// at-most-once within the window; the platform adapter persists offsets for
// anything stronger.
type Dedup struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

// NewDedup creates a filter holding up to capacity ids. A non-positive
// capacity falls back to the default.
func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &Dedup{
		seen: make(map[string]struct{}, capacity),
		cap:  capacity,
	}
}

// Fresh reports whether id is being observed for the first time within the
// window, recording it as seen.
func (d *Dedup) Fresh(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return false
	}
	if len(d.order) >= d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	return true
}

// Len returns the number of ids currently tracked.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

package pipeline

import (
	"fmt"
	"sync"
	"testing"
)

func TestDedupFirstObservationOnly(t *testing.T) {
	d := NewDedup(10)

	if !d.Fresh("m1") {
		t.Error("first observation must be fresh")
	}
	if d.Fresh("m1") {
		t.Error("second observation must not be fresh")
	}
	if !d.Fresh("m2") {
		t.Error("distinct id must be fresh")
	}
}

func TestDedupEvictsOldestAtCapacity(t *testing.T) {
	d := NewDedup(3)

	for _, id := range []string{"a", "b", "c"} {
		d.Fresh(id)
	}
	d.Fresh("d") // evicts "a"

	if d.Fresh("b") || d.Fresh("c") || d.Fresh("d") {
		t.Error("ids inside the window must stay seen")
	}
	if !d.Fresh("a") {
		t.Error("evicted id must be fresh again")
	}
	if d.Len() != 3 {
		t.Errorf("Len = %d, want 3", d.Len())
	}
}

func TestDedupExactlyOncePerWindow(t *testing.T) {
	d := NewDedup(DefaultDedupCapacity)
	for i := 0; i < DefaultDedupCapacity; i++ {
		id := fmt.Sprintf("m%d", i)
		if !d.Fresh(id) {
			t.Fatalf("id %s should be fresh on first observation", id)
		}
		if d.Fresh(id) {
			t.Fatalf("id %s should not be fresh twice", id)
		}
	}
}

func TestDedupConcurrentSameID(t *testing.T) {
	d := NewDedup(100)
	const workers = 32

	var wg sync.WaitGroup
	fresh := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh <- d.Fresh("shared")
		}()
	}
	wg.Wait()
	close(fresh)

	count := 0
	for f := range fresh {
		if f {
			count++
		}
	}
	if count != 1 {
		t.Errorf("exactly one concurrent observer must see fresh, got %d", count)
	}
}

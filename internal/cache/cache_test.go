package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, time.Minute)

	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("expected miss on empty cache")
	}
	if err := m.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	v, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Errorf("Get = %q, %v, %v", v, ok, err)
	}
	hits, misses := m.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("stats = %d hits, %d misses", hits, misses)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, time.Minute)
	base := time.Now()
	m.now = func() time.Time { return base }

	if err := m.Set(ctx, "k", []byte("v"), 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Fatal("expected hit before expiry")
	}

	m.now = func() time.Time { return base.Add(11 * time.Second) }
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("expected miss after expiry")
	}
}

func TestMemoryEvictsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2, time.Minute)
	base := time.Now()
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	_ = m.Set(ctx, "a", []byte("1"), time.Minute)
	_ = m.Set(ctx, "b", []byte("2"), time.Minute)
	_ = m.Set(ctx, "c", []byte("3"), time.Minute)

	if m.Len() != 2 {
		t.Fatalf("len = %d, want 2", m.Len())
	}
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok, _ := m.Get(ctx, "c"); !ok {
		t.Error("newest entry missing")
	}
}

func TestMemoryPrune(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, time.Minute)
	base := time.Now()
	m.now = func() time.Time { return base }

	_ = m.Set(ctx, "old", []byte("1"), time.Second)
	_ = m.Set(ctx, "new", []byte("2"), time.Hour)

	m.now = func() time.Time { return base.Add(time.Minute) }
	removed, err := m.Prune(ctx)
	if err != nil || removed != 1 {
		t.Errorf("Prune = %d, %v", removed, err)
	}
	if m.Len() != 1 {
		t.Errorf("len after prune = %d", m.Len())
	}
}

func TestGroupSharesResult(t *testing.T) {
	var g Group[string, int]
	var calls atomic.Int32
	gate := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 10)
	shared := make([]bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err, sh := g.Do("key", func() (int, error) {
				calls.Add(1)
				<-gate
				return 42, nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = v
			shared[i] = sh
		}(i)
	}

	// Let every goroutine reach Do before releasing the one execution.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("fn ran %d times, want 1", got)
	}
	sharedCount := 0
	for i, v := range results {
		if v != 42 {
			t.Errorf("result[%d] = %d", i, v)
		}
		if shared[i] {
			sharedCount++
		}
	}
	if sharedCount < 9 {
		t.Errorf("shared count = %d, want at least 9", sharedCount)
	}
}

func TestLoaderGetOrLoadSingleExecution(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(NewMemory(10, time.Minute))
	var loads atomic.Int32

	load := func(context.Context) ([]byte, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte("result"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := l.GetOrLoad(ctx, "digest", time.Minute, load)
			if err != nil || string(v) != "result" {
				t.Errorf("GetOrLoad = %q, %v", v, err)
			}
		}()
	}
	wg.Wait()

	if got := loads.Load(); got != 1 {
		t.Fatalf("loader ran %d times, want 1", got)
	}

	// Within TTL the next call is a plain cache hit.
	v, hit, err := l.GetOrLoad(ctx, "digest", time.Minute, load)
	if err != nil || !hit || string(v) != "result" {
		t.Errorf("cached GetOrLoad = %q, hit=%v, %v", v, hit, err)
	}
	if got := loads.Load(); got != 1 {
		t.Errorf("loader ran %d times after cached call", got)
	}
}

func TestLoaderDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(NewMemory(10, time.Minute))
	var loads atomic.Int32

	failing := func(context.Context) ([]byte, error) {
		loads.Add(1)
		return nil, context.DeadlineExceeded
	}
	if _, _, err := l.GetOrLoad(ctx, "k", time.Minute, failing); err == nil {
		t.Fatal("expected error")
	}
	if _, _, err := l.GetOrLoad(ctx, "k", time.Minute, failing); err == nil {
		t.Fatal("expected error on second call")
	}
	if got := loads.Load(); got != 2 {
		t.Errorf("failing loader ran %d times, want 2 (errors are not cached)", got)
	}
}

package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type storeFactory struct {
	name string
	new  func(t *testing.T) (Store, func())
}

// TestStoreContract runs the same assertions against every backend. The
// windows are long enough that wall-clock progress during the test does not
// move any boundary.
func TestStoreContract(t *testing.T) {
	factories := []storeFactory{
		{
			name: "memory",
			new: func(t *testing.T) (Store, func()) {
				t.Helper()
				s, err := NewMemoryStore(&MemoryConfig{CleanupInterval: time.Minute})
				if err != nil {
					t.Fatalf("NewMemoryStore() error = %v", err)
				}
				return s, func() { _ = s.Close() }
			},
		},
		{
			name: "miniredis",
			new: func(t *testing.T) (Store, func()) {
				t.Helper()
				m := miniredis.RunT(t)
				s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: m.Addr()}), "contract:")
				return s, func() { _ = s.Close() }
			},
		},
		{
			name: "redis",
			new: func(t *testing.T) (Store, func()) {
				t.Helper()
				return newRedisContainerStoreForTest(t)
			},
		},
	}

	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			s, cleanup := f.new(t)
			defer cleanup()

			contractAllowDeny(t, s)
			contractKeyIsolation(t, s)
			contractReset(t, s)
			contractConcurrency(t, s)
		})
	}
}

func contractAllowDeny(t *testing.T, s Store) {
	t.Helper()
	w := Window{Size: time.Hour, Limit: 2}
	ops := map[string]func(context.Context, string, Window) (Counter, error){
		"fixed":   s.Increment,
		"sliding": s.Slide,
		"token":   s.Take,
	}

	for name, op := range ops {
		key := "contract-allow-deny-" + name
		for i := 0; i < w.Limit; i++ {
			c, err := op(context.Background(), key, w)
			if err != nil {
				t.Fatalf("%s: error = %v", name, err)
			}
			if !c.Allowed {
				t.Fatalf("%s: request %d should be allowed", name, i+1)
			}
			if c.Remaining != w.Limit-i-1 {
				t.Fatalf("%s: remaining = %d, want %d", name, c.Remaining, w.Limit-i-1)
			}
		}
		c, err := op(context.Background(), key, w)
		if err != nil {
			t.Fatalf("%s: error = %v", name, err)
		}
		if c.Allowed {
			t.Fatalf("%s: request over limit should be denied", name)
		}
		if c.RetryAfter <= 0 {
			t.Fatalf("%s: retry after = %v, want positive", name, c.RetryAfter)
		}

		rec, ok, err := s.Peek(context.Background(), key)
		if err != nil || !ok {
			t.Fatalf("%s: Peek() = %v, %v", name, ok, err)
		}
		if rec.Count != 3 {
			t.Fatalf("%s: count = %d, want 3", name, rec.Count)
		}
	}
}

func contractKeyIsolation(t *testing.T, s Store) {
	t.Helper()
	w := Window{Size: time.Hour, Limit: 1}

	if _, err := s.Increment(context.Background(), "contract-key-a", w); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	c, err := s.Increment(context.Background(), "contract-key-a", w)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if c.Allowed {
		t.Fatal("key-a second request should be denied")
	}

	c, err = s.Increment(context.Background(), "contract-key-b", w)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if !c.Allowed {
		t.Fatal("key-b should be isolated and allowed")
	}
}

func contractReset(t *testing.T, s Store) {
	t.Helper()
	w := Window{Size: time.Hour, Limit: 1}
	for _, key := range []string{"reset:a", "reset:b", "keep:a"} {
		if _, err := s.Increment(context.Background(), key, w); err != nil {
			t.Fatalf("Increment(%s) error = %v", key, err)
		}
	}

	if err := s.Reset(context.Background(), "keep:a"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	c, err := s.Increment(context.Background(), "keep:a", w)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if !c.Allowed || c.Count != 1 {
		t.Fatalf("after reset got allowed=%v count=%d, want fresh record", c.Allowed, c.Count)
	}

	n, err := s.ResetAll(context.Background(), "reset:")
	if err != nil {
		t.Fatalf("ResetAll() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("ResetAll() removed %d, want 2", n)
	}

	var left int
	if err := s.Scan(context.Background(), "reset:", func(Record) error { left++; return nil }); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if left != 0 {
		t.Fatalf("Scan() found %d records after ResetAll", left)
	}
}

func contractConcurrency(t *testing.T, s Store) {
	t.Helper()
	const limit = 20
	w := Window{Size: time.Hour, Limit: limit}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.Increment(context.Background(), "contract-race", w)
			if err == nil && c.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Fatalf("allowed = %d, want exactly %d", got, limit)
	}
}

package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/SmitUplenchwar2687/bastion/internal/clock"
)

const (
	shardCount             = 64
	defaultCleanupInterval = time.Minute
)

// MemoryConfig configures the in-process backend.
type MemoryConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Clock           clock.Clock   `yaml:"-"`
}

// MemoryStore keeps records in a sharded map. Each shard has its own mutex,
// so attempts for unrelated identifiers rarely contend. A janitor goroutine
// drops expired records.
type MemoryStore struct {
	clock           clock.Clock
	cleanupInterval time.Duration
	shards          [shardCount]*shard

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

type shard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore builds a MemoryStore and starts its janitor.
func NewMemoryStore(cfg *MemoryConfig) (*MemoryStore, error) {
	settings := MemoryConfig{CleanupInterval: defaultCleanupInterval, Clock: clock.NewReal()}
	if cfg != nil {
		if cfg.CleanupInterval != 0 {
			settings.CleanupInterval = cfg.CleanupInterval
		}
		if cfg.Clock != nil {
			settings.Clock = cfg.Clock
		}
	}
	if settings.CleanupInterval <= 0 {
		return nil, fmt.Errorf("cleanup_interval must be positive, got %s", settings.CleanupInterval)
	}

	s := &MemoryStore{
		clock:           settings.Clock,
		cleanupInterval: settings.CleanupInterval,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*Record)}
	}
	go s.cleanupLoop()
	return s, nil
}

func (s *MemoryStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%shardCount]
}

func (s *MemoryStore) Increment(ctx context.Context, key string, w Window) (Counter, error) {
	return s.apply(ctx, key, w, fixedWindow)
}

func (s *MemoryStore) Slide(ctx context.Context, key string, w Window) (Counter, error) {
	return s.apply(ctx, key, w, slidingWindow)
}

func (s *MemoryStore) Take(ctx context.Context, key string, w Window) (Counter, error) {
	return s.apply(ctx, key, w, tokenBucket)
}

func (s *MemoryStore) apply(ctx context.Context, key string, w Window, scheme func(*Record, time.Time, Window) Counter) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, unavailable("memory", err)
	}
	if err := w.validate(key); err != nil {
		return Counter{}, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.clock.Now()
	rec, ok := sh.records[key]
	if !ok || rec.expired(now) {
		rec = &Record{Key: key}
		sh.records[key] = rec
	}
	return scheme(rec, now, w), nil
}

func (s *MemoryStore) Peek(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, unavailable("memory", err)
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok || rec.expired(s.clock.Now()) {
		return Record{}, false, nil
	}
	return *rec, true, nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("memory", err)
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.records, key)
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) ResetAll(ctx context.Context, prefix string) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, unavailable("memory", err)
		}
		sh.mu.Lock()
		for key := range sh.records {
			if strings.HasPrefix(key, prefix) {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Scan copies each shard's matching records under the shard lock and calls
// fn after releasing it, so fn may call back into the store.
func (s *MemoryStore) Scan(ctx context.Context, prefix string, fn func(Record) error) error {
	var batch []Record
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return unavailable("memory", err)
		}
		now := s.clock.Now()
		batch = batch[:0]
		sh.mu.Lock()
		for key, rec := range sh.records {
			if strings.HasPrefix(key, prefix) && !rec.expired(now) {
				batch = append(batch, *rec)
			}
		}
		sh.mu.Unlock()

		for _, rec := range batch {
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of records held, including expired ones the
// janitor has not reached yet.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer func() {
		ticker.Stop()
		close(s.doneCh)
	}()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	for _, sh := range s.shards {
		now := s.clock.Now()
		sh.mu.Lock()
		for key, rec := range sh.records {
			if rec.expired(now) {
				delete(sh.records, key)
			}
		}
		sh.mu.Unlock()
	}
}

// Close stops the janitor. It is idempotent.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
	return nil
}

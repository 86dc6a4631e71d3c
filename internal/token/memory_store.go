package token

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"vncproxy/internal/clock"
	"vncproxy/internal/constants"
)

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Token
}

// MemoryStore keeps tokens in a sharded map. Reusable validations only
// take a shard read lock; writers and sweeps lock one shard at a time.
type MemoryStore struct {
	shards []*shard
	policy Policy
	clock  clock.Clock
	count  atomic.Int64
}

func NewMemoryStore(policy Policy, clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	st := &MemoryStore{
		shards: make([]*shard, constants.TokenShardCount),
		policy: policy,
		clock:  clk,
	}
	for i := range st.shards {
		st.shards[i] = &shard{entries: make(map[string]*Token)}
	}
	return st
}

func (st *MemoryStore) shardFor(value string) *shard {
	return st.shards[xxhash.Sum64String(value)%uint64(len(st.shards))]
}

func (st *MemoryStore) Register(_ context.Context, t Token) error {
	now := st.clock.Now()
	if err := normalize(&t, now); err != nil {
		return err
	}

	sh := st.shardFor(t.Value)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if prev, ok := sh.entries[t.Value]; ok {
		if prev.ValidAt(now) {
			return ErrDuplicateToken
		}
	} else {
		st.count.Add(1)
	}
	sh.entries[t.Value] = &t

	log.Printf("🔑 Token registered: %s -> %s (ttl %s)", Fingerprint(t.Value), t.Target, t.TTL)
	return nil
}

func (st *MemoryStore) ValidateAndConsume(_ context.Context, value string) (Descriptor, error) {
	if value == "" {
		return Descriptor{}, ErrTokenNotFound
	}
	sh := st.shardFor(value)

	if st.policy == SingleUse {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		t, err := st.checkLocked(sh, value)
		if err != nil {
			return Descriptor{}, err
		}
		delete(sh.entries, value)
		st.count.Add(-1)
		return t.descriptor(), nil
	}

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	t, err := st.checkLocked(sh, value)
	if err != nil {
		return Descriptor{}, err
	}
	return t.descriptor(), nil
}

func (st *MemoryStore) checkLocked(sh *shard, value string) (*Token, error) {
	t, ok := sh.entries[value]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if !t.ValidAt(st.clock.Now()) {
		return nil, ErrTokenExpired
	}
	return t, nil
}

func (st *MemoryStore) Revoke(_ context.Context, value string) error {
	sh := st.shardFor(value)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.entries[value]; !ok {
		return ErrTokenNotFound
	}
	delete(sh.entries, value)
	st.count.Add(-1)
	log.Printf("🗑 Token revoked: %s", Fingerprint(value))
	return nil
}

func (st *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for _, sh := range st.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh.mu.Lock()
		for value, t := range sh.entries {
			if !t.ValidAt(now) {
				delete(sh.entries, value)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	st.count.Add(int64(-removed))
	return removed, nil
}

func (st *MemoryStore) Len() int {
	return int(st.count.Load())
}

func (st *MemoryStore) Close() error {
	for _, sh := range st.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*Token)
		sh.mu.Unlock()
	}
	st.count.Store(0)
	return nil
}

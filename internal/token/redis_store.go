package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"vncproxy/internal/clock"
	"vncproxy/internal/constants"
)

// tokenRecord is the JSON stored under each key. The bearer value itself
// is never written; keys are derived from its SHA-256.
type tokenRecord struct {
	Target     Target            `json:"target"`
	InstanceID string            `json:"instance_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	IssuedAt   time.Time         `json:"issued_at"`
	TTL        time.Duration     `json:"ttl"`
	// ExpiresAtMs is IssuedAt+TTL rounded up to the millisecond, read by
	// the Lua scripts.
	ExpiresAtMs int64 `json:"expires_at_ms"`
}

// registerScript stores ARGV[1] unless the current entry is still valid at
// ARGV[2] (unix ms). Returns 1 when stored.
var registerScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local rec = cjson.decode(cur)
  if tonumber(rec.expires_at_ms) > tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// sweepScript deletes the key only if the entry it holds is expired at
// ARGV[1] (unix ms).
var sweepScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local ok, rec = pcall(cjson.decode, cur)
if not ok or tonumber(rec.expires_at_ms) > tonumber(ARGV[1]) then
  return 0
end
return redis.call('DEL', KEYS[1])
`)

func ceilMillis(t time.Time) int64 {
	return (t.UnixNano() + int64(time.Millisecond) - 1) / int64(time.Millisecond)
}

func (r *tokenRecord) token(value string) *Token {
	return &Token{
		Value:      value,
		Target:     r.Target,
		InstanceID: r.InstanceID,
		Metadata:   r.Metadata,
		IssuedAt:   r.IssuedAt,
		TTL:        r.TTL,
	}
}

// RedisStore shares tokens between proxy replicas. Validity is decided
// against the store's clock. Keys outlive their token by one more TTL so an
// expired token reads as expired until Sweep or Redis removes it.
type RedisStore struct {
	client *redis.Client
	policy Policy
	clock  clock.Clock
	prefix string
}

type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	// KeyPrefix defaults to constants.RedisKeyPrefix.
	KeyPrefix string
}

func NewRedisStore(ctx context.Context, opts RedisOptions, policy Policy, clk clock.Clock) (*RedisStore, error) {
	if clk == nil {
		clk = clock.Real()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	st := newRedisStoreWithClient(client, policy, clk)
	if opts.KeyPrefix != "" {
		st.prefix = opts.KeyPrefix
	}
	return st, nil
}

func newRedisStoreWithClient(client *redis.Client, policy Policy, clk clock.Clock) *RedisStore {
	return &RedisStore{
		client: client,
		policy: policy,
		clock:  clk,
		prefix: constants.RedisKeyPrefix,
	}
}

func (st *RedisStore) key(value string) string {
	return st.prefix + HashSHA256(value)
}

func (st *RedisStore) keyTTL(t *Token, now time.Time) time.Duration {
	ttl := t.ExpiresAt().Sub(now) + t.TTL
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (st *RedisStore) Register(ctx context.Context, t Token) error {
	now := st.clock.Now()
	if err := normalize(&t, now); err != nil {
		return err
	}
	data, err := json.Marshal(tokenRecord{
		Target:      t.Target,
		InstanceID:  t.InstanceID,
		Metadata:    t.Metadata,
		IssuedAt:    t.IssuedAt,
		TTL:         t.TTL,
		ExpiresAtMs: ceilMillis(t.ExpiresAt()),
	})
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	stored, err := registerScript.Run(ctx, st.client, []string{st.key(t.Value)},
		data, now.UnixMilli(), st.keyTTL(&t, now).Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis register: %w", err)
	}
	if stored == 0 {
		return ErrDuplicateToken
	}

	log.Printf("🔑 Token registered (Redis): %s -> %s (ttl %s)", Fingerprint(t.Value), t.Target, t.TTL)
	return nil
}

func (st *RedisStore) load(ctx context.Context, key, value string) (*Token, error) {
	data, err := st.client.Get(ctx, key).Bytes()
	return st.decode(data, err, value)
}

func (st *RedisStore) decode(data []byte, err error, value string) (*Token, error) {
	if errors.Is(err, redis.Nil) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rec tokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return rec.token(value), nil
}

func (st *RedisStore) ValidateAndConsume(ctx context.Context, value string) (Descriptor, error) {
	if value == "" {
		return Descriptor{}, ErrTokenNotFound
	}
	key := st.key(value)

	var t *Token
	var err error
	if st.policy == SingleUse {
		data, getErr := st.client.GetDel(ctx, key).Bytes()
		t, err = st.decode(data, getErr, value)
	} else {
		t, err = st.load(ctx, key, value)
	}
	if err != nil {
		return Descriptor{}, err
	}
	if !t.ValidAt(st.clock.Now()) {
		return Descriptor{}, ErrTokenExpired
	}
	return t.descriptor(), nil
}

func (st *RedisStore) Revoke(ctx context.Context, value string) error {
	n, err := st.client.Del(ctx, st.key(value)).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	log.Printf("🗑 Token revoked (Redis): %s", Fingerprint(value))
	return nil
}

func (st *RedisStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	iter := st.client.Scan(ctx, 0, st.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := sweepScript.Run(ctx, st.client, []string{iter.Val()}, now.UnixMilli()).Int()
		if err != nil {
			return removed, fmt.Errorf("redis sweep: %w", err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan: %w", err)
	}
	return removed, nil
}

func (st *RedisStore) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	count := 0
	iter := st.client.Scan(ctx, 0, st.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count
}

func (st *RedisStore) Close() error {
	return st.client.Close()
}

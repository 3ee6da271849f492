package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"stockwatch/internal/models"
)

// ErrInFlight means an earlier call for the same idempotency key has not
// finished yet. It is retryable.
var ErrInFlight = errors.New("earlier delivery still in flight")

// ClaimState is what a DedupStore knew about a key when it was claimed.
type ClaimState int

const (
	// Claimed means the caller now holds the key and must deliver.
	Claimed ClaimState = iota
	// InFlight means another call holds the key and has not completed.
	InFlight
	// Delivered means the key was already delivered.
	Delivered
)

// DedupStore tracks idempotency keys through in-flight and delivered.
type DedupStore interface {
	// Claim marks key in flight for ttl unless it is already held.
	Claim(ctx context.Context, key string, ttl time.Duration) (ClaimState, error)
	// Complete marks a claimed key delivered for ttl.
	Complete(ctx context.Context, key string, ttl time.Duration) error
	// Release forgets key so a later attempt can deliver it.
	Release(ctx context.Context, key string) error
}

type dedupEntry struct {
	expires   time.Time
	delivered bool
}

// MemoryDedup is a process-local DedupStore.
type MemoryDedup struct {
	mu   sync.Mutex
	keys map[string]dedupEntry
	now  func() time.Time
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{keys: make(map[string]dedupEntry), now: time.Now}
}

func (m *MemoryDedup) Claim(_ context.Context, key string, ttl time.Duration) (ClaimState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, e := range m.keys {
		if !now.Before(e.expires) {
			delete(m.keys, k)
		}
	}
	if e, held := m.keys[key]; held {
		if e.delivered {
			return Delivered, nil
		}
		return InFlight, nil
	}
	m.keys[key] = dedupEntry{expires: now.Add(ttl)}
	return Claimed, nil
}

func (m *MemoryDedup) Complete(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	m.keys[key] = dedupEntry{expires: m.now().Add(ttl), delivered: true}
	m.mu.Unlock()
	return nil
}

func (m *MemoryDedup) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
	return nil
}

const (
	redisInFlight  = "inflight"
	redisDelivered = "delivered"
)

// RedisDedup shares key state between instances. Claims use SET NX.
type RedisDedup struct {
	client *redis.Client
}

func NewRedisDedup(client *redis.Client) *RedisDedup {
	return &RedisDedup{client: client}
}

func redisKey(key string) string { return "stockwatch:dedup:" + key }

func (r *RedisDedup) Claim(ctx context.Context, key string, ttl time.Duration) (ClaimState, error) {
	ok, err := r.client.SetNX(ctx, redisKey(key), redisInFlight, ttl).Result()
	if err != nil {
		return 0, err
	}
	if ok {
		return Claimed, nil
	}
	val, err := r.client.Get(ctx, redisKey(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired or released between the two calls.
		return r.Claim(ctx, key, ttl)
	case err != nil:
		return 0, err
	case val == redisDelivered:
		return Delivered, nil
	default:
		return InFlight, nil
	}
}

func (r *RedisDedup) Complete(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Set(ctx, redisKey(key), redisDelivered, ttl).Err()
}

func (r *RedisDedup) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisKey(key)).Err()
}

// dedupChannel skips messages whose idempotency key this channel already
// delivered.
type dedupChannel struct {
	Channel
	store DedupStore
	ttl   time.Duration
}

// WithDedup wraps ch with an idempotency guard. A zero ttl uses 24h.
func WithDedup(ch Channel, store DedupStore, ttl time.Duration) Channel {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &dedupChannel{Channel: ch, store: store, ttl: ttl}
}

// Send delivers msg unless its key was delivered before. A key still held
// by an unfinished call fails with ErrInFlight so the caller retries later
// instead of counting it as delivered.
func (d *dedupChannel) Send(ctx context.Context, msg models.AlertMessage) (models.Ack, error) {
	key := d.ID() + ":" + msg.IdempotencyKey
	state, err := d.store.Claim(ctx, key, d.ttl)
	if err != nil {
		return models.Ack{}, deliveryError(d.ID(), fmt.Errorf("dedup claim: %w", err))
	}
	switch state {
	case Delivered:
		return models.Ack{ChannelID: d.ID(), Duplicate: true}, nil
	case InFlight:
		return models.Ack{}, deliveryError(d.ID(), ErrInFlight)
	}

	// The call may outlive ctx, so the store is updated with a detached one.
	storeCtx := context.WithoutCancel(ctx)
	ack, err := d.Channel.Send(ctx, msg)
	if err != nil {
		_ = d.store.Release(storeCtx, key)
		return models.Ack{}, err
	}
	// The message went out; a store error must not turn it into a retry.
	_ = d.store.Complete(storeCtx, key, d.ttl)
	return ack, nil
}

// Unwrap returns the guarded channel.
func (d *dedupChannel) Unwrap() Channel { return d.Channel }

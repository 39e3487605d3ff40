package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "payment:idem:v1:"

const (
	entryInProgress = "in_progress"
	entryDone       = "done"
)

// entry is the JSON value stored per key: a reservation marker first, the
// full record once execution finishes.
type entry struct {
	State       string    `json:"state"`
	RequestHash string    `json:"request_hash"`
	StoredAt    time.Time `json:"stored_at"`
	Record      *Record   `json:"record,omitempty"`
}

// RedisStore is the production Store backed by Redis. Reservation uses
// SETNX so concurrent first arrivals for a key resolve to one winner.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore builds a Store persisting outcomes for ttl.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

func (s *RedisStore) Begin(ctx context.Context, key, requestHash string) (BeginResult, error) {
	reservation := entry{State: entryInProgress, RequestHash: requestHash, StoredAt: s.now().UTC()}
	payload, err := json.Marshal(reservation)
	if err != nil {
		return BeginResult{}, fmt.Errorf("encode reservation: %w", err)
	}

	set, err := s.client.SetNX(ctx, keyPrefix+key, payload, s.ttl).Result()
	if err != nil {
		return BeginResult{}, fmt.Errorf("reserve key: %w", err)
	}
	if set {
		return BeginResult{State: BeginReserved}, nil
	}

	existing, err := s.load(ctx, key)
	if err != nil {
		if err == redis.Nil {
			// Reservation expired between SETNX and GET; treat as retryable.
			return BeginResult{State: BeginInProgress}, nil
		}
		return BeginResult{}, err
	}

	if existing.RequestHash != requestHash {
		return BeginResult{}, ErrRequestMismatch
	}
	if existing.State == entryInProgress || existing.Record == nil {
		return BeginResult{State: BeginInProgress}, nil
	}
	return BeginResult{State: BeginCompleted, Record: *existing.Record}, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, record Record) error {
	now := s.now().UTC()
	record.Key = key
	record.StoredAt = now
	record.ExpiresAt = now.Add(s.ttl)

	payload, err := json.Marshal(entry{State: entryDone, RequestHash: record.RequestHash, StoredAt: now, Record: &record})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("persist record: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	existing, err := s.load(ctx, key)
	if err != nil {
		if err == redis.Nil {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	if existing.State != entryDone || existing.Record == nil {
		return Record{}, false, nil
	}
	return *existing.Record, true, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release key: %w", err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, key string) (entry, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		return entry{}, err
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"resalearb/domain"
)

// Redis-backed stores keep session JSON under a TTL so state survives restarts
// and is shared across api/worker pods. A sorted-set index keyed by creation
// time backs ListRecent; recency bounds come from the TTL rather than a count.

const defaultSessionTTL = 7 * 24 * time.Hour

type RedisRunStore struct {
	rdb       *redis.Client
	keyPrefix string
	indexKey  string
	ttl       time.Duration
}

func NewRedisRunStore(rdb *redis.Client, ttl time.Duration) *RedisRunStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &RedisRunStore{
		rdb:       rdb,
		keyPrefix: "arb:run:",
		indexKey:  "arb:runs:by-created",
		ttl:       ttl,
	}
}

func (s *RedisRunStore) key(id string) string { return s.keyPrefix + strings.TrimSpace(id) }

func (s *RedisRunStore) Create(run *domain.RunSession) error {
	if run == nil || strings.TrimSpace(run.ID) == "" {
		return ErrEmptyID
	}
	b, err := json.Marshal(run)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rdb.SetNX(ctx, s.key(run.ID), b, s.ttl).Err(); err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.indexKey, redis.Z{
		Score:  float64(run.CreatedAt.UnixMilli()),
		Member: run.ID,
	}).Err()
}

func (s *RedisRunStore) Get(id string) (*domain.RunSession, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var run domain.RunSession
	if err := json.Unmarshal([]byte(val), &run); err != nil {
		return nil, false, err
	}
	return &run, true, nil
}

func (s *RedisRunStore) Update(id string, fn func(r *domain.RunSession)) (*domain.RunSession, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("store: nil update fn")
	}
	key := s.key(id)

	var out *domain.RunSession
	var ok bool

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				ok = false
				out = nil
				return nil
			}
			if err != nil {
				return err
			}
			var run domain.RunSession
			if err := json.Unmarshal([]byte(val), &run); err != nil {
				return err
			}
			fn(&run)
			out = &run
			ok = true

			nb, err := json.Marshal(&run)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, ok, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("store: redis update retry exceeded")
}

func (s *RedisRunStore) Delete(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Del(ctx, s.key(id)).Err(); err != nil {
		return err
	}
	return s.rdb.ZRem(ctx, s.indexKey, id).Err()
}

func (s *RedisRunStore) ListRecent(limit int) ([]*domain.RunSession, error) {
	if limit <= 0 {
		limit = DefaultRetention
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]*domain.RunSession, 0, len(ids))
	for _, id := range ids {
		r, ok, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

type RedisComparisonStore struct {
	rdb       *redis.Client
	keyPrefix string
	indexKey  string
	ttl       time.Duration
}

func NewRedisComparisonStore(rdb *redis.Client, ttl time.Duration) *RedisComparisonStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &RedisComparisonStore{
		rdb:       rdb,
		keyPrefix: "arb:comparison:",
		indexKey:  "arb:comparisons:by-created",
		ttl:       ttl,
	}
}

func (s *RedisComparisonStore) key(id string) string { return s.keyPrefix + strings.TrimSpace(id) }

func (s *RedisComparisonStore) Create(c *domain.ComparisonSession) error {
	if c == nil || strings.TrimSpace(c.ID) == "" {
		return ErrEmptyID
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rdb.SetNX(ctx, s.key(c.ID), b, s.ttl).Err(); err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.indexKey, redis.Z{
		Score:  float64(c.CreatedAt.UnixMilli()),
		Member: c.ID,
	}).Err()
}

func (s *RedisComparisonStore) Get(id string) (*domain.ComparisonSession, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var sess domain.ComparisonSession
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, false, err
	}
	return &sess, true, nil
}

func (s *RedisComparisonStore) Update(id string, fn func(c *domain.ComparisonSession)) (*domain.ComparisonSession, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("store: nil update fn")
	}
	key := s.key(id)

	var out *domain.ComparisonSession
	var ok bool

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				ok = false
				out = nil
				return nil
			}
			if err != nil {
				return err
			}
			var sess domain.ComparisonSession
			if err := json.Unmarshal([]byte(val), &sess); err != nil {
				return err
			}
			fn(&sess)
			out = &sess
			ok = true

			nb, err := json.Marshal(&sess)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, ok, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("store: redis update retry exceeded")
}

func (s *RedisComparisonStore) Delete(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Del(ctx, s.key(id)).Err(); err != nil {
		return err
	}
	return s.rdb.ZRem(ctx, s.indexKey, id).Err()
}

func (s *RedisComparisonStore) ListRecent(limit int) ([]*domain.ComparisonSession, error) {
	if limit <= 0 {
		limit = DefaultRetention
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list comparisons: %w", err)
	}
	out := make([]*domain.ComparisonSession, 0, len(ids))
	for _, id := range ids {
		c, ok, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

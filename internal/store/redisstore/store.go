package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go2irl/freightdesk/internal/freight"
)

const (
	receiptPrefix = "freightdesk:send:"
	receiptTTL    = 24 * time.Hour
)

// Store keeps send-email receipts in redis so a retried tool call within the
// TTL returns the recorded result instead of re-sending.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Get(ctx context.Context, key string) (freight.SendReceipt, bool, error) {
	raw, err := s.rdb.Get(ctx, receiptPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return freight.SendReceipt{}, false, nil
	}
	if err != nil {
		return freight.SendReceipt{}, false, err
	}

	var rec freight.SendReceipt
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return freight.SendReceipt{}, false, err
	}
	return rec, true, nil
}

func (s *Store) Put(ctx context.Context, key string, rec freight.SendReceipt) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, receiptPrefix+key, raw, receiptTTL).Err()
}

func (s *Store) Close() error { return s.rdb.Close() }

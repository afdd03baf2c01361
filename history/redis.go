package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/x402labs/agentpay/types"
)

const defaultRedisKey = "agentpay:history"

// RedisStore keeps records in a Redis list, newest first. Useful when several
// session processes share one history.
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore wraps an existing Redis client. An empty key selects the
// default list key.
func NewRedisStore(rdb *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{rdb: rdb, key: key}
}

func (s *RedisStore) Append(ctx context.Context, record types.TransactionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.rdb.LPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

func (s *RedisStore) Query(ctx context.Context, f Filter) ([]types.TransactionRecord, error) {
	values, err := s.rdb.LRange(ctx, s.key, 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	records := make([]types.TransactionRecord, 0, len(values))
	for _, v := range values {
		var rec types.TransactionRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			// A single corrupt entry must not poison the whole query.
			continue
		}
		records = append(records, rec)
	}
	return applyFilter(records, f), nil
}

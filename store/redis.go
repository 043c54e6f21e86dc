package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lkozma/debridgate/scheduler"
)

const redisKeyPrefix = "debridgate:limits:"

// RedisStore implements ConfigStore on Redis, for deployments that already
// run Redis and want limits shared between restarts without Postgres.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and verifies the backend.
func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Load(ctx context.Context) (map[string]scheduler.ServiceConfig, error) {
	out := make(map[string]scheduler.ServiceConfig)

	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				continue // expired between SCAN and GET
			}
			return nil, err
		}
		var cfg scheduler.ServiceConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(key, redisKeyPrefix)] = cfg
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) Save(ctx context.Context, service string, cfg scheduler.ServiceConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+service, raw, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, service string) error {
	return s.client.Del(ctx, redisKeyPrefix+service).Err()
}

func (s *RedisStore) Close() {
	s.client.Close()
}

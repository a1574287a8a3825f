package output

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

// RedisSink appends each document to a Redis list for downstream
// forwarders.
type RedisSink struct {
	client *redis.Client
	key    string
}

func NewRedisSink(cfg config.RedisConfig, key string) (*RedisSink, error) {
	if key == "" {
		return nil, fmt.Errorf("redis sink needs a list key")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSink{client: client, key: key}, nil
}

func (s *RedisSink) Name() string { return "redis:" + s.key }

// Push appends docs with a single RPUSH.
func (s *RedisSink) Push(ctx context.Context, docs []types.VulnerabilityDocument) error {
	if len(docs) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(docs))
	for i := range docs {
		data, err := json.Marshal(&docs[i])
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}
		values = append(values, data)
	}

	if err := s.client.RPush(ctx, s.key, values...).Err(); err != nil {
		return fmt.Errorf("failed to push %d documents to %s: %w", len(docs), s.key, err)
	}
	return nil
}

// Len is the current length of the list.
func (s *RedisSink) Len(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.key).Result()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

// RedisBackend stores each task as a JSON string and keeps a sorted set of
// ids scored by creation time.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures a RedisBackend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "researchd:tasks"
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (b *RedisBackend) taskKey(id string) string { return b.prefix + ":" + id }
func (b *RedisBackend) indexKey() string         { return b.prefix + ":index" }

// Save writes the task and indexes it in one pipeline.
func (b *RedisBackend) Save(ctx context.Context, task *research.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.taskKey(task.ID), data, 0)
	pipe.ZAdd(ctx, b.indexKey(), redis.Z{
		Score:  float64(task.CreatedAt.UnixNano()),
		Member: task.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// LoadAll reads every indexed task. Index entries without a record are skipped.
func (b *RedisBackend) LoadAll(ctx context.Context) ([]*research.Task, error) {
	ids, err := b.client.ZRange(ctx, b.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read task index: %w", err)
	}

	out := make([]*research.Task, 0, len(ids))
	for _, id := range ids {
		data, err := b.client.Get(ctx, b.taskKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get task %s: %w", id, err)
		}
		var t research.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", id, err)
		}
		out = append(out, &t)
	}
	return out, nil
}

func (b *RedisBackend) Close() error { return b.client.Close() }

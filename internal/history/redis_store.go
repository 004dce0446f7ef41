// Package history keeps informational snapshots of consistency runs in Redis.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLimit = 50

// Snapshot summarises one consistency run.
type Snapshot struct {
	Project      string         `json:"project"`
	RanAt        time.Time      `json:"ran_at"`
	Completeness float64        `json:"completeness"`
	Errors       int            `json:"errors"`
	Warnings     int            `json:"warnings"`
	RuleCounts   map[string]int `json:"rule_counts"`
}

// RedisStore keeps the most recent snapshots per project in a capped list.
type RedisStore struct {
	client *redis.Client
	prefix string
	limit  int64
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, limit int) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, limit), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, limit int) *RedisStore {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &RedisStore{
		client: client,
		prefix: "keystone:consistency:",
		limit:  int64(limit),
	}
}

func (s *RedisStore) key(project string) string {
	return s.prefix + project
}

// Record pushes a snapshot to the head of the project's list and trims it.
func (s *RedisStore) Record(ctx context.Context, snap Snapshot) error {
	if snap.Project == "" {
		return fmt.Errorf("record snapshot: project is required")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := s.key(snap.Project)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, s.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

// Recent returns up to n snapshots, newest first. Entries that fail to
// decode are skipped.
func (s *RedisStore) Recent(ctx context.Context, project string, n int) ([]Snapshot, error) {
	if n <= 0 || int64(n) > s.limit {
		n = int(s.limit)
	}
	raw, err := s.client.LRange(ctx, s.key(project), 0, int64(n-1)).Result()
	if err == redis.Nil {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}

	out := make([]Snapshot, 0, len(raw))
	for _, item := range raw {
		var snap Snapshot
		if err := json.Unmarshal([]byte(item), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Clear drops every snapshot of a project.
func (s *RedisStore) Clear(ctx context.Context, project string) error {
	if err := s.client.Del(ctx, s.key(project)).Err(); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/arachne-ai/arachne/internal/platform/config"
	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
)

// RedisSink keeps the most recent snapshots in a capped list, newest
// first. It backs the "recent executions" view across restarts.
type RedisSink struct {
	client *redis.Client
	key    string
	max    int64
}

// NewRedisSink creates the hot-window sink.
func NewRedisSink(client *redis.Client, cfg config.ArchiveConfig) *RedisSink {
	key := cfg.RedisKey
	if key == "" {
		key = "arachne:executions:recent"
	}
	max := cfg.RedisMaxItems
	if max <= 0 {
		max = 1000
	}
	return &RedisSink{client: client, key: key, max: max}
}

// Name identifies the sink in logs and metrics.
func (s *RedisSink) Name() string { return "redis" }

// Write pushes the snapshot onto the list and trims it to the cap. Both
// commands travel in one transaction so the list never grows unbounded
// between them.
func (s *RedisSink) Write(ctx context.Context, snap *model.ExecutionSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, payload)
	pipe.LTrim(ctx, s.key, 0, s.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push snapshot to %s: %w", s.key, err)
	}
	return nil
}

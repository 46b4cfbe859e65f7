// Package cache keeps read-through copies of commands in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/safar/go-commerce/internal/config"
	"github.com/safar/go-commerce/internal/models"
)

// NewClient returns nil when no Redis address is configured.
func NewClient(cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Commands caches the API view of a command. Entries are dropped on every
// mutation, and a Redis failure is treated as a miss.
type Commands struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewCommands(rdb redis.Cmdable, ttl time.Duration) *Commands {
	return &Commands{rdb: rdb, ttl: ttl}
}

func commandKey(id int64) string {
	return "command:" + strconv.FormatInt(id, 10)
}

func (c *Commands) Get(ctx context.Context, id int64) (*models.Command, bool) {
	cached, err := c.rdb.Get(ctx, commandKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zerolog.Ctx(ctx).Warn().Err(err).Int64("command_id", id).Msg("command cache read failed")
		}
		return nil, false
	}

	var command models.Command
	if err := json.Unmarshal(cached, &command); err != nil {
		return nil, false
	}
	return &command, true
}

func (c *Commands) Set(ctx context.Context, command *models.Command) {
	data, err := json.Marshal(command)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, commandKey(command.ID), data, c.ttl).Err(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int64("command_id", command.ID).Msg("command cache write failed")
	}
}

func (c *Commands) Invalidate(ctx context.Context, id int64) {
	if err := c.rdb.Del(ctx, commandKey(id)).Err(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int64("command_id", id).Msg("command cache invalidation failed")
	}
}

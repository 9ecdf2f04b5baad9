package redisq

import (
	"context"
	"fmt"
	"time"

	"taskq/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// maxTxRetries bounds optimistic WATCH/MULTI retries.
const maxTxRetries = 8

type Client struct {
	Cfg config.Redis
	Rdb *redis.Client

	now func() time.Time
}

func New(cfg config.Redis) *Client {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewFromRedis(cfg, c)
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(cfg config.Redis, rdb *redis.Client) *Client {
	return &Client{
		Cfg: cfg,
		Rdb: rdb,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) Connect(ctx context.Context) error {
	if err := c.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Str("prefix", c.Cfg.KeyPrefix).Msg("connected to redis")
	return nil
}

func (c *Client) Close() error {
	return c.Rdb.Close()
}

func (c *Client) taskKey(id string) string {
	return c.Cfg.KeyPrefix + "task:" + id
}

// allKey indexes every task by created_at.
func (c *Client) allKey() string {
	return c.Cfg.KeyPrefix + "tasks"
}

func (c *Client) statusKey(s string) string {
	return c.Cfg.KeyPrefix + "tasks:" + s
}

// score is created_at in microseconds, which stays exact in a float64.
func score(t time.Time) float64 { return float64(t.UnixMicro()) }

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // default "reminderd"
}

// RedisPublisher publishes events on <prefix>:user:<id> so web nodes holding
// the user's sessions can forward them.
type RedisPublisher struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return newRedisPublisher(rdb, cfg.Prefix), nil
}

func newRedisPublisher(rdb *redis.Client, prefix string) *RedisPublisher {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "reminderd"
	}
	return &RedisPublisher{rdb: rdb, prefix: prefix}
}

func (p *RedisPublisher) Channel(userID string) string { return p.prefix + ":user:" + userID }

func (p *RedisPublisher) Push(ctx context.Context, userID string, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.Channel(userID), b).Err()
}

func (p *RedisPublisher) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func (p *RedisPublisher) Close() error { return p.rdb.Close() }

package forward

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink keeps the latest position of each device under <prefix>:<id>
// and publishes it on <prefix>:positions.
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSink(ctx context.Context, url, prefix string, ttl time.Duration) (*RedisSink, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	c := redis.NewClient(opt)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSink{client: c, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) LatestKey(deviceID int64) string {
	return s.prefix + ":" + strconv.FormatInt(deviceID, 10)
}

func (s *RedisSink) Channel() string {
	return s.prefix + ":positions"
}

func (s *RedisSink) Send(ctx context.Context, m Message) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.LatestKey(m.DeviceID), m.Payload, s.ttl)
		pipe.Publish(ctx, s.Channel(), m.Payload)
		return nil
	})
	return err
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

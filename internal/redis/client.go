package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const connectTimeout = 5 * time.Second

// Key namespaces shared by every instance.
const (
	sessionEventPrefix = "session-events:"
	rateLimitPrefix    = "ratelimit:"
)

// Client carries session event pub/sub and the rate-limit windows.
type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

// SessionEventChannel is the pub/sub channel carrying one session's transitions.
func SessionEventChannel(sessionID string) string {
	return sessionEventPrefix + sessionID
}

// RateLimitKey is the sorted-set key holding one limiter window.
func RateLimitKey(key string) string {
	return rateLimitPrefix + key
}

package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/billoapp/tabz/internal/domain"
)

type RedisVenueCache struct {
	client *redis.Client
}

func NewRedisVenueCache(addr string, password string, db int) *RedisVenueCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisVenueCache{client: client}
}

func (c *RedisVenueCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisVenueCache) Close() error {
	return c.client.Close()
}

func venueKey(venueID string) string {
	return "venue:" + venueID
}

func (c *RedisVenueCache) Get(ctx context.Context, venueID string) (*domain.Venue, bool, error) {
	val, err := c.client.Get(ctx, venueKey(venueID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var venue domain.Venue
	if err := json.Unmarshal([]byte(val), &venue); err != nil {
		return nil, false, err
	}
	return &venue, true, nil
}

func (c *RedisVenueCache) Set(ctx context.Context, venue *domain.Venue, ttl time.Duration) error {
	if venue == nil {
		return nil
	}
	payload, err := json.Marshal(venue)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, venueKey(venue.ID), payload, ttl).Err()
}

func (c *RedisVenueCache) Invalidate(ctx context.Context, venueID string) error {
	return c.client.Del(ctx, venueKey(venueID)).Err()
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantarb/execbot/internal/domain"
)

// BookCache implements domain.BookCache. Each analyzed snapshot is one JSON
// value under one key, written with SET EX: the swap is atomic and readers
// never observe a half-updated snapshot.
type BookCache struct {
	rdb *redis.Client
}

// NewBookCache creates a BookCache backed by the given Client.
func NewBookCache(c *Client) *BookCache {
	return &BookCache{rdb: c.Underlying()}
}

func bookKey(instrument string) string {
	return "book:" + instrument + ":snapshot"
}

// Set stores the analyzed snapshot with the given TTL, replacing any previous
// value atomically.
func (bc *BookCache) Set(ctx context.Context, snap domain.OrderBookSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal book snapshot %s: %w", snap.Instrument, err)
	}
	if err := bc.rdb.Set(ctx, bookKey(snap.Instrument), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set book snapshot %s: %w", snap.Instrument, err)
	}
	return nil
}

// Get returns the cached snapshot, or domain.ErrNotFound when the key is
// missing or expired.
func (bc *BookCache) Get(ctx context.Context, instrument string) (domain.OrderBookSnapshot, error) {
	data, err := bc.rdb.Get(ctx, bookKey(instrument)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.OrderBookSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.OrderBookSnapshot{}, fmt.Errorf("redis: get book snapshot %s: %w", instrument, err)
	}
	var snap domain.OrderBookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.OrderBookSnapshot{}, fmt.Errorf("redis: unmarshal book snapshot %s: %w", instrument, err)
	}
	return snap, nil
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)

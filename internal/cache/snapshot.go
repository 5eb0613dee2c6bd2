package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"parking-ledger/internal/ledger"
)

const snapshotKey = "parking-ledger:snapshot"

var (
	ErrMiss    = errors.New("snapshot not cached")
	ErrCorrupt = errors.New("snapshot is corrupt")
)

// Snapshot is the last dataset fetched from the backend.
type Snapshot struct {
	Zones     []ledger.Zone `json:"zones"`
	Slots     []ledger.Slot `json:"slots"`
	FetchedAt time.Time     `json:"fetchedAt"`
}

func (s Snapshot) Dataset() ledger.Dataset {
	return ledger.Dataset{Zones: s.Zones, Slots: s.Slots}
}

type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: rdb, ttl: ttl}
}

// Open parses a redis:// URL and checks the server answers.
func Open(ctx context.Context, url string, ttl time.Duration) (*SnapshotCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb, ttl), nil
}

func (c *SnapshotCache) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, snapshotKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

func (c *SnapshotCache) Load(ctx context.Context) (Snapshot, error) {
	data, err := c.rdb.Get(ctx, snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrMiss
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return snap, nil
}

func (c *SnapshotCache) Invalidate(ctx context.Context) error {
	return c.rdb.Del(ctx, snapshotKey).Err()
}

func (c *SnapshotCache) Close() error {
	return c.rdb.Close()
}

package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Deduper marks ids as processed with SETNX so redeliveries are skipped.
type Deduper struct {
	rdb     *redis.Client
	service string
}

func NewDeduper(rdb *redis.Client, service string) *Deduper {
	return &Deduper{rdb: rdb, service: service}
}

func (d *Deduper) key(id string) string {
	return fmt.Sprintf(KeyDedup, d.service, id)
}

func (d *Deduper) FirstSeen(ctx context.Context, id string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.key(id), "1", TTLDedup).Result()
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", id, err)
	}
	return ok, nil
}

// Forget releases id after a failed attempt so the next delivery is processed.
func (d *Deduper) Forget(ctx context.Context, id string) error {
	return d.rdb.Del(ctx, d.key(id)).Err()
}

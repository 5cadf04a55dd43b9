package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-presence/internal/models"
)

// RedisGeo mirrors the live driver table into a Redis GEO set plus a small
// metadata hash per driver, so other processes can run GEORADIUS queries.
type RedisGeo struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisGeo connects lazily; metadata hashes expire after ttl so a crashed
// writer cannot leave drivers online forever.
func NewRedisGeo(addr, password, key string, ttl time.Duration) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ttl: ttl}
}

func (r *RedisGeo) Upsert(ctx context.Context, p models.DriverPosition) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Lng, Latitude: p.Lat, Name: p.DriverID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", p.DriverID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
		"online":  strconv.FormatBool(true),
		"updated": p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, metaKey(p.DriverID), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("meta %s: %w", p.DriverID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, metaKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }

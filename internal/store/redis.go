package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/salimomrani/trucktrack-sub002/internal/config"
	"github.com/salimomrani/trucktrack-sub002/internal/domain"
)

// Redis is the fast-read cache tier and the pub/sub transport behind the live
// fan-out. It is never the system of record; callers degrade to Postgres when
// it fails.
type Redis struct {
	client    *redis.Client
	statusTTL time.Duration
}

func NewRedis(ctx context.Context, cfg *config.Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client, statusTTL: cfg.StatusCacheTTL}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Client() *redis.Client {
	return r.client
}

func stateKey(vehicleID string) string {
	return fmt.Sprintf("vehicle:%s:state", vehicleID)
}

// SetVehicleState writes the derived state with a short TTL and refreshes the
// fleet geo index in one pipeline round trip.
func (r *Redis) SetVehicleState(ctx context.Context, st *domain.VehicleState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal vehicle state: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, stateKey(st.VehicleID), data, r.statusTTL)
	pipe.GeoAdd(ctx, fmt.Sprintf("fleet:%s:geo", st.FleetID), &redis.GeoLocation{
		Name:      st.VehicleID,
		Longitude: st.Longitude,
		Latitude:  st.Latitude,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis state pipeline failed: %w", err)
	}
	return nil
}

// GetVehicleState returns the cached state, ErrNotFound on a cache miss.
func (r *Redis) GetVehicleState(ctx context.Context, vehicleID string) (*domain.VehicleState, error) {
	data, err := r.client.Get(ctx, stateKey(vehicleID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get state %s: %w", vehicleID, err)
	}

	st := &domain.VehicleState{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("unmarshal cached state %s: %w", vehicleID, err)
	}
	return st, nil
}

// Publish sends a payload on a live channel.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// PSubscribe opens a pattern subscription for the live hub.
func (r *Redis) PSubscribe(ctx context.Context, pattern string) *redis.PubSub {
	return r.client.PSubscribe(ctx, pattern)
}

// GetDeviceKey resolves a device API key to its vehicle id; empty string when
// unknown.
func (r *Redis) GetDeviceKey(ctx context.Context, apiKey string) (string, error) {
	val, err := r.client.Get(ctx, fmt.Sprintf("vehicle:auth:%s", apiKey)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

// SeedDeviceKeys loads apiKey→vehicleID pairs, used by dev bootstrap and
// tests.
func (r *Redis) SeedDeviceKeys(ctx context.Context, keys map[string]string) error {
	pipe := r.client.Pipeline()
	for apiKey, vehicleID := range keys {
		pipe.Set(ctx, fmt.Sprintf("vehicle:auth:%s", apiKey), vehicleID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("seed device keys: %w", err)
	}
	return nil
}

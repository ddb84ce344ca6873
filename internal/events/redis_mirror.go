package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisMirror publishes escrow events on Redis Pub/Sub so integrators
// outside the relay process can consume the stake lifecycle. The relay's
// own state never depends on Redis; a down Redis only costs the mirror.
type RedisMirror struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisMirror connects to Redis and verifies the connection. Channel
// names are prefix + event type, e.g. "agentchat:events:escrow:created".
func NewRedisMirror(addr, password string, db int, prefix string) (*RedisMirror, error) {
	if prefix == "" {
		prefix = "agentchat:events:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("escrow event mirror connected", "addr", addr, "db", db)
	return &RedisMirror{rdb: rdb, prefix: prefix}, nil
}

// Forward publishes one event. Implements Mirror.
func (m *RedisMirror) Forward(ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return m.rdb.Publish(ctx, m.prefix+string(ev.Type), data).Err()
}

// Close shuts down the underlying client.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}

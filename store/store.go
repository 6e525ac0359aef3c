// Package store owns the connection to the cache store backing presence,
// rate limiting, content snapshots, the persistence queue, and the pub/sub
// bus. The store is Redis-protocol compatible; every consumer receives the
// shared client and applies its own degradation policy on errors.
package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config configures the cache store connection.
type Config struct {
	URL string // Redis URL (defaults to redis://localhost:6379/0)
}

// Store wraps the shared cache store client.
type Store struct {
	client *redis.Client
}

// Open connects to the cache store and verifies the connection. An
// unreachable store at startup is fatal; at runtime every consumer
// degrades instead.
func Open(ctx context.Context, config Config) (*Store, error) {
	url := config.URL
	if url == "" {
		url = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache store URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to cache store: %w", err)
	}

	return &Store{client: client}, nil
}

// Client returns the underlying client for component wiring.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Ping checks store reachability, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the connection.
func (s *Store) Close() error {
	return s.client.Close()
}

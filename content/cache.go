// Package content caches the last-known document snapshot for warm reads
// and no-op write detection. On any cache error the change check reports
// changed=true: persisting a duplicate is cheap, losing a write is not.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "doc:content:"

// Snapshot is the cached canonical state of a document. Version is a
// monotonic counter in wall-clock milliseconds.
type Snapshot struct {
	Body     string `json:"body"`
	Title    string `json:"title"`
	CachedAt int64  `json:"cachedAt"`
	Version  int64  `json:"version"`
}

// ChangeCheck is the result of comparing a proposed update against the
// cached snapshot.
type ChangeCheck struct {
	Changed     bool
	CachedBody  string
	CachedTitle string
}

// Cache stores document snapshots in the cache store with a TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// New creates a content cache with the given snapshot TTL.
func New(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *Cache {
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func contentKey(documentID string) string {
	return keyPrefix + documentID
}

// Get returns the cached snapshot, or nil on a miss.
func (c *Cache) Get(ctx context.Context, documentID string) (*Snapshot, error) {
	data, err := c.client.Get(ctx, contentKey(documentID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read content snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal content snapshot: %w", err)
	}
	return &snapshot, nil
}

// Put stores a new snapshot with a fresh version and resets the TTL.
// Versions are wall-clock milliseconds and therefore non-decreasing across
// successive puts.
func (c *Cache) Put(ctx context.Context, documentID, body, title string) error {
	now := time.Now().UnixMilli()
	snapshot := Snapshot{
		Body:     body,
		Title:    title,
		CachedAt: now,
		Version:  now,
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal content snapshot: %w", err)
	}
	if err := c.client.Set(ctx, contentKey(documentID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store content snapshot: %w", err)
	}
	return nil
}

// HasChanged compares a proposed update against the cached snapshot. Nil
// fields are "not part of this update" and never count as a change. With no
// cached snapshot, or on any cache error, the update counts as changed.
func (c *Cache) HasChanged(ctx context.Context, documentID string, newBody, newTitle *string) ChangeCheck {
	snapshot, err := c.Get(ctx, documentID)
	if err != nil {
		c.logger.WithError(err).WithField("document_id", documentID).Debug("Content cache error, treating update as changed")
		return ChangeCheck{Changed: true}
	}
	if snapshot == nil {
		return ChangeCheck{Changed: true}
	}

	changed := (newBody != nil && *newBody != snapshot.Body) ||
		(newTitle != nil && *newTitle != snapshot.Title)

	return ChangeCheck{
		Changed:     changed,
		CachedBody:  snapshot.Body,
		CachedTitle: snapshot.Title,
	}
}

// Invalidate drops the cached snapshot.
func (c *Cache) Invalidate(ctx context.Context, documentID string) error {
	return c.client.Del(ctx, contentKey(documentID)).Err()
}

// Package presence maintains the cluster-wide view of who is editing what.
// For each document the registry keeps a cache-store hash keyed by principal
// whose fields are session records; the hash TTL is refreshed on every
// mutation and the hash is deleted when it becomes empty.
//
// The registry is the single source of truth for membership. Each gateway
// instance additionally keeps a local socket index, but that index only says
// how to reach a connection, never who is in a document.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "session:"

// Session is one principal's attachment to one document through one
// connection. At most one session exists per (document, principal); a later
// join from the same principal supersedes the earlier one.
type Session struct {
	PrincipalID string          `json:"principalId"`
	DisplayName string          `json:"displayName"`
	SocketID    string          `json:"socketId"`
	LastActive  int64           `json:"lastActive"` // epoch ms
	Cursor      json.RawMessage `json:"cursor,omitempty"`
}

// Registry stores per-document session hashes in the cache store.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRegistry creates a registry with the given session TTL.
func NewRegistry(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *Registry {
	return &Registry{client: client, ttl: ttl, logger: logger}
}

func sessionKey(documentID string) string {
	return keyPrefix + documentID
}

func (r *Registry) refreshTTL(ctx context.Context, key string) error {
	return r.client.Expire(ctx, key, r.ttl).Err()
}

// AddSession creates or overwrites the principal's session in the document
// hash. Overwriting is the supersede path: last writer wins on socket id.
func (r *Registry) AddSession(ctx context.Context, documentID string, session Session) error {
	session.LastActive = time.Now().UnixMilli()
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := sessionKey(documentID)
	if err := r.client.HSet(ctx, key, session.PrincipalID, data).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return r.refreshTTL(ctx, key)
}

// RemoveSession deletes the principal's session; an empty hash is deleted
// outright so stale document keys do not accumulate.
func (r *Registry) RemoveSession(ctx context.Context, documentID, principalID string) error {
	key := sessionKey(documentID)
	if err := r.client.HDel(ctx, key, principalID).Err(); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}

	remaining, err := r.client.HLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to count sessions: %w", err)
	}
	if remaining == 0 {
		return r.client.Del(ctx, key).Err()
	}
	return r.refreshTTL(ctx, key)
}

// RemoveSessionIfSocket removes the principal's session only while the hash
// field still belongs to the given socket. A superseded connection's
// disconnect therefore leaves the newer session untouched. Reports whether a
// session was removed.
func (r *Registry) RemoveSessionIfSocket(ctx context.Context, documentID, principalID, socketID string) (bool, error) {
	key := sessionKey(documentID)
	data, err := r.client.HGet(ctx, key, principalID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read session: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(data), &session); err == nil && session.SocketID != socketID {
		return false, nil
	}

	if err := r.RemoveSession(ctx, documentID, principalID); err != nil {
		return false, err
	}
	return true, nil
}

// Touch refreshes the session's lastActive and the hash TTL. A missing field
// is a no-op: the session was superseded or swept and must not be revived.
func (r *Registry) Touch(ctx context.Context, documentID, principalID string) error {
	return r.mutateSession(ctx, documentID, principalID, func(s *Session) {})
}

// UpdateCursor replaces the session's cursor blob and refreshes activity.
func (r *Registry) UpdateCursor(ctx context.Context, documentID, principalID string, cursor json.RawMessage) error {
	return r.mutateSession(ctx, documentID, principalID, func(s *Session) {
		s.Cursor = cursor
	})
}

func (r *Registry) mutateSession(ctx context.Context, documentID, principalID string, mutate func(*Session)) error {
	key := sessionKey(documentID)
	data, err := r.client.HGet(ctx, key, principalID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return fmt.Errorf("failed to unmarshal session: %w", err)
	}

	mutate(&session)
	session.LastActive = time.Now().UnixMilli()

	updated, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.HSet(ctx, key, principalID, updated).Err(); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return r.refreshTTL(ctx, key)
}

// ListSessions returns every session currently registered in the document.
func (r *Registry) ListSessions(ctx context.Context, documentID string) ([]Session, error) {
	fields, err := r.client.HGetAll(ctx, sessionKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]Session, 0, len(fields))
	for principalID, data := range fields {
		var session Session
		if err := json.Unmarshal([]byte(data), &session); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"document_id":  documentID,
				"principal_id": principalID,
			}).Warn("Skipping unreadable session record")
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// CountSessions returns the number of sessions in the document.
func (r *Registry) CountSessions(ctx context.Context, documentID string) (int64, error) {
	return r.client.HLen(ctx, sessionKey(documentID)).Result()
}

// ListActiveDocuments scans the session key prefix and returns every
// document that currently has at least one session.
func (r *Registry) ListActiveDocuments(ctx context.Context) ([]string, error) {
	var documents []string
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan session keys: %w", err)
		}
		for _, key := range keys {
			documents = append(documents, key[len(keyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return documents, nil
}

// SweepStale removes sessions whose lastActive is older than the TTL
// threshold and deletes hashes that became empty. Returns the number of
// sessions removed.
func (r *Registry) SweepStale(ctx context.Context) (int, error) {
	documents, err := r.ListActiveDocuments(ctx)
	if err != nil {
		return 0, err
	}

	threshold := time.Now().Add(-r.ttl).UnixMilli()
	removed := 0

	for _, documentID := range documents {
		key := sessionKey(documentID)
		fields, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			continue
		}

		for principalID, data := range fields {
			var session Session
			if err := json.Unmarshal([]byte(data), &session); err != nil || session.LastActive < threshold {
				if r.client.HDel(ctx, key, principalID).Err() == nil {
					removed++
					r.logger.WithFields(logrus.Fields{
						"document_id":  documentID,
						"principal_id": principalID,
					}).Debug("Swept stale session")
				}
			}
		}

		remaining, err := r.client.HLen(ctx, key).Result()
		if err == nil && remaining == 0 {
			r.client.Del(ctx, key)
		}
	}

	return removed, nil
}

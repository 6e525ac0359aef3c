package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hub.evalgo.org/auth"
	"hub.evalgo.org/bus"
	"hub.evalgo.org/config"
	"hub.evalgo.org/content"
	"hub.evalgo.org/docstore"
	"hub.evalgo.org/gateway"
	"hub.evalgo.org/presence"
	"hub.evalgo.org/queue"
	"hub.evalgo.org/ratelimit"
)

// fakeDocs scripts the data gateway for intake tests.
type fakeDocs struct {
	canEdit    bool
	canEditErr error
}

func (f *fakeDocs) GetDocument(ctx context.Context, documentID, principalID string) (*docstore.Document, error) {
	return &docstore.Document{ID: documentID}, nil
}

func (f *fakeDocs) UpdateDocument(ctx context.Context, documentID, principalID string, title, body *string) (*docstore.Document, error) {
	return &docstore.Document{ID: documentID}, nil
}

func (f *fakeDocs) AppendEditHistory(ctx context.Context, entry docstore.HistoryEntry) error {
	return nil
}

func (f *fakeDocs) CanEdit(ctx context.Context, principalID, documentID string) (bool, error) {
	if f.canEditErr != nil {
		return false, f.canEditErr
	}
	return f.canEdit, nil
}

type apiEnv struct {
	e       *echo.Echo
	tokens  *auth.TokenService
	queue   *queue.Queue
	content *content.Cache
	docs    *fakeDocs
}

func newAPIEnv(t *testing.T) *apiEnv {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tokens := auth.NewTokenService("test-secret", time.Hour)
	q := queue.New(client, 3, time.Second, logger)
	cache := content.New(client, time.Hour, logger)
	docs := &fakeDocs{canEdit: true}

	registry := presence.NewRegistry(client, 300*time.Second, logger)
	messageBus := bus.New(client, logger)
	limiter := ratelimit.New(client, map[string]config.RateLimitRule{}, logger)
	hub := gateway.NewHub(registry, messageBus, limiter, time.Minute, time.Minute, logger)
	t.Cleanup(hub.Shutdown)

	e := echo.New()
	handlers := &Handlers{Queue: q, Content: cache, Docs: docs, Logger: logger}
	SetupRoutes(e, handlers, hub, tokens)

	return &apiEnv{e: e, tokens: tokens, queue: q, content: cache, docs: docs}
}

func (env *apiEnv) request(t *testing.T, method, path, body, principalID string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if principalID != "" {
		token, err := env.tokens.GenerateToken(principalID, principalID)
		require.NoError(t, err)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func TestUpdateDocument(t *testing.T) {
	t.Run("requires a token", func(t *testing.T) {
		env := newAPIEnv(t)
		rec := env.request(t, http.MethodPost, "/documents/doc-1", `{"body":"hello"}`, "")
		// echo-jwt answers a missing header with 400 and a bad token
		// with 401; either way the request never reaches the handler.
		assert.Contains(t, []int{http.StatusBadRequest, http.StatusUnauthorized}, rec.Code)
	})

	t.Run("queues a changed body", func(t *testing.T) {
		env := newAPIEnv(t)
		rec := env.request(t, http.MethodPost, "/documents/doc-1", `{"body":"hello"}`, "alice")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp UpdateDocumentResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "queued", resp.Status)
		require.NotNil(t, resp.JobID)
		assert.True(t, strings.HasPrefix(*resp.JobID, "job_"))

		stats, err := env.queue.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Pending)
	})

	t.Run("skips a no-op body", func(t *testing.T) {
		env := newAPIEnv(t)
		require.NoError(t, env.content.Put(context.Background(), "doc-2", "hello", "Notes"))

		rec := env.request(t, http.MethodPost, "/documents/doc-2", `{"body":"hello"}`, "alice")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp UpdateDocumentResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Nil(t, resp.JobID)
		assert.Equal(t, "skipped", resp.Status)
		assert.Equal(t, "no_changes", resp.Reason)

		stats, err := env.queue.Stats(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.Pending)
	})

	t.Run("two identical saves enqueue at most one job", func(t *testing.T) {
		env := newAPIEnv(t)

		rec := env.request(t, http.MethodPost, "/documents/doc-3", `{"body":"draft","title":"Draft"}`, "alice")
		require.Equal(t, http.StatusOK, rec.Code)

		// The worker would refresh the cache after persisting; simulate
		// that before the duplicate save arrives.
		require.NoError(t, env.content.Put(context.Background(), "doc-3", "draft", "Draft"))

		rec = env.request(t, http.MethodPost, "/documents/doc-3", `{"body":"draft","title":"Draft"}`, "alice")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp UpdateDocumentResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "skipped", resp.Status)

		stats, err := env.queue.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Pending)
	})

	t.Run("rejects a non-collaborator", func(t *testing.T) {
		env := newAPIEnv(t)
		env.docs.canEdit = false

		rec := env.request(t, http.MethodPost, "/documents/doc-1", `{"body":"hello"}`, "mallory")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown document is 404", func(t *testing.T) {
		env := newAPIEnv(t)
		env.docs.canEditErr = docstore.ErrNotFound

		rec := env.request(t, http.MethodPost, "/documents/ghost", `{"body":"hello"}`, "alice")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("gateway outage is 503", func(t *testing.T) {
		env := newAPIEnv(t)
		env.docs.canEditErr = errors.New("connection refused")

		rec := env.request(t, http.MethodPost, "/documents/doc-1", `{"body":"hello"}`, "alice")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("empty update is 400", func(t *testing.T) {
		env := newAPIEnv(t)
		rec := env.request(t, http.MethodPost, "/documents/doc-1", `{}`, "alice")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestQueueAdmin(t *testing.T) {
	deadLetter := func(t *testing.T, env *apiEnv) string {
		ctx := context.Background()
		body := "x"
		jobID, err := env.queue.EnqueueDocumentUpdate(ctx, queue.DocumentUpdatePayload{
			DocumentID:  "doc-1",
			PrincipalID: "alice",
			Updates:     queue.ContentUpdates{Body: &body},
		})
		require.NoError(t, err)
		job, err := env.queue.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, env.queue.Fail(ctx, job, errors.New("boom"), false))
		return jobID
	}

	t.Run("stats", func(t *testing.T) {
		env := newAPIEnv(t)
		deadLetter(t, env)

		rec := env.request(t, http.MethodGet, "/queue/stats", "", "admin")
		require.Equal(t, http.StatusOK, rec.Code)

		var stats queue.Stats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, queue.Stats{Failed: 1}, stats)
	})

	t.Run("failed jobs are listed and retryable", func(t *testing.T) {
		env := newAPIEnv(t)
		jobID := deadLetter(t, env)

		rec := env.request(t, http.MethodGet, "/queue/failed", "", "admin")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), jobID)

		rec = env.request(t, http.MethodPost, "/queue/failed/"+jobID+"/retry", "", "admin")
		require.Equal(t, http.StatusOK, rec.Code)

		stats, err := env.queue.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, queue.Stats{Pending: 1}, stats)
	})

	t.Run("retrying an unknown job is 404", func(t *testing.T) {
		env := newAPIEnv(t)
		rec := env.request(t, http.MethodPost, "/queue/failed/job_0_missing/retry", "", "admin")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("clear empties every queue", func(t *testing.T) {
		env := newAPIEnv(t)
		deadLetter(t, env)

		rec := env.request(t, http.MethodDelete, "/queue", "", "admin")
		require.Equal(t, http.StatusNoContent, rec.Code)

		stats, err := env.queue.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, queue.Stats{}, stats)
	})
}

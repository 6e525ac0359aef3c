// Package api provides the HTTP surface of the collaboration hub: the
// document-update intake and the queue administration endpoints.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"hub.evalgo.org/auth"
	"hub.evalgo.org/content"
	"hub.evalgo.org/docstore"
	"hub.evalgo.org/queue"
)

// Handlers contains the service dependencies required for API operations.
type Handlers struct {
	Queue   *queue.Queue
	Content *content.Cache
	Docs    docstore.Gateway
	Logger  *logrus.Logger
}

// UpdateDocumentRequest is the body of POST /documents/:id. Nil fields are
// not part of the update.
type UpdateDocumentRequest struct {
	Title *string `json:"title"`
	Body  *string `json:"body"`
}

// UpdateDocumentResponse reports whether the update was queued or skipped.
type UpdateDocumentResponse struct {
	JobID  *string `json:"jobId"`
	Status string  `json:"status"`
	Reason string  `json:"reason,omitempty"`
}

func principalFromContext(c echo.Context) (*auth.Claims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "missing token")
	}
	claims, ok := token.Claims.(*auth.Claims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// UpdateDocument is the persistence intake. It authorizes the write, skips
// no-op updates via the content cache, and otherwise enqueues a
// document-update job; the durable write completes asynchronously.
func (h *Handlers) UpdateDocument(c echo.Context) error {
	claims, err := principalFromContext(c)
	if err != nil {
		return err
	}

	documentID := c.Param("id")
	if documentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing document id")
	}

	var req UpdateDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Title == nil && req.Body == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "nothing to update")
	}

	ctx := c.Request().Context()

	allowed, err := h.Docs.CanEdit(ctx, claims.PrincipalID, documentID)
	if errors.Is(err, docstore.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	if err != nil {
		h.Logger.WithError(err).WithField("document_id", documentID).Warn("Authorization check failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "document store unavailable")
	}
	if !allowed {
		return echo.NewHTTPError(http.StatusForbidden, "not a collaborator")
	}

	check := h.Content.HasChanged(ctx, documentID, req.Body, req.Title)
	if !check.Changed {
		return c.JSON(http.StatusOK, UpdateDocumentResponse{
			JobID:  nil,
			Status: "skipped",
			Reason: "no_changes",
		})
	}

	jobID, err := h.Queue.EnqueueDocumentUpdate(ctx, queue.DocumentUpdatePayload{
		DocumentID:  documentID,
		PrincipalID: claims.PrincipalID,
		Updates:     queue.ContentUpdates{Title: req.Title, Body: req.Body},
	})
	if err != nil {
		h.Logger.WithError(err).WithField("document_id", documentID).Error("Failed to enqueue document update")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to queue update")
	}

	return c.JSON(http.StatusOK, UpdateDocumentResponse{JobID: &jobID, Status: "queued"})
}

// QueueStats reports pending/processing/failed depths.
func (h *Handlers) QueueStats(c echo.Context) error {
	stats, err := h.Queue.Stats(c.Request().Context())
	if err != nil {
		h.Logger.WithError(err).Warn("Failed to read queue stats")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue unavailable")
	}
	return c.JSON(http.StatusOK, stats)
}

// FailedJobs lists dead-letter jobs, newest last. The limit query parameter
// defaults to 50.
func (h *Handlers) FailedJobs(c echo.Context) error {
	limit := int64(50)
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	jobs, err := h.Queue.FailedJobs(c.Request().Context(), limit)
	if err != nil {
		h.Logger.WithError(err).Warn("Failed to read dead-letter jobs")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue unavailable")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// RetryFailedJob moves one dead-letter job back to pending.
func (h *Handlers) RetryFailedJob(c echo.Context) error {
	jobID := c.Param("jobId")
	job, err := h.Queue.RetryFailed(c.Request().Context(), jobID)
	if err != nil {
		h.Logger.WithError(err).WithField("job_id", jobID).Warn("Failed to retry dead-letter job")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue unavailable")
	}
	if job == nil {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"jobId": job.ID, "status": "queued"})
}

// ClearQueues drops all queue structures. Admin use only.
func (h *Handlers) ClearQueues(c echo.Context) error {
	if err := h.Queue.ClearAll(c.Request().Context()); err != nil {
		h.Logger.WithError(err).Warn("Failed to clear queues")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue unavailable")
	}
	return c.NoContent(http.StatusNoContent)
}

// Package docstore is the data gateway seam between the realtime core and
// durable document storage. The core depends only on the Gateway interface;
// the GORM-backed implementation in this package is one concrete provider.
package docstore

import (
	"context"
	"errors"
	"time"
)

// Gateway errors. Anything else returned by a Gateway is treated as
// transient and retried by the queue worker.
var (
	ErrNotFound         = errors.New("document not found")
	ErrPermissionDenied = errors.New("permission denied")
)

// IsPermanent reports whether a gateway error must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermissionDenied)
}

// Document is the durable document record visible to the core.
type Document struct {
	ID        string
	Title     string
	Body      string
	OwnerID   string
	UpdatedAt time.Time
}

// HistoryEntry records one applied edit. Version is wall-clock milliseconds.
type HistoryEntry struct {
	DocumentID  string
	PrincipalID string
	Operation   string
	Version     int64
}

// Gateway is the contract the core holds against document storage.
type Gateway interface {
	// GetDocument returns the document if the principal may see it.
	GetDocument(ctx context.Context, documentID, principalID string) (*Document, error)

	// UpdateDocument applies the non-nil fields as the principal and
	// returns the resulting document state. Writes to the same document
	// are serialized by the implementation.
	UpdateDocument(ctx context.Context, documentID, principalID string, title, body *string) (*Document, error)

	// AppendEditHistory records an applied edit. Best-effort for callers:
	// the worker logs and swallows failures here.
	AppendEditHistory(ctx context.Context, entry HistoryEntry) error

	// CanEdit reports whether the principal may write the document.
	// Returns ErrNotFound when the document does not exist.
	CanEdit(ctx context.Context, principalID, documentID string) (bool, error)
}

package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// documentRecord is the documents table.
type documentRecord struct {
	ID        string `gorm:"primaryKey"`
	Title     string
	Body      string
	OwnerID   string `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (documentRecord) TableName() string { return "documents" }

// collaboratorRecord grants a principal edit access to a document.
type collaboratorRecord struct {
	DocumentID  string `gorm:"primaryKey"`
	PrincipalID string `gorm:"primaryKey"`
	CreatedAt   time.Time
}

func (collaboratorRecord) TableName() string { return "document_collaborators" }

// historyRecord is one row of the append-only edit history.
type historyRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	DocumentID  string `gorm:"index"`
	PrincipalID string
	Operation   string
	Version     int64
	CreatedAt   time.Time
}

func (historyRecord) TableName() string { return "document_edit_history" }

// GormGateway implements Gateway on a Postgres database via GORM.
type GormGateway struct {
	db *gorm.DB
}

// OpenGorm connects to Postgres and migrates the gateway tables.
func OpenGorm(dsn string) (*GormGateway, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&documentRecord{}, &collaboratorRecord{}, &historyRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate gateway tables: %w", err)
	}
	return &GormGateway{db: db}, nil
}

// NewGormGateway wraps an existing GORM handle, used by tests and callers
// that manage the connection themselves.
func NewGormGateway(db *gorm.DB) *GormGateway {
	return &GormGateway{db: db}
}

// GetDocument returns the document if the principal is its owner or a
// collaborator.
func (g *GormGateway) GetDocument(ctx context.Context, documentID, principalID string) (*Document, error) {
	var record documentRecord
	err := g.db.WithContext(ctx).First(&record, "id = ?", documentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}

	ok, err := g.hasAccess(ctx, g.db, &record, principalID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPermissionDenied
	}

	return toDocument(&record), nil
}

// UpdateDocument applies the non-nil fields inside a transaction holding a
// row lock, so concurrent updates to the same document serialize at the
// database.
func (g *GormGateway) UpdateDocument(ctx context.Context, documentID, principalID string, title, body *string) (*Document, error) {
	var result *Document
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record documentRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", documentID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock document: %w", err)
		}

		ok, err := g.hasAccess(ctx, tx, &record, principalID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPermissionDenied
		}

		if title != nil {
			record.Title = *title
		}
		if body != nil {
			record.Body = *body
		}
		if err := tx.Save(&record).Error; err != nil {
			return fmt.Errorf("failed to save document: %w", err)
		}

		result = toDocument(&record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AppendEditHistory inserts one history row.
func (g *GormGateway) AppendEditHistory(ctx context.Context, entry HistoryEntry) error {
	record := historyRecord{
		DocumentID:  entry.DocumentID,
		PrincipalID: entry.PrincipalID,
		Operation:   entry.Operation,
		Version:     entry.Version,
	}
	if err := g.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to append edit history: %w", err)
	}
	return nil
}

// CanEdit reports owner-or-collaborator access.
func (g *GormGateway) CanEdit(ctx context.Context, principalID, documentID string) (bool, error) {
	var record documentRecord
	err := g.db.WithContext(ctx).First(&record, "id = ?", documentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to load document: %w", err)
	}
	return g.hasAccess(ctx, g.db, &record, principalID)
}

func (g *GormGateway) hasAccess(ctx context.Context, tx *gorm.DB, record *documentRecord, principalID string) (bool, error) {
	if record.OwnerID == principalID {
		return true, nil
	}
	var count int64
	err := tx.WithContext(ctx).Model(&collaboratorRecord{}).
		Where("document_id = ? AND principal_id = ?", record.ID, principalID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check collaborator access: %w", err)
	}
	return count > 0, nil
}

func toDocument(record *documentRecord) *Document {
	return &Document{
		ID:        record.ID,
		Title:     record.Title,
		Body:      record.Body,
		OwnerID:   record.OwnerID,
		UpdatedAt: record.UpdatedAt,
	}
}

// Package sqlite persists documents, chunk vectors and answer history in a
// SQLite database through gorm.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite" // CGO-free driver
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ragdocs/internal/domain"
)

// Store implements domain.DocumentStore on SQLite.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection avoids lock errors.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&documentRow{}, &chunkRow{}, &answerRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Store{db: db}, nil
}

func notFound(id string) error {
	return &domain.NotFoundError{Kind: "document", ID: id}
}

func (s *Store) Create(ctx context.Context, doc domain.Document) error {
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = doc.CreatedAt
	row := toDocumentRow(doc)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Document{}, notFound(id)
	}
	if err != nil {
		return domain.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return row.toDomain(), nil
}

func (s *Store) List(ctx context.Context) ([]domain.Document, error) {
	var rows []documentRow
	if err := s.db.WithContext(ctx).Order("rowid").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	out := make([]domain.Document, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.Status, reason string) (domain.Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound(id)
			}
			return err
		}
		from := domain.Status(row.Status)
		if !from.CanTransition(status) {
			return fmt.Errorf("document %s: %s -> %s: %w", id, from, status, domain.ErrInvalidTransition)
		}
		row.Status = string(status)
		row.FailureReason = ""
		if status == domain.StatusFailed {
			row.FailureReason = reason
		}
		row.UpdatedAt = time.Now().UTC()
		return tx.Model(&documentRow{}).Where("id = ?", id).Updates(map[string]any{
			"status":         row.Status,
			"failure_reason": row.FailureReason,
			"updated_at":     row.UpdatedAt,
		}).Error
	})
	if err != nil {
		return row.toDomain(), err
	}
	return row.toDomain(), nil
}

func (s *Store) SaveChunks(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	rows := make([]chunkRow, len(chunks))
	for i, c := range chunks {
		rows[i] = toChunkRow(c)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&documentRow{}).Where("id = ?", documentID).Update("chunk_count", len(rows))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFound(documentID)
		}
		if err := tx.Where("document_id = ?", documentID).Delete(&chunkRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(&rows, 100).Error
	})
}

func (s *Store) Chunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	var rows []chunkRow
	if err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("ord").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load chunks of %s: %w", documentID, err)
	}
	out := make([]domain.Chunk, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) DeleteChunks(ctx context.Context, documentID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&chunkRow{}).Error; err != nil {
			return err
		}
		return tx.Model(&documentRow{}).Where("id = ?", documentID).Update("chunk_count", 0).Error
	})
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&chunkRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&documentRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFound(id)
		}
		return nil
	})
}

func (s *Store) AppendAnswer(ctx context.Context, rec domain.AnswerRecord) (domain.AnswerRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	row := toAnswerRow(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.AnswerRecord{}, fmt.Errorf("append answer: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) Answers(ctx context.Context) ([]domain.AnswerRecord, error) {
	var rows []answerRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	out := make([]domain.AnswerRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"studio-collab/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
A project document is stored as a snapshot row plus the update log written
since that snapshot. Loading replays the log on top of the snapshot; saving
a snapshot compacts the log in the same transaction.
*/

// DocumentStoreImpl persists collaborative document state.
type DocumentStoreImpl struct {
	db *gorm.DB
}

func NewDocumentStore(db *gorm.DB) *DocumentStoreImpl {
	return &DocumentStoreImpl{db: db}
}

// LoadDocument returns the snapshot for projectID together with every
// logged update after it. A project with no stored state yields an empty
// StoredDocument.
func (r *DocumentStoreImpl) LoadDocument(ctx context.Context, projectID string) (*models.StoredDocument, error) {
	doc := &models.StoredDocument{}

	var snapshot models.DocumentSnapshot
	err := r.db.WithContext(ctx).First(&snapshot, "project_id = ?", projectID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	default:
		doc.State = snapshot.State
		doc.LastSeq = snapshot.LastSeq
	}

	var updates []*models.DocumentUpdate
	err = r.db.WithContext(ctx).
		Where("project_id = ? AND seq > ?", projectID, doc.LastSeq).
		Order("seq ASC").
		Find(&updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load document updates: %w", err)
	}

	for _, u := range updates {
		doc.Updates = append(doc.Updates, u.Update)
		doc.LastSeq = u.Seq
	}

	return doc, nil
}

// AppendUpdate logs an accepted update and returns its sequence number.
func (r *DocumentStoreImpl) AppendUpdate(ctx context.Context, update *models.DocumentUpdate) (uint64, error) {
	if err := r.db.WithContext(ctx).Create(update).Error; err != nil {
		return 0, fmt.Errorf("failed to append document update: %w", err)
	}
	return update.Seq, nil
}

// SaveSnapshot upserts the compacted state and deletes the log entries it
// covers.
func (r *DocumentStoreImpl) SaveSnapshot(ctx context.Context, projectID string, state []byte, lastSeq uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snapshot := &models.DocumentSnapshot{ProjectID: projectID, State: state, LastSeq: lastSeq}

		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "last_seq", "updated_at"}),
		}).Create(snapshot).Error
		if err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}

		err = tx.Where("project_id = ? AND seq <= ?", projectID, lastSeq).
			Delete(&models.DocumentUpdate{}).Error
		if err != nil {
			return fmt.Errorf("failed to compact document updates: %w", err)
		}
		return nil
	})
}

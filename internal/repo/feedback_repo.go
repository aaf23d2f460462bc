// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for feedback
// records and moderator replies.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a record is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Functions:
//
//   - CreateFeedback(ctx, db, rec) -> error
//     Inserts a new FeedbackRecord row.
//
//   - GetFeedback(ctx, db, id) -> *domain.FeedbackRecord, error
//     Fetches a single record by feedback id, or ErrNotFound if missing.
//
//   - SetRelayMessageID(ctx, db, id, messageID) -> error
//     Records the moderation-channel message id on an existing record. This
//     is the only column ever updated after insert.
//
//   - LatestFeedbackByEncryptedIdentity(ctx, db, token) -> *domain.FeedbackRecord, error
//     Finds the most recently created record whose encrypted_identity equals
//     the given token (created_at descending, limit 1), or ErrNotFound.
//
//   - CreateAdminReply(ctx, db, feedbackID, content) -> *domain.AdminReply, error
//     Appends a moderator reply row with UUID primary key.
//
//   - ListFeedbackByIdentityHash(ctx, db, hash, offset, limit) -> []domain.FeedbackRecord, error
//     Returns a page of records indexed by the one-way identity hash, ordered
//     by creation ascending, with replies preloaded in reply-creation order.
//
//   - CountFeedbackByIdentityHash(ctx, db, hash) -> (int64, error)
//     Total records for a given identity hash (pagination support).
//
//   - ListRecentFeedback(ctx, db, limit) -> []domain.FeedbackRecord, error
//     Most recent records across all submitters (moderator search corpus).
//
// This repository is designed to be wrapped by a higher-level service
// (see services.RelayService) which enforces consent and relay semantics.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-feedback-relay/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateFeedback inserts a new feedback record. The caller is responsible
// for populating ID, Type, Content, ConsentGranted, EncryptedIdentity and
// IdentityHash; CreatedAt is set to UTC now when zero.
func CreateFeedback(ctx context.Context, db *gorm.DB, rec *domain.FeedbackRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(rec).Error
}

// GetFeedback fetches a record by feedback id, or ErrNotFound if missing.
func GetFeedback(ctx context.Context, db *gorm.DB, id string) (*domain.FeedbackRecord, error) {
	var rec domain.FeedbackRecord
	err := db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetRelayMessageID stores the moderation-channel message id for a record.
// Returns ErrNotFound if no row was updated.
func SetRelayMessageID(ctx context.Context, db *gorm.DB, id, messageID string) error {
	res := db.WithContext(ctx).
		Model(&domain.FeedbackRecord{}).
		Where("id = ?", id).
		Update("relay_message_id", messageID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestFeedbackByEncryptedIdentity returns the most recent record whose
// encrypted_identity equals token. Because encryption is deterministic, this
// is an exact-match lookup rather than a decrypt-and-compare scan.
func LatestFeedbackByEncryptedIdentity(ctx context.Context, db *gorm.DB, token string) (*domain.FeedbackRecord, error) {
	var rec domain.FeedbackRecord
	err := db.WithContext(ctx).
		Where("encrypted_identity = ?", token).
		Order("created_at desc").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateAdminReply appends a moderator reply row for feedbackID.
// The reply ID is a randomly generated UUID, and CreatedAt is set to UTC.
func CreateAdminReply(ctx context.Context, db *gorm.DB, feedbackID, content string) (*domain.AdminReply, error) {
	r := &domain.AdminReply{
		ID:           uuid.NewString(),
		FeedbackID:   feedbackID,
		ReplyContent: content,
		CreatedAt:    time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		return nil, err
	}
	return r, nil
}

// ListFeedbackByIdentityHash returns a page of records for one submitter,
// located via the one-way identity hash, ordered by creation ascending.
// Replies are preloaded in their own creation order. An empty slice is a
// valid, non-error outcome.
func ListFeedbackByIdentityHash(ctx context.Context, db *gorm.DB, hash string, offset, limit int) ([]domain.FeedbackRecord, error) {
	var out []domain.FeedbackRecord
	err := db.WithContext(ctx).
		Preload("Replies", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("created_at asc")
		}).
		Where("identity_hash = ?", hash).
		Order("created_at asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountFeedbackByIdentityHash returns the total number of records stored for
// the given identity hash.
func CountFeedbackByIdentityHash(ctx context.Context, db *gorm.DB, hash string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.FeedbackRecord{}).
		Where("identity_hash = ?", hash).
		Count(&n).Error
	return n, err
}

// ListRecentFeedback returns up to limit records ordered by creation
// descending. Used to build the in-memory moderator search corpus.
func ListRecentFeedback(ctx context.Context, db *gorm.DB, limit int) ([]domain.FeedbackRecord, error) {
	var out []domain.FeedbackRecord
	err := db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

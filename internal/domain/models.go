// Package domain defines the persistence models for feedback records and
// moderator replies. These types are mapped with GORM and form the core data
// layer of the feedback relay application.
//
// Privacy model: a record never stores the submitter's raw platform identity.
// When the submitter consents to replies, a deterministic reversible
// ciphertext of the identity is kept so a later reply can be routed back;
// without consent nothing reversible is stored. A separate one-way hash of
// the identity is kept on every record so a submitter can always list their
// own history.
package domain

import "time"

// Feedback type variants. Stored as strings and enforced by a DB check
// constraint on the feedback table.
const (
	TypeServerFeedback = "server_feedback"
	TypePlayerReport   = "player_report"
)

// FeedbackRecord represents one anonymized feedback submission. Records are
// append-only: once written, every column except RelayMessageID is immutable,
// and rows are never deleted.
//
// Fields:
//   - ID: UUID primary key (char(36)); the feedback id used in all reply flows.
//   - Type: feedback variant, "server_feedback" or "player_report".
//   - Content: the submitted text.
//   - ConsentGranted: whether the submitter opted in to identity-linked replies.
//   - EncryptedIdentity: deterministic reversible ciphertext of the submitter
//     identity; non-empty iff ConsentGranted. Indexed so a submitter reply can
//     be correlated by re-encrypting the identity and matching exactly.
//   - IdentityHash: one-way hash of the submitter identity, present on every
//     record regardless of consent; indexed for "show my history" lookups only.
//   - RelayMessageID: id of the message posted in the moderation channel for
//     this record; written once after the post succeeds, used for permalinks.
//   - CreatedAt: creation timestamp; orders records so "most recent feedback
//     by this submitter" is well defined.
type FeedbackRecord struct {
	ID                string    `json:"id"               gorm:"type:char(36);primaryKey"`
	Type              string    `json:"type"             gorm:"type:varchar(32);not null;check:type IN ('server_feedback','player_report')"`
	Content           string    `json:"content"          gorm:"type:text;not null"`
	ConsentGranted    bool      `json:"consent_granted"  gorm:"not null"`
	EncryptedIdentity string    `json:"-"                gorm:"type:text;index:idx_feedback_encrypted_identity"`
	IdentityHash      string    `json:"-"                gorm:"type:char(64);not null;index:idx_feedback_identity_hash"`
	RelayMessageID    string    `json:"relay_message_id" gorm:"type:varchar(64)"`
	CreatedAt         time.Time `json:"created_at"       gorm:"index"`

	// Replies are the moderator replies appended to this record over time.
	// A thread has no terminal state; replies may keep arriving indefinitely.
	Replies []AdminReply `json:"replies,omitempty" gorm:"foreignKey:FeedbackID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for FeedbackRecord.
func (FeedbackRecord) TableName() string { return "feedback" }

// AdminReply is one moderator reply on a feedback record. Rows are an audit
// trail: they are appended regardless of whether delivery to the submitter
// succeeded, and never updated or deleted.
type AdminReply struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	FeedbackID   string    `json:"feedback_id"   gorm:"type:char(36);not null;index:idx_reply_feedback"`
	ReplyContent string    `json:"reply_content" gorm:"type:text;not null"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the database table name for AdminReply.
func (AdminReply) TableName() string { return "admin_replies" }

// Package services – RelayService
//
// This file implements the RelayService, the engine behind the three relay
// flows: anonymized submission → moderation channel, moderator reply →
// submitter DM, and submitter reply → moderation channel. It owns the
// consent gate and the identity round-trip (encrypt on the way in, cached
// decrypt on the way out) and keeps the thread state machine explicit:
// a record is Created once, then accepts moderator replies and submitter
// replies indefinitely; there is no terminal state.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-feedback-relay/internal/domain"
	"github.com/tbourn/go-feedback-relay/internal/identity"
	"github.com/tbourn/go-feedback-relay/internal/repo"
)

// DeliveryStatus is the outcome of a moderator reply flow. It is a normal
// result, not an error: consent-based non-delivery and unreachable submitters
// are expected operational outcomes the boundary must report distinctly.
type DeliveryStatus string

const (
	// StatusDelivered means the reply reached the submitter's DMs.
	StatusDelivered DeliveryStatus = "delivered"

	// StatusOptedOut means the submitter withheld consent; no delivery was
	// attempted and none ever will be for this record.
	StatusOptedOut DeliveryStatus = "opted_out"

	// StatusDeliveryFailed means the transport could not reach the submitter
	// (closed DMs, left the platform). The reply row is still persisted.
	StatusDeliveryFailed DeliveryStatus = "delivery_failed"
)

// SubmitInput carries one feedback submission through the intake flow.
type SubmitInput struct {
	Type          string // domain.TypeServerFeedback or domain.TypePlayerReport
	Content       string
	ConsentAnswer string // free-text opt-in answer, e.g. "Y", "yes", "no"
	SubmitterID   string // raw platform identity of the submitter
}

// SubmitResult reports the durable and best-effort halves of a submission.
// The record is always persisted when error is nil; Posted is false when the
// moderation-channel post failed afterwards, which the boundary reports
// distinctly so the submitter does not resubmit a duplicate.
type SubmitResult struct {
	FeedbackID     string
	ConsentGranted bool
	Posted         bool
}

// UserReplyResult reports a successfully relayed submitter reply.
type UserReplyResult struct {
	FeedbackID     string
	RelayMessageID string
}

// RelayService orchestrates the relay flows over the record store and the
// chat-platform transport. All dependencies are injected; the secret key
// lives inside Cipher and is immutable after construction.
type RelayService struct {
	DB        *gorm.DB
	Cipher    *identity.Cipher
	Cache     *identity.Cache
	Transport Transport

	// ChannelID is the moderation channel all anonymized posts go to.
	ChannelID string

	// ReplyPrefix is the DM command a submitter uses to reply (e.g. "!reply");
	// quoted in delivery texts so submitters know how to answer.
	ReplyPrefix string

	// MaxContentRunes caps submission and reply text length; 0 means the
	// default of 4000.
	MaxContentRunes int
}

const defaultMaxContentRunes = 4000

var titleCaser = cases.Title(language.English)

// typeTitle renders a feedback type constant as a human heading,
// e.g. "server_feedback" → "Server Feedback".
func typeTitle(feedbackType string) string {
	return titleCaser.String(strings.ReplaceAll(feedbackType, "_", " "))
}

func (s *RelayService) maxRunes() int {
	if s.MaxContentRunes > 0 {
		return s.MaxContentRunes
	}
	return defaultMaxContentRunes
}

func (s *RelayService) validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyContent
	}
	if utf8.RuneCountInString(text) > s.maxRunes() {
		return ErrTooLong
	}
	return nil
}

// Submit runs the intake flow for one feedback submission.
//
// Semantics:
//   - Type must be a known variant; content must be non-empty and within the
//     rune cap (ErrInvalidType / ErrEmptyContent / ErrTooLong).
//   - The consent gate decides whether the submitter identity is stored at
//     all; with consent the identity is encrypted into the deterministic
//     correlation token, without it nothing reversible is kept.
//   - Every record is additionally indexed by the one-way identity hash so
//     the submitter can always list their own history.
//   - The record is persisted first; the moderation-channel post is
//     best-effort afterwards. A failed post leaves the record durable and is
//     reported via Posted=false, never as an error, so a retry by the caller
//     cannot create a duplicate.
//   - The reply affordance is attached to the channel post only when consent
//     was granted.
//
// One submission yields exactly one record and at most one channel post.
func (s *RelayService) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.Type != domain.TypeServerFeedback && in.Type != domain.TypePlayerReport {
		return nil, ErrInvalidType
	}
	if err := s.validateText(in.Content); err != nil {
		return nil, err
	}

	consent := consentGranted(in.ConsentAnswer)

	var token string
	if consent {
		var err error
		token, err = s.Cipher.Encrypt(in.SubmitterID)
		if err != nil {
			// Pure computation failed; nothing was persisted.
			return nil, fmt.Errorf("encrypt identity: %w", err)
		}
	}

	rec := &domain.FeedbackRecord{
		ID:                uuid.NewString(),
		Type:              in.Type,
		Content:           in.Content,
		ConsentGranted:    consent,
		EncryptedIdentity: token,
		IdentityHash:      identity.HashIdentity(in.SubmitterID),
	}
	if err := repo.CreateFeedback(ctx, s.DB, rec); err != nil {
		return nil, fmt.Errorf("store feedback: %w", err)
	}
	if consent {
		// Warm the correlation cache; decrypting later would yield the same value.
		s.Cache.Put(rec.ID, in.SubmitterID)
	}

	res := &SubmitResult{FeedbackID: rec.ID, ConsentGranted: consent}

	msg := ChannelMessage{
		Title:      "New " + typeTitle(in.Type),
		Body:       in.Content,
		FeedbackID: rec.ID,
	}
	if consent {
		msg.ReplyAction = &ReplyAction{FeedbackID: rec.ID, Kind: ReplyToFeedback}
	}
	msgID, err := s.Transport.PostChannelMessage(ctx, s.ChannelID, msg)
	if err != nil {
		log.Warn().Err(err).Str("feedback_id", rec.ID).Msg("moderation channel post failed; record kept")
		return res, nil
	}
	res.Posted = true

	if err := repo.SetRelayMessageID(ctx, s.DB, rec.ID, msgID); err != nil {
		log.Warn().Err(err).Str("feedback_id", rec.ID).Msg("could not record relay message id")
	}
	return res, nil
}

// RelayAdminReply routes a moderator reply on the original submission thread
// back to the anonymous submitter.
//
// The reply row is persisted unconditionally so an audit trail exists
// regardless of delivery outcome. The channel echo is only posted when the
// submitter opted in, matching the submission post's reply affordance.
//
// Returns ErrFeedbackNotFound when the id matches no record; otherwise one of
// the DeliveryStatus outcomes.
func (s *RelayService) RelayAdminReply(ctx context.Context, feedbackID, replyText, moderatorID string) (DeliveryStatus, error) {
	return s.relayModeratorReply(ctx, feedbackID, replyText, moderatorID, false)
}

// RelayAdminReplyToUserReply is RelayAdminReply triggered from a user-reply
// relay thread. The only contract difference: the moderator's reply is echoed
// into the moderation channel for audit visibility regardless of consent or
// delivery outcome.
func (s *RelayService) RelayAdminReplyToUserReply(ctx context.Context, feedbackID, replyText, moderatorID string) (DeliveryStatus, error) {
	return s.relayModeratorReply(ctx, feedbackID, replyText, moderatorID, true)
}

func (s *RelayService) relayModeratorReply(ctx context.Context, feedbackID, replyText, moderatorID string, echoAlways bool) (DeliveryStatus, error) {
	if err := s.validateText(replyText); err != nil {
		return "", err
	}

	rec, err := repo.GetFeedback(ctx, s.DB, feedbackID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", ErrFeedbackNotFound
		}
		return "", fmt.Errorf("load feedback: %w", err)
	}

	// Audit trail first: the reply row exists whatever happens next.
	if _, err := repo.CreateAdminReply(ctx, s.DB, rec.ID, replyText); err != nil {
		return "", fmt.Errorf("store reply: %w", err)
	}

	if echoAlways || rec.ConsentGranted {
		s.echoModeratorReply(ctx, rec.ID, replyText, moderatorID)
	}

	if !rec.ConsentGranted {
		return StatusOptedOut, nil
	}

	raw, err := s.resolveIdentity(rec)
	if err != nil {
		return "", err
	}

	if err := s.Transport.SendDirectMessage(ctx, raw, s.deliveryText(rec.ID, replyText)); err != nil {
		log.Warn().Err(err).Str("feedback_id", rec.ID).Msg("direct delivery failed")
		return StatusDeliveryFailed, nil
	}
	return StatusDelivered, nil
}

// resolveIdentity returns the submitter's raw identity for a consenting
// record, via the correlation cache with a decrypt-and-memoize fallback.
// Cache absence never changes behavior, only latency.
func (s *RelayService) resolveIdentity(rec *domain.FeedbackRecord) (string, error) {
	if raw, ok := s.Cache.Get(rec.ID); ok {
		return raw, nil
	}
	raw, err := s.Cipher.Decrypt(rec.EncryptedIdentity)
	if err != nil {
		// Never guess an identity; surface the failure with full detail in
		// logs and a generic error to the caller.
		log.Error().Err(err).Str("feedback_id", rec.ID).Msg("identity decryption failed")
		return "", fmt.Errorf("decrypt identity for feedback %s: %w", rec.ID, err)
	}
	s.Cache.Put(rec.ID, raw)
	return raw, nil
}

// echoModeratorReply posts the moderator's reply text into the moderation
// channel. Echo failures are logged and swallowed: the audit row is already
// durable and delivery must still be attempted.
func (s *RelayService) echoModeratorReply(ctx context.Context, feedbackID, replyText, moderatorID string) {
	msg := ChannelMessage{
		Title:      "Moderator Reply",
		Body:       fmt.Sprintf("%s replied to feedback id `%s` with\n> %s", moderatorID, feedbackID, replyText),
		FeedbackID: feedbackID,
	}
	if _, err := s.Transport.PostChannelMessage(ctx, s.ChannelID, msg); err != nil {
		log.Warn().Err(err).Str("feedback_id", feedbackID).Msg("reply echo post failed")
	}
}

// deliveryText is the DM sent to the submitter, including the command they
// can use to reply anonymously.
func (s *RelayService) deliveryText(feedbackID, replyText string) string {
	prefix := s.ReplyPrefix
	if prefix == "" {
		prefix = "!reply"
	}
	return fmt.Sprintf(
		"A moderator has replied to your feedback (ID: %s). You can reply using `%s <your message>`.\n\nModerator's reply:\n> %s",
		feedbackID, prefix, replyText,
	)
}

// RelayUserReply routes a submitter's DM reply to the moderation channel.
//
// The submitter identity is re-encrypted; because encryption is deterministic
// the token equals the stored one, so the most recent consenting record is
// found by exact match, newest first. ErrNoPriorFeedback covers submitters
// who never opted in, never submitted, or whose records predate a key change.
//
// Note: two concurrent replies from the same submitter may both resolve the
// same "most recent" record; with append-only records that is harmless and
// accepted rather than serialized.
func (s *RelayService) RelayUserReply(ctx context.Context, submitterID, replyText string) (*UserReplyResult, error) {
	if err := s.validateText(replyText); err != nil {
		return nil, err
	}

	token, err := s.Cipher.Encrypt(submitterID)
	if err != nil {
		return nil, fmt.Errorf("encrypt identity: %w", err)
	}

	rec, err := repo.LatestFeedbackByEncryptedIdentity(ctx, s.DB, token)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNoPriorFeedback
		}
		return nil, fmt.Errorf("correlate reply: %w", err)
	}

	msg := ChannelMessage{
		Title:       "User Reply to Feedback",
		Body:        replyText,
		FeedbackID:  rec.ID,
		ReplyAction: &ReplyAction{FeedbackID: rec.ID, Kind: ReplyToUserReply},
	}
	if rec.RelayMessageID != "" {
		msg.ReferenceLink = s.Transport.MessagePermalink(s.ChannelID, rec.RelayMessageID)
	}
	msgID, err := s.Transport.PostChannelMessage(ctx, s.ChannelID, msg)
	if err != nil {
		return nil, fmt.Errorf("post user reply: %w", err)
	}

	return &UserReplyResult{FeedbackID: rec.ID, RelayMessageID: msgID}, nil
}

// historyDigestLimit bounds how many records a DM digest includes.
const historyDigestLimit = 100

// DeliverHistoryDigest sends the submitter their own feedback history as a
// direct message and reports how many records it covered. The recipient is
// the caller's own raw identity, so no token round-trip is involved; the
// digest is built from the one-way hash index exactly like ListSubmitterHistory.
func (s *RelayService) DeliverHistoryDigest(ctx context.Context, submitterID string) (int, error) {
	recs, _, err := s.ListSubmitterHistory(ctx, submitterID, 0, historyDigestLimit)
	if err != nil {
		return 0, err
	}

	if err := s.Transport.SendDirectMessage(ctx, submitterID, historyDigest(recs)); err != nil {
		return 0, fmt.Errorf("deliver history: %w", err)
	}
	return len(recs), nil
}

// historyDigest renders records and their replies as DM text, oldest first.
func historyDigest(recs []domain.FeedbackRecord) string {
	if len(recs) == 0 {
		return "You have no feedback on record."
	}

	var b strings.Builder
	b.WriteString("Your feedback history:\n")
	for _, rec := range recs {
		fmt.Fprintf(&b, "\n%s (ID: %s)\n> %s\n", typeTitle(rec.Type), rec.ID, rec.Content)
		for _, rep := range rec.Replies {
			fmt.Fprintf(&b, "Moderator reply:\n> %s\n", rep.ReplyContent)
		}
	}
	return b.String()
}

// ListSubmitterHistory returns the submitter's own records with replies
// attached, ordered oldest first, plus the total count for pagination.
// Lookup goes through the one-way identity hash, never the reversible token,
// and works whether or not consent was ever granted: a submitter reading
// their own history is not a confidentiality breach. An empty page is a
// valid, non-error outcome.
func (s *RelayService) ListSubmitterHistory(ctx context.Context, submitterID string, offset, limit int) ([]domain.FeedbackRecord, int64, error) {
	hash := identity.HashIdentity(submitterID)

	total, err := repo.CountFeedbackByIdentityHash(ctx, s.DB, hash)
	if err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}
	out, err := repo.ListFeedbackByIdentityHash(ctx, s.DB, hash, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	return out, total, nil
}

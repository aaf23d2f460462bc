// Feedback relay HTTP handlers.
//
// This file exposes the REST endpoints for the anonymized feedback flows:
//   - POST /feedback                      (submit feedback or a report)
//   - POST /feedback/{id}/replies         (moderator reply to a submission)
//   - POST /feedback/{id}/thread-replies  (moderator reply on a relay thread)
//   - GET  /feedback/history              (submitter's own history)
//   - GET  /feedback/search               (moderator content search)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate structured results and sentinel errors into HTTP responses.
// Raw submitter identities never appear in any response body.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-feedback-relay/internal/domain"
	"github.com/tbourn/go-feedback-relay/internal/search"
	"github.com/tbourn/go-feedback-relay/internal/services"
	"github.com/tbourn/go-feedback-relay/internal/utils"
)

//
// Service contracts (context-aware)
//

// RelayService defines the feedback relay operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type RelayService interface {
	// Submit records a feedback submission and posts it anonymously.
	Submit(ctx context.Context, in services.SubmitInput) (*services.SubmitResult, error)
	// RelayAdminReply stores a moderator reply and delivers it when permitted.
	RelayAdminReply(ctx context.Context, feedbackID, replyText, moderatorID string) (services.DeliveryStatus, error)
	// RelayAdminReplyToUserReply is RelayAdminReply with an unconditional channel echo.
	RelayAdminReplyToUserReply(ctx context.Context, feedbackID, replyText, moderatorID string) (services.DeliveryStatus, error)
	// RelayUserReply correlates a submitter's reply to their latest record.
	RelayUserReply(ctx context.Context, submitterID, replyText string) (*services.UserReplyResult, error)
	// ListSubmitterHistory returns a page of the submitter's records and the total count.
	ListSubmitterHistory(ctx context.Context, submitterID string, offset, limit int) ([]domain.FeedbackRecord, int64, error)
	// DeliverHistoryDigest DMs the submitter their history and reports the record count.
	DeliverHistoryDigest(ctx context.Context, submitterID string) (int, error)
}

// SearchService defines keyword search over stored feedback content.
type SearchService interface {
	// Search returns up to k results ranked by relevance to query.
	Search(ctx context.Context, query string, k int) ([]search.Result, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for feedback intake, moderator replies,
// direct-message commands, and search. It depends on abstract service
// interfaces to keep transport concerns separate from business logic.
type Handlers struct {
	relaySvc  RelayService
	searchSvc SearchService

	// replyPrefix is the DM command that routes to RelayUserReply.
	replyPrefix string
}

// New constructs and returns a Handlers instance bound to the given services.
func New(relaySvc RelayService, searchSvc SearchService, replyPrefix string) *Handlers {
	return &Handlers{relaySvc: relaySvc, searchSvc: searchSvc, replyPrefix: replyPrefix}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// DTOs
//

// SubmitFeedbackRequest is the JSON payload for submitting feedback.
type SubmitFeedbackRequest struct {
	// Type is the submission category: server_feedback or player_report.
	Type string `json:"type" binding:"required" example:"server_feedback"`
	// Content is the feedback text.
	Content string `json:"content" binding:"required" example:"The spawn area lags badly on weekends"`
	// OptIn is the free-text consent answer; only "y"/"yes" grant consent.
	OptIn string `json:"opt_in" example:"yes"`
}

// SubmitFeedbackResponse reports the outcome of a submission.
type SubmitFeedbackResponse struct {
	FeedbackID     string `json:"feedback_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	ConsentGranted bool   `json:"consent_granted"`
	// Posted is false when the record was stored but the moderation-channel
	// post failed; clients must not resubmit in that case.
	Posted bool `json:"posted"`
}

// ModeratorReplyRequest is the JSON payload for a moderator reply.
type ModeratorReplyRequest struct {
	// Reply is the moderator's reply text.
	Reply string `json:"reply" binding:"required" example:"Thanks, we are looking into it"`
}

// ModeratorReplyResponse reports a reply's delivery outcome.
type ModeratorReplyResponse struct {
	FeedbackID string `json:"feedback_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	// Status is one of: delivered, opted_out, delivery_failed.
	Status services.DeliveryStatus `json:"status" example:"delivered"`
}

// HistoryResponse wraps a page of the submitter's feedback records.
type HistoryResponse struct {
	Entries []domain.FeedbackRecord `json:"entries"`
	Total   int64                   `json:"total"`
	Offset  int                     `json:"offset"`
	Limit   int                     `json:"limit"`
}

// SearchResult is one ranked hit from feedback content search.
type SearchResult struct {
	FeedbackID string  `json:"feedback_id"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}

// SearchResponse wraps ranked search hits.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

//
// Helpers
//

// clampWindow parses and bounds offset and limit query params to sane
// defaults and limits, returning (offset, limit).
func clampWindow(c *gin.Context) (offset, limit int) {
	const (
		defaultLimit = 20
		maxLimit     = 100
	)
	offset = utils.AtoiDefault(c.Query("offset"), 0)
	if offset < 0 {
		offset = 0
	}
	limit = utils.AtoiDefault(c.Query("limit"), defaultLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return
}

// failValidation maps service validation sentinels to 400 responses and
// reports whether err was handled.
func failValidation(c *gin.Context, err error) bool {
	switch {
	case errors.Is(err, services.ErrInvalidType):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "type must be server_feedback or player_report")
	case errors.Is(err, services.ErrEmptyContent):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content must not be empty")
	case errors.Is(err, services.ErrTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content exceeds the maximum length")
	default:
		return false
	}
	return true
}

//
// Handlers
//

// SubmitFeedback godoc
// @ID          submitFeedback
// @Summary     Submit feedback or a player report
// @Description Stores the submission with an encrypted identity (when consent is granted) and posts it anonymously to the moderation channel.
// @Tags        Feedback
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Submitter ID (demo header)"  example(user123)
// @Param       body       body    handlers.SubmitFeedbackRequest  true  "Submission payload"
//
// @Success     201  {object}  handlers.SubmitFeedbackResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid payload"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /feedback [post]
func (h *Handlers) SubmitFeedback(c *gin.Context) {
	var req SubmitFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	res, err := h.relaySvc.Submit(c.Request.Context(), services.SubmitInput{
		Type:          strings.TrimSpace(req.Type),
		Content:       req.Content,
		ConsentAnswer: req.OptIn,
		SubmitterID:   userID(c),
	})
	if err != nil {
		if failValidation(c, err) {
			return
		}
		failServer(c, ErrCodeSubmitFailed, err)
		return
	}

	ok(c, http.StatusCreated, SubmitFeedbackResponse{
		FeedbackID:     res.FeedbackID,
		ConsentGranted: res.ConsentGranted,
		Posted:         res.Posted,
	})
}

// RelayAdminReply godoc
// @ID          relayAdminReply
// @Summary     Reply to a feedback submission
// @Description Stores a moderator reply and delivers it to the submitter when consent permits. The outcome is reported in the status field.
// @Tags        Replies
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Moderator ID (demo header)"  example(mod42)
// @Param       id         path    string  true  "Feedback ID (UUID)"          format(uuid) example(141add05-4415-4938-b5a1-17e0d3171aff)
// @Param       body       body    handlers.ModeratorReplyRequest  true  "Reply payload"
//
// @Success     200  {object}  handlers.ModeratorReplyResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid payload"
// @Failure     404  {object}  handlers.ErrorResponse  "Feedback not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /feedback/{id}/replies [post]
func (h *Handlers) RelayAdminReply(c *gin.Context) {
	h.moderatorReply(c, h.relaySvc.RelayAdminReply)
}

// RelayThreadReply godoc
// @ID          relayThreadReply
// @Summary     Reply on a relay thread
// @Description Like replying to a submission, but the moderation channel is echoed for every outcome so the thread stays auditable.
// @Tags        Replies
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Moderator ID (demo header)"  example(mod42)
// @Param       id         path    string  true  "Feedback ID (UUID)"          format(uuid) example(141add05-4415-4938-b5a1-17e0d3171aff)
// @Param       body       body    handlers.ModeratorReplyRequest  true  "Reply payload"
//
// @Success     200  {object}  handlers.ModeratorReplyResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid payload"
// @Failure     404  {object}  handlers.ErrorResponse  "Feedback not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /feedback/{id}/thread-replies [post]
func (h *Handlers) RelayThreadReply(c *gin.Context) {
	h.moderatorReply(c, h.relaySvc.RelayAdminReplyToUserReply)
}

// moderatorReply implements the shared reply flow for both reply endpoints.
func (h *Handlers) moderatorReply(c *gin.Context, relay func(ctx context.Context, feedbackID, replyText, moderatorID string) (services.DeliveryStatus, error)) {
	feedbackID := c.Param("id")
	if _, err := uuid.Parse(feedbackID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "feedback id must be a UUID")
		return
	}

	var req ModeratorReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "reply required")
		return
	}

	status, err := relay(c.Request.Context(), feedbackID, req.Reply, userID(c))
	if err != nil {
		if errors.Is(err, services.ErrFeedbackNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "feedback not found")
			return
		}
		if failValidation(c, err) {
			return
		}
		failServer(c, ErrCodeReplyFailed, err)
		return
	}

	ok(c, http.StatusOK, ModeratorReplyResponse{FeedbackID: feedbackID, Status: status})
}

// ListHistory godoc
// @ID          listHistory
// @Summary     List the caller's feedback history
// @Description Returns the caller's submissions with moderator replies, oldest first. Identity is matched by one-way hash; no consent required.
// @Tags        Feedback
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Submitter ID (demo header)"  example(user123)
// @Param       offset     query   int     false "Entries to skip"             minimum(0) default(0)
// @Param       limit      query   int     false "Page size"                   minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.HistoryResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /feedback/history [get]
func (h *Handlers) ListHistory(c *gin.Context) {
	offset, limit := clampWindow(c)

	entries, total, err := h.relaySvc.ListSubmitterHistory(c.Request.Context(), userID(c), offset, limit)
	if err != nil {
		failServer(c, ErrCodeListFailed, err)
		return
	}
	if entries == nil {
		entries = []domain.FeedbackRecord{}
	}

	ok(c, http.StatusOK, HistoryResponse{
		Entries: entries,
		Total:   total,
		Offset:  offset,
		Limit:   limit,
	})
}

// SearchFeedback godoc
// @ID          searchFeedback
// @Summary     Search stored feedback content
// @Description Keyword search over recent feedback content, ranked by relevance. Intended for moderators triaging submissions.
// @Tags        Search
// @Produce     json
//
// @Param       q  query  string  true   "Search query"          example(spawn lag)
// @Param       k  query  int     false  "Maximum results"       minimum(1) maximum(50) default(5)
//
// @Success     200  {object}  handlers.SearchResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Missing query"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /feedback/search [get]
func (h *Handlers) SearchFeedback(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "q is required")
		return
	}

	const (
		defaultK = 5
		maxK     = 50
	)
	k := utils.AtoiDefault(c.Query("k"), defaultK)
	if k < 1 {
		k = 1
	}
	if k > maxK {
		k = maxK
	}

	hits, err := h.searchSvc.Search(c.Request.Context(), query, k)
	if err != nil {
		failServer(c, ErrCodeSearchFailed, err)
		return
	}

	results := make([]SearchResult, 0, len(hits))
	for _, r := range hits {
		results = append(results, SearchResult{FeedbackID: r.FeedbackID, Snippet: r.Snippet, Score: r.Score})
	}
	ok(c, http.StatusOK, SearchResponse{Query: query, Results: results})
}

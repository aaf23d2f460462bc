// Direct-message command handler.
//
// This file exposes the DM intake endpoint:
//   - POST /dm  (command dispatch)
//
// A submitter interacts with the relay over direct messages using text
// commands: a message starting with the configured reply prefix (e.g.
// "!reply") is relayed anonymously to the moderation channel against the
// submitter's most recent record, and "!viewreplies" sends their history
// back over the same DM path.
// Any other content is rejected so submitters learn the available commands.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-feedback-relay/internal/services"
)

// viewRepliesCommand lists the caller's feedback history over DM.
const viewRepliesCommand = "!viewreplies"

// DirectMessageRequest is the JSON payload for a submitter direct message.
type DirectMessageRequest struct {
	// Content is the raw DM text, e.g. "!reply thanks for the update".
	Content string `json:"content" binding:"required" example:"!reply thanks for the update"`
}

// UserReplyResponse reports a successfully relayed submitter reply.
type UserReplyResponse struct {
	FeedbackID     string `json:"feedback_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	RelayMessageID string `json:"relay_message_id" example:"msg-1042"`
}

// HistoryDigestResponse acknowledges a history digest sent over DM.
type HistoryDigestResponse struct {
	FeedbackCount int `json:"feedback_count" example:"3"`
}

// HandleDirectMessage godoc
// @ID          handleDirectMessage
// @Summary     Process a submitter direct message
// @Description Dispatches DM commands: the reply prefix relays the remainder to the moderation channel against the caller's latest submission; !viewreplies sends their history back over DM.
// @Tags        DirectMessages
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Submitter ID (demo header)"  example(user123)
// @Param       body       body    handlers.DirectMessageRequest  true  "DM payload"
//
// @Success     200  {object}  handlers.UserReplyResponse  "Reply relayed (or HistoryDigestResponse for !viewreplies)"
// @Failure     400  {object}  handlers.ErrorResponse  "Unknown command or invalid payload"
// @Failure     404  {object}  handlers.ErrorResponse  "No prior feedback to reply to"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /dm [post]
func (h *Handlers) HandleDirectMessage(c *gin.Context) {
	var req DirectMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	content := strings.TrimSpace(req.Content)

	switch {
	case content == viewRepliesCommand:
		h.dmHistory(c)
	case content == h.replyPrefix || strings.HasPrefix(content, h.replyPrefix+" "):
		h.dmReply(c, strings.TrimSpace(strings.TrimPrefix(content, h.replyPrefix)))
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest,
			fmt.Sprintf("unknown command; use %q or %q", h.replyPrefix, viewRepliesCommand))
	}
}

// dmReply relays the text after the reply prefix to the moderation channel.
func (h *Handlers) dmReply(c *gin.Context, replyText string) {
	res, err := h.relaySvc.RelayUserReply(c.Request.Context(), userID(c), replyText)
	if err != nil {
		if errors.Is(err, services.ErrNoPriorFeedback) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "no prior feedback to reply to")
			return
		}
		if failValidation(c, err) {
			return
		}
		failServer(c, ErrCodeReplyFailed, err)
		return
	}

	ok(c, http.StatusOK, UserReplyResponse{
		FeedbackID:     res.FeedbackID,
		RelayMessageID: res.RelayMessageID,
	})
}

// dmHistory delivers the caller's history back over the DM path, mirroring
// how the command arrived. The HTTP response only acknowledges the send.
func (h *Handlers) dmHistory(c *gin.Context) {
	n, err := h.relaySvc.DeliverHistoryDigest(c.Request.Context(), userID(c))
	if err != nil {
		failServer(c, ErrCodeListFailed, err)
		return
	}
	ok(c, http.StatusOK, HistoryDigestResponse{FeedbackCount: n})
}

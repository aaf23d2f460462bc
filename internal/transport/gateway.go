// Package transport implements the chat-platform boundary as a thin HTTP
// client against a chat gateway: channel posts and direct messages become
// JSON POSTs, permalinks are built from the gateway's public URL scheme.
// The relay core only sees the services.Transport interface; everything
// platform-specific stays here.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tbourn/go-feedback-relay/internal/services"
)

// Gateway talks to a chat-platform HTTP gateway. BaseURL is the gateway
// origin, e.g. "https://chat-gw.internal"; endpoints follow the shape
// POST {base}/channels/{id}/messages and POST {base}/users/{id}/messages.
type Gateway struct {
	BaseURL string
	Client  *http.Client
}

// NewGateway builds a Gateway with a bounded-timeout HTTP client. A delivery
// that hangs is treated like any other delivery failure; the relay core never
// retries.
func NewGateway(baseURL string) *Gateway {
	return &Gateway{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// channelPost is the wire form of a moderation-channel message.
type channelPost struct {
	Title         string `json:"title,omitempty"`
	Body          string `json:"body"`
	FeedbackID    string `json:"feedback_id,omitempty"`
	ReferenceLink string `json:"reference_link,omitempty"`
	ReplyAction   string `json:"reply_action,omitempty"`
}

// postResponse carries the created message id back from the gateway.
type postResponse struct {
	MessageID string `json:"message_id"`
}

// directMessage is the wire form of a DM.
type directMessage struct {
	Content string `json:"content"`
}

// PostChannelMessage implements services.Transport.
func (g *Gateway) PostChannelMessage(ctx context.Context, channelID string, msg services.ChannelMessage) (string, error) {
	body := channelPost{
		Title:         msg.Title,
		Body:          msg.Body,
		FeedbackID:    msg.FeedbackID,
		ReferenceLink: msg.ReferenceLink,
	}
	if msg.ReplyAction != nil {
		body.ReplyAction = string(msg.ReplyAction.Kind) + ":" + msg.ReplyAction.FeedbackID
	}

	endpoint := fmt.Sprintf("%s/channels/%s/messages", g.BaseURL, url.PathEscape(channelID))
	var resp postResponse
	if err := g.postJSON(ctx, endpoint, body, &resp); err != nil {
		return "", fmt.Errorf("post to channel %s: %w", channelID, err)
	}
	return resp.MessageID, nil
}

// SendDirectMessage implements services.Transport.
func (g *Gateway) SendDirectMessage(ctx context.Context, recipientID, content string) error {
	endpoint := fmt.Sprintf("%s/users/%s/messages", g.BaseURL, url.PathEscape(recipientID))
	if err := g.postJSON(ctx, endpoint, directMessage{Content: content}, nil); err != nil {
		return fmt.Errorf("send dm: %w", err)
	}
	return nil
}

// MessagePermalink implements services.Transport.
func (g *Gateway) MessagePermalink(channelID, messageID string) string {
	return fmt.Sprintf("%s/channels/%s/messages/%s",
		g.BaseURL, url.PathEscape(channelID), url.PathEscape(messageID))
}

// postJSON sends a JSON request and decodes the response into out when
// non-nil. Non-2xx statuses are errors; bodies are drained so the client
// connection can be reused.
func (g *Gateway) postJSON(ctx context.Context, endpoint string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Interface guard.
var _ services.Transport = (*Gateway)(nil)

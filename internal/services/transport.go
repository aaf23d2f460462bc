package services

import "context"

// ReplyActionKind distinguishes the two reply affordances a channel message
// can carry: a reply on the original submission thread, or a reply on a
// user-reply relay thread. The boundary that renders messages uses the kind
// to route the moderator's next interaction back into the right relay flow.
type ReplyActionKind string

const (
	// ReplyToFeedback marks the affordance attached to an original
	// submission post.
	ReplyToFeedback ReplyActionKind = "reply_feedback"

	// ReplyToUserReply marks the affordance attached to a relayed
	// submitter reply.
	ReplyToUserReply ReplyActionKind = "reply_user_reply"
)

// ReplyAction is the interactive reply affordance attached to a channel
// message. It is only attached when the submitter consented to replies;
// without consent there is no channel back to the submitter, so offering a
// reply action would be misleading.
type ReplyAction struct {
	FeedbackID string
	Kind       ReplyActionKind
}

// ChannelMessage is the structured message posted to the moderation channel.
// The transport renders it in whatever shape the chat platform expects
// (embed, card, plain text); the relay engine only decides content.
type ChannelMessage struct {
	Title         string
	Body          string
	FeedbackID    string
	ReferenceLink string       // permalink to the original post, if any
	ReplyAction   *ReplyAction // nil when no reply affordance should be offered
}

// Transport is the chat-platform boundary consumed by the relay engine. It
// is the only way the engine touches the outside world besides the record
// store. Implementations live outside the core (see internal/transport);
// tests inject fakes.
//
// Delivery failures are terminal for the call: the engine never retries
// automatically.
type Transport interface {
	// PostChannelMessage posts a structured message to the named channel and
	// returns the platform message id of the created post.
	PostChannelMessage(ctx context.Context, channelID string, msg ChannelMessage) (string, error)

	// SendDirectMessage delivers text privately to a platform user.
	SendDirectMessage(ctx context.Context, recipientID, content string) error

	// MessagePermalink builds a stable link to a previously posted channel
	// message, used to reference the original post from relay messages.
	MessagePermalink(channelID, messageID string) string
}

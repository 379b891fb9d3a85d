// Package dialogue talks to the conversational bot: it opens and resumes
// conversations, posts messages and polls for the bot's replies.
package dialogue

import (
	"context"
	"errors"

	"github.com/xaenox/mention-bridge/internal/models"
)

var (
	// ErrNoConversation is returned when a conversation is not in the cache.
	ErrNoConversation = errors.New("conversation not found")
)

// Client is the transport to the bot.
type Client interface {
	// StartConversation opens a new conversation. Its watermark starts empty.
	StartConversation(ctx context.Context) (models.Conversation, error)
	// ResumeConversation reconnects to an existing conversation and returns
	// its refreshed handle.
	ResumeConversation(ctx context.Context, conversation models.Conversation) (models.Conversation, error)
	// PostActivity sends an activity and returns its ID.
	PostActivity(ctx context.Context, conversationID string, activity models.Activity) (string, error)
	// FetchActivities returns the activities after watermark, in delivery
	// order, and the watermark to use next time.
	FetchActivities(ctx context.Context, conversationID, watermark string) (models.ActivitySet, error)
}

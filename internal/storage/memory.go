package storage

import (
	"github.com/jonboulle/clockwork"
	"github.com/xaenox/mention-bridge/internal/models"
	"go.uber.org/zap"
)

// NewMemoryCache builds a ConversationCache held entirely in process memory.
// Everything is lost on restart.
func NewMemoryCache(cfg TTLConfig, clock clockwork.Clock, logger *zap.Logger) *ConversationCache {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	stores := Stores{
		Sessions:           NewStore[models.ConversationSession](cfg.ConversationTTL, clock),
		LatestTweets:       NewStore[models.Tweet](cfg.ConversationTTL, clock),
		RootTweets:         NewStore[models.Tweet](cfg.ConversationTTL, clock),
		TweetConversations: NewStore[string](cfg.ConversationTTL, clock),
		WaitingUsers:       NewStore[models.UserIdentifier](cfg.ReplyTTL, clock),
		PendingReplies:     NewStore[models.Activity](cfg.ReplyTTL, clock),
	}
	return NewConversationCache(stores, clock, logger)
}

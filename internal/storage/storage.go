package storage

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/xaenox/mention-bridge/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultReplyTTL        = 30 * time.Second
	DefaultConversationTTL = 300 * time.Second
)

// KV is the contract every expiring store implements, in memory or durable.
type KV[V any] interface {
	Put(key models.CorrelationKey, value V) bool
	Upsert(key models.CorrelationKey, value V) bool
	// Update replaces a live value without touching its timestamp.
	Update(id string, value V) bool
	Get(id string) (V, bool)
	Remove(id string) bool
	Values() []V
}

// TTLConfig holds the expiry of the two families of stores.
type TTLConfig struct {
	// ReplyTTL applies to the reply-matching stores (waiting users, pending replies).
	ReplyTTL time.Duration
	// ConversationTTL applies to sessions, latest/root tweets and tweet links.
	ConversationTTL time.Duration
}

func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		ReplyTTL:        DefaultReplyTTL,
		ConversationTTL: DefaultConversationTTL,
	}
}

func (c TTLConfig) withDefaults() TTLConfig {
	if c.ReplyTTL <= 0 {
		c.ReplyTTL = DefaultReplyTTL
	}
	if c.ConversationTTL <= 0 {
		c.ConversationTTL = DefaultConversationTTL
	}
	return c
}

// Stores is the set of KVs a ConversationCache is composed of.
type Stores struct {
	Sessions           KV[models.ConversationSession]
	LatestTweets       KV[models.Tweet]
	RootTweets         KV[models.Tweet]
	TweetConversations KV[string]
	WaitingUsers       KV[models.UserIdentifier]
	PendingReplies     KV[models.Activity]
}

// ConversationCache tracks bot sessions and the correlation between tweets
// and conversations. It is safe for concurrent use: every store guards
// itself, and there is no atomicity across stores.
type ConversationCache struct {
	stores Stores
	clock  clockwork.Clock
	logger *zap.Logger
	closer func() error
}

func NewConversationCache(stores Stores, clock clockwork.Clock, logger *zap.Logger) *ConversationCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationCache{
		stores: stores,
		clock:  clock,
		logger: logger,
	}
}

func (c *ConversationCache) key(id string) (models.CorrelationKey, bool) {
	key, err := models.NewCorrelationKey(id, c.clock.Now())
	if err != nil {
		return models.CorrelationKey{}, false
	}
	return key, true
}

// PutConversationSession records or replaces the session of a conversation,
// stamping it now.
func (c *ConversationCache) PutConversationSession(id string, session models.ConversationSession) bool {
	key, ok := c.key(id)
	if !ok || session.Conversation.ID == "" {
		c.logger.Debug("Rejected conversation session", zap.String("conversation_id", id))
		return false
	}
	return c.stores.Sessions.Upsert(key, session)
}

// UpdateConversationSession replaces a cached session and keeps the time it
// was first stored, so the session still expires on schedule. It reports
// false when the session is unknown or expired.
func (c *ConversationCache) UpdateConversationSession(id string, session models.ConversationSession) bool {
	if id == "" || session.Conversation.ID == "" {
		c.logger.Debug("Rejected conversation session update", zap.String("conversation_id", id))
		return false
	}
	return c.stores.Sessions.Update(id, session)
}

func (c *ConversationCache) GetConversationSession(id string) (models.ConversationSession, bool) {
	return c.stores.Sessions.Get(id)
}

// ListConversationSessions drops expired sessions and returns the rest.
func (c *ConversationCache) ListConversationSessions() []models.ConversationSession {
	return c.stores.Sessions.Values()
}

// PutLatestTweet makes tweet the latest of the conversation. The first tweet
// ever stored for a conversation also becomes its root and stays so.
func (c *ConversationCache) PutLatestTweet(conversationID string, tweet models.Tweet) bool {
	key, ok := c.key(conversationID)
	if !ok || tweet.ID == "" {
		c.logger.Debug("Rejected latest tweet",
			zap.String("conversation_id", conversationID),
			zap.String("tweet_id", tweet.ID))
		return false
	}

	c.stores.LatestTweets.Upsert(key, tweet)
	if root, exists := c.stores.RootTweets.Get(conversationID); exists {
		c.stores.RootTweets.Upsert(key, root)
	} else {
		c.stores.RootTweets.Put(key, tweet)
	}
	return true
}

func (c *ConversationCache) GetLatestTweet(conversationID string) (models.Tweet, bool) {
	return c.stores.LatestTweets.Get(conversationID)
}

func (c *ConversationCache) GetRootTweet(conversationID string) (models.Tweet, bool) {
	return c.stores.RootTweets.Get(conversationID)
}

// PutTweetConversationLink remembers which conversation a tweet belongs to.
func (c *ConversationCache) PutTweetConversationLink(tweetID, conversationID string) bool {
	key, ok := c.key(tweetID)
	if !ok || conversationID == "" {
		c.logger.Debug("Rejected tweet link",
			zap.String("tweet_id", tweetID),
			zap.String("conversation_id", conversationID))
		return false
	}
	return c.stores.TweetConversations.Upsert(key, conversationID)
}

func (c *ConversationCache) GetConversationForTweet(tweetID string) (string, bool) {
	return c.stores.TweetConversations.Get(tweetID)
}

// AddUserWaitingForReply records who to answer once a reply to activityID arrives.
func (c *ConversationCache) AddUserWaitingForReply(activityID string, user models.UserIdentifier) bool {
	key, ok := c.key(activityID)
	if !ok || user.TweetID == "" {
		c.logger.Debug("Rejected waiting user",
			zap.String("activity_id", activityID),
			zap.String("tweet_id", user.TweetID))
		return false
	}
	return c.stores.WaitingUsers.Put(key, user)
}

func (c *ConversationCache) GetUserWaitingForReply(activityID string) (models.UserIdentifier, bool) {
	return c.stores.WaitingUsers.Get(activityID)
}

func (c *ConversationCache) RemoveUserWaitingForReply(activityID string) bool {
	return c.stores.WaitingUsers.Remove(activityID)
}

// AddPendingReply parks a bot reply under the activity it answers.
func (c *ConversationCache) AddPendingReply(activity models.Activity) bool {
	key, ok := c.key(activity.ReplyToID)
	if !ok {
		c.logger.Debug("Rejected pending reply without reply_to", zap.String("activity_id", activity.ID))
		return false
	}
	return c.stores.PendingReplies.Put(key, activity)
}

func (c *ConversationCache) GetPendingReply(activityID string) (models.Activity, bool) {
	return c.stores.PendingReplies.Get(activityID)
}

func (c *ConversationCache) RemovePendingReply(activityID string) bool {
	return c.stores.PendingReplies.Remove(activityID)
}

// PendingRepliesToUsers pairs every parked reply with its waiting user. The
// result is never nil.
func (c *ConversationCache) PendingRepliesToUsers() []models.PendingReply {
	bundles := []models.PendingReply{}
	for _, activity := range c.stores.PendingReplies.Values() {
		user, ok := c.stores.WaitingUsers.Get(activity.ReplyToID)
		if !ok {
			continue
		}
		bundles = append(bundles, models.PendingReply{Activity: activity, User: user})
	}
	return bundles
}

// Close releases the resources of a durable backend.
func (c *ConversationCache) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

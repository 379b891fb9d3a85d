// Package bot routes mentions from the social gateway into bot conversations
// and publishes the bot's replies back as tweets.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/xaenox/mention-bridge/internal/dialogue"
	"github.com/xaenox/mention-bridge/internal/metrics"
	"github.com/xaenox/mention-bridge/internal/models"
	"github.com/xaenox/mention-bridge/internal/social"
	"go.uber.org/zap"
)

// Cache is the correlation state the router reads and writes.
type Cache interface {
	PutLatestTweet(conversationID string, tweet models.Tweet) bool
	GetLatestTweet(conversationID string) (models.Tweet, bool)
	GetRootTweet(conversationID string) (models.Tweet, bool)
	PutTweetConversationLink(tweetID, conversationID string) bool
	GetConversationForTweet(tweetID string) (string, bool)

	AddUserWaitingForReply(activityID string, user models.UserIdentifier) bool
	GetUserWaitingForReply(activityID string) (models.UserIdentifier, bool)
	RemoveUserWaitingForReply(activityID string) bool
	AddPendingReply(activity models.Activity) bool
	RemovePendingReply(activityID string) bool
	PendingRepliesToUsers() []models.PendingReply
}

// Dialogue is the bot side of the bridge.
type Dialogue interface {
	SendMessage(ctx context.Context, conversationID, text string, from models.Account) (models.SendResult, error)
	OnActivities(h dialogue.ActivitiesHandler)
	StopPolling()
	Done() <-chan struct{}
}

type Config struct {
	// PendingFallback keeps replies that arrive before their conversation
	// is known, and matches them to the waiting user by activity ID.
	PendingFallback bool
}

type Bot struct {
	cache    Cache
	dialogue Dialogue
	social   social.Gateway
	self     models.Account
	config   Config
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu sync.Mutex
}

func New(cache Cache, dlg Dialogue, gateway social.Gateway, config Config, mt *metrics.Metrics, logger *zap.Logger) (*Bot, error) {
	if cache == nil || dlg == nil || gateway == nil {
		return nil, errors.New("bot requires a cache, a dialogue and a social gateway")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Bot{
		cache:    cache,
		dialogue: dlg,
		social:   gateway,
		self:     gateway.Self(),
		config:   config,
		metrics:  mt,
		logger:   logger,
	}, nil
}

// Run wires the bot replies to the social gateway and listens for mentions
// until ctx is done. Polling is stopped on the way out.
func (b *Bot) Run(ctx context.Context) error {
	b.dialogue.OnActivities(func(activities []models.Activity) {
		b.HandleActivities(ctx, activities)
	})

	b.logger.Info("Bot is running", zap.String("handle", b.self.Name))
	err := b.social.Listen(ctx, b.HandleMention)

	b.dialogue.StopPolling()
	<-b.dialogue.Done()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to listen for mentions: %w", err)
	}
	return nil
}

// HandleMention forwards a mention to the bot, in the conversation the
// mentioned tweet belongs to when there is one.
func (b *Bot) HandleMention(ctx context.Context, tweet models.Tweet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	logger := b.logger.With(
		zap.String("route_id", uuid.NewString()),
		zap.String("tweet_id", tweet.ID),
		zap.String("author", tweet.AuthorHandle))

	if tweet.AuthorID == b.self.ID {
		logger.Debug("Ignoring own tweet")
		b.metrics.Mention(metrics.OutcomeSelf)
		return
	}

	var conversationID string
	if tweet.InReplyToTweetID != "" {
		if id, ok := b.cache.GetConversationForTweet(tweet.InReplyToTweetID); ok {
			conversationID = id
		}
	}

	text := social.StripHandle(tweet.Text, b.self.Name)
	from := models.Account{ID: tweet.AuthorID, Name: tweet.AuthorHandle}

	result, err := b.dialogue.SendMessage(ctx, conversationID, text, from)
	if err != nil {
		logger.Error("Failed to send message to bot",
			zap.Error(err),
			zap.String("conversation_id", conversationID))
		b.metrics.Mention(metrics.OutcomeFailed)
		return
	}

	b.cache.PutLatestTweet(result.Conversation.ID, tweet)
	b.metrics.Mention(metrics.OutcomeForwarded)

	logger.Info("Mention forwarded",
		zap.String("conversation_id", result.Conversation.ID),
		zap.String("activity_id", result.ActivityID),
		zap.Bool("resumed", conversationID != ""))

	if !b.config.PendingFallback || result.ActivityID == "" {
		return
	}

	b.cache.AddUserWaitingForReply(result.ActivityID, models.UserIdentifier{
		UserID:  tweet.AuthorID,
		Handle:  tweet.AuthorHandle,
		TweetID: tweet.ID,
	})
	b.flushPendingLocked(ctx, logger)
}

// HandleActivities publishes every bot reply in reply to the latest tweet of
// its conversation.
func (b *Bot) HandleActivities(ctx context.Context, activities []models.Activity) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, activity := range activities {
		if !activity.IsBotReply() {
			continue
		}

		logger := b.logger.With(
			zap.String("route_id", uuid.NewString()),
			zap.String("activity_id", activity.ID),
			zap.String("conversation_id", activity.ConversationID))

		latest, ok := b.cache.GetLatestTweet(activity.ConversationID)
		if !ok {
			b.handleUnroutableLocked(ctx, logger, activity)
			continue
		}

		handles := []string{latest.AuthorHandle, latest.InReplyToHandle}
		if root, ok := b.cache.GetRootTweet(activity.ConversationID); ok {
			handles = append(handles, root.AuthorHandle)
		}

		if _, err := b.publishLocked(ctx, activity, latest, handles...); err != nil {
			logger.Error("Failed to publish reply", zap.Error(err), zap.String("in_reply_to", latest.ID))
			b.metrics.Reply(metrics.OutcomeFailed)
			continue
		}

		b.metrics.Reply(metrics.OutcomePublished)
		logger.Info("Reply published", zap.String("in_reply_to", latest.ID))
	}
}

func (b *Bot) handleUnroutableLocked(ctx context.Context, logger *zap.Logger, activity models.Activity) {
	if !b.config.PendingFallback {
		logger.Warn("No tweet for conversation, dropping reply")
		b.metrics.Reply(metrics.OutcomeUnroutable)
		return
	}

	user, ok := b.cache.GetUserWaitingForReply(activity.ReplyToID)
	if !ok {
		b.cache.AddPendingReply(activity)
		logger.Info("Reply parked until its user is known", zap.String("reply_to", activity.ReplyToID))
		b.metrics.Reply(metrics.OutcomeParked)
		return
	}

	if err := b.replyToUserLocked(ctx, activity, user); err != nil {
		logger.Error("Failed to publish reply", zap.Error(err), zap.String("in_reply_to", user.TweetID))
		b.metrics.Reply(metrics.OutcomeFailed)
		return
	}
	b.cache.RemoveUserWaitingForReply(activity.ReplyToID)
	b.metrics.Reply(metrics.OutcomeWaitingUser)
	logger.Info("Reply published to waiting user", zap.String("in_reply_to", user.TweetID))
}

func (b *Bot) flushPendingLocked(ctx context.Context, logger *zap.Logger) {
	for _, pending := range b.cache.PendingRepliesToUsers() {
		activity := pending.Activity
		if err := b.replyToUserLocked(ctx, activity, pending.User); err != nil {
			logger.Error("Failed to publish pending reply",
				zap.Error(err),
				zap.String("activity_id", activity.ID),
				zap.String("in_reply_to", pending.User.TweetID))
			b.metrics.Reply(metrics.OutcomeFailed)
			continue
		}

		b.cache.RemovePendingReply(activity.ReplyToID)
		b.cache.RemoveUserWaitingForReply(activity.ReplyToID)
		b.metrics.Reply(metrics.OutcomeWaitingUser)
	}
}

func (b *Bot) replyToUserLocked(ctx context.Context, activity models.Activity, user models.UserIdentifier) error {
	inReplyTo := models.Tweet{ID: user.TweetID, AuthorID: user.UserID, AuthorHandle: user.Handle}
	_, err := b.publishLocked(ctx, activity, inReplyTo, user.Handle)
	return err
}

// publishLocked posts the reply and makes it the conversation's latest tweet,
// so a mention answering it resumes the same conversation.
func (b *Bot) publishLocked(ctx context.Context, activity models.Activity, inReplyTo models.Tweet, handles ...string) (models.Tweet, error) {
	published, err := b.social.PublishReply(ctx, activity.Text, inReplyTo, handles...)
	if err != nil {
		return models.Tweet{}, err
	}

	if activity.ConversationID != "" {
		b.cache.PutLatestTweet(activity.ConversationID, published)
		b.cache.PutTweetConversationLink(published.ID, activity.ConversationID)
	}
	return published, nil
}

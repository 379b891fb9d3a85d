// Package telegram is the social gateway over the Telegram Bot API. Group
// messages that mention the bot, replies to the bot and private messages
// are treated as mentions.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/mention-bridge/internal/models"
	"github.com/xaenox/mention-bridge/internal/social"
	"go.uber.org/zap"
)

const defaultUpdateTimeout = 60

const helpText = `Hi! I pass your messages on to a bot and post its answers back here.

Mention me in a group, reply to one of my messages, or just write to me directly.`

// API is the part of tgbotapi.BotAPI the gateway uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Gateway struct {
	api       API
	self      tgbotapi.User
	maxLength int
	logger    *zap.Logger

	stopOnce sync.Once
}

var _ social.Gateway = (*Gateway)(nil)

func New(token string, maxLength int, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := tgbotapi.SetLogger(zap.NewStdLog(logger.Named("tgbotapi"))); err != nil {
		return nil, fmt.Errorf("failed to set bot logger: %w", err)
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	logger.Info("Authorized on Telegram", zap.String("username", api.Self.UserName))
	return NewWithAPI(api, api.Self, maxLength, logger), nil
}

func NewWithAPI(api API, self tgbotapi.User, maxLength int, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxLength <= 0 {
		maxLength = social.DefaultMaxReplyLength
	}
	return &Gateway{
		api:       api,
		self:      self,
		maxLength: maxLength,
		logger:    logger,
	}
}

func (g *Gateway) Self() models.Account {
	return models.Account{ID: strconv.FormatInt(g.self.ID, 10), Name: g.self.UserName}
}

// Listen long-polls Telegram for updates and hands every mention to h. It
// returns when ctx is done.
func (g *Gateway) Listen(ctx context.Context, h social.MentionHandler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = defaultUpdateTimeout

	updates := g.api.GetUpdatesChan(u)
	defer g.stopOnce.Do(g.api.StopReceivingUpdates)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			g.handleMessage(ctx, update.Message, h)
		}
	}
}

func (g *Gateway) handleMessage(ctx context.Context, message *tgbotapi.Message, h social.MentionHandler) {
	if message.From != nil && message.From.ID == g.self.ID {
		return
	}

	if message.IsCommand() {
		switch message.Command() {
		case "start", "help":
			g.sendText(message.Chat.ID, helpText)
			return
		}
	}

	if !IsMention(message, g.self) {
		return
	}

	tweet := TweetFromMessage(message)
	tweet.Text = social.StripHandle(tweet.Text, g.self.UserName)
	if strings.TrimSpace(tweet.Text) == "" {
		g.logger.Debug("Ignoring empty mention", zap.String("tweet_id", tweet.ID))
		return
	}

	h(ctx, tweet)
}

func (g *Gateway) PublishReply(ctx context.Context, text string, inReplyTo models.Tweet, handles ...string) (models.Tweet, error) {
	chatID, messageID, err := ParseTweetID(inReplyTo.ID)
	if err != nil {
		return models.Tweet{}, err
	}

	msg := tgbotapi.NewMessage(chatID, social.ComposeReply(text, g.self.UserName, g.maxLength, handles...))
	msg.ReplyToMessageID = messageID
	msg.AllowSendingWithoutReply = true

	sent, err := g.api.Send(msg)
	if err != nil {
		return models.Tweet{}, fmt.Errorf("failed to send reply: %w", err)
	}

	return models.Tweet{
		ID:               FormatTweetID(chatID, sent.MessageID),
		AuthorID:         strconv.FormatInt(g.self.ID, 10),
		AuthorHandle:     g.self.UserName,
		Text:             msg.Text,
		InReplyToTweetID: inReplyTo.ID,
		InReplyToHandle:  inReplyTo.AuthorHandle,
		CreatedAt:        sent.Time(),
	}, nil
}

func (g *Gateway) sendText(chatID int64, text string) {
	if _, err := g.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		g.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

// FormatTweetID encodes a Telegram message as a tweet ID.
func FormatTweetID(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func ParseTweetID(id string) (int64, int, error) {
	chat, msg, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", social.ErrInvalidTweetID, id)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", social.ErrInvalidTweetID, id)
	}
	messageID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", social.ErrInvalidTweetID, id)
	}
	return chatID, messageID, nil
}

// IsMention reports whether message is addressed to the bot.
func IsMention(message *tgbotapi.Message, self tgbotapi.User) bool {
	if message.Chat != nil && message.Chat.IsPrivate() {
		return true
	}
	if reply := message.ReplyToMessage; reply != nil && reply.From != nil && reply.From.ID == self.ID {
		return true
	}

	text := messageText(message)
	if self.UserName != "" && strings.Contains(strings.ToLower(text), "@"+strings.ToLower(self.UserName)) {
		return true
	}

	entities := message.Entities
	if len(entities) == 0 {
		entities = message.CaptionEntities
	}
	for _, e := range entities {
		if e.Type == "text_mention" && e.User != nil && e.User.ID == self.ID {
			return true
		}
	}
	return false
}

// TweetFromMessage converts a Telegram message into a tweet.
func TweetFromMessage(message *tgbotapi.Message) models.Tweet {
	var chatID int64
	if message.Chat != nil {
		chatID = message.Chat.ID
	}

	tweet := models.Tweet{
		ID:        FormatTweetID(chatID, message.MessageID),
		Text:      messageText(message),
		CreatedAt: message.Time(),
	}
	if message.From != nil {
		tweet.AuthorID = strconv.FormatInt(message.From.ID, 10)
		tweet.AuthorHandle = message.From.UserName
	}
	if reply := message.ReplyToMessage; reply != nil {
		tweet.InReplyToTweetID = FormatTweetID(chatID, reply.MessageID)
		if reply.From != nil {
			tweet.InReplyToHandle = reply.From.UserName
		}
	}
	return tweet
}

func messageText(message *tgbotapi.Message) string {
	if message.Text != "" {
		return message.Text
	}
	return message.Caption
}

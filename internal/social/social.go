// Package social describes the public mention stream the bridge listens on
// and publishes replies to.
package social

import (
	"context"
	"errors"

	"github.com/xaenox/mention-bridge/internal/models"
)

// ErrInvalidTweetID is returned when a tweet ID cannot be mapped back to a
// message of the underlying network.
var ErrInvalidTweetID = errors.New("invalid tweet id")

// MentionHandler is called once per inbound mention of the bot.
type MentionHandler func(ctx context.Context, tweet models.Tweet)

// Gateway is the social network as seen by the router.
type Gateway interface {
	// Self returns the bot's own account. Its Name is the bot handle.
	Self() models.Account
	// Listen delivers mentions to h until ctx is done. Messages the bot
	// wrote itself are never delivered.
	Listen(ctx context.Context, h MentionHandler) error
	// PublishReply posts text in reply to inReplyTo, prefixed with the
	// given handles, and returns the published tweet.
	PublishReply(ctx context.Context, text string, inReplyTo models.Tweet, handles ...string) (models.Tweet, error)
}

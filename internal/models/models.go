package models

import "time"

// ActivityTypeMessage is the only activity type the bridge sends.
const ActivityTypeMessage = "message"

// Tweet is a message on the social side. Inbound mentions are tweets too.
type Tweet struct {
	ID               string    `json:"id"`
	AuthorID         string    `json:"author_id"`
	AuthorHandle     string    `json:"author_handle"`
	Text             string    `json:"text"`
	InReplyToTweetID string    `json:"in_reply_to_tweet_id,omitempty"`
	InReplyToHandle  string    `json:"in_reply_to_handle,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Account identifies a participant on either side of the bridge.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Activity is a unit of the bot dialogue.
type Activity struct {
	ID             string    `json:"id,omitempty"`
	Type           string    `json:"type"`
	From           Account   `json:"from"`
	Text           string    `json:"text"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// IsBotReply reports whether the activity answers an earlier one.
// Activities we posted ourselves carry no reply reference.
func (a Activity) IsBotReply() bool {
	return a.ReplyToID != ""
}

// ActivitySet is the result of one incremental fetch.
type ActivitySet struct {
	Activities []Activity `json:"activities"`
	Watermark  string     `json:"watermark,omitempty"`
}

// BotReplies returns the activities that are replies from the bot, in
// delivery order.
func (s ActivitySet) BotReplies() []Activity {
	replies := make([]Activity, 0, len(s.Activities))
	for _, a := range s.Activities {
		if a.IsBotReply() {
			replies = append(replies, a)
		}
	}
	return replies
}

// UserIdentifier is who to answer on the social side when a reply arrives
// before its conversation is known.
type UserIdentifier struct {
	UserID  string `json:"user_id"`
	Handle  string `json:"handle"`
	TweetID string `json:"tweet_id"`
}

// PendingReply bundles a parked bot reply with the user waiting for it.
type PendingReply struct {
	Activity Activity
	User     UserIdentifier
}

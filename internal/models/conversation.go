package models

// Conversation is the handle of a bot dialogue session.
type Conversation struct {
	ID        string `json:"conversationId"`
	Token     string `json:"token,omitempty"`
	StreamURL string `json:"streamUrl,omitempty"`
	ExpiresIn int    `json:"expires_in,omitempty"`
}

// ConversationSession is a conversation plus the cursor of the last
// activity already fetched. An empty watermark means "from the start".
type ConversationSession struct {
	Conversation Conversation `json:"conversation"`
	Watermark    string       `json:"watermark"`
}

// Advance returns a copy of the session moved to watermark. An empty
// watermark keeps the current one.
func (s ConversationSession) Advance(conversation Conversation, watermark string) ConversationSession {
	next := ConversationSession{Conversation: conversation, Watermark: s.Watermark}
	if next.Conversation.ID == "" {
		next.Conversation = s.Conversation
	}
	if watermark != "" {
		next.Watermark = watermark
	}
	return next
}

// SendResult is returned after a message was posted to the bot.
type SendResult struct {
	Conversation Conversation
	ActivityID   string
}

package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/mention-bridge/internal/models"
	"go.uber.org/zap"
)

const defaultPageSize = 100

// AssistantClient uses an OpenAI assistant as the bot. A thread is a
// conversation, the ID of the last message seen is the watermark, and an
// assistant message refers to the run that produced it.
type AssistantClient struct {
	client      *openai.Client
	assistantID string
	model       string
	pageSize    int
	logger      *zap.Logger
}

func NewAssistantClient(apiKey, assistantID, model string, logger *zap.Logger) (*AssistantClient, error) {
	return NewAssistantClientWithConfig(openai.DefaultConfig(apiKey), assistantID, model, logger)
}

func NewAssistantClientWithConfig(config openai.ClientConfig, assistantID, model string, logger *zap.Logger) (*AssistantClient, error) {
	if assistantID == "" {
		return nil, errors.New("assistant id is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssistantClient{
		client:      openai.NewClientWithConfig(config),
		assistantID: assistantID,
		model:       model,
		pageSize:    defaultPageSize,
		logger:      logger,
	}, nil
}

func (c *AssistantClient) StartConversation(ctx context.Context) (models.Conversation, error) {
	thread, err := c.client.CreateThread(ctx, openai.ThreadRequest{
		Metadata: map[string]any{"source": "mention-bridge"},
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create thread: %w", err)
	}
	return models.Conversation{ID: thread.ID}, nil
}

func (c *AssistantClient) ResumeConversation(ctx context.Context, conversation models.Conversation) (models.Conversation, error) {
	if conversation.ID == "" {
		return models.Conversation{}, ErrNoConversation
	}
	if _, err := c.client.RetrieveThread(ctx, conversation.ID); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to retrieve thread: %w", err)
	}
	return conversation, nil
}

// PostActivity adds the text to the thread and starts a run of the assistant
// on it. The returned activity ID is the run ID, which the assistant's
// answer refers to.
func (c *AssistantClient) PostActivity(ctx context.Context, conversationID string, activity models.Activity) (string, error) {
	msg, err := c.client.CreateMessage(ctx, conversationID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: activity.Text,
		Metadata: map[string]any{
			"from_id":   activity.From.ID,
			"from_name": activity.From.Name,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create message: %w", err)
	}

	run, err := c.client.CreateRun(ctx, conversationID, openai.RunRequest{
		AssistantID: c.assistantID,
		Model:       c.model,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	c.logger.Debug("Assistant run created",
		zap.String("thread_id", conversationID),
		zap.String("message_id", msg.ID),
		zap.String("run_id", run.ID))

	return run.ID, nil
}

func (c *AssistantClient) FetchActivities(ctx context.Context, conversationID, watermark string) (models.ActivitySet, error) {
	limit := c.pageSize
	order := "asc"
	var after *string
	if watermark != "" {
		after = &watermark
	}

	list, err := c.client.ListMessage(ctx, conversationID, &limit, &order, after, nil, nil)
	if err != nil {
		return models.ActivitySet{}, fmt.Errorf("failed to list messages: %w", err)
	}

	set := models.ActivitySet{Watermark: watermark}
	for _, msg := range list.Messages {
		text := messageText(msg)
		isAssistant := msg.Role == openai.ChatMessageRoleAssistant

		// The run is still writing this message; pick it up next time.
		if isAssistant && text == "" {
			break
		}

		activity := models.Activity{
			ID:             msg.ID,
			Type:           models.ActivityTypeMessage,
			Text:           text,
			ConversationID: conversationID,
			Timestamp:      time.Unix(int64(msg.CreatedAt), 0),
		}
		if isAssistant {
			activity.From = models.Account{ID: c.assistantID, Name: "assistant"}
			if msg.RunID != nil {
				activity.ReplyToID = *msg.RunID
			}
		} else if msg.Metadata != nil {
			id, _ := msg.Metadata["from_id"].(string)
			name, _ := msg.Metadata["from_name"].(string)
			activity.From = models.Account{ID: id, Name: name}
		}

		set.Activities = append(set.Activities, activity)
		set.Watermark = msg.ID
	}

	return set, nil
}

func messageText(msg openai.Message) string {
	parts := make([]string, 0, len(msg.Content))
	for _, content := range msg.Content {
		if content.Text != nil && content.Text.Value != "" {
			parts = append(parts, content.Text.Value)
		}
	}
	return strings.Join(parts, "\n")
}

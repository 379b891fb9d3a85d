package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/mention-bridge/internal/models"
	"go.uber.org/zap"
)

const DefaultDirectLineEndpoint = "https://directline.botframework.com/v3/directline"

// DirectLineClient talks to a Bot Framework bot over the Direct Line 3.0 REST API.
type DirectLineClient struct {
	endpoint   string
	secret     string
	httpClient *http.Client
	logger     *zap.Logger
}

type DirectLineOption func(*DirectLineClient)

func WithEndpoint(endpoint string) DirectLineOption {
	return func(c *DirectLineClient) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

func WithHTTPClient(client *http.Client) DirectLineOption {
	return func(c *DirectLineClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func NewDirectLineClient(secret string, logger *zap.Logger, opts ...DirectLineOption) (*DirectLineClient, error) {
	if secret == "" {
		return nil, errors.New("direct line secret is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &DirectLineClient{
		endpoint:   DefaultDirectLineEndpoint,
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type directLineAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type directLineActivity struct {
	Type         string            `json:"type"`
	ID           string            `json:"id,omitempty"`
	Timestamp    *time.Time        `json:"timestamp,omitempty"`
	From         directLineAccount `json:"from"`
	Conversation *struct {
		ID string `json:"id"`
	} `json:"conversation,omitempty"`
	Text      string `json:"text,omitempty"`
	ReplyToID string `json:"replyToId,omitempty"`
}

type directLineActivitySet struct {
	Activities []directLineActivity `json:"activities"`
	Watermark  string               `json:"watermark"`
}

func (c *DirectLineClient) StartConversation(ctx context.Context) (models.Conversation, error) {
	var conversation models.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", nil, &conversation); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to start conversation: %w", err)
	}
	if conversation.ID == "" {
		return models.Conversation{}, errors.New("direct line returned no conversation id")
	}
	return conversation, nil
}

func (c *DirectLineClient) ResumeConversation(ctx context.Context, conversation models.Conversation) (models.Conversation, error) {
	if conversation.ID == "" {
		return models.Conversation{}, ErrNoConversation
	}

	var resumed models.Conversation
	path := "/conversations/" + url.PathEscape(conversation.ID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resumed); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to reconnect to conversation: %w", err)
	}
	if resumed.ID == "" {
		resumed.ID = conversation.ID
	}
	return resumed, nil
}

func (c *DirectLineClient) PostActivity(ctx context.Context, conversationID string, activity models.Activity) (string, error) {
	from := directLineAccount{ID: activity.From.ID, Name: activity.From.Name}
	if from.ID == "" {
		from.ID = "user-" + uuid.NewString()
	}
	body := directLineActivity{
		Type: activity.Type,
		From: from,
		Text: activity.Text,
	}
	if body.Type == "" {
		body.Type = models.ActivityTypeMessage
	}

	var response struct {
		ID string `json:"id"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/activities"
	if err := c.do(ctx, http.MethodPost, path, body, &response); err != nil {
		return "", fmt.Errorf("failed to post activity: %w", err)
	}
	return response.ID, nil
}

func (c *DirectLineClient) FetchActivities(ctx context.Context, conversationID, watermark string) (models.ActivitySet, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/activities"
	if watermark != "" {
		path += "?watermark=" + url.QueryEscape(watermark)
	}

	var set directLineActivitySet
	if err := c.do(ctx, http.MethodGet, path, nil, &set); err != nil {
		return models.ActivitySet{}, fmt.Errorf("failed to get activities: %w", err)
	}

	activities := make([]models.Activity, 0, len(set.Activities))
	for _, a := range set.Activities {
		activity := models.Activity{
			ID:        a.ID,
			Type:      a.Type,
			From:      models.Account{ID: a.From.ID, Name: a.From.Name},
			Text:      a.Text,
			ReplyToID: a.ReplyToID,
		}
		if a.Conversation != nil {
			activity.ConversationID = a.Conversation.ID
		}
		if a.Timestamp != nil {
			activity.Timestamp = *a.Timestamp
		}
		activities = append(activities, activity)
	}

	return models.ActivitySet{Activities: activities, Watermark: set.Watermark}, nil
}

func (c *DirectLineClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Debug("Direct Line request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("direct line %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

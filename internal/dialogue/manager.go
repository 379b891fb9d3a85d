package dialogue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/xaenox/mention-bridge/internal/metrics"
	"github.com/xaenox/mention-bridge/internal/models"
	"go.uber.org/zap"
)

const DefaultPollingInterval = 2 * time.Second

// SessionCache is the part of the conversation cache the manager needs.
type SessionCache interface {
	PutConversationSession(id string, session models.ConversationSession) bool
	UpdateConversationSession(id string, session models.ConversationSession) bool
	GetConversationSession(id string) (models.ConversationSession, bool)
	ListConversationSessions() []models.ConversationSession
}

// ActivitiesHandler receives one batch of bot replies.
type ActivitiesHandler func(activities []models.Activity)

type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithPollingInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithDispatcher sets how handlers are invoked. The default calls them on
// the polling goroutine.
func WithDispatcher(dispatch func(func())) Option {
	return func(m *Manager) {
		if dispatch != nil {
			m.dispatch = dispatch
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager sends messages to the bot and runs the polling loop that fetches
// its replies for every cached conversation.
type Manager struct {
	client   Client
	cache    SessionCache
	logger   *zap.Logger
	clock    clockwork.Clock
	interval time.Duration
	dispatch func(func())
	metrics  *metrics.Metrics

	handlersMu sync.RWMutex
	handlers   []ActivitiesHandler

	mu       sync.Mutex
	running  bool
	stopping bool
	restart  time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewManager(client Client, cache SessionCache, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, errors.New("dialogue client is nil")
	}
	if cache == nil {
		return nil, errors.New("session cache is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		client:   client,
		cache:    cache,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
		interval: DefaultPollingInterval,
		dispatch: func(f func()) { f() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// OnActivities subscribes h to the bot replies found by the polling loop.
func (m *Manager) OnActivities(h ActivitiesHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, h)
}

// SendMessage posts text to the conversation, opening a new one when
// conversationID is empty or unknown. A successful send starts polling.
func (m *Manager) SendMessage(ctx context.Context, conversationID, text string, from models.Account) (models.SendResult, error) {
	m.logger.Debug("Sending message to bot",
		zap.String("conversation_id", conversationID),
		zap.String("from_id", from.ID),
		zap.String("from_name", from.Name))

	conversation, err := m.openConversation(ctx, conversationID)
	if err != nil {
		return models.SendResult{}, err
	}

	activity := models.Activity{
		Type: models.ActivityTypeMessage,
		From: from,
		Text: text,
	}
	activityID, err := m.client.PostActivity(ctx, conversation.ID, activity)
	if err != nil {
		return models.SendResult{}, fmt.Errorf("failed to post activity: %w", err)
	}

	m.StartPolling(m.interval)

	return models.SendResult{Conversation: conversation, ActivityID: activityID}, nil
}

func (m *Manager) openConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	if conversationID != "" {
		if session, ok := m.cache.GetConversationSession(conversationID); ok {
			// The session is left to the polling loop, the only writer of
			// the watermark.
			conversation, err := m.client.ResumeConversation(ctx, session.Conversation)
			if err != nil {
				return models.Conversation{}, fmt.Errorf("failed to resume conversation %s: %w", conversationID, err)
			}
			return conversation, nil
		}
		m.logger.Info("Conversation no longer cached, starting a new one",
			zap.String("conversation_id", conversationID))
	}

	conversation, err := m.client.StartConversation(ctx)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to start conversation: %w", err)
	}
	m.cache.PutConversationSession(conversation.ID, models.ConversationSession{Conversation: conversation})

	m.logger.Info("Started conversation", zap.String("conversation_id", conversation.ID))
	return conversation, nil
}

// PollConversation fetches the activities of one conversation since its
// stored watermark, advances the watermark and raises the bot replies.
func (m *Manager) PollConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return nil
	}

	session, ok := m.cache.GetConversationSession(conversationID)
	if !ok {
		return ErrNoConversation
	}

	conversation, err := m.client.ResumeConversation(ctx, session.Conversation)
	if err != nil {
		return fmt.Errorf("failed to resume conversation: %w", err)
	}

	set, err := m.client.FetchActivities(ctx, conversation.ID, session.Watermark)
	if err != nil {
		return fmt.Errorf("failed to fetch activities: %w", err)
	}

	if !m.cache.UpdateConversationSession(conversationID, session.Advance(conversation, set.Watermark)) {
		m.logger.Debug("Conversation expired while polling", zap.String("conversation_id", conversationID))
	}

	replies := set.BotReplies()
	m.logger.Debug("Activities received",
		zap.String("conversation_id", conversationID),
		zap.Int("activities", len(set.Activities)),
		zap.Int("bot_replies", len(replies)),
		zap.String("watermark", set.Watermark))

	if len(replies) == 0 {
		return nil
	}
	for i := range replies {
		if replies[i].ConversationID == "" {
			replies[i].ConversationID = conversationID
		}
	}
	m.metrics.Received(len(replies))
	m.deliver(replies)
	return nil
}

func (m *Manager) deliver(activities []models.Activity) {
	m.handlersMu.RLock()
	handlers := make([]ActivitiesHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		h := h
		m.dispatch(func() { h(activities) })
	}
}

// StartPolling launches the polling loop. It returns false if the loop is
// already running. Starting while a stopped loop is still winding down
// schedules a new loop to take over once it has exited.
func (m *Manager) StartPolling(interval time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if interval <= 0 {
		interval = m.interval
	}

	if m.running {
		if !m.stopping {
			m.logger.Debug("Already polling")
			return false
		}
		if m.restart > 0 {
			return false
		}
		m.restart = interval
		m.logger.Debug("Polling restart scheduled")
		return true
	}

	m.startLocked(interval)
	return true
}

// startLocked must be called with mu held.
func (m *Manager) startLocked(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.stopping = false
	m.restart = 0
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(ctx, interval, m.done)

	m.logger.Info("Polling started", zap.Duration("interval", interval))
}

// StopPolling asks the loop to stop. It returns before the loop has exited;
// wait on Done for that. Stopping an idle manager does nothing. A restart
// scheduled by StartPolling is cancelled.
func (m *Manager) StopPolling() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running || m.cancel == nil {
		return
	}
	m.stopping = true
	m.restart = 0
	m.cancel()
}

// Running reports whether the loop has been started and has not exited yet.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Done is closed when the current loop exits. When idle it is already closed.
// A loop that is replaced by a scheduled restart closes its channel too, so
// callers wanting the final exit should check Running afterwards.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return m.done
}

func (m *Manager) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		restart := m.restart
		m.running = false
		m.stopping = false
		m.cancel = nil
		if restart > 0 {
			m.startLocked(restart)
		}
		m.mu.Unlock()
		close(done)
		m.logger.Info("Polling stopped")
	}()

	// A fetch already in flight is awaited, not interrupted.
	fetchCtx := context.WithoutCancel(ctx)

	for {
		sessions := m.cache.ListConversationSessions()
		m.metrics.Conversations(len(sessions))

		if len(sessions) == 0 {
			if !m.sleep(ctx, interval) {
				return
			}
			continue
		}

		for _, session := range sessions {
			id := session.Conversation.ID
			if err := m.PollConversation(fetchCtx, id); err != nil {
				m.metrics.Poll(metrics.ResultError)
				m.logger.Warn("Failed to poll conversation",
					zap.Error(err),
					zap.String("conversation_id", id))
			} else {
				m.metrics.Poll(metrics.ResultOK)
			}

			if !m.sleep(ctx, interval) {
				return
			}
		}
	}
}

// sleep waits for interval and reports false if ctx ended first.
func (m *Manager) sleep(ctx context.Context, interval time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-m.clock.After(interval):
		return true
	}
}

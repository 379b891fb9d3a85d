package dialogue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/mention-bridge/internal/models"
	"github.com/xaenox/mention-bridge/internal/storage"
	"go.uber.org/zap/zaptest"
)

type fakeClient struct {
	mu sync.Mutex

	started   int
	resumed   []string
	posted    []models.Activity
	fetches   map[string][]string
	responses map[string][]models.ActivitySet
	failFetch map[string]bool
	failStart bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		fetches:   make(map[string][]string),
		responses: make(map[string][]models.ActivitySet),
		failFetch: make(map[string]bool),
	}
}

func (f *fakeClient) StartConversation(context.Context) (models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return models.Conversation{}, errors.New("boom")
	}
	f.started++
	return models.Conversation{ID: fmt.Sprintf("c%d", f.started), Token: "tok"}, nil
}

func (f *fakeClient) ResumeConversation(_ context.Context, conversation models.Conversation) (models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, conversation.ID)
	return conversation, nil
}

func (f *fakeClient) PostActivity(_ context.Context, conversationID string, activity models.Activity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	activity.ConversationID = conversationID
	f.posted = append(f.posted, activity)
	return fmt.Sprintf("%s|%d", conversationID, len(f.posted)), nil
}

func (f *fakeClient) FetchActivities(_ context.Context, conversationID, watermark string) (models.ActivitySet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[conversationID] = append(f.fetches[conversationID], watermark)
	if f.failFetch[conversationID] {
		return models.ActivitySet{}, errors.New("fetch failed")
	}
	queue := f.responses[conversationID]
	if len(queue) == 0 {
		return models.ActivitySet{}, nil
	}
	f.responses[conversationID] = queue[1:]
	return queue[0], nil
}

func (f *fakeClient) queue(conversationID string, set models.ActivitySet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[conversationID] = append(f.responses[conversationID], set)
}

func (f *fakeClient) fetchCount(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches[conversationID])
}

func (f *fakeClient) watermarks(conversationID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetches[conversationID]...)
}

func (f *fakeClient) resumedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumed...)
}

const (
	holdResume = "resume"
	holdFetch  = "fetch"
)

// gatedClient parks the first ResumeConversation or FetchActivities call
// until release is closed.
type gatedClient struct {
	*fakeClient
	hold    string
	held    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedClient(hold string) *gatedClient {
	return &gatedClient{
		fakeClient: newFakeClient(),
		hold:       hold,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (g *gatedClient) wait(op string) {
	if g.hold == op && g.held.CompareAndSwap(false, true) {
		close(g.entered)
		<-g.release
	}
}

func (g *gatedClient) ResumeConversation(ctx context.Context, conversation models.Conversation) (models.Conversation, error) {
	g.wait(holdResume)
	return g.fakeClient.ResumeConversation(ctx, conversation)
}

func (g *gatedClient) FetchActivities(ctx context.Context, conversationID, watermark string) (models.ActivitySet, error) {
	g.wait(holdFetch)
	return g.fakeClient.FetchActivities(ctx, conversationID, watermark)
}

func waitEntered(t *testing.T, g *gatedClient) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(time.Second):
		t.Fatal("client call was never made")
	}
}

func stopAndWait(t *testing.T, m *Manager) {
	t.Helper()
	m.StopPolling()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("polling loop did not stop")
	}
}

func newTestManager(t *testing.T, client Client, opts ...Option) (*Manager, *storage.ConversationCache) {
	t.Helper()
	cache := storage.NewMemoryCache(storage.DefaultTTLConfig(), clockwork.NewRealClock(), zaptest.NewLogger(t))
	m, err := NewManager(client, cache, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.StopPolling()
		<-m.Done()
	})
	return m, cache
}

func seedSession(t *testing.T, cache *storage.ConversationCache, id, watermark string) {
	t.Helper()
	require.True(t, cache.PutConversationSession(id, models.ConversationSession{
		Conversation: models.Conversation{ID: id},
		Watermark:    watermark,
	}))
}

func TestNewManager_RequiresDependencies(t *testing.T) {
	cache := storage.NewMemoryCache(storage.DefaultTTLConfig(), nil, nil)

	_, err := NewManager(nil, cache, nil)
	assert.Error(t, err)

	_, err = NewManager(newFakeClient(), nil, nil)
	assert.Error(t, err)
}

func TestManager_StartPollingIsSingleFlight(t *testing.T) {
	m, _ := newTestManager(t, newFakeClient(), WithPollingInterval(5*time.Millisecond))

	assert.True(t, m.StartPolling(0))
	assert.False(t, m.StartPolling(0))
	assert.True(t, m.Running())

	stopAndWait(t, m)
	assert.False(t, m.Running())

	assert.True(t, m.StartPolling(0), "a stopped loop can be started again")
}

func TestManager_StopPollingWhenIdle(t *testing.T) {
	m, _ := newTestManager(t, newFakeClient())

	m.StopPolling()
	m.StopPolling()

	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed for an idle manager")
	}
}

func TestManager_PollConversationDeliversOnlyBotReplies(t *testing.T) {
	client := newFakeClient()
	m, cache := newTestManager(t, client)
	seedSession(t, cache, "c1", "")

	var got []models.Activity
	m.OnActivities(func(activities []models.Activity) {
		got = append(got, activities...)
	})

	client.queue("c1", models.ActivitySet{
		Activities: []models.Activity{
			{ID: "a0", Text: "hi"},
			{ID: "a1", Text: "hello", ReplyToID: "a0"},
		},
		Watermark: "2",
	})

	require.NoError(t, m.PollConversation(context.Background(), "c1"))
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "c1", got[0].ConversationID)

	session, ok := cache.GetConversationSession("c1")
	require.True(t, ok)
	assert.Equal(t, "2", session.Watermark)
}

func TestManager_PollConversationKeepsWatermarkOnEmptyFetch(t *testing.T) {
	client := newFakeClient()
	m, cache := newTestManager(t, client)
	seedSession(t, cache, "c1", "5")

	called := false
	m.OnActivities(func([]models.Activity) { called = true })

	require.NoError(t, m.PollConversation(context.Background(), "c1"))
	assert.False(t, called)

	session, _ := cache.GetConversationSession("c1")
	assert.Equal(t, "5", session.Watermark)
	assert.Equal(t, []string{"5"}, client.watermarks("c1"))
}

func TestManager_PollConversationUnknown(t *testing.T) {
	m, _ := newTestManager(t, newFakeClient())

	assert.NoError(t, m.PollConversation(context.Background(), ""))
	assert.ErrorIs(t, m.PollConversation(context.Background(), "missing"), ErrNoConversation)
}

func TestManager_LoopSkipsFailingConversation(t *testing.T) {
	client := newFakeClient()
	client.failFetch["bad"] = true
	m, cache := newTestManager(t, client, WithPollingInterval(2*time.Millisecond))

	seedSession(t, cache, "bad", "")
	seedSession(t, cache, "good", "")

	var mu sync.Mutex
	var got []models.Activity
	m.OnActivities(func(activities []models.Activity) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, activities...)
	})

	client.queue("good", models.ActivitySet{
		Activities: []models.Activity{{ID: "r1", Text: "pong", ReplyToID: "p1"}},
		Watermark:  "1",
	})

	require.True(t, m.StartPolling(0))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return client.fetchCount("bad") >= 2 && client.fetchCount("good") >= 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "", client.watermarks("good")[0])
	assert.Equal(t, "1", client.watermarks("good")[1])
	assert.True(t, m.Running(), "a failing conversation does not stop the loop")
}

func TestManager_LoopKeepsRunningWithoutConversations(t *testing.T) {
	client := newFakeClient()
	m, cache := newTestManager(t, client, WithPollingInterval(2*time.Millisecond))

	require.True(t, m.StartPolling(0))
	time.Sleep(10 * time.Millisecond)
	assert.True(t, m.Running())

	seedSession(t, cache, "late", "")
	assert.Eventually(t, func() bool {
		return client.fetchCount("late") > 0
	}, time.Second, 5*time.Millisecond)
}

func TestManager_SendMessageStartsConversation(t *testing.T) {
	client := newFakeClient()
	m, cache := newTestManager(t, client, WithPollingInterval(time.Hour))

	result, err := m.SendMessage(context.Background(), "", "hi", models.Account{ID: "u1", Name: "alice"})
	require.NoError(t, err)

	assert.Equal(t, "c1", result.Conversation.ID)
	assert.Equal(t, "c1|1", result.ActivityID)
	assert.True(t, m.Running())
	stopAndWait(t, m)

	_, ok := cache.GetConversationSession("c1")
	require.True(t, ok)

	require.Len(t, client.posted, 1)
	assert.Equal(t, "hi", client.posted[0].Text)
	assert.Equal(t, models.ActivityTypeMessage, client.posted[0].Type)
	assert.Equal(t, "alice", client.posted[0].From.Name)
}

func TestManager_SendMessageResumesCachedConversation(t *testing.T) {
	client := newFakeClient()
	m, cache := newTestManager(t, client, WithPollingInterval(time.Hour))
	seedSession(t, cache, "c9", "7")

	result, err := m.SendMessage(context.Background(), "c9", "again", models.Account{ID: "u1"})
	require.NoError(t, err)

	stopAndWait(t, m)

	assert.Equal(t, "c9", result.Conversation.ID)
	assert.Equal(t, 0, client.started)
	assert.Equal(t, "c9", client.resumedIDs()[0])

	session, _ := cache.GetConversationSession("c9")
	assert.Equal(t, "7", session.Watermark, "resuming keeps the watermark")
}

func TestManager_SendMessageStartsNewWhenConversationExpired(t *testing.T) {
	client := newFakeClient()
	m, _ := newTestManager(t, client, WithPollingInterval(time.Hour))

	result, err := m.SendMessage(context.Background(), "gone", "hi", models.Account{ID: "u1"})
	require.NoError(t, err)
	stopAndWait(t, m)

	assert.Equal(t, "c1", result.Conversation.ID)
	assert.NotContains(t, client.resumedIDs(), "gone")
}

func TestManager_SendMessageStartFailure(t *testing.T) {
	client := newFakeClient()
	client.failStart = true
	m, _ := newTestManager(t, client)

	_, err := m.SendMessage(context.Background(), "", "hi", models.Account{ID: "u1"})
	assert.Error(t, err)
	assert.False(t, m.Running())
	assert.Empty(t, client.posted)
}

func TestManager_Dispatcher(t *testing.T) {
	client := newFakeClient()
	var dispatched int
	m, cache := newTestManager(t, client, WithDispatcher(func(f func()) {
		dispatched++
		f()
	}))
	seedSession(t, cache, "c1", "")

	m.OnActivities(func([]models.Activity) {})
	m.OnActivities(func([]models.Activity) {})

	client.queue("c1", models.ActivitySet{
		Activities: []models.Activity{{ID: "a1", ReplyToID: "x"}},
		Watermark:  "1",
	})
	require.NoError(t, m.PollConversation(context.Background(), "c1"))
	assert.Equal(t, 2, dispatched)
}

func TestManager_PolledSessionStillExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := storage.NewMemoryCache(storage.DefaultTTLConfig(), clock, zaptest.NewLogger(t))
	client := newFakeClient()
	m, err := NewManager(client, cache, zaptest.NewLogger(t), WithClock(clock))
	require.NoError(t, err)

	seedSession(t, cache, "c1", "")
	client.queue("c1", models.ActivitySet{Watermark: "1"})

	clock.Advance(200 * time.Second)
	require.NoError(t, m.PollConversation(context.Background(), "c1"))
	session, ok := cache.GetConversationSession("c1")
	require.True(t, ok)
	assert.Equal(t, "1", session.Watermark)

	clock.Advance(200 * time.Second)
	assert.Empty(t, cache.ListConversationSessions(), "polling does not keep a session alive")
	assert.ErrorIs(t, m.PollConversation(context.Background(), "c1"), ErrNoConversation)
	assert.Equal(t, 1, client.fetchCount("c1"))
}

func TestManager_SendDuringPollKeepsAdvancedWatermark(t *testing.T) {
	client := newGatedClient(holdResume)
	m, cache := newTestManager(t, client, WithPollingInterval(time.Hour))
	seedSession(t, cache, "c1", "5")
	client.queue("c1", models.ActivitySet{
		Activities: []models.Activity{{ID: "r1", Text: "pong", ReplyToID: "p0"}},
		Watermark:  "7",
	})

	var mu sync.Mutex
	var got []models.Activity
	m.OnActivities(func(activities []models.Activity) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, activities...)
	})

	errs := make(chan error, 1)
	go func() {
		_, err := m.SendMessage(context.Background(), "c1", "ping", models.Account{ID: "u1"})
		errs <- err
	}()
	waitEntered(t, client)

	require.NoError(t, m.PollConversation(context.Background(), "c1"))
	session, _ := cache.GetConversationSession("c1")
	require.Equal(t, "7", session.Watermark)

	close(client.release)
	require.NoError(t, <-errs)
	stopAndWait(t, m)

	session, ok := cache.GetConversationSession("c1")
	require.True(t, ok)
	assert.Equal(t, "7", session.Watermark)
	for _, watermark := range client.watermarks("c1")[1:] {
		assert.Equal(t, "7", watermark, "activities are not fetched twice")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 1)
}

func TestManager_SendWhileLoopStoppingRestartsPolling(t *testing.T) {
	client := newGatedClient(holdFetch)
	m, cache := newTestManager(t, client, WithPollingInterval(2*time.Millisecond))
	seedSession(t, cache, "c0", "")

	require.True(t, m.StartPolling(0))
	waitEntered(t, client)
	stopped := m.Done()

	m.StopPolling()
	_, err := m.SendMessage(context.Background(), "", "hi", models.Account{ID: "u1"})
	require.NoError(t, err)
	assert.True(t, m.Running())
	assert.False(t, m.StartPolling(0), "the restart is already scheduled")

	close(client.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stopped loop did not exit")
	}

	assert.Eventually(t, func() bool {
		return client.fetchCount("c1") > 0
	}, time.Second, 5*time.Millisecond)
	assert.True(t, m.Running())
}

func TestManager_StopCancelsScheduledRestart(t *testing.T) {
	client := newGatedClient(holdFetch)
	m, cache := newTestManager(t, client, WithPollingInterval(2*time.Millisecond))
	seedSession(t, cache, "c0", "")

	require.True(t, m.StartPolling(0))
	waitEntered(t, client)

	m.StopPolling()
	require.True(t, m.StartPolling(0))
	m.StopPolling()

	close(client.release)
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("polling loop did not stop")
	}
	assert.False(t, m.Running())
}

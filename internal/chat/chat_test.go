package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moonit/internal/config"
	"moonit/internal/docstore"
	"moonit/internal/feed"
	"moonit/internal/logging"
	"moonit/internal/models"
	"moonit/internal/storage"
)

const testUser = "user-1"

func newDocStore(t *testing.T) *docstore.Store {
	t.Helper()
	db, err := storage.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))
	s := docstore.New(db, nil, logging.Discard())
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})
	return s
}

func newTestClient(t *testing.T, store Store, completer Completer, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond),
	}, opts...)
	c, err := NewClient(Identity{UserID: testUser}, store, completer, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func reply(text string) Completer {
	return CompleterFunc(func(ctx context.Context, history []models.ChatMessage) (string, error) {
		return text, nil
	})
}

type recordingNavigator struct {
	mu    sync.Mutex
	paths []string
}

func (n *recordingNavigator) Navigate(path string) {
	n.mu.Lock()
	n.paths = append(n.paths, path)
	n.mu.Unlock()
}

func (n *recordingNavigator) history() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.paths...)
}

type answer bool

func (a answer) Confirm(string) bool { return bool(a) }

func TestSubmitAppendsUserTurnBeforeCompletion(t *testing.T) {
	var seen []models.Message
	var conv *Conversation
	completer := CompleterFunc(func(ctx context.Context, history []models.ChatMessage) (string, error) {
		seen = conv.Messages()
		assert.Equal(t, []models.ChatMessage{{Role: models.RoleUser, Content: "Hi"}}, history)
		return "Hello!", nil
	})
	c := newTestClient(t, newDocStore(t).For(testUser), completer)
	conv, err := c.NewConversation()
	require.NoError(t, err)

	result, ok := conv.Submit(context.Background(), "  Hi  ")
	require.True(t, ok)
	require.Len(t, seen, 1)
	assert.Equal(t, models.RoleUser, seen[0].Role)
	assert.Equal(t, "Hi", seen[0].Content)
	assert.True(t, IsLocal(seen[0]))

	assert.False(t, result.Failed)
	assert.Equal(t, "Hello!", result.Assistant.Content)
	messages := conv.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Hello!", messages[1].Content)
}

func TestSubmitIgnoresBlankAndPendingInput(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	completer := CompleterFunc(func(ctx context.Context, history []models.ChatMessage) (string, error) {
		calls.Add(1)
		<-gate
		return "ok", nil
	})
	c := newTestClient(t, newDocStore(t).For(testUser), completer)
	conv, err := c.NewConversation()
	require.NoError(t, err)

	_, ok := conv.Submit(context.Background(), "   ")
	assert.False(t, ok)
	assert.Empty(t, conv.Messages())

	done := make(chan struct{})
	go func() {
		defer close(done)
		conv.Submit(context.Background(), "first")
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, conv.Pending())

	_, ok = conv.Submit(context.Background(), "second")
	assert.False(t, ok)

	close(gate)
	<-done
	assert.False(t, conv.Pending())
	assert.EqualValues(t, 1, calls.Load())
	messages := conv.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content)
}

func TestSubmitFailureAppendsFallbackOnce(t *testing.T) {
	cases := map[string]Completer{
		"error": CompleterFunc(func(ctx context.Context, history []models.ChatMessage) (string, error) {
			return "", errors.New("status 500")
		}),
		"empty": reply("   "),
		"timeout": CompleterFunc(func(ctx context.Context, history []models.ChatMessage) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
		"panic": CompleterFunc(func(ctx context.Context, history []models.ChatMessage) (string, error) {
			panic("broken completer")
		}),
	}
	for name, completer := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, newDocStore(t).For(testUser), completer, WithCompletionTimeout(20*time.Millisecond))
			conv, err := c.NewConversation()
			require.NoError(t, err)

			result, ok := conv.Submit(context.Background(), "Hi")
			require.True(t, ok)
			assert.True(t, result.Failed)
			assert.Error(t, result.Err)

			messages := conv.Messages()
			require.Len(t, messages, 2)
			assert.Equal(t, models.RoleAssistant, messages[1].Role)
			assert.Equal(t, FallbackReply, messages[1].Content)

			// still usable
			assert.False(t, conv.Pending())
		})
	}
}

func TestSubmitPersistsTurnsAndTitlesFirstExchange(t *testing.T) {
	ds := newDocStore(t)
	store := ds.For(testUser)
	c := newTestClient(t, store, reply("The moon is Earth's only natural satellite."))
	ctx := context.Background()

	session, err := store.CreateSession(ctx, "")
	require.NoError(t, err)
	conv, err := c.NewConversation()
	require.NoError(t, err)
	require.NoError(t, conv.Open(ctx, session.ID))

	result, ok := conv.Submit(ctx, "Tell me about the moon and stars please")
	require.True(t, ok)
	assert.Equal(t, "Tell me about the moon", result.Title)
	conv.Wait()

	stored, err := store.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, models.RoleUser, stored[0].Role)
	assert.Equal(t, "Tell me about the moon and stars please", stored[0].Content)
	assert.Equal(t, models.RoleAssistant, stored[1].Role)

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "Tell me about the moon", got.Title)

	// later exchanges keep the title
	require.NoError(t, store.UpdateSessionTitle(ctx, session.ID, "Renamed"))
	require.Eventually(t, func() bool { return len(conv.Messages()) == 2 }, time.Second, 5*time.Millisecond)
	result, ok = conv.Submit(ctx, "And the stars?")
	require.True(t, ok)
	assert.Empty(t, result.Title)
	conv.Wait()
	got, err = store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
}

func TestFallbackReplyIsNotPersisted(t *testing.T) {
	ds := newDocStore(t)
	store := ds.For(testUser)
	failing := CompleterFunc(func(ctx context.Context, history []models.ChatMessage) (string, error) {
		return "", errors.New("down")
	})
	c := newTestClient(t, store, failing)
	ctx := context.Background()
	session, err := store.CreateSession(ctx, "")
	require.NoError(t, err)
	conv, err := c.NewConversation()
	require.NoError(t, err)
	require.NoError(t, conv.Open(ctx, session.ID))

	result, ok := conv.Submit(ctx, "Hi")
	require.True(t, ok)
	assert.True(t, result.Failed)
	assert.Empty(t, result.Title)
	conv.Wait()

	stored, err := store.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.RoleUser, stored[0].Role)

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSessionTitle, got.Title)
}

type failingWrites struct {
	Store
	attempts atomic.Int32
}

func (f *failingWrites) AddMessage(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error) {
	f.attempts.Add(1)
	return nil, errors.New("write rejected")
}

func (f *failingWrites) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	f.attempts.Add(1)
	return errors.New("write rejected")
}

func TestPersistenceFailuresStayLocal(t *testing.T) {
	ds := newDocStore(t)
	store := &failingWrites{Store: ds.For(testUser)}
	c := newTestClient(t, store, reply("Hello!"))
	ctx := context.Background()
	session, err := ds.For(testUser).CreateSession(ctx, "")
	require.NoError(t, err)
	conv, err := c.NewConversation()
	require.NoError(t, err)
	require.NoError(t, conv.Open(ctx, session.ID))
	require.Eventually(t, func() bool {
		state, _ := conv.SyncState()
		return state == SyncLive
	}, time.Second, 5*time.Millisecond)

	result, ok := conv.Submit(ctx, "Hi")
	require.True(t, ok)
	assert.False(t, result.Failed)
	conv.Wait()
	assert.EqualValues(t, 3, store.attempts.Load(), "user turn, assistant turn and title, no retries")

	// nothing reached the store, so no snapshot replaced the optimistic turns
	messages := conv.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "Hello!", messages[1].Content)
}

func TestRoundTripThroughFreshSubscription(t *testing.T) {
	ds := newDocStore(t)
	store := ds.For(testUser)
	c := newTestClient(t, store, reply("Hello there!"))
	ctx := context.Background()
	session, err := store.CreateSession(ctx, "")
	require.NoError(t, err)

	conv, err := c.NewConversation()
	require.NoError(t, err)
	require.NoError(t, conv.Open(ctx, session.ID))
	_, ok := conv.Submit(ctx, "Hi")
	require.True(t, ok)
	conv.Wait()

	fresh, err := c.NewConversation()
	require.NoError(t, err)
	require.NoError(t, fresh.Open(ctx, session.ID))
	require.Eventually(t, func() bool { return len(fresh.Messages()) == 2 }, time.Second, 5*time.Millisecond)

	messages := fresh.Messages()
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, "Hi", messages[0].Content)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Hello there!", messages[1].Content)
	for _, m := range messages {
		assert.False(t, IsLocal(m), "stored ids replace local ones")
	}
}

func TestOpenSwitchesSessionsAndReleasesSubscription(t *testing.T) {
	ds := newDocStore(t)
	store := ds.For(testUser)
	c := newTestClient(t, store, reply("ok"))
	ctx := context.Background()

	a, err := store.CreateSession(ctx, "A")
	require.NoError(t, err)
	b, err := store.CreateSession(ctx, "B")
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, a.ID, models.RoleUser, "in a")
	require.NoError(t, err)

	conv, err := c.NewConversation()
	require.NoError(t, err)
	require.NoError(t, conv.Open(ctx, a.ID))
	require.Eventually(t, func() bool { return len(conv.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conv.Open(ctx, b.ID))
	assert.Equal(t, b.ID, conv.SessionID())
	assert.Empty(t, conv.Messages())

	// writes to the old session no longer reach the view
	_, err = store.AddMessage(ctx, a.ID, models.RoleUser, "late")
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, b.ID, models.RoleUser, "in b")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m := conv.Messages()
		return len(m) == 1 && m[0].Content == "in b"
	}, time.Second, 5*time.Millisecond)
}

type flakyStore struct {
	Store
	failures atomic.Int32
}

func (f *flakyStore) SubscribeMessages(ctx context.Context, sessionID string) (*feed.Subscription[[]models.Message], error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("store unavailable")
	}
	return f.Store.SubscribeMessages(ctx, sessionID)
}

func TestSyncReconnectsAfterSubscriptionFailure(t *testing.T) {
	ds := newDocStore(t)
	store := &flakyStore{Store: ds.For(testUser)}
	store.failures.Store(2)
	c := newTestClient(t, store, reply("ok"))
	ctx := context.Background()
	session, err := ds.For(testUser).CreateSession(ctx, "")
	require.NoError(t, err)
	_, err = ds.For(testUser).AddMessage(ctx, session.ID, models.RoleUser, "kept")
	require.NoError(t, err)

	conv, err := c.NewConversation()
	require.NoError(t, err)
	require.NoError(t, conv.Open(ctx, session.ID))

	sawReconnecting := false
	require.Eventually(t, func() bool {
		state, err := conv.SyncState()
		if state == SyncReconnecting {
			sawReconnecting = true
			assert.Error(t, err)
		}
		return state == SyncLive && len(conv.Messages()) == 1
	}, 2*time.Second, time.Millisecond)
	assert.True(t, sawReconnecting || store.failures.Load() < 0)
}

func TestFollowerBacksOffStreamsThatDropBeforeAnySnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var attempts []time.Time
	f := follower[int]{
		subscribe: func(context.Context) (*feed.Subscription[int], error) {
			mu.Lock()
			attempts = append(attempts, time.Now())
			mu.Unlock()
			sub := feed.New[int](nil)
			sub.Fail(errors.New("dropped"))
			return sub, nil
		},
		apply:   func(int) { t.Error("nothing should be applied") },
		state:   func(SyncState, error) {},
		backoff: backoff{min: 5 * time.Millisecond, max: 40 * time.Millisecond},
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.run(ctx, nil)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 6
	}, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	// delays run 5, 10, 20, 40, 40ms instead of staying at the minimum
	assert.GreaterOrEqual(t, attempts[5].Sub(attempts[4]), 40*time.Millisecond)
}

func TestFollowerResetsBackoffAfterASnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var applied atomic.Int32
	f := follower[int]{
		subscribe: func(context.Context) (*feed.Subscription[int], error) {
			n := calls.Add(1)
			sub := feed.New[int](nil)
			if n <= 3 {
				sub.Fail(errors.New("dropped"))
				return sub, nil
			}
			sub.Publish(int(n))
			sub.Fail(errors.New("dropped after a snapshot"))
			return sub, nil
		},
		apply:   func(int) { applied.Add(1) },
		state:   func(SyncState, error) {},
		backoff: backoff{min: 5 * time.Millisecond, max: 10 * time.Second},
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.run(ctx, nil)
	}()

	// without the reset the fifth attempt would wait 80ms and the sixth 160ms
	require.Eventually(t, func() bool { return applied.Load() >= 3 }, 150*time.Millisecond, time.Millisecond)
	cancel()
	<-done
}

func TestSyncStopsWhenSessionIsDeleted(t *testing.T) {
	ds := newDocStore(t)
	store := ds.For(testUser)
	c := newTestClient(t, store, reply("ok"))
	ctx := context.Background()
	session, err := store.CreateSession(ctx, "")
	require.NoError(t, err)

	conv, err := c.NewConversation()
	require.NoError(t, err)
	require.NoError(t, conv.Open(ctx, session.ID))
	require.Eventually(t, func() bool {
		state, _ := conv.SyncState()
		return state == SyncLive
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.DeleteSession(ctx, session.ID))
	require.Eventually(t, func() bool {
		state, err := conv.SyncState()
		return state == SyncClosed && errors.Is(err, docstore.ErrNotFound)
	}, time.Second, 5*time.Millisecond)
}

func TestDeriveTitle(t *testing.T) {
	cases := map[string]string{
		"Tell me about the moon and stars please":              "Tell me about the moon",
		"Hi":                                                   "Hi",
		"  spaced   out   words  ":                             "spaced out words",
		"Supercalifragilistic expialidocious words are long ok": "Supercalifragilistic expialido...",
		"": models.DefaultSessionTitle,
	}
	for in, want := range cases {
		assert.Equal(t, want, DeriveTitle(in), in)
	}
	assert.LessOrEqual(t, len([]rune(DeriveTitle("aaaaaaaaaa bbbbbbbbbb cccccccccc dddddddddd"))), titleMaxRunes+3)
}

func TestSearchIsCaseInsensitiveSubstring(t *testing.T) {
	sessions := []models.Session{{Title: "New Chat"}, {Title: "Moon Facts"}, {Title: "Recipe Ideas"}}
	got := FilterSessions(sessions, "moon")
	require.Len(t, got, 1)
	assert.Equal(t, "Moon Facts", got[0].Title)

	assert.Len(t, FilterSessions(sessions, ""), 3)
	assert.Len(t, FilterSessions(sessions, "E"), 3)
	assert.Empty(t, FilterSessions(sessions, "mars"))
}

func TestSessionListFollowsStoreAndSearches(t *testing.T) {
	ds := newDocStore(t)
	store := ds.For(testUser)
	nav := &recordingNavigator{}
	c := newTestClient(t, store, reply("ok"), WithNavigator(nav))
	ctx := context.Background()

	list, err := c.NewSessionList(ctx)
	require.NoError(t, err)

	created, err := list.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSessionTitle, created.Title)
	assert.Equal(t, []string{ChatPath(created.ID)}, nav.history())
	assert.Equal(t, created.ID, list.Current())

	for _, title := range []string{"Moon Facts", "Recipe Ideas"} {
		_, err := store.CreateSession(ctx, title)
		require.NoError(t, err)
	}
	_, err = ds.For("someone-else").CreateSession(ctx, "Moon secrets")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(list.Sessions()) == 3 }, time.Second, 5*time.Millisecond)
	sessions := list.Sessions()
	assert.Equal(t, "Recipe Ideas", sessions[0].Title, "newest first")
	assert.Equal(t, models.DefaultSessionTitle, sessions[2].Title)

	found := list.Search("MOON")
	require.Len(t, found, 1)
	assert.Equal(t, "Moon Facts", found[0].Title)
}

type orderCheckingStore struct {
	Store
	nav        *recordingNavigator
	navAtCall  []string
	deleteCall atomic.Int32
}

func (o *orderCheckingStore) DeleteSession(ctx context.Context, sessionID string) error {
	o.deleteCall.Add(1)
	o.navAtCall = o.nav.history()
	return o.Store.DeleteSession(ctx, sessionID)
}

func TestDeleteCurrentSessionNavigatesAwayFirst(t *testing.T) {
	ds := newDocStore(t)
	nav := &recordingNavigator{}
	store := &orderCheckingStore{Store: ds.For(testUser), nav: nav}
	c := newTestClient(t, store, reply("ok"), WithNavigator(nav), WithConfirmer(answer(true)))
	ctx := context.Background()

	list, err := c.NewSessionList(ctx)
	require.NoError(t, err)
	session, err := list.Create(ctx)
	require.NoError(t, err)

	deleted, err := list.Delete(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, []string{ChatPath(session.ID), "/chat"}, store.navAtCall)
	assert.Empty(t, list.Current())

	_, err = ds.For(testUser).GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	ds := newDocStore(t)
	nav := &recordingNavigator{}
	store := &orderCheckingStore{Store: ds.For(testUser), nav: nav}
	ctx := context.Background()
	session, err := ds.For(testUser).CreateSession(ctx, "")
	require.NoError(t, err)

	declining := newTestClient(t, store, reply("ok"), WithNavigator(nav), WithConfirmer(answer(false)))
	list, err := declining.NewSessionList(ctx)
	require.NoError(t, err)
	list.SetCurrent(session.ID)
	deleted, err := list.Delete(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Zero(t, store.deleteCall.Load())
	assert.Empty(t, nav.history())
	assert.Equal(t, session.ID, list.Current())

	unattended := newTestClient(t, store, reply("ok"))
	list, err = unattended.NewSessionList(ctx)
	require.NoError(t, err)
	_, err = list.Delete(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNoConfirmer)
	assert.Zero(t, store.deleteCall.Load())
}

func TestEnsureActiveCreatesOnce(t *testing.T) {
	ds := newDocStore(t)
	store := ds.For(testUser)
	nav := &recordingNavigator{}
	c := newTestClient(t, store, reply("ok"), WithNavigator(nav))
	ctx := context.Background()
	list, err := c.NewSessionList(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = list.EnsureActive(ctx)
		}()
	}
	wg.Wait()
	again, err := list.EnsureActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
	assert.Len(t, nav.history(), 1)
}

func TestCloseTearsDownEverything(t *testing.T) {
	ds := newDocStore(t)
	store := ds.For(testUser)
	c, err := NewClient(Identity{UserID: testUser}, store, reply("ok"), WithLogger(logging.Discard()))
	require.NoError(t, err)
	ctx := context.Background()
	session, err := store.CreateSession(ctx, "")
	require.NoError(t, err)

	conv, err := c.NewConversation()
	require.NoError(t, err)
	require.NoError(t, conv.Open(ctx, session.ID))
	list, err := c.NewSessionList(ctx)
	require.NoError(t, err)

	c.Close()

	state, _ := conv.SyncState()
	assert.Equal(t, SyncClosed, state)
	state, _ = list.SyncState()
	assert.Equal(t, SyncClosed, state)
	_, ok := conv.Submit(ctx, "Hi")
	assert.False(t, ok)

	_, err = c.NewConversation()
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = NewClient(Identity{}, store, reply("ok"))
	assert.ErrorIs(t, err, ErrNoIdentity)
}

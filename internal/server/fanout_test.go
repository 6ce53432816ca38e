package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/gosocial/internal/bus"
	"github.com/npezzotti/gosocial/internal/database"
	"github.com/npezzotti/gosocial/internal/stats"
	"github.com/npezzotti/gosocial/internal/testutil"
	"github.com/npezzotti/gosocial/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	mu        sync.Mutex
	published []bus.Envelope
	handler   bus.Handler
	closed    bool
	subErr    error
}

func (r *fakeRelay) Origin() string { return "test" }

func (r *fakeRelay) Publish(ctx context.Context, chatId string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, bus.Envelope{Origin: "test", ChatId: chatId, Payload: payload})
	return nil
}

func (r *fakeRelay) Subscribe(ctx context.Context, h bus.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subErr != nil {
		return r.subErr
	}
	r.handler = h
	return nil
}

func (r *fakeRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRelay) sent() []bus.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Envelope(nil), r.published...)
}

func (r *fakeRelay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func TestRelayClosedOnFailedStartup(t *testing.T) {
	t.Run("missing repository", func(t *testing.T) {
		relay := &fakeRelay{}
		_, err := NewChatServer(testutil.TestLogger(t), nil, permissiveStats(), Options{Relay: relay})
		require.Error(t, err)
		assert.True(t, relay.isClosed(), "expected the relay to be closed")
	})

	t.Run("subscribe fails", func(t *testing.T) {
		relay := &fakeRelay{subErr: errors.New("connection refused")}
		cs := newTestChatServer(t, &database.MockChatRepository{}, permissiveStats(), Options{Relay: relay})

		err := cs.Start(context.Background())
		require.Error(t, err)
		assert.True(t, relay.isClosed(), "expected the relay to be closed")
		assert.Nil(t, cs.relay, "expected shutdown not to close the relay twice")
	})
}

func TestPublishExcludesSender(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, permissiveStats(), Options{})
	a := newTestClient(t, cs, types.User{Id: 1})
	b := newTestClient(t, cs, types.User{Id: 2})
	c := newTestClient(t, cs, types.User{Id: 3})
	outsider := newTestClient(t, cs, types.User{Id: 4})

	for _, cl := range []*Client{a, b, c} {
		cs.registry.Join(cl, "chat-1")
	}
	cs.registry.Join(outsider, "chat-2")

	n := cs.Publish(a, ReactionAdded{Sender: a.sender(), ChatId: "chat-1", MessageId: 1, Emoji: "+1"})
	assert.Equal(t, 2, n)

	assert.Empty(t, drain(t, a), "expected the sender to be skipped")
	assert.Empty(t, drain(t, outsider), "expected other rooms to be untouched")
	for _, cl := range []*Client{b, c} {
		frames := drain(t, cl)
		require.Len(t, frames, 1)
		require.NotNil(t, frames[0].ReactionAdded)
		assert.Equal(t, "+1", frames[0].ReactionAdded.Emoji)
	}

	n = cs.Publish(nil, MessagesRead{ChatId: "chat-1", Count: 1})
	assert.Equal(t, 3, n, "expected a nil source to exclude nobody")
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	su := permissiveStats()
	cs := newTestChatServer(t, &database.MockChatRepository{}, su, Options{})
	a := newTestClient(t, cs, types.User{Id: 1})
	slow := &Client{id: "slow", send: make(chan []byte), stop: make(chan struct{}), log: testutil.TestLogger(t)}
	cs.Register(slow)
	cs.registry.Join(a, "chat-1")
	cs.registry.Join(slow, "chat-1")

	n := cs.Publish(nil, TypingStarted{ChatId: "chat-1"})
	assert.Equal(t, 1, n)
	assert.Len(t, drain(t, a), 1, "expected the fast member to still receive the event")
	su.AssertCalled(t, "Incr", stats.EventsDropped)
}

func TestRelay(t *testing.T) {
	relay := &fakeRelay{}
	cs := newTestChatServer(t, &database.MockChatRepository{}, permissiveStats(), Options{Relay: relay})
	require.NoError(t, cs.Start(context.Background()))

	a := newTestClient(t, cs, types.User{Id: 1})
	b := newTestClient(t, cs, types.User{Id: 2})
	cs.registry.Join(a, "chat-1")
	cs.registry.Join(b, "chat-1")

	cs.Publish(a, TypingStarted{Sender: a.sender(), ChatId: "chat-1"})

	assert.Eventually(t, func() bool {
		return len(relay.sent()) == 1
	}, time.Second, 5*time.Millisecond, "expected the event to be relayed")

	env := relay.sent()[0]
	assert.Equal(t, "chat-1", env.ChatId)
	var frame ServerMessage
	require.NoError(t, json.Unmarshal(env.Payload, &frame))
	assert.NotNil(t, frame.UserTyping)
	drain(t, b)

	remote, err := serializeMessage(MessagesRead{ChatId: "chat-1", UserId: 9, Count: 2}.serverMessage())
	require.NoError(t, err)
	relay.handler(bus.Envelope{Origin: "other", ChatId: "chat-1", Payload: remote})

	for _, cl := range []*Client{a, b} {
		frames := drain(t, cl)
		require.Len(t, frames, 1, "expected remote events to reach every local member")
		require.NotNil(t, frames[0].MessagesRead)
		assert.Equal(t, 9, frames[0].MessagesRead.UserId)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, relay.sent(), 1, "expected remote events not to be relayed again")

	require.NoError(t, cs.Shutdown(context.Background()))
	assert.True(t, relay.closed)
}

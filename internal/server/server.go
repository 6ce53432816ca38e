package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/gosocial/internal/database"
	"github.com/npezzotti/gosocial/internal/stats"
	"github.com/npezzotti/gosocial/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultEventRate  = 20
	defaultEventBurst = 40
)

type Options struct {
	TypingTimeout time.Duration
	// EventRate and EventBurst bound inbound socket events per connection.
	EventRate  float64
	EventBurst int
	// Relay is owned by the server once passed in, including when
	// NewChatServer or Start fails.
	Relay Relay
}

type ChatServer struct {
	log        *zap.SugaredLogger
	db         database.ChatRepository
	stats      stats.StatsProvider
	registry   *Registry
	presence   *Presence
	relay      Relay
	relayQueue chan relayItem
	eventRate  rate.Limit
	eventBurst int
	wg         sync.WaitGroup
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewChatServer(logger *zap.SugaredLogger, db database.ChatRepository, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if db == nil {
		if opts.Relay != nil {
			opts.Relay.Close()
		}
		return nil, errors.New("chat server: repository is required")
	}

	for _, name := range []string{
		stats.Connections,
		stats.ActiveRooms,
		stats.MessagesSent,
		stats.EventsDropped,
		stats.RateLimited,
	} {
		su.RegisterMetric(name)
	}

	if opts.EventRate <= 0 {
		opts.EventRate = defaultEventRate
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = defaultEventBurst
	}

	cs := &ChatServer{
		log:        logger,
		db:         db,
		stats:      su,
		registry:   NewRegistry(su),
		relay:      opts.Relay,
		relayQueue: make(chan relayItem, relayQueueSize),
		eventRate:  rate.Limit(opts.EventRate),
		eventBurst: opts.EventBurst,
		stop:       make(chan struct{}),
	}
	cs.presence = NewPresence(opts.TypingTimeout, cs.registry.InRoom, cs.Publish)

	return cs, nil
}

// Start subscribes to the relay, when one is configured, and begins
// forwarding local events to it.
func (cs *ChatServer) Start(ctx context.Context) error {
	if cs.relay == nil {
		return nil
	}

	if err := cs.relay.Subscribe(ctx, cs.handleRemote); err != nil {
		cs.relay.Close()
		cs.relay = nil
		return fmt.Errorf("relay subscribe: %w", err)
	}

	cs.wg.Add(1)
	go cs.runRelay()

	cs.log.Infow("relaying events", "origin", cs.relay.Origin())
	return nil
}

// Serve registers a client for an upgraded connection and starts its pumps.
func (cs *ChatServer) Serve(user types.User, conn *websocket.Conn) *Client {
	c := NewClient(user, conn, cs, cs.log)
	cs.Register(c)

	go c.Write()
	go c.Read()

	return c
}

func (cs *ChatServer) Register(c *Client) {
	cs.log.Debugw("adding connection", "connection_id", c.id, "user", c.user.Username)
	cs.registry.Register(c)
}

// Disconnect removes c from every room, then ends its typing states and
// tells the remaining members it left.
func (cs *ChatServer) Disconnect(c *Client) {
	rooms := cs.registry.Disconnect(c)
	if rooms == nil {
		return
	}

	cs.log.Debugw("removing connection", "connection_id", c.id, "rooms", rooms)
	for _, chatId := range rooms {
		cs.presence.Clear(c, chatId)
		cs.Publish(c, PresenceLeft{Sender: c.sender(), ChatId: chatId})
	}
}

func (cs *ChatServer) dispatch(c *Client, msg *ClientMessage) {
	switch {
	case msg.JoinChat != nil:
		cs.handleJoin(c, msg.Id, msg.JoinChat.ChatId)
	case msg.LeaveChat != nil:
		cs.handleLeave(c, msg.Id, msg.LeaveChat.ChatId)
	case msg.SendMessage != nil:
		cs.handleSend(c, msg)
	case msg.StartTyping != nil:
		cs.handleTyping(c, msg.Id, msg.StartTyping.ChatId, true)
	case msg.StopTyping != nil:
		cs.handleTyping(c, msg.Id, msg.StopTyping.ChatId, false)
	case msg.AddReaction != nil:
		cs.handleReaction(c, msg.Id, msg.AddReaction)
	case msg.MarkRead != nil:
		cs.handleMarkRead(c, msg.Id, msg.MarkRead.ChatId)
	}
}

// authorize resolves chatId and checks that the client's user is a member,
// answering the client itself when either fails.
func (cs *ChatServer) authorize(c *Client, id int, chatId string) (database.Chat, bool) {
	chat, err := cs.db.GetChatByExternalId(chatId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.queueMessage(ErrChatNotFound(id))
		} else {
			cs.log.Errorw("GetChatByExternalId", "chat_id", chatId, "err", err)
			c.queueMessage(ErrInternalError(id))
		}
		return database.Chat{}, false
	}

	if !cs.checkMember(c, id, chat) {
		return database.Chat{}, false
	}

	return chat, true
}

func (cs *ChatServer) checkMember(c *Client, id int, chat database.Chat) bool {
	ok, err := cs.db.IsMember(chat.Id, c.user.Id)
	if err != nil {
		cs.log.Errorw("IsMember", "chat_id", chat.ExternalId, "err", err)
		c.queueMessage(ErrInternalError(id))
		return false
	}
	if !ok {
		c.queueMessage(ErrForbidden(id))
		return false
	}

	return true
}

func (cs *ChatServer) handleJoin(c *Client, id int, chatId string) {
	chat, ok := cs.authorize(c, id, chatId)
	if !ok {
		return
	}

	if cs.registry.Join(c, chatId) {
		cs.Publish(c, PresenceJoined{Sender: c.sender(), ChatId: chatId})
	}

	full, err := cs.db.GetChatWithMembers(chat.Id)
	if err != nil {
		cs.log.Errorw("GetChatWithMembers", "chat_id", chatId, "err", err)
		c.queueMessage(ErrInternalError(id))
		return
	}

	c.queueMessage(NoErrOK(id, full.ToAPI(cs.PresentIn(chatId))))
}

// PresentIn returns a predicate over user ids with a live connection in the
// room for chatId.
func (cs *ChatServer) PresentIn(chatId string) func(int) bool {
	present := make(map[int]struct{})
	for _, m := range cs.registry.Members(chatId) {
		present[m.user.Id] = struct{}{}
	}

	return func(userId int) bool {
		_, ok := present[userId]
		return ok
	}
}

func (cs *ChatServer) handleLeave(c *Client, id int, chatId string) {
	cs.leave(c, chatId)
	c.queueMessage(NoErrOK(id, nil))
}

func (cs *ChatServer) leave(c *Client, chatId string) {
	if !cs.registry.Leave(c, chatId) {
		return
	}

	cs.presence.Clear(c, chatId)
	cs.Publish(c, PresenceLeft{Sender: c.sender(), ChatId: chatId})
}

func (cs *ChatServer) handleSend(c *Client, msg *ClientMessage) {
	chatId := msg.SendMessage.ChatId
	chat, ok := cs.authorize(c, msg.Id, chatId)
	if !ok {
		return
	}

	saved, err := cs.db.CreateMessage(database.Message{
		ChatId:    chat.Id,
		UserId:    c.user.Id,
		Content:   msg.SendMessage.Content,
		CreatedAt: msg.Timestamp,
	})
	if err != nil {
		cs.log.Errorw("CreateMessage", "chat_id", chatId, "err", err)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
		return
	}

	cs.stats.Incr(stats.MessagesSent)
	out := saved.ToAPI(chatId)
	c.queueMessage(NoErrAccepted(msg.Id, out))

	cs.Publish(c, MessageSent{Sender: c.sender(), ChatId: chatId, Message: out})
	cs.presence.StopTyping(c, chatId)
}

func (cs *ChatServer) handleTyping(c *Client, id int, chatId string, composing bool) {
	if !cs.registry.InRoom(c, chatId) {
		c.queueMessage(ErrNotJoined(id))
		return
	}

	if composing {
		cs.presence.StartTyping(c, chatId)
	} else {
		cs.presence.StopTyping(c, chatId)
	}

	c.queueMessage(NoErrOK(id, nil))
}

func (cs *ChatServer) handleReaction(c *Client, id int, r *AddReaction) {
	if !cs.registry.InRoom(c, r.ChatId) {
		c.queueMessage(ErrNotJoined(id))
		return
	}

	chat, err := cs.db.GetChatByExternalId(r.ChatId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.queueMessage(ErrChatNotFound(id))
		} else {
			cs.log.Errorw("GetChatByExternalId", "chat_id", r.ChatId, "err", err)
			c.queueMessage(ErrInternalError(id))
		}
		return
	}

	if _, err := cs.db.GetMessage(chat.Id, r.MessageId); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.queueMessage(ErrMessageNotFound(id))
		} else {
			cs.log.Errorw("GetMessage", "chat_id", r.ChatId, "message_id", r.MessageId, "err", err)
			c.queueMessage(ErrInternalError(id))
		}
		return
	}

	cs.Publish(c, ReactionAdded{
		Sender:    c.sender(),
		ChatId:    r.ChatId,
		MessageId: r.MessageId,
		Emoji:     r.Emoji,
	})
	c.queueMessage(NoErrOK(id, nil))
}

// handleMarkRead answers a zero count for a chat that does not exist.
func (cs *ChatServer) handleMarkRead(c *Client, id int, chatId string) {
	chat, err := cs.db.GetChatByExternalId(chatId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.queueMessage(NoErrOK(id, types.MarkReadResult{Success: true}))
		} else {
			cs.log.Errorw("GetChatByExternalId", "chat_id", chatId, "err", err)
			c.queueMessage(ErrInternalError(id))
		}
		return
	}

	if !cs.checkMember(c, id, chat) {
		return
	}

	n, err := cs.db.MarkRead(chat.Id, c.user.Id, Now())
	if err != nil {
		cs.log.Errorw("MarkRead", "chat_id", chatId, "err", err)
		c.queueMessage(ErrInternalError(id))
		return
	}

	c.queueMessage(NoErrOK(id, types.MarkReadResult{Success: true, MarkedAsRead: n}))
	if n > 0 {
		cs.Publish(c, MessagesRead{Sender: c.sender(), ChatId: chatId, Count: n})
	}
}

// NotifyMessage fans out a message persisted outside a socket session.
func (cs *ChatServer) NotifyMessage(chatId string, sender types.User, msg types.Message) int {
	cs.stats.Incr(stats.MessagesSent)
	return cs.Publish(nil, MessageSent{
		Sender:  Sender{UserId: sender.Id, UserEmail: sender.EmailAddress},
		ChatId:  chatId,
		Message: msg,
	})
}

// NotifyRead tells the room that user read count messages.
func (cs *ChatServer) NotifyRead(chatId string, user types.User, count int) int {
	if count == 0 {
		return 0
	}

	return cs.Publish(nil, MessagesRead{
		Sender: Sender{UserId: user.Id, UserEmail: user.EmailAddress},
		ChatId: chatId,
		Count:  count,
	})
}

// NotifyChatDeleted tells every live member that the chat is gone and empties
// its room.
func (cs *ChatServer) NotifyChatDeleted(chatId string) {
	for _, c := range cs.registry.Members(chatId) {
		cs.presence.Clear(c, chatId)
	}

	members := cs.registry.CloseRoom(chatId)
	data, err := serializeMessage(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		ChatDeleted: &ChatDeleted{ChatId: chatId},
	})
	if err != nil {
		cs.log.Errorw("failed to serialize chat deleted", "chat_id", chatId, "err", err)
		return
	}

	for _, c := range members {
		if !c.queue(data) {
			cs.stats.Incr(stats.EventsDropped)
		}
	}
	cs.enqueueRelay(chatId, data)

	cs.log.Infow("closed room for deleted chat", "chat_id", chatId, "members", len(members))
}

// EvictUser removes every connection of userId from the room for chatId,
// used when the user leaves the chat.
func (cs *ChatServer) EvictUser(chatId string, userId int) {
	for _, c := range cs.registry.Members(chatId) {
		if c.user.Id == userId {
			cs.leave(c, chatId)
		}
	}
}

// Shutdown disconnects every client, stops the relay and waits for
// background work to finish or ctx to expire.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("received shutdown signal")

	for _, c := range cs.registry.Clients() {
		cs.Disconnect(c)
		c.stopClient()
	}

	cs.stopOnce.Do(func() {
		close(cs.stop)
	})

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if cs.relay != nil {
		if err := cs.relay.Close(); err != nil {
			return fmt.Errorf("close relay: %w", err)
		}
	}

	return nil
}

package server

import (
	"context"
	"time"

	"github.com/npezzotti/gosocial/internal/bus"
	"github.com/npezzotti/gosocial/internal/stats"
)

const (
	relayQueueSize = 1024
	relayTimeout   = 2 * time.Second
)

// Relay replicates room events to other server instances.
type Relay interface {
	Origin() string
	Publish(ctx context.Context, chatId string, payload []byte) error
	Subscribe(ctx context.Context, h bus.Handler) error
	Close() error
}

type relayItem struct {
	chatId  string
	payload []byte
}

// Publish encodes ev once and enqueues it on every member of its room except
// src, returning how many connections accepted it. A nil src excludes nobody.
// Delivery never blocks: a member whose buffer is full misses the event.
func (cs *ChatServer) Publish(src *Client, ev ChatEvent) int {
	data, err := serializeMessage(ev.serverMessage())
	if err != nil {
		cs.log.Errorw("failed to serialize event", "chat_id", ev.Room(), "err", err)
		return 0
	}

	n := cs.deliver(src, ev.Room(), data)
	cs.enqueueRelay(ev.Room(), data)
	return n
}

func (cs *ChatServer) deliver(src *Client, chatId string, data []byte) int {
	delivered := 0
	for _, c := range cs.registry.Members(chatId) {
		if c == src {
			continue
		}

		if c.queue(data) {
			delivered++
		} else {
			cs.stats.Incr(stats.EventsDropped)
		}
	}

	return delivered
}

func (cs *ChatServer) enqueueRelay(chatId string, data []byte) {
	if cs.relay == nil {
		return
	}

	select {
	case cs.relayQueue <- relayItem{chatId: chatId, payload: data}:
	default:
		cs.stats.Incr(stats.EventsDropped)
		cs.log.Warnw("relay queue full, dropping event", "chat_id", chatId)
	}
}

func (cs *ChatServer) runRelay() {
	defer cs.wg.Done()

	for {
		select {
		case item := <-cs.relayQueue:
			ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
			if err := cs.relay.Publish(ctx, item.chatId, item.payload); err != nil {
				cs.log.Warnw("relay publish failed", "chat_id", item.chatId, "err", err)
			}
			cancel()
		case <-cs.stop:
			return
		}
	}
}

// handleRemote delivers an event relayed by another instance to the local
// members of its room.
func (cs *ChatServer) handleRemote(env bus.Envelope) {
	cs.deliver(nil, env.ChatId, env.Payload)
}

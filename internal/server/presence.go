package server

import (
	"sync"
	"time"
)

const defaultTypingTimeout = 5 * time.Second

type typingKey struct {
	c      *Client
	chatId string
}

type typingState struct {
	timer *time.Timer
	gen   uint64
}

// Presence tracks which connections are composing in which rooms. A
// composing state expires on its own after the typing timeout.
type Presence struct {
	mu      sync.Mutex
	timeout time.Duration
	typing  map[typingKey]*typingState
	gen     uint64
	joined  func(c *Client, chatId string) bool
	publish func(src *Client, ev ChatEvent) int
}

// NewPresence builds a tracker that publishes through publish. When joined
// is set, StartTyping re-checks room membership under the tracker lock so a
// connection removed from the room concurrently never starts composing.
func NewPresence(timeout time.Duration, joined func(c *Client, chatId string) bool, publish func(src *Client, ev ChatEvent) int) *Presence {
	if timeout <= 0 {
		timeout = defaultTypingTimeout
	}

	return &Presence{
		timeout: timeout,
		typing:  make(map[typingKey]*typingState),
		joined:  joined,
		publish: publish,
	}
}

// StartTyping marks c as composing in chatId. Only the transition from idle
// publishes; a repeated start just pushes the expiry back. A connection that
// is not in the room is left idle.
func (p *Presence) StartTyping(c *Client, chatId string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.joined != nil && !p.joined(c, chatId) {
		return false
	}

	key := typingKey{c: c, chatId: chatId}
	state, composing := p.typing[key]
	if composing {
		state.timer.Stop()
	} else {
		state = &typingState{}
		p.typing[key] = state
	}

	p.gen++
	gen := p.gen
	state.gen = gen
	state.timer = time.AfterFunc(p.timeout, func() {
		p.expire(key, gen)
	})

	if composing {
		return false
	}

	p.publish(c, TypingStarted{Sender: c.sender(), ChatId: chatId})
	return true
}

// StopTyping returns c to idle in chatId. Idle connections are left alone.
func (p *Presence) StopTyping(c *Client, chatId string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stopLocked(typingKey{c: c, chatId: chatId})
}

// Clear stops an active composing state of c in chatId, used when the
// connection leaves the room or goes away.
func (p *Presence) Clear(c *Client, chatId string) {
	p.StopTyping(c, chatId)
}

func (p *Presence) isTyping(c *Client, chatId string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.typing[typingKey{c: c, chatId: chatId}]
	return ok
}

func (p *Presence) expire(key typingKey, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// a restart after this timer fired owns the state now
	if state, ok := p.typing[key]; !ok || state.gen != gen {
		return
	}
	p.stopLocked(key)
}

func (p *Presence) stopLocked(key typingKey) bool {
	state, ok := p.typing[key]
	if !ok {
		return false
	}

	state.timer.Stop()
	delete(p.typing, key)
	p.publish(key.c, TypingStopped{Sender: key.c.sender(), ChatId: key.chatId})
	return true
}

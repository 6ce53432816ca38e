// Package bus relays realtime events between server instances over Redis
// pub/sub.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultChannel = "gosocial:events"
	pingTimeout    = 3 * time.Second
)

// Envelope is the unit published on the bus. Payload is an already encoded
// server message so receivers can forward it without re-encoding.
type Envelope struct {
	Origin  string          `json:"origin"`
	ChatId  string          `json:"chatId"`
	Payload json.RawMessage `json:"payload"`
}

type Handler func(Envelope)

type RedisBus struct {
	client  *redis.Client
	channel string
	origin  string
	log     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisBus connects to the redis server at url. origin identifies this
// instance; envelopes it published are not handed back to its subscriber.
func NewRedisBus(url, origin string, log *zap.SugaredLogger) (*RedisBus, error) {
	if url == "" {
		return nil, errors.New("redis: url is empty")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &RedisBus{
		client:  c,
		channel: DefaultChannel,
		origin:  origin,
		log:     log,
	}, nil
}

func (b *RedisBus) Origin() string {
	return b.origin
}

func (b *RedisBus) Publish(ctx context.Context, chatId string, payload []byte) error {
	data, err := encodeEnvelope(Envelope{Origin: b.origin, ChatId: chatId, Payload: payload})
	if err != nil {
		return err
	}

	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe starts delivering envelopes from other instances to h until ctx
// is done or the bus is closed.
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub != nil {
		return errors.New("redis: already subscribed")
	}

	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("redis: subscribe %s: %w", b.channel, err)
	}
	b.pubsub = ps

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.dispatch(msg.Payload, h)
			}
		}
	}()

	b.log.Infow("subscribed to event bus", "channel", b.channel, "origin", b.origin)
	return nil
}

func (b *RedisBus) dispatch(raw string, h Handler) {
	env, err := decodeEnvelope([]byte(raw))
	if err != nil {
		b.log.Warnw("dropping malformed bus envelope", "err", err)
		return
	}

	if env.Origin == b.origin {
		return
	}

	h(env)
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()

	var err error
	if ps != nil {
		err = ps.Close()
	}
	b.wg.Wait()

	return errors.Join(err, b.client.Close())
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	if env.ChatId == "" {
		return nil, errors.New("envelope: missing chat id")
	}
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("envelope: %w", err)
	}
	if env.ChatId == "" || env.Origin == "" {
		return Envelope{}, errors.New("envelope: missing origin or chat id")
	}
	return env, nil
}

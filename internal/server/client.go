package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/gosocial/internal/stats"
	"github.com/npezzotti/gosocial/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufferSize = 256
)

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *zap.SugaredLogger
	user       types.User
	send       chan []byte
	limiter    *rate.Limiter
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *zap.SugaredLogger) *Client {
	id := uuid.NewString()
	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l.With("connection_id", id, "user_id", user.Id),
		user:       user,
		send:       make(chan []byte, sendBufferSize),
		limiter:    rate.NewLimiter(cs.eventRate, cs.eventBurst),
		stop:       make(chan struct{}),
	}
}

func (c *Client) sender() Sender {
	return Sender{
		UserId:       c.user.Id,
		UserEmail:    c.user.EmailAddress,
		ConnectionId: c.id,
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}

			if !c.sendMessage(websocket.TextMessage, data) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warnw("ws: read", "err", err)
			}
			break
		}

		c.handleFrame(raw)
	}
}

func (c *Client) handleFrame(raw []byte) {
	msg, err := parseClientMessage(raw)
	if err != nil {
		c.log.Debugw("invalid frame", "err", err)
		id := -1
		if msg != nil {
			id = msg.Id
		}
		c.queueMessage(ErrInvalidMessage(id))
		return
	}

	if !c.limiter.Allow() {
		c.chatServer.stats.Incr(stats.RateLimited)
		c.queueMessage(ErrTooManyRequests(msg.Id))
		return
	}

	msg.Timestamp = Now()
	c.chatServer.dispatch(c, msg)
}

// queueMessage encodes msg and enqueues it without blocking.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	data, err := serializeMessage(msg)
	if err != nil {
		c.log.Errorw("failed to serialize message", "err", err)
		return false
	}

	return c.queue(data)
}

func (c *Client) queue(data []byte) bool {
	select {
	case c.send <- data:
	default:
		c.log.Warn("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warnw("write message", "err", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.chatServer.Disconnect(c)
	c.stopClient()
}

package server

import "github.com/npezzotti/gosocial/internal/types"

// Sender identifies the connection an event originated from. HTTP
// originated events have no connection id.
type Sender struct {
	UserId       int
	UserEmail    string
	ConnectionId string
}

// ChatEvent is an ephemeral, room scoped notification. The set of
// implementations is closed.
type ChatEvent interface {
	Room() string
	serverMessage() *ServerMessage
}

type MessageSent struct {
	Sender
	ChatId  string
	Message types.Message
}

type TypingStarted struct {
	Sender
	ChatId string
}

type TypingStopped struct {
	Sender
	ChatId string
}

type ReactionAdded struct {
	Sender
	ChatId    string
	MessageId int
	Emoji     string
}

type PresenceJoined struct {
	Sender
	ChatId string
}

type PresenceLeft struct {
	Sender
	ChatId string
}

type MessagesRead struct {
	Sender
	ChatId string
	Count  int
}

func (e MessageSent) Room() string    { return e.ChatId }
func (e TypingStarted) Room() string  { return e.ChatId }
func (e TypingStopped) Room() string  { return e.ChatId }
func (e ReactionAdded) Room() string  { return e.ChatId }
func (e PresenceJoined) Room() string { return e.ChatId }
func (e PresenceLeft) Room() string   { return e.ChatId }
func (e MessagesRead) Room() string   { return e.ChatId }

func event() *ServerMessage {
	return &ServerMessage{BaseMessage: BaseMessage{Timestamp: Now()}}
}

func (e MessageSent) serverMessage() *ServerMessage {
	msg := event()
	m := e.Message
	m.ChatId = e.ChatId
	msg.NewMessage = &NewMessage{
		Message:      m,
		ConnectionId: e.ConnectionId,
		UserEmail:    e.UserEmail,
	}
	return msg
}

func (e TypingStarted) serverMessage() *ServerMessage {
	msg := event()
	msg.UserTyping = &TypingEvent{ChatId: e.ChatId, UserId: e.UserId, UserEmail: e.UserEmail}
	return msg
}

func (e TypingStopped) serverMessage() *ServerMessage {
	msg := event()
	msg.UserStoppedTyping = &TypingEvent{ChatId: e.ChatId, UserId: e.UserId, UserEmail: e.UserEmail}
	return msg
}

func (e ReactionAdded) serverMessage() *ServerMessage {
	msg := event()
	msg.ReactionAdded = &ReactionEvent{
		ChatId:    e.ChatId,
		MessageId: e.MessageId,
		Emoji:     e.Emoji,
		UserId:    e.UserId,
		UserEmail: e.UserEmail,
	}
	return msg
}

func (e PresenceJoined) serverMessage() *ServerMessage {
	msg := event()
	msg.UserJoined = &PresenceEvent{
		ChatId:       e.ChatId,
		UserId:       e.UserId,
		UserEmail:    e.UserEmail,
		ConnectionId: e.ConnectionId,
	}
	return msg
}

func (e PresenceLeft) serverMessage() *ServerMessage {
	msg := event()
	msg.UserLeft = &PresenceEvent{
		ChatId:       e.ChatId,
		UserId:       e.UserId,
		UserEmail:    e.UserEmail,
		ConnectionId: e.ConnectionId,
	}
	return msg
}

func (e MessagesRead) serverMessage() *ServerMessage {
	msg := event()
	msg.MessagesRead = &ReadEvent{ChatId: e.ChatId, UserId: e.UserId, Count: e.Count}
	return msg
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/gosocial/internal/database"
	"github.com/npezzotti/gosocial/internal/types"
)

var validate = database.NewValidator()

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a frame read from a socket. Exactly one of the event
// fields is set.
type ClientMessage struct {
	BaseMessage
	JoinChat    *ChatRef     `json:"joinChat,omitempty"`
	LeaveChat   *ChatRef     `json:"leaveChat,omitempty"`
	SendMessage *SendMessage `json:"sendMessage,omitempty"`
	StartTyping *ChatRef     `json:"startTyping,omitempty"`
	StopTyping  *ChatRef     `json:"stopTyping,omitempty"`
	AddReaction *AddReaction `json:"addReaction,omitempty"`
	MarkRead    *ChatRef     `json:"markRead,omitempty"`
}

type ChatRef struct {
	ChatId string `json:"chatId" validate:"required,chatid"`
}

type SendMessage struct {
	ChatId  string `json:"chatId" validate:"required,chatid"`
	Content string `json:"content" validate:"required,max=4096"`
}

type AddReaction struct {
	ChatId    string `json:"chatId" validate:"required,chatid"`
	MessageId int    `json:"messageId" validate:"required,gt=0"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

var errInvalidFrame = errors.New("frame must set exactly one event")

// parseClientMessage decodes and validates a raw frame. The returned message
// is non-nil whenever the frame was valid JSON so its id can be echoed.
func parseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}

	set := 0
	for _, present := range []bool{
		msg.JoinChat != nil,
		msg.LeaveChat != nil,
		msg.SendMessage != nil,
		msg.StartTyping != nil,
		msg.StopTyping != nil,
		msg.AddReaction != nil,
		msg.MarkRead != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return &msg, errInvalidFrame
	}

	if err := validate.Struct(&msg); err != nil {
		return &msg, err
	}

	return &msg, nil
}

type ServerMessage struct {
	BaseMessage
	Response          *Response      `json:"response,omitempty"`
	UserJoined        *PresenceEvent `json:"userJoined,omitempty"`
	UserLeft          *PresenceEvent `json:"userLeft,omitempty"`
	NewMessage        *NewMessage    `json:"newMessage,omitempty"`
	UserTyping        *TypingEvent   `json:"userTyping,omitempty"`
	UserStoppedTyping *TypingEvent   `json:"userStoppedTyping,omitempty"`
	ReactionAdded     *ReactionEvent `json:"reactionAdded,omitempty"`
	MessagesRead      *ReadEvent     `json:"messagesRead,omitempty"`
	ChatDeleted       *ChatDeleted   `json:"chatDeleted,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"responseCode"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type PresenceEvent struct {
	ChatId       string `json:"chatId"`
	UserId       int    `json:"userId"`
	UserEmail    string `json:"userEmail"`
	ConnectionId string `json:"connectionId"`
}

type NewMessage struct {
	types.Message
	ConnectionId string `json:"connectionId"`
	UserEmail    string `json:"userEmail"`
}

type TypingEvent struct {
	ChatId    string `json:"chatId"`
	UserId    int    `json:"userId"`
	UserEmail string `json:"userEmail"`
}

type ReactionEvent struct {
	ChatId    string `json:"chatId"`
	MessageId int    `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserId    int    `json:"userId"`
	UserEmail string `json:"userEmail"`
}

type ReadEvent struct {
	ChatId string `json:"chatId"`
	UserId int    `json:"userId"`
	Count  int    `json:"count"`
}

type ChatDeleted struct {
	ChatId string `json:"chatId"`
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func response(id, code int, errMsg string, data any) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int, data any) *ServerMessage {
	return response(id, http.StatusAccepted, "", data)
}

func ErrChatNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "chat not found", nil)
}

func ErrMessageNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "message not found", nil)
}

func ErrNotJoined(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "chat not joined", nil)
}

func ErrForbidden(id int) *ServerMessage {
	return response(id, http.StatusForbidden, "not a member of this chat", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	return response(id, http.StatusBadRequest, "invalid message format", nil)
}

func ErrTooManyRequests(id int) *ServerMessage {
	return response(id, http.StatusTooManyRequests, "too many requests", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

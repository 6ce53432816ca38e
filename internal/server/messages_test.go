package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage(t *testing.T) {
	tcases := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, msg *ClientMessage)
	}{
		{
			name: "join",
			raw:  `{"id":3,"joinChat":{"chatId":"chat-1"}}`,
			check: func(t *testing.T, msg *ClientMessage) {
				require.NotNil(t, msg.JoinChat)
				assert.Equal(t, "chat-1", msg.JoinChat.ChatId)
				assert.Equal(t, 3, msg.Id)
			},
		},
		{
			name: "send message",
			raw:  `{"sendMessage":{"chatId":"chat-1","content":"hello"}}`,
			check: func(t *testing.T, msg *ClientMessage) {
				require.NotNil(t, msg.SendMessage)
				assert.Equal(t, "hello", msg.SendMessage.Content)
			},
		},
		{
			name: "reaction",
			raw:  `{"addReaction":{"chatId":"chat-1","messageId":7,"emoji":"+1"}}`,
			check: func(t *testing.T, msg *ClientMessage) {
				require.NotNil(t, msg.AddReaction)
				assert.Equal(t, 7, msg.AddReaction.MessageId)
			},
		},
		{name: "malformed json", raw: `{"joinChat":`, wantErr: true},
		{name: "no event", raw: `{"id":1}`, wantErr: true},
		{name: "two events", raw: `{"joinChat":{"chatId":"a"},"leaveChat":{"chatId":"a"}}`, wantErr: true},
		{name: "bad chat id", raw: `{"joinChat":{"chatId":"../x"}}`, wantErr: true},
		{name: "empty chat id", raw: `{"markRead":{"chatId":""}}`, wantErr: true},
		{name: "empty content", raw: `{"sendMessage":{"chatId":"chat-1","content":""}}`, wantErr: true},
		{name: "missing message id", raw: `{"addReaction":{"chatId":"chat-1","emoji":"x"}}`, wantErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := parseClientMessage([]byte(tc.raw))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			tc.check(t, msg)
		})
	}
}

func TestParseClientMessageKeepsId(t *testing.T) {
	msg, err := parseClientMessage([]byte(`{"id":9,"stopTyping":{"chatId":"bad id"}}`))
	assert.Error(t, err)
	require.NotNil(t, msg, "expected decoded message so the id can be echoed")
	assert.Equal(t, 9, msg.Id)
}

func TestResponses(t *testing.T) {
	tcases := []struct {
		name string
		msg  *ServerMessage
		code int
		err  string
	}{
		{"ok", NoErrOK(1, map[string]any{"k": "v"}), http.StatusOK, ""},
		{"accepted", NoErrAccepted(1, nil), http.StatusAccepted, ""},
		{"chat not found", ErrChatNotFound(1), http.StatusNotFound, "chat not found"},
		{"message not found", ErrMessageNotFound(1), http.StatusNotFound, "message not found"},
		{"not joined", ErrNotJoined(1), http.StatusNotFound, "chat not joined"},
		{"forbidden", ErrForbidden(1), http.StatusForbidden, "not a member of this chat"},
		{"invalid", ErrInvalidMessage(1), http.StatusBadRequest, "invalid message format"},
		{"rate limited", ErrTooManyRequests(1), http.StatusTooManyRequests, "too many requests"},
		{"internal", ErrInternalError(1), http.StatusInternalServerError, "internal server error"},
		{"unavailable", ErrServiceUnavailable(1), http.StatusServiceUnavailable, "service unavailable"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NotNil(t, tc.msg.Response)
			assert.Equal(t, 1, tc.msg.Id)
			assert.Equal(t, tc.code, tc.msg.Response.ResponseCode)
			assert.Equal(t, tc.err, tc.msg.Response.Error)
			assert.WithinDuration(t, time.Now(), tc.msg.Timestamp, time.Second)
		})
	}

	assert.Zero(t, ErrInvalidMessage(-1).Id, "expected negative id to be omitted")
}

func Test_serializeMessage(t *testing.T) {
	message := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        1,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: 200,
			Data:         "test data",
		},
	}

	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"responseCode":200,"data":"test data"}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

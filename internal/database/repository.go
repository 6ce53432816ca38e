package database

import (
	"errors"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

const defaultMessageLimit = 20

var chatIdPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// ValidChatId reports whether id is a well-formed chat external id.
func ValidChatId(id string) bool {
	return chatIdPattern.MatchString(id)
}

// NewValidator returns a validator that also understands the chatid tag. It
// panics if the tag cannot be registered.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("chatid", func(fl validator.FieldLevel) bool {
		return ValidChatId(fl.Field().String())
	}); err != nil {
		panic("database: register chatid validation: " + err.Error())
	}
	return v
}

type ChatRepository interface {
	Ping() error
	Close() error
	CreateAccount(params CreateAccountParams) (User, error)
	UpdateAccount(params UpdateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	CreateChat(params CreateChatParams) (Chat, error)
	FindDirectChat(accountId, otherId int) (Chat, error)
	GetChatByExternalId(externalId string) (Chat, error)
	GetChatWithMembers(chatId int) (*Chat, error)
	DeleteChat(chatId int) error
	AddMember(chatId, accountId int) (Member, error)
	IsMember(chatId, accountId int) (bool, error)
	RemoveMember(chatId, accountId int) error
	ListChats(accountId int) ([]Chat, error)
	CreateMessage(msg Message) (Message, error)
	GetMessage(chatId, messageId int) (Message, error)
	GetMessages(chatId, before, limit int) ([]Message, error)
	// MarkRead records a receipt for readerId on every message in the chat
	// that was sent by someone else and not yet read by readerId, returning
	// how many messages were newly marked. The check and the append happen
	// in one atomic store operation. An unknown chat marks nothing.
	MarkRead(chatId, readerId int, at time.Time) (int, error)
	UnreadCounts(accountId int) ([]ChatUnread, error)
}

package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateAccount(accountParams CreateAccountParams) (User, error) {
	args := m.Called(accountParams)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountById(userId int) (User, error) {
	args := m.Called(userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) CreateChat(params CreateChatParams) (Chat, error) {
	args := m.Called(params)
	return args.Get(0).(Chat), args.Error(1)
}
func (m *MockChatRepository) FindDirectChat(accountId, otherId int) (Chat, error) {
	args := m.Called(accountId, otherId)
	return args.Get(0).(Chat), args.Error(1)
}
func (m *MockChatRepository) GetChatByExternalId(externalId string) (Chat, error) {
	args := m.Called(externalId)
	return args.Get(0).(Chat), args.Error(1)
}
func (m *MockChatRepository) GetChatWithMembers(chatId int) (*Chat, error) {
	args := m.Called(chatId)
	if chat, ok := args.Get(0).(*Chat); ok {
		return chat, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) DeleteChat(id int) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockChatRepository) AddMember(chatId, accountId int) (Member, error) {
	args := m.Called(chatId, accountId)
	return args.Get(0).(Member), args.Error(1)
}
func (m *MockChatRepository) IsMember(chatId, accountId int) (bool, error) {
	args := m.Called(chatId, accountId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) RemoveMember(chatId, accountId int) error {
	args := m.Called(chatId, accountId)
	return args.Error(0)
}
func (m *MockChatRepository) ListChats(accountId int) ([]Chat, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Chat), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(msg Message) (Message, error) {
	args := m.Called(msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(chatId, messageId int) (Message, error) {
	args := m.Called(chatId, messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessages(chatId, before, limit int) ([]Message, error) {
	args := m.Called(chatId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) MarkRead(chatId, readerId int, at time.Time) (int, error) {
	args := m.Called(chatId, readerId, at)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) UnreadCounts(accountId int) ([]ChatUnread, error) {
	args := m.Called(accountId)
	return args.Get(0).([]ChatUnread), args.Error(1)
}

package database

import "time"

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Chat struct {
	Id          int
	ExternalId  string
	Name        string
	Description string
	IsGroup     bool
	OwnerId     int
	SeqId       int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Members     []Member `json:"-"`
}

type Member struct {
	ChatId    int
	AccountId int
	Username  string
	CreatedAt time.Time
}

type ReadReceipt struct {
	UserId int
	ReadAt time.Time
}

type Message struct {
	Id        int
	SeqId     int
	ChatId    int
	UserId    int
	Content   string
	ReadBy    []ReadReceipt
	CreatedAt time.Time
}

// ReadByUser reports whether userId has a receipt on the message.
func (m Message) ReadByUser(userId int) bool {
	for _, r := range m.ReadBy {
		if r.UserId == userId {
			return true
		}
	}
	return false
}

// UnreadBy reports whether the message counts as unread for userId.
// A sender never has their own message unread.
func (m Message) UnreadBy(userId int) bool {
	return m.UserId != userId && !m.ReadByUser(userId)
}

type ChatUnread struct {
	Chat        Chat
	UnreadCount int
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type UpdateAccountParams struct {
	UserId       int
	Username     string
	PasswordHash string
}

type CreateChatParams struct {
	Name        string
	Description string
	IsGroup     bool
	OwnerId     int
	ExternalId  string
	MemberIds   []int
}

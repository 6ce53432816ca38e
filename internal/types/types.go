package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	IsPresent    bool      `json:"is_present,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Chat struct {
	Id          int       `json:"id"`
	ExternalId  string    `json:"external_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsGroup     bool      `json:"is_group"`
	OwnerId     int       `json:"owner_id"`
	SeqId       int       `json:"seq_id"`
	Members     []User    `json:"members,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type Member struct {
	ChatId    string    `json:"chat_id"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type ReadReceipt struct {
	UserId int       `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

type Message struct {
	Id        int           `json:"id"`
	SeqId     int           `json:"seq_id"`
	ChatId    string        `json:"chat_id"`
	UserId    int           `json:"user_id"`
	Content   string        `json:"content"`
	ReadBy    []ReadReceipt `json:"read_by"`
	Timestamp time.Time     `json:"timestamp"`
}

type ChatUnreadCount struct {
	ChatId      string `json:"chatId"`
	UnreadCount int    `json:"unreadCount"`
	Chat        Chat   `json:"chat"`
}

type UnreadCounts struct {
	TotalUnreadCount int               `json:"totalUnreadCount"`
	ChatUnreadCounts []ChatUnreadCount `json:"chatUnreadCounts"`
}

type MarkReadResult struct {
	Success      bool `json:"success"`
	MarkedAsRead int  `json:"markedAsRead"`
}

package database

import (
	"fmt"
	"testing"
	"time"

	"github.com/npezzotti/gosocial/internal/testutil"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *BadgerChatRepository {
	repo, err := NewBadgerChatRepository("", testutil.TestLogger(t))
	require.NoError(t, err, "failed to open in-memory badger store")
	t.Cleanup(func() {
		repo.Close()
	})
	return repo
}

func createUser(t *testing.T, repo ChatRepository, name string) User {
	u, err := repo.CreateAccount(CreateAccountParams{
		Username:     name,
		EmailAddress: name + "@example.com",
		PasswordHash: "hash",
	})
	require.NoError(t, err)
	return u
}

func createChat(t *testing.T, repo ChatRepository, externalId string, owner int, members ...int) Chat {
	chat, err := repo.CreateChat(CreateChatParams{
		Name:       externalId,
		IsGroup:    true,
		OwnerId:    owner,
		ExternalId: externalId,
		MemberIds:  members,
	})
	require.NoError(t, err)
	return chat
}

func postMessages(t *testing.T, repo ChatRepository, chatId, userId, n int) []Message {
	var msgs []Message
	for i := range n {
		msg, err := repo.CreateMessage(Message{
			ChatId:    chatId,
			UserId:    userId,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestBadgerAccounts(t *testing.T) {
	repo := newTestRepo(t)

	u := createUser(t, repo, "alice")
	assert.Equal(t, 1, u.Id)
	assert.Empty(t, u.PasswordHash, "expected password hash to be omitted")

	_, err := repo.CreateAccount(CreateAccountParams{Username: "other", EmailAddress: "alice@example.com"})
	assert.ErrorIs(t, err, ErrAlreadyExists, "expected duplicate email to fail")

	byEmail, err := repo.GetAccountByEmail("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.Id, byEmail.Id)
	assert.Equal(t, "hash", byEmail.PasswordHash, "expected password hash for login lookups")

	updated, err := repo.UpdateAccount(UpdateAccountParams{UserId: u.Id, Username: "alice2", PasswordHash: "hash2"})
	require.NoError(t, err)
	assert.Equal(t, "alice2", updated.Username)

	byId, err := repo.GetAccountById(u.Id)
	require.NoError(t, err)
	assert.Equal(t, "alice2", byId.Username)

	_, err = repo.GetAccountById(42)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.GetAccountByEmail("nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerChatsAndMembers(t *testing.T) {
	repo := newTestRepo(t)
	alice := createUser(t, repo, "alice")
	bob := createUser(t, repo, "bob")
	carol := createUser(t, repo, "carol")

	chat := createChat(t, repo, "chat-1", alice.Id, bob.Id, alice.Id)

	_, err := repo.CreateChat(CreateChatParams{ExternalId: "chat-1", OwnerId: alice.Id})
	assert.ErrorIs(t, err, ErrAlreadyExists, "expected duplicate external id to fail")

	byExt, err := repo.GetChatByExternalId("chat-1")
	require.NoError(t, err)
	assert.Equal(t, chat.Id, byExt.Id)

	withMembers, err := repo.GetChatWithMembers(chat.Id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{alice.Id, bob.Id}, lo.Map(withMembers.Members, func(m Member, _ int) int { return m.AccountId }))

	ok, err := repo.IsMember(chat.Id, carol.Id)
	require.NoError(t, err)
	assert.False(t, ok)

	m, err := repo.AddMember(chat.Id, carol.Id)
	require.NoError(t, err)
	assert.Equal(t, "carol", m.Username)

	_, err = repo.AddMember(chat.Id, carol.Id)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = repo.AddMember(999, carol.Id)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = repo.IsMember(chat.Id, carol.Id)
	require.NoError(t, err)
	assert.True(t, ok)

	chats, err := repo.ListChats(carol.Id)
	require.NoError(t, err)
	assert.Len(t, chats, 1)

	require.NoError(t, repo.RemoveMember(chat.Id, carol.Id))
	assert.ErrorIs(t, repo.RemoveMember(chat.Id, carol.Id), ErrNotFound)

	chats, err = repo.ListChats(carol.Id)
	require.NoError(t, err)
	assert.Empty(t, chats)

	postMessages(t, repo, chat.Id, alice.Id, 2)
	require.NoError(t, repo.DeleteChat(chat.Id))

	_, err = repo.GetChatByExternalId("chat-1")
	assert.ErrorIs(t, err, ErrNotFound)

	chats, err = repo.ListChats(alice.Id)
	require.NoError(t, err)
	assert.Empty(t, chats, "expected deleted chat to be removed from member listings")
}

func TestBadgerFindDirectChat(t *testing.T) {
	repo := newTestRepo(t)
	alice := createUser(t, repo, "alice")
	bob := createUser(t, repo, "bob")
	carol := createUser(t, repo, "carol")

	createChat(t, repo, "group", alice.Id, bob.Id)
	direct, err := repo.CreateChat(CreateChatParams{ExternalId: "direct", OwnerId: alice.Id, MemberIds: []int{bob.Id}})
	require.NoError(t, err)

	found, err := repo.FindDirectChat(bob.Id, alice.Id)
	require.NoError(t, err)
	assert.Equal(t, direct.Id, found.Id)

	_, err = repo.FindDirectChat(alice.Id, carol.Id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerMessages(t *testing.T) {
	repo := newTestRepo(t)
	alice := createUser(t, repo, "alice")
	chat := createChat(t, repo, "chat-1", alice.Id)

	msgs := postMessages(t, repo, chat.Id, alice.Id, 5)
	for i, msg := range msgs {
		assert.Equal(t, i+1, msg.SeqId, "expected sequential seq ids")
	}

	_, err := repo.CreateMessage(Message{ChatId: 999, UserId: alice.Id})
	assert.ErrorIs(t, err, ErrNotFound)

	page, err := repo.GetMessages(chat.Id, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4}, lo.Map(page, func(m Message, _ int) int { return m.SeqId }))

	page, err = repo.GetMessages(chat.Id, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1}, lo.Map(page, func(m Message, _ int) int { return m.SeqId }))

	got, err := repo.GetMessage(chat.Id, msgs[2].Id)
	require.NoError(t, err)
	assert.Equal(t, msgs[2].Content, got.Content)

	_, err = repo.GetMessage(chat.Id+1, msgs[2].Id)
	assert.ErrorIs(t, err, ErrNotFound, "expected message lookup to be scoped to the chat")

	updated, err := repo.GetChatByExternalId("chat-1")
	require.NoError(t, err)
	assert.Equal(t, 5, updated.SeqId)
}

func badgerRepo(t *testing.T) ChatRepository {
	return newTestRepo(t)
}

func TestBadgerMarkRead(t *testing.T) {
	testMarkRead(t, badgerRepo)
}

func TestBadgerUnreadCounts(t *testing.T) {
	testUnreadCounts(t, badgerRepo)
}

func TestValidChatId(t *testing.T) {
	tcases := []struct {
		id    string
		valid bool
	}{
		{"chat-1", true},
		{"EoGKUXPHgz", true},
		{"a_b", true},
		{"", false},
		{"has space", false},
		{"../etc", false},
		{"abcdefghijklmnopqrstuvwxyz0123456789", false},
	}

	for _, tc := range tcases {
		t.Run(tc.id, func(t *testing.T) {
			assert.Equal(t, tc.valid, ValidChatId(tc.id))
		})
	}
}

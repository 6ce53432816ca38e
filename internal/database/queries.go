package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/samber/lo"
)

const (
	addMemberQuery = "INSERT INTO chat_members (chat_id, account_id, created_at) VALUES ($1, $2, $3)"
	chatColumns    = "c.id, c.external_id, c.name, c.description, c.is_group, c.owner_id, c.seq_id, c.created_at, c.updated_at"

	markReadQuery = `
		INSERT INTO message_reads (message_id, account_id, read_at)
		SELECT m.id, $2, $3 FROM messages m
		WHERE m.chat_id = $1
			AND m.user_id <> $2
			AND NOT EXISTS (
				SELECT 1 FROM message_reads r
				WHERE r.message_id = m.id AND r.account_id = $2
			)
		ON CONFLICT (message_id, account_id) DO NOTHING`

	unreadCountsQuery = `
		SELECT ` + chatColumns + `,
			COUNT(m.id) FILTER (
				WHERE m.user_id <> $1 AND NOT EXISTS (
					SELECT 1 FROM message_reads r
					WHERE r.message_id = m.id AND r.account_id = $1
				)
			) AS unread_count
		FROM chat_members cm
		JOIN chats c ON c.id = cm.chat_id
		LEFT JOIN messages m ON m.chat_id = c.id
		WHERE cm.account_id = $1
		GROUP BY c.id
		ORDER BY c.updated_at DESC`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(s scanner, extra ...any) (Chat, error) {
	var c Chat
	dest := append([]any{
		&c.Id,
		&c.ExternalId,
		&c.Name,
		&c.Description,
		&c.IsGroup,
		&c.OwnerId,
		&c.SeqId,
		&c.CreatedAt,
		&c.UpdatedAt,
	}, extra...)
	err := s.Scan(dest...)
	return c, err
}

func (db *PgChatRepository) CreateAccount(accountParams CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, username, email, created_at, updated_at",
		accountParams.Username,
		accountParams.EmailAddress,
		accountParams.PasswordHash,
		now,
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, pgError(err)
}

func (db *PgChatRepository) UpdateAccount(accountParams UpdateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"UPDATE accounts SET username = $2, password_hash = $3, updated_at = $4 "+
			"WHERE id = $1 RETURNING id, username, email, created_at, updated_at",
		accountParams.UserId,
		accountParams.Username,
		accountParams.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, pgError(err)
}

func (db *PgChatRepository) GetAccountById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, pgError(err)
}

func (db *PgChatRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, pgError(err)
}

func (db *PgChatRepository) CreateChat(params CreateChatParams) (Chat, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Chat{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	res := tx.QueryRow(
		"INSERT INTO chats (name, external_id, description, is_group, owner_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) "+
			"RETURNING id, external_id, name, description, is_group, owner_id, seq_id, created_at, updated_at",
		params.Name,
		params.ExternalId,
		params.Description,
		params.IsGroup,
		params.OwnerId,
		now,
	)

	var chat Chat
	chat, err = scanChat(res)
	if err != nil {
		return Chat{}, pgError(err)
	}

	members := lo.Uniq(append([]int{params.OwnerId}, params.MemberIds...))
	for _, accountId := range members {
		if _, err = tx.Exec(addMemberQuery, chat.Id, accountId, now); err != nil {
			return Chat{}, pgError(err)
		}
	}

	if err = tx.Commit(); err != nil {
		return Chat{}, err
	}

	return chat, nil
}

func (db *PgChatRepository) FindDirectChat(accountId, otherId int) (Chat, error) {
	row := db.conn.QueryRow(
		"SELECT "+chatColumns+" FROM chats c "+
			"JOIN chat_members m1 ON m1.chat_id = c.id AND m1.account_id = $1 "+
			"JOIN chat_members m2 ON m2.chat_id = c.id AND m2.account_id = $2 "+
			"WHERE c.is_group = FALSE LIMIT 1",
		accountId,
		otherId,
	)

	chat, err := scanChat(row)
	return chat, pgError(err)
}

func (db *PgChatRepository) GetChatByExternalId(externalId string) (Chat, error) {
	row := db.conn.QueryRow(
		"SELECT "+chatColumns+" FROM chats c WHERE c.external_id = $1 LIMIT 1",
		externalId,
	)

	chat, err := scanChat(row)
	return chat, pgError(err)
}

func (db *PgChatRepository) GetChatWithMembers(chatId int) (*Chat, error) {
	query := `
		SELECT ` + chatColumns + `,
				m.account_id,
				a.username,
				m.created_at AS member_created_at
		FROM chats c
		LEFT JOIN chat_members m ON c.id = m.chat_id
		LEFT JOIN accounts a ON m.account_id = a.id
		WHERE c.id = $1
		ORDER BY m.created_at`

	rows, err := db.conn.Query(query, chatId)
	if err != nil {
		return nil, fmt.Errorf("fetch chat with members: %w", err)
	}
	defer rows.Close()

	var chat *Chat
	for rows.Next() {
		var (
			accountId       sql.NullInt64
			username        sql.NullString
			memberCreatedAt sql.NullTime
		)

		c, err := scanChat(rows, &accountId, &username, &memberCreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if chat == nil {
			c.Members = make([]Member, 0)
			chat = &c
		}

		if accountId.Valid && username.Valid {
			chat.Members = append(chat.Members, Member{
				ChatId:    chat.Id,
				AccountId: int(accountId.Int64),
				Username:  username.String,
				CreatedAt: memberCreatedAt.Time,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if chat == nil {
		return nil, fmt.Errorf("chat with id %d: %w", chatId, ErrNotFound)
	}

	return chat, nil
}

func (db *PgChatRepository) DeleteChat(id int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec("DELETE FROM message_reads WHERE message_id IN (SELECT id FROM messages WHERE chat_id = $1)", id)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM messages WHERE chat_id = $1", id)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM chat_members WHERE chat_id = $1", id)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM chats WHERE id = $1", id)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgChatRepository) AddMember(chatId, accountId int) (Member, error) {
	res := db.conn.QueryRow(
		"WITH ins AS ("+addMemberQuery+" RETURNING chat_id, account_id, created_at) "+
			"SELECT ins.chat_id, ins.account_id, a.username, ins.created_at FROM ins "+
			"JOIN accounts a ON a.id = ins.account_id",
		chatId,
		accountId,
		time.Now().UTC(),
	)

	var m Member
	err := res.Scan(
		&m.ChatId,
		&m.AccountId,
		&m.Username,
		&m.CreatedAt,
	)

	return m, pgError(err)
}

func (db *PgChatRepository) IsMember(chatId, accountId int) (bool, error) {
	var exists bool
	err := db.conn.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM chat_members WHERE chat_id = $1 AND account_id = $2)",
		chatId,
		accountId,
	).Scan(&exists)

	return exists, err
}

func (db *PgChatRepository) RemoveMember(chatId, accountId int) error {
	res, err := db.conn.Exec(
		"DELETE FROM chat_members WHERE chat_id = $1 AND account_id = $2",
		chatId,
		accountId,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return fmt.Errorf("member %d of chat %d: %w", accountId, chatId, ErrNotFound)
	}

	return nil
}

func (db *PgChatRepository) ListChats(accountId int) ([]Chat, error) {
	rows, err := db.conn.Query(
		"SELECT "+chatColumns+" FROM chat_members m JOIN chats c ON c.id = m.chat_id "+
			"WHERE m.account_id = $1 ORDER BY c.updated_at DESC",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := make([]Chat, 0)
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		chats = append(chats, chat)
	}

	return chats, rows.Err()
}

func (db *PgChatRepository) CreateMessage(msg Message) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// the row lock on the chat serializes sequence assignment
	err = tx.QueryRow(
		"UPDATE chats SET seq_id = seq_id + 1, updated_at = $2 WHERE id = $1 RETURNING seq_id",
		msg.ChatId,
		msg.CreatedAt,
	).Scan(&msg.SeqId)
	if err != nil {
		return Message{}, pgError(err)
	}

	err = tx.QueryRow(
		"INSERT INTO messages (seq_id, chat_id, user_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id",
		msg.SeqId,
		msg.ChatId,
		msg.UserId,
		msg.Content,
		msg.CreatedAt,
	).Scan(&msg.Id)
	if err != nil {
		return Message{}, pgError(err)
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	msg.ReadBy = []ReadReceipt{}
	return msg, nil
}

func (db *PgChatRepository) GetMessage(chatId, messageId int) (Message, error) {
	var msg Message
	err := db.conn.QueryRow(
		"SELECT id, seq_id, chat_id, user_id, content, created_at FROM messages "+
			"WHERE chat_id = $1 AND id = $2",
		chatId,
		messageId,
	).Scan(&msg.Id, &msg.SeqId, &msg.ChatId, &msg.UserId, &msg.Content, &msg.CreatedAt)
	if err != nil {
		return Message{}, pgError(err)
	}

	receipts, err := db.readReceipts([]int{msg.Id})
	if err != nil {
		return Message{}, err
	}
	msg.ReadBy = receipts[msg.Id]

	return msg, nil
}

func (db *PgChatRepository) GetMessages(chatId, before, limit int) ([]Message, error) {
	var upper int = 1<<31 - 1
	if before > 0 {
		upper = before - 1
	}

	if limit <= 0 {
		limit = defaultMessageLimit
	}

	rows, err := db.conn.Query(
		"SELECT id, seq_id, chat_id, user_id, content, created_at FROM messages "+
			"WHERE chat_id = $1 AND seq_id <= $2 ORDER BY seq_id DESC LIMIT $3",
		chatId,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.Id, &msg.SeqId, &msg.ChatId, &msg.UserId, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	receipts, err := db.readReceipts(lo.Map(messages, func(m Message, _ int) int { return m.Id }))
	if err != nil {
		return nil, err
	}

	for i := range messages {
		messages[i].ReadBy = receipts[messages[i].Id]
	}

	return messages, nil
}

func (db *PgChatRepository) readReceipts(messageIds []int) (map[int][]ReadReceipt, error) {
	receipts := make(map[int][]ReadReceipt, len(messageIds))
	for _, id := range messageIds {
		receipts[id] = []ReadReceipt{}
	}

	if len(messageIds) == 0 {
		return receipts, nil
	}

	rows, err := db.conn.Query(
		"SELECT message_id, account_id, read_at FROM message_reads "+
			"WHERE message_id = ANY($1) ORDER BY read_at",
		pq.Array(messageIds),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch read receipts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			messageId int
			r         ReadReceipt
		)
		if err := rows.Scan(&messageId, &r.UserId, &r.ReadAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		receipts[messageId] = append(receipts[messageId], r)
	}

	return receipts, rows.Err()
}

func (db *PgChatRepository) MarkRead(chatId, readerId int, at time.Time) (int, error) {
	res, err := db.conn.Exec(markReadQuery, chatId, readerId, at)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(n), nil
}

func (db *PgChatRepository) UnreadCounts(accountId int) ([]ChatUnread, error) {
	rows, err := db.conn.Query(unreadCountsQuery, accountId)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	defer rows.Close()

	counts := make([]ChatUnread, 0)
	for rows.Next() {
		var unread int
		chat, err := scanChat(rows, &unread)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		counts = append(counts, ChatUnread{Chat: chat, UnreadCount: unread})
	}

	return counts, rows.Err()
}

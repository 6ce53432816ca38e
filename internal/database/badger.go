package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// maxTxnRetries bounds how often a read-write transaction is replayed after
// badger reports a conflict with a concurrent commit.
const maxTxnRetries = 64

const (
	accountSeqKey = "seq/account"
	chatSeqKey    = "seq/chat"
	messageSeqKey = "seq/message"
)

// Key layout. Numeric ids are zero padded so prefix scans return them in
// order.
func accountKey(id int) []byte {
	return []byte(fmt.Sprintf("account/%010d", id))
}

func emailKey(email string) []byte {
	return []byte("email/" + email)
}

func chatKey(id int) []byte {
	return []byte(fmt.Sprintf("chat/%010d", id))
}

func chatExtKey(externalId string) []byte {
	return []byte("chatext/" + externalId)
}

func memberPrefix(chatId int) []byte {
	return []byte(fmt.Sprintf("member/%010d/", chatId))
}

func memberKey(chatId, accountId int) []byte {
	return []byte(fmt.Sprintf("member/%010d/%010d", chatId, accountId))
}

func accountChatPrefix(accountId int) []byte {
	return []byte(fmt.Sprintf("acctchat/%010d/", accountId))
}

func accountChatKey(accountId, chatId int) []byte {
	return []byte(fmt.Sprintf("acctchat/%010d/%010d", accountId, chatId))
}

func messagePrefix(chatId int) []byte {
	return []byte(fmt.Sprintf("msg/%010d/", chatId))
}

func messageKey(chatId, seqId int) []byte {
	return []byte(fmt.Sprintf("msg/%010d/%019d", chatId, seqId))
}

func messageIdKey(id int) []byte {
	return []byte(fmt.Sprintf("msgid/%010d", id))
}

type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}

// BadgerChatRepository is an embedded ChatRepository backed by badger. An
// empty directory opens an in-memory store.
type BadgerChatRepository struct {
	db       *badger.DB
	log      *zap.SugaredLogger
	accounts *badger.Sequence
	chats    *badger.Sequence
	messages *badger.Sequence
}

func NewBadgerChatRepository(dir string, logger *zap.SugaredLogger) (*BadgerChatRepository, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger}).WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	repo := &BadgerChatRepository{db: db, log: logger}
	for key, seq := range map[string]**badger.Sequence{
		accountSeqKey: &repo.accounts,
		chatSeqKey:    &repo.chats,
		messageSeqKey: &repo.messages,
	} {
		s, err := db.GetSequence([]byte(key), 100)
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("sequence %s: %w", key, err)
		}
		*seq = s
	}

	logger.Infow("opened badger store", "dir", dir, "in_memory", dir == "")
	return repo, nil
}

func (b *BadgerChatRepository) Ping() error {
	if b.db.IsClosed() {
		return errors.New("badger: database is closed")
	}
	return nil
}

func (b *BadgerChatRepository) Close() error {
	for _, seq := range []*badger.Sequence{b.accounts, b.chats, b.messages} {
		if seq != nil {
			if err := seq.Release(); err != nil {
				b.log.Warnw("release sequence", "err", err)
			}
		}
	}

	return b.db.Close()
}

func nextId(seq *badger.Sequence) (int, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	// sequences start at zero; ids start at one
	return int(n) + 1, nil
}

// update runs fn in a read-write transaction, replaying it when badger
// detects a conflicting concurrent commit. fn must reset any state it
// accumulates since it may run more than once.
func (b *BadgerChatRepository) update(fn func(txn *badger.Txn) error) error {
	for range maxTxnRetries {
		err := b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}

	return fmt.Errorf("retries exhausted: %w", badger.ErrConflict)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return err
	}

	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, val)
}

func getInt(txn *badger.Txn, key []byte) (int, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return 0, err
	}

	var id int
	err = item.Value(func(val []byte) error {
		id, err = strconv.Atoi(string(val))
		return err
	})
	return id, err
}

func setInt(txn *badger.Txn, key []byte, v int) error {
	return txn.Set(key, []byte(strconv.Itoa(v)))
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scanPrefix calls fn with the key and value of every entry under prefix.
func scanPrefix(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			return fn(key, val)
		}); err != nil {
			return err
		}
	}

	return nil
}

// lastSegment parses the trailing numeric id of a '/' separated key.
func lastSegment(key []byte) (int, error) {
	s := string(key)
	return strconv.Atoi(s[strings.LastIndexByte(s, '/')+1:])
}

func (b *BadgerChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	id, err := nextId(b.accounts)
	if err != nil {
		return User{}, err
	}

	now := time.Now().UTC()
	u := User{
		Id:           id,
		Username:     params.Username,
		EmailAddress: params.EmailAddress,
		PasswordHash: params.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = b.update(func(txn *badger.Txn) error {
		taken, err := exists(txn, emailKey(u.EmailAddress))
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("email %q: %w", u.EmailAddress, ErrAlreadyExists)
		}

		if err := setJSON(txn, accountKey(u.Id), u); err != nil {
			return err
		}
		return setInt(txn, emailKey(u.EmailAddress), u.Id)
	})
	if err != nil {
		return User{}, err
	}

	u.PasswordHash = ""
	return u, nil
}

func (b *BadgerChatRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	var u User
	err := b.update(func(txn *badger.Txn) error {
		if err := getJSON(txn, accountKey(params.UserId), &u); err != nil {
			return err
		}

		u.Username = params.Username
		u.PasswordHash = params.PasswordHash
		u.UpdatedAt = time.Now().UTC()
		return setJSON(txn, accountKey(u.Id), u)
	})
	if err != nil {
		return User{}, err
	}

	u.PasswordHash = ""
	return u, nil
}

func (b *BadgerChatRepository) GetAccountById(accountId int) (User, error) {
	var u User
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, accountKey(accountId), &u)
	})
	u.PasswordHash = ""
	return u, err
}

func (b *BadgerChatRepository) GetAccountByEmail(email string) (User, error) {
	var u User
	err := b.db.View(func(txn *badger.Txn) error {
		id, err := getInt(txn, emailKey(email))
		if err != nil {
			return err
		}
		return getJSON(txn, accountKey(id), &u)
	})
	return u, err
}

func (b *BadgerChatRepository) CreateChat(params CreateChatParams) (Chat, error) {
	id, err := nextId(b.chats)
	if err != nil {
		return Chat{}, err
	}

	now := time.Now().UTC()
	chat := Chat{
		Id:          id,
		ExternalId:  params.ExternalId,
		Name:        params.Name,
		Description: params.Description,
		IsGroup:     params.IsGroup,
		OwnerId:     params.OwnerId,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	members := lo.Uniq(append([]int{params.OwnerId}, params.MemberIds...))
	err = b.update(func(txn *badger.Txn) error {
		taken, err := exists(txn, chatExtKey(chat.ExternalId))
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("chat %q: %w", chat.ExternalId, ErrAlreadyExists)
		}

		if err := setJSON(txn, chatKey(chat.Id), chat); err != nil {
			return err
		}
		if err := setInt(txn, chatExtKey(chat.ExternalId), chat.Id); err != nil {
			return err
		}

		for _, accountId := range members {
			if _, err := b.addMemberTxn(txn, chat.Id, accountId, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Chat{}, err
	}

	return chat, nil
}

func (b *BadgerChatRepository) addMemberTxn(txn *badger.Txn, chatId, accountId int, at time.Time) (Member, error) {
	var u User
	if err := getJSON(txn, accountKey(accountId), &u); err != nil {
		return Member{}, err
	}

	already, err := exists(txn, memberKey(chatId, accountId))
	if err != nil {
		return Member{}, err
	}
	if already {
		return Member{}, fmt.Errorf("member %d of chat %d: %w", accountId, chatId, ErrAlreadyExists)
	}

	m := Member{ChatId: chatId, AccountId: accountId, Username: u.Username, CreatedAt: at}
	if err := setJSON(txn, memberKey(chatId, accountId), m); err != nil {
		return Member{}, err
	}
	if err := txn.Set(accountChatKey(accountId, chatId), []byte{}); err != nil {
		return Member{}, err
	}

	return m, nil
}

func (b *BadgerChatRepository) FindDirectChat(accountId, otherId int) (Chat, error) {
	var found *Chat
	err := b.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, accountChatPrefix(accountId), func(key, _ []byte) error {
			if found != nil {
				return nil
			}

			chatId, err := lastSegment(key)
			if err != nil {
				return err
			}

			var chat Chat
			if err := getJSON(txn, chatKey(chatId), &chat); err != nil {
				return err
			}
			if chat.IsGroup {
				return nil
			}

			ok, err := exists(txn, memberKey(chatId, otherId))
			if err != nil {
				return err
			}
			if ok {
				found = &chat
			}
			return nil
		})
	})
	if err != nil {
		return Chat{}, err
	}

	if found == nil {
		return Chat{}, fmt.Errorf("direct chat between %d and %d: %w", accountId, otherId, ErrNotFound)
	}

	return *found, nil
}

func (b *BadgerChatRepository) GetChatByExternalId(externalId string) (Chat, error) {
	var chat Chat
	err := b.db.View(func(txn *badger.Txn) error {
		id, err := getInt(txn, chatExtKey(externalId))
		if err != nil {
			return err
		}
		return getJSON(txn, chatKey(id), &chat)
	})
	return chat, err
}

func (b *BadgerChatRepository) GetChatWithMembers(chatId int) (*Chat, error) {
	var chat Chat
	err := b.db.View(func(txn *badger.Txn) error {
		if err := getJSON(txn, chatKey(chatId), &chat); err != nil {
			return err
		}

		chat.Members = make([]Member, 0)
		return scanPrefix(txn, memberPrefix(chatId), func(_, val []byte) error {
			var m Member
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			chat.Members = append(chat.Members, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(chat.Members, func(a, b Member) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return &chat, nil
}

func (b *BadgerChatRepository) DeleteChat(chatId int) error {
	return b.update(func(txn *badger.Txn) error {
		var chat Chat
		if err := getJSON(txn, chatKey(chatId), &chat); err != nil {
			return err
		}

		var keys [][]byte
		if err := scanPrefix(txn, memberPrefix(chatId), func(key, val []byte) error {
			var m Member
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			keys = append(keys, key, accountChatKey(m.AccountId, chatId))
			return nil
		}); err != nil {
			return err
		}

		if err := scanPrefix(txn, messagePrefix(chatId), func(key, val []byte) error {
			var msg Message
			if err := json.Unmarshal(val, &msg); err != nil {
				return err
			}
			keys = append(keys, key, messageIdKey(msg.Id))
			return nil
		}); err != nil {
			return err
		}

		keys = append(keys, chatKey(chatId), chatExtKey(chat.ExternalId))
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerChatRepository) AddMember(chatId, accountId int) (Member, error) {
	var m Member
	err := b.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, chatKey(chatId))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("chat %d: %w", chatId, ErrNotFound)
		}

		m, err = b.addMemberTxn(txn, chatId, accountId, time.Now().UTC())
		return err
	})
	return m, err
}

func (b *BadgerChatRepository) IsMember(chatId, accountId int) (bool, error) {
	var ok bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		ok, err = exists(txn, memberKey(chatId, accountId))
		return err
	})
	return ok, err
}

func (b *BadgerChatRepository) RemoveMember(chatId, accountId int) error {
	return b.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, memberKey(chatId, accountId))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("member %d of chat %d: %w", accountId, chatId, ErrNotFound)
		}

		if err := txn.Delete(memberKey(chatId, accountId)); err != nil {
			return err
		}
		return txn.Delete(accountChatKey(accountId, chatId))
	})
}

func (b *BadgerChatRepository) listChatsTxn(txn *badger.Txn, accountId int) ([]Chat, error) {
	chats := make([]Chat, 0)
	err := scanPrefix(txn, accountChatPrefix(accountId), func(key, _ []byte) error {
		chatId, err := lastSegment(key)
		if err != nil {
			return err
		}

		var chat Chat
		if err := getJSON(txn, chatKey(chatId), &chat); err != nil {
			return err
		}
		chats = append(chats, chat)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(chats, func(a, b Chat) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return chats, nil
}

func (b *BadgerChatRepository) ListChats(accountId int) ([]Chat, error) {
	var chats []Chat
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		chats, err = b.listChatsTxn(txn, accountId)
		return err
	})
	return chats, err
}

func (b *BadgerChatRepository) CreateMessage(msg Message) (Message, error) {
	id, err := nextId(b.messages)
	if err != nil {
		return Message{}, err
	}

	msg.Id = id
	msg.ReadBy = []ReadReceipt{}
	err = b.update(func(txn *badger.Txn) error {
		var chat Chat
		if err := getJSON(txn, chatKey(msg.ChatId), &chat); err != nil {
			return err
		}

		chat.SeqId++
		chat.UpdatedAt = msg.CreatedAt
		msg.SeqId = chat.SeqId
		if err := setJSON(txn, chatKey(chat.Id), chat); err != nil {
			return err
		}

		key := messageKey(msg.ChatId, msg.SeqId)
		if err := setJSON(txn, key, msg); err != nil {
			return err
		}
		return txn.Set(messageIdKey(msg.Id), key)
	})
	if err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (b *BadgerChatRepository) GetMessage(chatId, messageId int) (Message, error) {
	var msg Message
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageIdKey(messageId))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("message %d: %w", messageId, ErrNotFound)
			}
			return err
		}

		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, key, &msg)
	})
	if err != nil {
		return Message{}, err
	}

	if msg.ChatId != chatId {
		return Message{}, fmt.Errorf("message %d in chat %d: %w", messageId, chatId, ErrNotFound)
	}

	return msg, nil
}

func (b *BadgerChatRepository) GetMessages(chatId, before, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	upper := 1<<31 - 1
	if before > 0 {
		upper = before - 1
	}

	messages := make([]Message, 0, limit)
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(chatId)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(messageKey(chatId, upper)); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				break
			}

			var msg Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})

	return messages, err
}

func (b *BadgerChatRepository) MarkRead(chatId, readerId int, at time.Time) (int, error) {
	var marked int
	err := b.update(func(txn *badger.Txn) error {
		marked = 0
		type pending struct {
			key []byte
			msg Message
		}

		// iterator reads are tracked, so a concurrent commit touching any
		// scanned message aborts this transaction with ErrConflict
		var updates []pending
		if err := scanPrefix(txn, messagePrefix(chatId), func(key, val []byte) error {
			var msg Message
			if err := json.Unmarshal(val, &msg); err != nil {
				return err
			}
			if !msg.UnreadBy(readerId) {
				return nil
			}

			msg.ReadBy = append(msg.ReadBy, ReadReceipt{UserId: readerId, ReadAt: at})
			updates = append(updates, pending{key: key, msg: msg})
			return nil
		}); err != nil {
			return err
		}

		for _, u := range updates {
			if err := setJSON(txn, u.key, u.msg); err != nil {
				return err
			}
		}

		marked = len(updates)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}

	return marked, nil
}

func (b *BadgerChatRepository) UnreadCounts(accountId int) ([]ChatUnread, error) {
	counts := make([]ChatUnread, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		chats, err := b.listChatsTxn(txn, accountId)
		if err != nil {
			return err
		}

		for _, chat := range chats {
			unread := 0
			if err := scanPrefix(txn, messagePrefix(chat.Id), func(_, val []byte) error {
				var msg Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return err
				}
				if msg.UnreadBy(accountId) {
					unread++
				}
				return nil
			}); err != nil {
				return err
			}

			counts = append(counts, ChatUnread{Chat: chat, UnreadCount: unread})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return counts, nil
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/gosocial/internal/database"
	"github.com/npezzotti/gosocial/internal/types"
	"github.com/samber/lo"
)

const maxMessagePageSize = 100

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type UpdateAccountRequest struct {
	Username string `json:"username" validate:"required_without=Password,omitempty,max=64"`
	Password string `json:"password" validate:"omitempty,min=8,max=72"`
}

type CreateChatRequest struct {
	Name        string `json:"name" validate:"required_if=IsGroup true,max=128"`
	Description string `json:"description" validate:"max=512"`
	IsGroup     bool   `json:"is_group"`
	MemberIds   []int  `json:"member_ids" validate:"dive,gt=0"`
}

type AddMemberRequest struct {
	UserId int `json:"user_id" validate:"required,gt=0"`
}

type CreateMessageRequest struct {
	Content string `json:"content" validate:"required,max=4096"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorw("json encode", "err", err)
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, e *ApiError) {
	if e.StatusCode >= http.StatusInternalServerError {
		s.log.Errorw("request failed", "status", e.StatusCode, "err", e.Err)
	}
	s.writeJson(w, e.StatusCode, e)
}

// decodeRequest reads a JSON body into v and validates it.
func (s *GoChatApp) decodeRequest(r *http.Request, v any) *ApiError {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return NewBadRequestError()
	}

	if err := s.validate.Struct(v); err != nil {
		e := NewBadRequestError()
		e.Err = err
		return e
	}

	return nil
}

func (s *GoChatApp) currentUser(r *http.Request) (database.User, *ApiError) {
	userId, ok := UserId(r.Context())
	if !ok {
		return database.User{}, NewUnauthorizedError()
	}

	user, err := s.db.GetAccountById(userId)
	if err != nil {
		return database.User{}, fromStoreError(err)
	}

	return user, nil
}

// chatFromPath resolves the {id} path value to a chat without checking
// membership.
func (s *GoChatApp) chatFromPath(r *http.Request) (database.Chat, *ApiError) {
	externalId := r.PathValue("id")
	if err := s.validate.Var(externalId, "required,chatid"); err != nil {
		return database.Chat{}, NewBadRequestError()
	}

	chat, err := s.db.GetChatByExternalId(externalId)
	if err != nil {
		return database.Chat{}, fromStoreError(err)
	}

	return chat, nil
}

// memberChat resolves the {id} path value and requires userId to be a member.
func (s *GoChatApp) memberChat(r *http.Request, userId int) (database.Chat, *ApiError) {
	chat, apiErr := s.chatFromPath(r)
	if apiErr != nil {
		return database.Chat{}, apiErr
	}

	ok, err := s.db.IsMember(chat.Id, userId)
	if err != nil {
		return database.Chat{}, NewInternalServerError(err)
	}
	if !ok {
		return database.Chat{}, NewForbiddenError()
	}

	return chat, nil
}

func (s *GoChatApp) presentIn(chatId string) func(int) bool {
	if s.cs == nil {
		return nil
	}
	return s.cs.PresentIn(chatId)
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.writeError(w, NewServiceUnavailableError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if apiErr := s.decodeRequest(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	newUser, err := s.db.CreateAccount(database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	})
	if err != nil {
		s.writeError(w, fromStoreError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, newUser.ToAPI())
}

func (s *GoChatApp) getAccount(w http.ResponseWriter, r *http.Request) {
	user, apiErr := s.currentUser(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	s.writeJson(w, http.StatusOK, user.ToAPI())
}

func (s *GoChatApp) updateAccount(w http.ResponseWriter, r *http.Request) {
	curUser, apiErr := s.currentUser(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	var req UpdateAccountRequest
	if apiErr := s.decodeRequest(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	params := database.UpdateAccountParams{
		UserId:       curUser.Id,
		Username:     curUser.Username,
		PasswordHash: curUser.PasswordHash,
	}

	if req.Username != "" {
		params.Username = req.Username
	}

	if req.Password != "" {
		pwdHash, err := hashPassword(req.Password)
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}
		params.PasswordHash = pwdHash
	}

	dbUser, err := s.db.UpdateAccount(params)
	if err != nil {
		s.writeError(w, fromStoreError(err))
		return
	}

	s.writeJson(w, http.StatusOK, dbUser.ToAPI())
}

func (s *GoChatApp) session(w http.ResponseWriter, r *http.Request) {
	s.getAccount(w, r)
}

func (s *GoChatApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if apiErr := s.decodeRequest(r, &lr); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	dbUser, err := s.db.GetAccountByEmail(lr.Email)
	if err != nil {
		s.writeError(w, fromStoreError(err))
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	u := dbUser.ToAPI()
	token, err := s.createJwtForSession(u, defaultJwtExpiration)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, u)
}

func (s *GoChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) listChats(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	chats, err := s.db.ListChats(userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, lo.Map(chats, func(c database.Chat, _ int) types.Chat {
		return c.ToAPI(nil)
	}))
}

func (s *GoChatApp) createChat(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req CreateChatRequest
	if apiErr := s.decodeRequest(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	members := lo.Uniq(lo.Without(req.MemberIds, userId))

	if !req.IsGroup {
		if len(members) != 1 {
			s.writeError(w, NewBadRequestError())
			return
		}

		// a pair of users shares a single direct chat
		existing, err := s.db.FindDirectChat(userId, members[0])
		if err == nil {
			s.writeJson(w, http.StatusOK, existing.ToAPI(nil))
			return
		}
		if !errors.Is(err, database.ErrNotFound) {
			s.writeError(w, NewInternalServerError(err))
			return
		}
	}

	for _, id := range members {
		if _, err := s.db.GetAccountById(id); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				s.writeError(w, NewBadRequestError())
			} else {
				s.writeError(w, NewInternalServerError(err))
			}
			return
		}
	}

	sid, err := s.shortId()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	chat, err := s.db.CreateChat(database.CreateChatParams{
		Name:        req.Name,
		Description: req.Description,
		IsGroup:     req.IsGroup,
		OwnerId:     userId,
		ExternalId:  sid,
		MemberIds:   members,
	})
	if err != nil {
		s.writeError(w, fromStoreError(err))
		return
	}

	s.log.Infow("chat created", "chat_id", chat.ExternalId, "owner_id", userId, "is_group", chat.IsGroup)
	s.writeJson(w, http.StatusCreated, chat.ToAPI(nil))
}

func (s *GoChatApp) getChat(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	chat, apiErr := s.memberChat(r, userId)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	full, err := s.db.GetChatWithMembers(chat.Id)
	if err != nil {
		s.writeError(w, fromStoreError(err))
		return
	}

	s.writeJson(w, http.StatusOK, full.ToAPI(s.presentIn(chat.ExternalId)))
}

func (s *GoChatApp) deleteChat(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	chat, apiErr := s.chatFromPath(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	if chat.OwnerId != userId {
		s.writeError(w, NewForbiddenError())
		return
	}

	if err := s.db.DeleteChat(chat.Id); err != nil {
		s.writeError(w, fromStoreError(err))
		return
	}

	s.cs.NotifyChatDeleted(chat.ExternalId)
	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) addMember(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req AddMemberRequest
	if apiErr := s.decodeRequest(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	chat, apiErr := s.memberChat(r, userId)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	// direct chats always have exactly two members
	if !chat.IsGroup {
		s.writeError(w, NewBadRequestError())
		return
	}

	user, err := s.db.GetAccountById(req.UserId)
	if err != nil {
		s.writeError(w, fromStoreError(err))
		return
	}

	member, err := s.db.AddMember(chat.Id, user.Id)
	if err != nil {
		s.writeError(w, fromStoreError(err))
		return
	}

	apiUser := user.ToAPI()
	apiUser.EmailAddress = ""
	s.writeJson(w, http.StatusCreated, types.Member{
		ChatId:    chat.ExternalId,
		User:      apiUser,
		CreatedAt: member.CreatedAt,
	})
}

func (s *GoChatApp) leaveChat(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	chat, apiErr := s.memberChat(r, userId)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	if err := s.db.RemoveMember(chat.Id, userId); err != nil {
		s.writeError(w, fromStoreError(err))
		return
	}

	s.cs.EvictUser(chat.ExternalId, userId)
	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	chat, apiErr := s.memberChat(r, userId)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	var before, limit int
	var err error

	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		before, err = strconv.Atoi(beforeStr)
		if err != nil || before < 0 {
			s.writeError(w, NewBadRequestError())
			return
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 0 || limit > maxMessagePageSize {
			s.writeError(w, NewBadRequestError())
			return
		}
	}

	messages, err := s.db.GetMessages(chat.Id, before, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, lo.Map(messages, func(m database.Message, _ int) types.Message {
		return m.ToAPI(chat.ExternalId)
	}))
}

func (s *GoChatApp) createMessage(w http.ResponseWriter, r *http.Request) {
	user, apiErr := s.currentUser(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	var req CreateMessageRequest
	if apiErr := s.decodeRequest(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	chat, apiErr := s.memberChat(r, user.Id)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	msg, err := s.db.CreateMessage(database.Message{
		ChatId:    chat.Id,
		UserId:    user.Id,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.writeError(w, fromStoreError(err))
		return
	}

	apiMsg := msg.ToAPI(chat.ExternalId)
	s.cs.NotifyMessage(chat.ExternalId, user.ToAPI(), apiMsg)

	s.writeJson(w, http.StatusCreated, apiMsg)
}

func (s *GoChatApp) markRead(w http.ResponseWriter, r *http.Request) {
	user, apiErr := s.currentUser(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	chat, apiErr := s.memberChat(r, user.Id)
	if apiErr != nil {
		// An unknown chat has nothing left to read.
		if apiErr.StatusCode == http.StatusNotFound {
			s.writeJson(w, http.StatusOK, types.MarkReadResult{Success: true})
			return
		}
		s.writeError(w, apiErr)
		return
	}

	n, err := s.db.MarkRead(chat.Id, user.Id, time.Now().UTC())
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.cs.NotifyRead(chat.ExternalId, user.ToAPI(), n)

	s.writeJson(w, http.StatusOK, types.MarkReadResult{Success: true, MarkedAsRead: n})
}

func (s *GoChatApp) unreadCounts(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	counts, err := s.db.UnreadCounts(userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, types.UnreadCounts{
		TotalUnreadCount: lo.SumBy(counts, func(c database.ChatUnread) int { return c.UnreadCount }),
		ChatUnreadCounts: lo.Map(counts, func(c database.ChatUnread, _ int) types.ChatUnreadCount {
			return types.ChatUnreadCount{
				ChatId:      c.Chat.ExternalId,
				UnreadCount: c.UnreadCount,
				Chat:        c.Chat.ToAPI(nil),
			}
		}),
	})
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, apiErr := s.currentUser(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Infow("error upgrading connection", "err", err)
		return
	}

	s.cs.Serve(user.ToAPI(), conn)
}

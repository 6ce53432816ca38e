package database

import "github.com/npezzotti/gosocial/internal/types"

func (u User) ToAPI() types.User {
	return types.User{
		Id:           u.Id,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

// ToAPI converts the chat. Members are included when they were loaded;
// present reports whether a member has a live connection in the room.
func (c Chat) ToAPI(present func(userId int) bool) types.Chat {
	chat := types.Chat{
		Id:          c.Id,
		ExternalId:  c.ExternalId,
		Name:        c.Name,
		Description: c.Description,
		IsGroup:     c.IsGroup,
		OwnerId:     c.OwnerId,
		SeqId:       c.SeqId,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}

	if c.Members != nil {
		chat.Members = make([]types.User, len(c.Members))
		for i, m := range c.Members {
			chat.Members[i] = types.User{
				Id:       m.AccountId,
				Username: m.Username,
			}
			if present != nil {
				chat.Members[i].IsPresent = present(m.AccountId)
			}
		}
	}

	return chat
}

func (m Message) ToAPI(chatExternalId string) types.Message {
	readBy := make([]types.ReadReceipt, len(m.ReadBy))
	for i, r := range m.ReadBy {
		readBy[i] = types.ReadReceipt{UserId: r.UserId, ReadAt: r.ReadAt}
	}

	return types.Message{
		Id:        m.Id,
		SeqId:     m.SeqId,
		ChatId:    chatExternalId,
		UserId:    m.UserId,
		Content:   m.Content,
		ReadBy:    readBy,
		Timestamp: m.CreatedAt,
	}
}

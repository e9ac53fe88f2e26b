// Package membership answers chat membership and user lookups for the call
// engine, either from a fixed in-process table or from the chat database,
// fronted by a TTL cache.
package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"

	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/repository"
	apperrors "corpmsg-backend/pkg/errors"
)

// StaticDirectory is an in-process chat and user directory. It serves the
// memory store and tests.
type StaticDirectory struct {
	mu    sync.RWMutex
	chats map[uuid.UUID]*domain.Chat
	users map[uuid.UUID]*domain.User
}

// NewStaticDirectory creates an empty directory
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		chats: make(map[uuid.UUID]*domain.Chat),
		users: make(map[uuid.UUID]*domain.User),
	}
}

var (
	_ repository.ChatDirectory = (*StaticDirectory)(nil)
	_ repository.UserDirectory = (*StaticDirectory)(nil)
)

// Seed is the JSON document Load reads: the users and chats to serve
type Seed struct {
	Users []*domain.User `json:"users"`
	Chats []*domain.Chat `json:"chats"`
}

// Load adds the users and chats of a JSON seed document
func (d *StaticDirectory) Load(r io.Reader) error {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("failed to decode directory seed: %w", err)
	}
	for _, u := range seed.Users {
		if u == nil || u.UserID == uuid.Nil {
			return fmt.Errorf("directory seed has a user without user_id")
		}
	}
	for _, c := range seed.Chats {
		if c == nil || c.ChatID == uuid.Nil {
			return fmt.Errorf("directory seed has a chat without chat_id")
		}
	}

	for _, u := range seed.Users {
		d.PutUser(u)
	}
	for _, c := range seed.Chats {
		d.PutChat(c)
	}
	return nil
}

// PutChat adds or replaces a chat
func (d *StaticDirectory) PutChat(chat *domain.Chat) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := *chat
	cp.Members = append([]uuid.UUID(nil), chat.Members...)
	d.chats[chat.ChatID] = &cp
}

// PutUser adds or replaces a user
func (d *StaticDirectory) PutUser(user *domain.User) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := *user
	d.users[user.UserID] = &cp
}

// GetChat returns a copy of a chat
func (d *StaticDirectory) GetChat(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	chat, ok := d.chats[chatID]
	if !ok {
		return nil, apperrors.NotFoundError("Chat")
	}
	cp := *chat
	cp.Members = append([]uuid.UUID(nil), chat.Members...)
	return &cp, nil
}

// IsMember reports whether the user belongs to the chat
func (d *StaticDirectory) IsMember(ctx context.Context, userID, chatID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	chat, ok := d.chats[chatID]
	if !ok {
		return false, nil
	}
	for _, m := range chat.Members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

// ChatsOf lists the chats the user belongs to
func (d *StaticDirectory) ChatsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []uuid.UUID
	for id, chat := range d.chats {
		for _, m := range chat.Members {
			if m == userID {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// GetUsers returns the known users among ids; unknown ids are skipped
func (d *StaticDirectory) GetUsers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[uuid.UUID]*domain.User, len(ids))
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			cp := *u
			out[id] = &cp
		}
	}
	return out, nil
}

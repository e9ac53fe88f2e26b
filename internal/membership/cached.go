package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/repository"
	"corpmsg-backend/pkg/cache"
)

// CachedDirectory fronts a ChatDirectory with a TTL cache. Entries live for
// the cache TTL; Invalidate drops a user's entries early, e.g. when a chat
// membership event arrives.
type CachedDirectory struct {
	next  repository.ChatDirectory
	cache *cache.MemoryCache
}

// NewCachedDirectory wraps next with a cache of the given TTL and size
func NewCachedDirectory(next repository.ChatDirectory, ttl time.Duration, maxSize int) *CachedDirectory {
	return &CachedDirectory{
		next:  next,
		cache: cache.NewMemoryCache(ttl, maxSize),
	}
}

var _ repository.ChatDirectory = (*CachedDirectory)(nil)

// StartCleanup periodically removes expired entries; call the returned
// function to stop.
func (d *CachedDirectory) StartCleanup(interval time.Duration) func() {
	return d.cache.StartCleanup(interval)
}

// GetChat is not cached: chat creation and call creation need fresh members
func (d *CachedDirectory) GetChat(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error) {
	return d.next.GetChat(ctx, chatID)
}

// IsMember reports chat membership, cached per (user, chat)
func (d *CachedDirectory) IsMember(ctx context.Context, userID, chatID uuid.UUID) (bool, error) {
	key := memberKey(userID, chatID)
	if v, ok := d.cache.Get(key); ok {
		return v.(bool), nil
	}
	ok, err := d.next.IsMember(ctx, userID, chatID)
	if err != nil {
		return false, err
	}
	d.cache.Set(key, ok, 0)
	return ok, nil
}

// ChatsOf lists the user's chats, cached per user
func (d *CachedDirectory) ChatsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	key := chatsKey(userID)
	if v, ok := d.cache.Get(key); ok {
		return append([]uuid.UUID(nil), v.([]uuid.UUID)...), nil
	}
	ids, err := d.next.ChatsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	d.cache.Set(key, append([]uuid.UUID(nil), ids...), 0)
	return ids, nil
}

// Invalidate drops every cached answer about the user
func (d *CachedDirectory) Invalidate(userID uuid.UUID) {
	d.cache.Delete(chatsKey(userID))
	d.cache.DeletePrefix(fmt.Sprintf("member:%s:", userID))
}

func memberKey(userID, chatID uuid.UUID) string {
	return fmt.Sprintf("member:%s:%s", userID, chatID)
}

func chatsKey(userID uuid.UUID) string {
	return fmt.Sprintf("chats:%s", userID)
}

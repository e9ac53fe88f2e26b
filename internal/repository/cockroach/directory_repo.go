package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/repository"
	apperrors "corpmsg-backend/pkg/errors"
	"corpmsg-backend/pkg/metrics"
)

// DirectoryRepository reads chat membership and user profiles from the
// tables maintained by the chat and auth services
type DirectoryRepository struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewDirectoryRepository creates a new directory repository
func NewDirectoryRepository(pool *pgxpool.Pool, m *metrics.Metrics) *DirectoryRepository {
	return &DirectoryRepository{pool: pool, metrics: m}
}

var (
	_ repository.ChatDirectory = (*DirectoryRepository)(nil)
	_ repository.UserDirectory = (*DirectoryRepository)(nil)
)

// GetChat retrieves a conversation with its member ids
func (r *DirectoryRepository) GetChat(ctx context.Context, chatID uuid.UUID) (chat *domain.Chat, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordDBQuery("select", "conversations", time.Since(start), err) }()

	chat = &domain.Chat{ChatID: chatID}
	err = r.pool.QueryRow(ctx, `SELECT type FROM conversations WHERE conversation_id = $1`, chatID).Scan(&chat.Type)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundError("Chat")
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT user_id FROM conversation_participants WHERE conversation_id = $1`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	chat.Members, err = collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}

	return chat, nil
}

// IsMember checks if a user is a participant of a conversation
func (r *DirectoryRepository) IsMember(ctx context.Context, userID, chatID uuid.UUID) (ok bool, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordDBQuery("select", "conversation_participants", time.Since(start), err) }()

	query := `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`
	if err = r.pool.QueryRow(ctx, query, chatID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return ok, nil
}

// ChatsOf lists every conversation the user participates in
func (r *DirectoryRepository) ChatsOf(ctx context.Context, userID uuid.UUID) (ids []uuid.UUID, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordDBQuery("select", "conversation_participants", time.Since(start), err) }()

	query := `SELECT conversation_id FROM conversation_participants WHERE user_id = $1 ORDER BY conversation_id`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user conversations: %w", err)
	}
	ids, err = collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get user conversations: %w", err)
	}
	return ids, nil
}

// GetUsers loads display data for the given ids; unknown ids are omitted
func (r *DirectoryRepository) GetUsers(ctx context.Context, userIDs []uuid.UUID) (users map[uuid.UUID]*domain.User, err error) {
	users = make(map[uuid.UUID]*domain.User, len(userIDs))
	if len(userIDs) == 0 {
		return users, nil
	}

	start := time.Now()
	defer func() { r.metrics.RecordDBQuery("select", "users", time.Since(start), err) }()

	query := `
		SELECT u.user_id, u.username, COALESCE(u.display_name, ''), COALESCE(d.department_id, '')
		FROM users u
		LEFT JOIN user_departments d ON d.user_id = u.user_id
		WHERE u.user_id = ANY($1)
	`
	rows, err := r.pool.Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		u := &domain.User{}
		if err := rows.Scan(&u.UserID, &u.Username, &u.DisplayName, &u.DepartmentID); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users[u.UserID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}

	return users, nil
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

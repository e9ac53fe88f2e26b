package membership

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"corpmsg-backend/internal/domain"
)

// MockChatDirectory is a mock implementation of ChatDirectory
type MockChatDirectory struct {
	mock.Mock
}

func (m *MockChatDirectory) GetChat(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Chat), args.Error(1)
}

func (m *MockChatDirectory) IsMember(ctx context.Context, userID, chatID uuid.UUID) (bool, error) {
	args := m.Called(ctx, userID, chatID)
	return args.Bool(0), args.Error(1)
}

func (m *MockChatDirectory) ChatsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func TestCachedDirectory_IsMemberHitsBackendOnce(t *testing.T) {
	ctx := context.Background()
	userID, chatID := uuid.New(), uuid.New()

	backend := new(MockChatDirectory)
	backend.On("IsMember", mock.Anything, userID, chatID).Return(true, nil).Once()

	d := NewCachedDirectory(backend, time.Minute, 100)

	for i := 0; i < 3; i++ {
		ok, err := d.IsMember(ctx, userID, chatID)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	backend.AssertExpectations(t)
}

func TestCachedDirectory_Invalidate(t *testing.T) {
	ctx := context.Background()
	userID, chatID := uuid.New(), uuid.New()

	backend := new(MockChatDirectory)
	backend.On("IsMember", mock.Anything, userID, chatID).Return(false, nil).Once()
	backend.On("ChatsOf", mock.Anything, userID).Return([]uuid.UUID{}, nil).Once()
	d := NewCachedDirectory(backend, time.Minute, 100)

	ok, err := d.IsMember(ctx, userID, chatID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = d.ChatsOf(ctx, userID)
	require.NoError(t, err)

	d.Invalidate(userID)

	backend.On("IsMember", mock.Anything, userID, chatID).Return(true, nil).Once()
	backend.On("ChatsOf", mock.Anything, userID).Return([]uuid.UUID{chatID}, nil).Once()

	ok, err = d.IsMember(ctx, userID, chatID)
	require.NoError(t, err)
	assert.True(t, ok)
	chats, err := d.ChatsOf(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{chatID}, chats)
	backend.AssertExpectations(t)
}

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	chat := &domain.Chat{ChatID: uuid.New(), Type: "group", Members: []uuid.UUID{alice, bob}}

	d := NewStaticDirectory()
	d.PutChat(chat)
	d.PutUser(&domain.User{UserID: alice, Username: "alice", DisplayName: "Alice A."})

	ok, err := d.IsMember(ctx, bob, chat.ChatID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.IsMember(ctx, carol, chat.ChatID)
	require.NoError(t, err)
	assert.False(t, ok)

	chats, err := d.ChatsOf(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{chat.ChatID}, chats)

	_, err = d.GetChat(ctx, uuid.New())
	assert.Error(t, err)

	users, err := d.GetUsers(ctx, []uuid.UUID{alice, carol})
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, "Alice A.", users[alice].Name())
}

func TestStaticDirectory_Load(t *testing.T) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	chatID := uuid.New()
	seed := `{
		"users": [
			{"user_id": "` + alice.String() + `", "username": "alice", "display_name": "Alice", "department_id": "eng"},
			{"user_id": "` + bob.String() + `", "username": "bob"}
		],
		"chats": [
			{"chat_id": "` + chatID.String() + `", "type": "group", "members": ["` + alice.String() + `", "` + bob.String() + `"]}
		]
	}`

	d := NewStaticDirectory()
	require.NoError(t, d.Load(strings.NewReader(seed)))

	chat, err := d.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{alice, bob}, chat.Members)

	users, err := d.GetUsers(ctx, []uuid.UUID{alice, bob})
	require.NoError(t, err)
	assert.Equal(t, "eng", users[alice].DepartmentID)
	assert.Equal(t, "bob", users[bob].Name())
}

func TestStaticDirectory_LoadRejectsBadSeed(t *testing.T) {
	tests := []struct {
		name string
		seed string
	}{
		{"not json", `users: []`},
		{"chat without id", `{"chats": [{"type": "group"}]}`},
		{"user without id", `{"users": [{"username": "ghost"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewStaticDirectory()
			assert.Error(t, d.Load(strings.NewReader(tt.seed)))
			chats, err := d.ChatsOf(context.Background(), uuid.New())
			require.NoError(t, err)
			assert.Empty(t, chats)
		})
	}
}

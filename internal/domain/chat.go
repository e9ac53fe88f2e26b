package domain

import "github.com/google/uuid"

// Chat is the minimal view of a conversation the call engine needs
type Chat struct {
	ChatID  uuid.UUID   `json:"chat_id"`
	Type    string      `json:"type"` // direct, group
	Members []uuid.UUID `json:"members"`
}

// User is the minimal view of a user the call engine needs
type User struct {
	UserID       uuid.UUID `json:"user_id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	DepartmentID string    `json:"department_id,omitempty"`
}

// Name returns the best human-readable name of the user
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

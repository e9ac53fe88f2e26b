package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// callSchema creates the tables owned by the call service, including the
// department assignments used for conditional permissions. The conversations,
// conversation_participants and users tables belong to the chat and auth
// services and are only read here.
var callSchema = []string{
	`CREATE TABLE IF NOT EXISTS calls (
		call_id           UUID PRIMARY KEY,
		call_type         STRING NOT NULL,
		call_mode         STRING NOT NULL,
		chat_id           UUID NULL,
		initiated_by      UUID NOT NULL,
		counterpart_id    UUID NULL,
		room_name         STRING NOT NULL UNIQUE,
		status            STRING NOT NULL,
		end_reason        STRING NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		started_at        TIMESTAMPTZ NULL,
		ended_at          TIMESTAMPTZ NULL,
		invite_token      STRING NULL UNIQUE,
		invite_issued_at  TIMESTAMPTZ NULL,
		invite_expires_at TIMESTAMPTZ NULL,
		invite_revoked_at TIMESTAMPTZ NULL
	)`,
	`CREATE INDEX IF NOT EXISTS calls_created_idx ON calls (created_at DESC, call_id DESC)`,
	`CREATE INDEX IF NOT EXISTS calls_chat_idx ON calls (chat_id)`,
	`CREATE INDEX IF NOT EXISTS calls_status_mode_idx ON calls (status, call_mode)`,
	`CREATE TABLE IF NOT EXISTS call_participants (
		participant_id UUID PRIMARY KEY,
		call_id        UUID NOT NULL REFERENCES calls (call_id) ON DELETE CASCADE,
		user_id        UUID NOT NULL,
		role           STRING NOT NULL,
		seq            INT8 NOT NULL DEFAULT unique_rowid(),
		joined_at      TIMESTAMPTZ NOT NULL,
		left_at        TIMESTAMPTZ NULL
	)`,
	`CREATE INDEX IF NOT EXISTS call_participants_call_idx ON call_participants (call_id, joined_at, seq)`,
	// at most one open row per user and call
	`CREATE UNIQUE INDEX IF NOT EXISTS call_participants_active_idx
		ON call_participants (call_id, user_id) WHERE left_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS user_departments (
		user_id       UUID PRIMARY KEY,
		department_id STRING NOT NULL
	)`,
}

// EnsureSchema applies the call tables idempotently
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range callSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

package cockroach

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/repository"
	apperrors "corpmsg-backend/pkg/errors"
	"corpmsg-backend/pkg/metrics"
)

const (
	// SQLSTATE codes
	codeUniqueViolation     = "23505"
	codeSerializationFailed = "40001"

	maxTxAttempts = 3
)

var tracer = otel.Tracer("corpmsg-backend/internal/repository/cockroach")

const callColumns = `
	call_id, call_type, call_mode, chat_id, initiated_by, counterpart_id,
	room_name, status, end_reason, created_at, started_at, ended_at,
	invite_token, invite_issued_at, invite_expires_at, invite_revoked_at`

const participantColumns = `participant_id, call_id, user_id, role, joined_at, left_at`

// CallRepository handles call data operations
type CallRepository struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool, m *metrics.Metrics) *CallRepository {
	return &CallRepository{pool: pool, metrics: m}
}

var _ repository.CallRepository = (*CallRepository)(nil)

func (r *CallRepository) observe(operation, table string, start time.Time, err error) {
	r.metrics.RecordDBQuery(operation, table, time.Since(start), err)
}

// Create creates a new call record
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) (err error) {
	start := time.Now()
	defer func() { r.observe("insert", "calls", start, err) }()

	query := `
		INSERT INTO calls (` + callColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	token, issuedAt, expiresAt, revokedAt := inviteColumns(call.Invite)
	_, err = r.pool.Exec(ctx, query,
		call.CallID,
		call.CallType,
		call.CallMode,
		call.ChatID,
		call.InitiatedBy,
		call.CounterpartID,
		call.RoomName,
		call.Status,
		call.EndReason,
		call.CreatedAt,
		call.StartedAt,
		call.EndedAt,
		token,
		issuedAt,
		expiresAt,
		revokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (call *domain.Call, err error) {
	start := time.Now()
	defer func() { r.observe("select", "calls", start, err) }()

	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`
	call, err = scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// GetByInviteToken retrieves the call currently owning an invite token
func (r *CallRepository) GetByInviteToken(ctx context.Context, token string) (call *domain.Call, err error) {
	start := time.Now()
	defer func() { r.observe("select", "calls", start, err) }()

	query := `SELECT ` + callColumns + ` FROM calls WHERE invite_token = $1`
	call, err = scanCall(r.pool.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.InvalidTokenError("Invite token is invalid")
		}
		return nil, fmt.Errorf("failed to get call by invite token: %w", err)
	}

	return call, nil
}

// Snapshot reads the call and its rows in one read-only transaction
func (r *CallRepository) Snapshot(ctx context.Context, callID uuid.UUID) (*domain.Call, []*domain.CallParticipant, error) {
	start := time.Now()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	call, err := scanCall(tx.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE call_id = $1`, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, apperrors.CallNotFoundError()
		}
		return nil, nil, fmt.Errorf("failed to get call: %w", err)
	}

	rows, err := participantsOf(ctx, tx, callID)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	r.observe("snapshot", "calls", start, nil)
	return call, rows, nil
}

// InCall locks the call row with SELECT ... FOR UPDATE and runs fn inside the
// transaction. Serialization failures are retried.
func (r *CallRepository) InCall(ctx context.Context, callID uuid.UUID, fn func(tx repository.CallTx) error) (err error) {
	ctx, span := tracer.Start(ctx, "CallRepository.InCall",
		trace.WithAttributes(attribute.String("call.id", callID.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "call transaction failed")
		}
		span.End()
	}()

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		span.SetAttributes(attribute.Int("db.tx.attempts", attempt))
		start := time.Now()
		err = r.inCallOnce(ctx, callID, fn)
		r.observe("transaction", "calls", start, err)
		if !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("call transaction kept conflicting: %w", err)
}

func (r *CallRepository) inCallOnce(ctx context.Context, callID uuid.UUID, fn func(tx repository.CallTx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	call, err := scanCall(tx.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE call_id = $1 FOR UPDATE`, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.CallNotFoundError()
		}
		return fmt.Errorf("failed to lock call: %w", err)
	}

	rows, err := participantsOf(ctx, tx, callID)
	if err != nil {
		return err
	}

	if err := fn(&callTx{tx: tx, call: call, rows: rows}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call transaction: %w", err)
	}
	return nil
}

// List returns visible calls newest first using keyset pagination
func (r *CallRepository) List(ctx context.Context, filter domain.CallFilter) (items []*domain.CallListItem, err error) {
	start := time.Now()
	defer func() { r.observe("list", "calls", start, err) }()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	viewer := arg(filter.ViewerID)
	where = append(where, fmt.Sprintf("(c.initiated_by = %s OR c.counterpart_id = %s OR c.chat_id = ANY(%s))",
		viewer, viewer, arg(filter.ViewerChatIDs)))
	if filter.Status != "" {
		where = append(where, "c.status = "+arg(string(filter.Status)))
	}
	if filter.CallType != "" {
		where = append(where, "c.call_type = "+arg(string(filter.CallType)))
	}
	if filter.CallMode != "" {
		where = append(where, "c.call_mode = "+arg(string(filter.CallMode)))
	}
	if filter.ChatID != nil {
		where = append(where, "c.chat_id = "+arg(*filter.ChatID))
	}
	if filter.After != nil {
		where = append(where, fmt.Sprintf("(c.created_at, c.call_id) < (%s, %s)",
			arg(filter.After.CreatedAt), arg(filter.After.CallID)))
	}

	query := `
		SELECT ` + prefixed("c.", callColumns) + `,
		       (SELECT COUNT(DISTINCT p.user_id) FROM call_participants p WHERE p.call_id = c.call_id)
		FROM calls c
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY c.created_at DESC, c.call_id DESC`
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var count int
		call, err := scanCall(rows, &count)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		items = append(items, &domain.CallListItem{Call: call, ParticipantsCount: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}

	return items, nil
}

// ListIdleGroupCalls returns ongoing group calls that have been empty since idleSince
func (r *CallRepository) ListIdleGroupCalls(ctx context.Context, idleSince time.Time) (ids []uuid.UUID, err error) {
	start := time.Now()
	defer func() { r.observe("list_idle", "calls", start, err) }()

	query := `
		SELECT c.call_id
		FROM calls c
		WHERE c.call_mode = $1 AND c.status = $2
		  AND NOT EXISTS (
		      SELECT 1 FROM call_participants p WHERE p.call_id = c.call_id AND p.left_at IS NULL)
		  AND (SELECT MAX(p.left_at) FROM call_participants p WHERE p.call_id = c.call_id) <= $3
	`

	rows, err := r.pool.Query(ctx, query, domain.CallModeGroup, domain.CallStatusOngoing, idleSince)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle calls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan call id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list idle calls: %w", err)
	}

	return ids, nil
}

// callTx mirrors the locked call in memory so reads inside fn see its writes
type callTx struct {
	tx   pgx.Tx
	call *domain.Call
	rows []*domain.CallParticipant
}

func (t *callTx) Call() *domain.Call {
	return t.call.Clone()
}

func (t *callTx) Participants() []*domain.CallParticipant {
	out := make([]*domain.CallParticipant, len(t.rows))
	for i, p := range t.rows {
		out[i] = p.Clone()
	}
	return out
}

func (t *callTx) SaveCall(ctx context.Context, call *domain.Call) error {
	if call.CallID != t.call.CallID {
		return apperrors.InternalError("call id mismatch in transaction")
	}

	query := `
		UPDATE calls
		SET status = $2, end_reason = $3, started_at = $4, ended_at = $5,
		    invite_token = $6, invite_issued_at = $7, invite_expires_at = $8, invite_revoked_at = $9
		WHERE call_id = $1
	`
	token, issuedAt, expiresAt, revokedAt := inviteColumns(call.Invite)
	_, err := t.tx.Exec(ctx, query,
		call.CallID,
		call.Status,
		call.EndReason,
		call.StartedAt,
		call.EndedAt,
		token,
		issuedAt,
		expiresAt,
		revokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}

	t.call = call.Clone()
	return nil
}

func (t *callTx) InsertParticipant(ctx context.Context, p *domain.CallParticipant) error {
	for _, existing := range t.rows {
		if existing.UserID == p.UserID && existing.IsActive() {
			return apperrors.AlreadyActiveError()
		}
	}

	query := `INSERT INTO call_participants (` + participantColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := t.tx.Exec(ctx, query, p.ID, t.call.CallID, p.UserID, p.Role, p.JoinedAt, p.LeftAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return apperrors.AlreadyActiveError()
		}
		return fmt.Errorf("failed to add participant: %w", err)
	}

	row := p.Clone()
	row.CallID = t.call.CallID
	t.rows = append(t.rows, row)
	return nil
}

func (t *callTx) CloseParticipant(ctx context.Context, participantID uuid.UUID, leftAt time.Time) error {
	query := `
		UPDATE call_participants
		SET left_at = $2
		WHERE participant_id = $1 AND left_at IS NULL
	`
	tag, err := t.tx.Exec(ctx, query, participantID, leftAt)
	if err != nil {
		return fmt.Errorf("failed to close participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotActiveError()
	}

	for _, p := range t.rows {
		if p.ID == participantID {
			at := leftAt
			p.LeftAt = &at
		}
	}
	return nil
}

// participantsOf loads every row of a call ordered by join time, ties by
// insertion order
func participantsOf(ctx context.Context, q pgx.Tx, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	query := `
		SELECT ` + participantColumns + `
		FROM call_participants
		WHERE call_id = $1
		ORDER BY joined_at ASC, seq ASC
	`

	rows, err := q.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []*domain.CallParticipant
	for rows.Next() {
		p := &domain.CallParticipant{}
		err := rows.Scan(
			&p.ID,
			&p.CallID,
			&p.UserID,
			&p.Role,
			&p.JoinedAt,
			&p.LeftAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}

	return participants, nil
}

// scanCall scans callColumns followed by any extra destinations
func scanCall(row pgx.Row, extra ...any) (*domain.Call, error) {
	var (
		call      domain.Call
		token     *string
		issuedAt  *time.Time
		expiresAt *time.Time
		revokedAt *time.Time
	)
	dest := []any{
		&call.CallID,
		&call.CallType,
		&call.CallMode,
		&call.ChatID,
		&call.InitiatedBy,
		&call.CounterpartID,
		&call.RoomName,
		&call.Status,
		&call.EndReason,
		&call.CreatedAt,
		&call.StartedAt,
		&call.EndedAt,
		&token,
		&issuedAt,
		&expiresAt,
		&revokedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if token != nil {
		invite := &domain.InviteToken{
			Token:     *token,
			CallID:    call.CallID,
			ExpiresAt: expiresAt,
			RevokedAt: revokedAt,
		}
		if issuedAt != nil {
			invite.IssuedAt = *issuedAt
		}
		call.Invite = invite
	}
	return &call, nil
}

func inviteColumns(inv *domain.InviteToken) (token *string, issuedAt, expiresAt, revokedAt *time.Time) {
	if inv == nil {
		return nil, nil, nil, nil
	}
	t := inv.Token
	at := inv.IssuedAt
	return &t, &at, inv.ExpiresAt, inv.RevokedAt
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeSerializationFailed
}

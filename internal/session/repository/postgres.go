package repository

import (
	"context"
	"database/sql"
	"errors"

	"remote-desktop-server/internal/session/domain"
)

const sessionColumns = `token, username, domain, client_addr, kind, state, desktop_width, desktop_height,
	color_depth, start_time, last_activity, end_time, bytes_sent, bytes_received, average_latency_ms,
	cpu_usage, memory_usage_mb, disconnect_reason`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

// GetByToken returns the session for token, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token = $1`, token)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListByUsername returns the most recent sessions for username, newest first.
func (r *PostgresRepository) ListByUsername(ctx context.Context, username string, limit int32) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE lower(username) = lower($1) ORDER BY start_time DESC LIMIT $2`,
		username, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Create inserts a new session row.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		s.Token, s.Username, s.Domain, s.ClientAddr, string(s.Kind), string(s.State), s.Display.Width,
		s.Display.Height, s.Display.ColorDepth, s.StartTime, s.LastActivity, endTime(s), s.BytesSent,
		s.BytesReceived, s.AverageLatencyMs, s.CPUUsage, s.MemoryUsageMB, s.DisconnectReason)
	return err
}

// Update writes the mutable fields of s. Missing rows are ignored.
func (r *PostgresRepository) Update(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET state = $2, last_activity = $3, end_time = $4,
		bytes_sent = $5, bytes_received = $6, average_latency_ms = $7, cpu_usage = $8, memory_usage_mb = $9,
		disconnect_reason = $10 WHERE token = $1`,
		s.Token, string(s.State), s.LastActivity, endTime(s), s.BytesSent, s.BytesReceived,
		s.AverageLatencyMs, s.CPUUsage, s.MemoryUsageMB, s.DisconnectReason)
	return err
}

// CreateActivity appends an activity record.
func (r *PostgresRepository) CreateActivity(ctx context.Context, a *domain.Activity) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO session_activities (id, session_token, activity_type, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`, a.ID, a.SessionToken, a.Type, a.Details, a.CreatedAt)
	return err
}

// ListActivities returns activity records for token in insertion order.
func (r *PostgresRepository) ListActivities(ctx context.Context, token string, limit int32) ([]*domain.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, session_token, activity_type, details, created_at
		FROM session_activities WHERE session_token = $1 ORDER BY created_at LIMIT $2`, token, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.SessionToken, &a.Type, &a.Details, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func scanSession(row scanner) (*domain.Session, error) {
	var (
		s          domain.Session
		kind       string
		state      string
		endTimeCol sql.NullTime
	)
	err := row.Scan(&s.Token, &s.Username, &s.Domain, &s.ClientAddr, &kind, &state, &s.Display.Width,
		&s.Display.Height, &s.Display.ColorDepth, &s.StartTime, &s.LastActivity, &endTimeCol, &s.BytesSent,
		&s.BytesReceived, &s.AverageLatencyMs, &s.CPUUsage, &s.MemoryUsageMB, &s.DisconnectReason)
	if err != nil {
		return nil, err
	}
	s.Kind = domain.Kind(kind)
	s.State = domain.State(state)
	if endTimeCol.Valid {
		t := endTimeCol.Time
		s.EndTime = &t
	}
	return &s, nil
}

func endTime(s *domain.Session) sql.NullTime {
	if s.EndTime == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *s.EndTime, Valid: true}
}

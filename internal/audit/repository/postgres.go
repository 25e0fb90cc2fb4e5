package repository

import (
	"context"
	"database/sql"
	"errors"

	"remote-desktop-server/internal/audit/domain"
)

const eventColumns = `id, event_type, severity, details, username, session_token, client_ip, success, server_name, created_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a security event repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

// GetByID returns the event for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.SecurityEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM security_events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListRecent returns events newest first, paginated by limit and offset.
// Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListRecent(ctx context.Context, eventType string, limit, offset int32) ([]*domain.SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM security_events
		WHERE ($1 = '' OR event_type = $1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		eventType, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.SecurityEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Create persists the event. The event must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, e *domain.SecurityEvent) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO security_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Type, string(e.Severity), e.Details, e.Username, e.SessionToken, e.ClientIP, e.Success,
		e.ServerName, e.CreatedAt)
	return err
}

func scanEvent(row scanner) (*domain.SecurityEvent, error) {
	var (
		e        domain.SecurityEvent
		severity string
	)
	if err := row.Scan(&e.ID, &e.Type, &severity, &e.Details, &e.Username, &e.SessionToken, &e.ClientIP,
		&e.Success, &e.ServerName, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Severity = domain.Severity(severity)
	return &e, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"remote-desktop-server/internal/user/domain"
)

const userColumns = `id, username, domain, password_hash, full_name, email, is_active, is_admin, is_locked,
	lockout_end_time, failed_login_attempts, two_factor_enabled, two_factor_secret,
	max_concurrent_sessions, allowed_ips, account_expires_at, last_login_at, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByUsernameAndDomain returns the user with the given username in domain, or nil if not found.
func (r *PostgresRepository) GetByUsernameAndDomain(ctx context.Context, username, userDomain string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1) AND lower(domain) = lower($2)`,
		username, userDomain)
	return scanUser(row)
}

// GetByUsername returns the first user with the given username in any domain, or nil if not found.
func (r *PostgresRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1) ORDER BY created_at LIMIT 1`,
		username)
	return scanUser(row)
}

// Create persists the user to the database. The user must have ID set; it is not assigned by this method.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		u.ID, u.Username, u.Domain, u.PasswordHash, u.FullName, u.Email, u.IsActive, u.IsAdmin, u.IsLocked,
		nullTime(u.LockoutEndTime), u.FailedLoginAttempts, u.TwoFactorEnabled, u.TwoFactorSecret,
		u.MaxConcurrentSessions, domain.JoinAllowedIPs(u.AllowedIPs), nullTime(u.AccountExpiresAt),
		nullTime(u.LastLoginAt), u.CreatedAt, u.UpdatedAt)
	return err
}

// UpdateLoginState writes the lockout and login fields of u. Missing rows are ignored.
func (r *PostgresRepository) UpdateLoginState(ctx context.Context, u *domain.User) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET is_locked = $2, lockout_end_time = $3,
		failed_login_attempts = $4, last_login_at = $5, updated_at = $6 WHERE id = $1`,
		u.ID, u.IsLocked, nullTime(u.LockoutEndTime), u.FailedLoginAttempts, nullTime(u.LastLoginAt), u.UpdatedAt)
	return err
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var (
		u                                domain.User
		lockoutEnd, expiresAt, lastLogin sql.NullTime
		allowedIPs                       string
	)
	err := row.Scan(&u.ID, &u.Username, &u.Domain, &u.PasswordHash, &u.FullName, &u.Email, &u.IsActive,
		&u.IsAdmin, &u.IsLocked, &lockoutEnd, &u.FailedLoginAttempts, &u.TwoFactorEnabled, &u.TwoFactorSecret,
		&u.MaxConcurrentSessions, &allowedIPs, &expiresAt, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.LockoutEndTime = timePtr(lockoutEnd)
	u.AccountExpiresAt = timePtr(expiresAt)
	u.LastLoginAt = timePtr(lastLogin)
	u.AllowedIPs = domain.SplitAllowedIPs(allowedIPs)
	return &u, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

package repository

import (
	"context"

	"remote-desktop-server/internal/user/domain"
)

// Repository defines persistence for users.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// GetByUsernameAndDomain returns the user or nil if not found; lookups are case-insensitive.
	GetByUsernameAndDomain(ctx context.Context, username, userDomain string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
	// UpdateLoginState persists lockout counters, lock flags and last login time.
	UpdateLoginState(ctx context.Context, u *domain.User) error
}

package repository

import (
	"context"

	"remote-desktop-server/internal/session/domain"
)

// Repository defines persistence for sessions and their activity records.
type Repository interface {
	GetByToken(ctx context.Context, token string) (*domain.Session, error)
	ListByUsername(ctx context.Context, username string, limit int32) ([]*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	// Update writes state, counters and end fields of an existing session.
	Update(ctx context.Context, s *domain.Session) error
	CreateActivity(ctx context.Context, a *domain.Activity) error
	ListActivities(ctx context.Context, token string, limit int32) ([]*domain.Activity, error)
}

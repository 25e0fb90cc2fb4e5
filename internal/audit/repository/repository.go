package repository

import (
	"context"

	"remote-desktop-server/internal/audit/domain"
)

// Repository defines persistence for security events.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.SecurityEvent, error)
	// ListRecent returns events newest first; eventType filters when non-empty.
	ListRecent(ctx context.Context, eventType string, limit, offset int32) ([]*domain.SecurityEvent, error)
	Create(ctx context.Context, e *domain.SecurityEvent) error
}

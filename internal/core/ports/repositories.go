package ports

import (
	"context"

	"meetwire/internal/core/domain"
)

type PresenceRepository interface {
	Set(ctx context.Context, userID domain.UserID, connID domain.ConnectionID) error
	Get(ctx context.Context, userID domain.UserID) (domain.ConnectionID, error)
	// DeleteIf removes the entry only while it still points at connID.
	DeleteIf(ctx context.Context, userID domain.UserID, connID domain.ConnectionID) (bool, error)
	List(ctx context.Context) ([]domain.PresenceEntry, error)
	Clear(ctx context.Context) error
}

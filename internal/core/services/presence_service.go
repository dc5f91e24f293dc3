package services

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
)

type presenceService struct {
	repo     ports.PresenceRepository
	notifier ports.Notifier
	metrics  ports.MetricsCollector
	logger   *zap.SugaredLogger
}

// NewPresenceService maps users to their live connection. The most recent
// registration for a user wins.
func NewPresenceService(
	repo ports.PresenceRepository,
	notifier ports.Notifier,
	metrics ports.MetricsCollector,
	logger *zap.SugaredLogger,
) ports.PresenceService {
	return &presenceService{
		repo:     repo,
		notifier: notifier,
		metrics:  metricsOrNop(metrics),
		logger:   loggerOrNop(logger),
	}
}

func (p *presenceService) Register(ctx context.Context, userID domain.UserID, connID domain.ConnectionID) error {
	if userID == "" {
		return domain.ErrMalformed
	}
	if err := p.repo.Set(ctx, userID, connID); err != nil {
		return err
	}
	p.logger.Debugw("user online", "user_id", userID, "connection_id", connID)
	return p.Publish(ctx)
}

// Unregister drops the user only while it still points at connID, so a stale
// disconnect cannot evict a newer connection of the same user.
func (p *presenceService) Unregister(ctx context.Context, userID domain.UserID, connID domain.ConnectionID) error {
	removed, err := p.repo.DeleteIf(ctx, userID, connID)
	if err != nil {
		return err
	}
	if removed {
		p.logger.Debugw("user offline", "user_id", userID, "connection_id", connID)
	}
	return p.Publish(ctx)
}

func (p *presenceService) Lookup(ctx context.Context, userID domain.UserID) (domain.ConnectionID, error) {
	return p.repo.Get(ctx, userID)
}

func (p *presenceService) OnlineUsers(ctx context.Context) ([]domain.UserID, error) {
	entries, err := p.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]domain.UserID, 0, len(entries))
	for _, entry := range entries {
		users = append(users, entry.UserID)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (p *presenceService) Publish(ctx context.Context) error {
	users, err := p.OnlineUsers(ctx)
	if err != nil {
		return err
	}
	p.metrics.OnlineUsers(len(users))
	p.notifier.Broadcast(domain.Event{
		Type:    domain.EventOnlineUsers,
		Payload: domain.OnlineUsersEvent{Users: users},
	})
	return nil
}

func (p *presenceService) Clear(ctx context.Context) error {
	if err := p.repo.Clear(ctx); err != nil {
		return err
	}
	p.metrics.OnlineUsers(0)
	return nil
}

func isOffline(err error) bool {
	return errors.Is(err, domain.ErrUserOffline)
}

package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
)

type callService struct {
	presence ports.PresenceService
	registry *RoomRegistry
	notifier ports.Notifier
	logger   *zap.SugaredLogger
}

// NewCallService relays meeting invitations between online users.
func NewCallService(
	presence ports.PresenceService,
	registry *RoomRegistry,
	notifier ports.Notifier,
	logger *zap.SugaredLogger,
) ports.CallService {
	return &callService{
		presence: presence,
		registry: registry,
		notifier: notifier,
		logger:   loggerOrNop(logger),
	}
}

func (c *callService) Request(ctx context.Context, meetingID domain.RoomID, initiator domain.UserID, participants []domain.UserID) error {
	if meetingID == "" {
		return fmt.Errorf("%w: meeting id is required", domain.ErrMalformed)
	}
	recipients := distinct(participants, initiator)
	if len(recipients) == 0 {
		return domain.ErrSelfCall
	}

	event := domain.Event{
		Type: domain.EventIncomingCall,
		Payload: domain.IncomingCallEvent{
			MeetingID:    meetingID,
			Participants: participants,
			Initiator:    initiator,
		},
	}
	delivered := c.deliver(ctx, recipients, event)
	c.logger.Infow("meeting requested",
		"meeting_id", meetingID,
		"initiator", initiator,
		"invited", len(recipients),
		"delivered", delivered,
	)
	return nil
}

func (c *callService) Accept(ctx context.Context, meetingID domain.RoomID, participants []domain.UserID, accepter domain.UserID) error {
	if _, err := c.registry.GetOrCreate(ctx, meetingID); err != nil {
		return err
	}

	recipients := distinct(append(append([]domain.UserID{}, participants...), accepter), "")
	c.deliver(ctx, recipients, domain.Event{
		Type: domain.EventMeetingAccepted,
		Payload: domain.MeetingAcceptedEvent{
			MeetingID:    meetingID,
			Participants: participants,
			AcceptedBy:   accepter,
		},
	})
	c.logger.Infow("meeting accepted", "meeting_id", meetingID, "accepted_by", accepter)
	return nil
}

func (c *callService) Reject(ctx context.Context, meetingID domain.RoomID, participants []domain.UserID, rejecter domain.UserID) error {
	if meetingID == "" {
		return fmt.Errorf("%w: meeting id is required", domain.ErrMalformed)
	}
	c.deliver(ctx, distinct(participants, rejecter), domain.Event{
		Type: domain.EventCallRejected,
		Payload: domain.CallRejectedEvent{
			MeetingID:  meetingID,
			RejectedBy: rejecter,
		},
	})
	c.logger.Infow("meeting rejected", "meeting_id", meetingID, "rejected_by", rejecter)
	return nil
}

// deliver notifies each online user and skips the rest.
func (c *callService) deliver(ctx context.Context, users []domain.UserID, event domain.Event) int {
	delivered := 0
	for _, userID := range users {
		connID, err := c.presence.Lookup(ctx, userID)
		if err != nil {
			if !isOffline(err) {
				c.logger.Warnw("presence lookup failed", "user_id", userID, "error", err)
			}
			continue
		}
		c.notifier.Notify(connID, event)
		delivered++
	}
	return delivered
}

// distinct drops empty ids, duplicates and exclude, keeping first-seen order.
func distinct(users []domain.UserID, exclude domain.UserID) []domain.UserID {
	seen := make(map[domain.UserID]struct{}, len(users))
	out := make([]domain.UserID, 0, len(users))
	for _, u := range users {
		if u == "" || u == exclude {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

package signal

import (
	"context"
	"errors"
	"net/http"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/services"
	apperrors "meetwire/pkg/errors"
	"meetwire/pkg/validation"
)

// Reason strings carried in error details so clients can branch without
// parsing messages.
const (
	reasonRoomNotFound      = "room_not_found"
	reasonPeerNotFound      = "peer_not_found"
	reasonTransportNotFound = "transport_not_found"
	reasonProducerNotFound  = "producer_not_found"
	reasonConsumerNotFound  = "consumer_not_found"
	reasonScreenShareBusy   = "screen_share_busy"
	reasonSelfConsumption   = "self_consumption"
	reasonSelfCall          = "self_call"
	reasonAlreadyJoined     = "already_joined"
	reasonWrongDirection    = "wrong_direction"
	reasonMalformed         = "malformed"
	reasonUnknownType       = "unknown_type"
	reasonConsumeTimeout    = "consume_timeout"
	reasonEngineFailure     = "media_engine_failure"
	reasonUserOffline       = "user_offline"
	reasonRoomAccess        = "room_access_denied"
	reasonCancelled         = "cancelled"
)

type errorRule struct {
	target error
	build  func() *apperrors.AppError
	reason string
}

// errorRules is checked in order; the first sentinel found in the chain
// decides the wire code.
var errorRules = []errorRule{
	{domain.ErrRoomNotFound, func() *apperrors.AppError { return apperrors.NewNotFoundError("room") }, reasonRoomNotFound},
	{domain.ErrPeerNotFound, func() *apperrors.AppError { return apperrors.NewNotFoundError("peer") }, reasonPeerNotFound},
	{domain.ErrTransportNotFound, func() *apperrors.AppError { return apperrors.NewNotFoundError("transport") }, reasonTransportNotFound},
	{domain.ErrProducerNotFound, func() *apperrors.AppError { return apperrors.NewNotFoundError("producer") }, reasonProducerNotFound},
	{domain.ErrConsumerNotFound, func() *apperrors.AppError { return apperrors.NewNotFoundError("consumer") }, reasonConsumerNotFound},
	{domain.ErrUserOffline, func() *apperrors.AppError { return apperrors.NewNotFoundError("user") }, reasonUserOffline},
	{domain.ErrScreenShareBusy, func() *apperrors.AppError { return apperrors.NewConflictError("screen share already active") }, reasonScreenShareBusy},
	{domain.ErrSelfConsumption, func() *apperrors.AppError { return apperrors.NewInvalidInputError("cannot consume own producer") }, reasonSelfConsumption},
	{domain.ErrSelfCall, func() *apperrors.AppError { return apperrors.NewInvalidInputError("no participants to call") }, reasonSelfCall},
	{domain.ErrAlreadyJoined, func() *apperrors.AppError { return apperrors.NewInvalidInputError("already joined") }, reasonAlreadyJoined},
	{domain.ErrWrongDirection, func() *apperrors.AppError { return apperrors.NewInvalidInputError("transport direction mismatch") }, reasonWrongDirection},
	{domain.ErrConsumeTimeout, func() *apperrors.AppError { return apperrors.NewTimeoutError("consume") }, reasonConsumeTimeout},
	{domain.ErrMediaEngineFailure, func() *apperrors.AppError { return apperrors.NewInternalError("media engine failure") }, reasonEngineFailure},
	{services.ErrUnauthorized, func() *apperrors.AppError { return apperrors.NewForbiddenError("room access denied") }, reasonRoomAccess},
}

// toAppError converts a handler error into the outward error shape. Messages
// of internal failures are not exposed.
func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	var verr *validation.Error
	if errors.As(err, &verr) {
		fields := make([]string, len(verr.Fields))
		for i, f := range verr.Fields {
			fields[i] = f.Field
		}
		return apperrors.NewInvalidInputError(verr.Error()).
			WithCause(err).
			WithContext("reason", reasonMalformed).
			WithContext("fields", fields)
	}
	if errors.Is(err, domain.ErrMalformed) || errors.Is(err, validation.ErrInvalid) {
		return apperrors.NewInvalidInputError(err.Error()).
			WithCause(err).
			WithContext("reason", reasonMalformed)
	}

	for _, rule := range errorRules {
		if !errors.Is(err, rule.target) {
			continue
		}
		appErr := rule.build().WithCause(err).WithContext("reason", rule.reason)
		var busy *domain.ScreenShareBusyError
		if errors.As(err, &busy) {
			appErr.WithContext("holder", busy.Holder)
		}
		return appErr
	}

	if errors.Is(err, context.Canceled) {
		return apperrors.NewAppError(apperrors.ErrCodeServiceUnavailable, "request cancelled", http.StatusServiceUnavailable).
			WithCause(err).
			WithContext("reason", reasonCancelled)
	}
	return apperrors.NewInternalError("internal error").WithCause(err)
}

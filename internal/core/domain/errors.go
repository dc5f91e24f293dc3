package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrPeerNotFound      = errors.New("peer not found")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")

	ErrScreenShareBusy = errors.New("screen share already in progress")

	ErrSelfConsumption = errors.New("cannot consume own producer")
	ErrSelfCall        = errors.New("call has no participant other than the initiator")
	ErrAlreadyJoined   = errors.New("connection already joined the room")
	ErrWrongDirection  = errors.New("transport direction does not allow this operation")
	ErrMalformed       = errors.New("malformed request")

	ErrConsumeTimeout = errors.New("consume timed out")

	ErrMediaEngineFailure = errors.New("media engine failure")
)

var ErrUserOffline = errors.New("user offline")

// ScreenShareBusyError is returned when another user already holds the screen.
type ScreenShareBusyError struct {
	Holder UserID
}

func (e *ScreenShareBusyError) Error() string {
	return fmt.Sprintf("%s: held by %s", ErrScreenShareBusy, e.Holder)
}

func (e *ScreenShareBusyError) Unwrap() error {
	return ErrScreenShareBusy
}

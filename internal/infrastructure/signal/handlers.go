package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
)

type handlerFunc func(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error)

func (s *Server) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		TypeJoin:             s.join,
		TypeGetRoomState:     s.getRoomState,
		TypeCreateTransport:  s.createTransport,
		TypeConnectTransport: s.connectTransport,
		TypeProduce:          s.produce,
		TypeCloseProducer:    s.closeProducer,
		TypeConsume:          s.consume,
		TypeResumeConsumer:   s.resumeConsumer,
		TypeStartScreenShare: s.startScreenShare,
		TypeStopScreenShare:  s.stopScreenShare,
		TypeLeaveRoom:        s.leaveRoom,
		TypeMeetingRequest:   s.meetingRequest,
		TypeAcceptMeeting:    s.acceptMeeting,
		TypeRejectMeeting:    s.rejectMeeting,
	}
}

// bind decodes and validates a request payload.
func bind[T any](s *Server, raw json.RawMessage) (T, error) {
	var req T
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	if err := s.validate.Struct(&req); err != nil {
		return req, err
	}
	return req, nil
}

// identity resolves the acting user: the authenticated or previously
// adopted identity wins over one claimed in the payload.
func identity(c *client, claimed domain.UserID) (domain.UserID, error) {
	if userID := c.user(); userID != "" {
		return userID, nil
	}
	if claimed == "" {
		return "", fmt.Errorf("%w: user_id is required", domain.ErrMalformed)
	}
	return claimed, nil
}

func (s *Server) join(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	req, err := bind[joinRequest](s, raw)
	if err != nil {
		return nil, err
	}
	userID, err := identity(c, req.UserID)
	if err != nil {
		return nil, err
	}
	if s.auth != nil {
		if err := s.auth.CheckRoomAccess(c.claims, req.RoomID); err != nil {
			return nil, err
		}
	}

	result, err := s.conference.Join(ctx, c.id, req.RoomID, userID)
	if err != nil {
		return nil, err
	}
	c.adopt(userID)
	return joinReply{RoomID: result.RoomID, RTPCapabilities: result.RTPCapabilities}, nil
}

func (s *Server) getRoomState(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	req, err := bind[roomRequest](s, raw)
	if err != nil {
		return nil, err
	}
	return s.conference.GetRoomState(ctx, c.id, req.RoomID)
}

func (s *Server) createTransport(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	req, err := bind[createTransportRequest](s, raw)
	if err != nil {
		return nil, err
	}
	params, err := s.conference.CreateTransport(ctx, c.id, req.RoomID, req.Direction)
	if err != nil {
		return nil, err
	}
	return transportReply{TransportID: params.ID, Parameters: params.Parameters}, nil
}

func (s *Server) connectTransport(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	req, err := bind[connectTransportRequest](s, raw)
	if err != nil {
		return nil, err
	}
	local, err := s.conference.ConnectTransport(ctx, c.id, req.RoomID, req.TransportID, req.Parameters)
	if err != nil {
		return nil, err
	}
	return transportReply{TransportID: req.TransportID, Parameters: local}, nil
}

func (s *Server) produce(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	req, err := bind[produceRequest](s, raw)
	if err != nil {
		return nil, err
	}
	id, err := s.conference.Produce(ctx, c.id, req.RoomID, req.TransportID, ports.ProduceParams{
		Kind:          req.Kind,
		Tag:           req.Tag,
		RTPParameters: req.RTPParameters,
	})
	if err != nil {
		return nil, err
	}
	return producerReply{ProducerID: id}, nil
}

func (s *Server) closeProducer(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	req, err := bind[producerRequest](s, raw)
	if err != nil {
		return nil, err
	}
	if err := s.conference.CloseProducer(ctx, c.id, req.RoomID, req.ProducerID); err != nil {
		return nil, err
	}
	return producerReply{ProducerID: req.ProducerID}, nil
}

func (s *Server) consume(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	req, err := bind[consumeRequest](s, raw)
	if err != nil {
		return nil, err
	}
	params, err := s.conference.Consume(ctx, c.id, req.RoomID, req.TransportID, req.ProducerID, req.RTPCapabilities)
	if err != nil {
		return nil, err
	}
	return consumeReply{
		ConsumerID: params.ID,
		ProducerID: params.ProducerID,
		Kind:       params.Kind,
		Parameters: params.Parameters,
	}, nil
}

func (s *Server) resumeConsumer(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	req, err := bind[consumerRequest](s, raw)
	if err != nil {
		return nil, err
	}
	if err := s.conference.ResumeConsumer(ctx, c.id, req.RoomID, req.ConsumerID); err != nil {
		return nil, err
	}
	return consumerReply{ConsumerID: req.ConsumerID}, nil
}

func (s *Server) startScreenShare(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	req, err := bind[roomRequest](s, raw)
	if err != nil {
		return nil, err
	}
	if err := s.conference.StartScreenShare(ctx, c.id, req.RoomID); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Server) stopScreenShare(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	req, err := bind[roomRequest](s, raw)
	if err != nil {
		return nil, err
	}
	if err := s.conference.StopScreenShare(ctx, c.id, req.RoomID); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Server) leaveRoom(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	req, err := bind[roomRequest](s, raw)
	if err != nil {
		return nil, err
	}
	if err := s.conference.LeaveRoom(ctx, c.id, req.RoomID); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Server) meetingRequest(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	req, err := bind[meetingRequest](s, raw)
	if err != nil {
		return nil, err
	}
	initiator, err := identity(c, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.calls.Request(ctx, req.MeetingID, initiator, req.Participants); err != nil {
		return nil, err
	}
	return meetingReply{MeetingID: req.MeetingID}, nil
}

func (s *Server) acceptMeeting(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	req, err := bind[meetingRequest](s, raw)
	if err != nil {
		return nil, err
	}
	accepter, err := identity(c, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.calls.Accept(ctx, req.MeetingID, req.Participants, accepter); err != nil {
		return nil, err
	}
	return meetingReply{MeetingID: req.MeetingID}, nil
}

func (s *Server) rejectMeeting(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	req, err := bind[meetingRequest](s, raw)
	if err != nil {
		return nil, err
	}
	rejecter, err := identity(c, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.calls.Reject(ctx, req.MeetingID, req.Participants, rejecter); err != nil {
		return nil, err
	}
	return meetingReply{MeetingID: req.MeetingID}, nil
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
)

const (
	DefaultConsumeTimeout = 10 * time.Second
	releaseTimeout        = 5 * time.Second
	joinAttempts          = 3
)

// ConferenceService orchestrates rooms, peers and their media resources.
type ConferenceService struct {
	registry *RoomRegistry
	engine   ports.MediaEngine
	notifier ports.Notifier
	presence ports.PresenceService
	metrics  ports.MetricsCollector
	sessions *sessionTable
	logger   *zap.SugaredLogger
	now      func() time.Time

	consumeTimeout time.Duration
}

var _ ports.ConferenceService = (*ConferenceService)(nil)

func NewConferenceService(
	registry *RoomRegistry,
	engine ports.MediaEngine,
	notifier ports.Notifier,
	presence ports.PresenceService,
	metrics ports.MetricsCollector,
	consumeTimeout time.Duration,
	logger *zap.SugaredLogger,
) *ConferenceService {
	if consumeTimeout <= 0 {
		consumeTimeout = DefaultConsumeTimeout
	}
	return &ConferenceService{
		registry:       registry,
		engine:         engine,
		notifier:       notifier,
		presence:       presence,
		metrics:        metricsOrNop(metrics),
		sessions:       newSessionTable(),
		logger:         loggerOrNop(logger),
		now:            time.Now,
		consumeTimeout: consumeTimeout,
	}
}

func engineFailure(op string, err error) error {
	if errors.Is(err, domain.ErrMediaEngineFailure) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrMediaEngineFailure, err)
}

// releaseContext detaches cleanup work from a request that may already be cancelled.
func releaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
}

func (s *ConferenceService) notifyAll(conns []domain.ConnectionID, event domain.Event) {
	for _, connID := range conns {
		s.notifier.Notify(connID, event)
	}
}

func (s *ConferenceService) Connect(ctx context.Context, connID domain.ConnectionID, userID domain.UserID) error {
	if err := s.sessions.open(connID, userID); err != nil {
		return err
	}
	s.logger.Debugw("connection opened", "connection_id", connID, "user_id", userID)

	if userID == "" {
		return s.presence.Publish(ctx)
	}
	return s.presence.Register(ctx, userID, connID)
}

func (s *ConferenceService) Disconnect(ctx context.Context, connID domain.ConnectionID) {
	userID, rooms, ok := s.sessions.close(connID)
	if !ok {
		return
	}
	for _, roomID := range rooms {
		s.cleanupPeer(ctx, roomID, connID)
	}

	var err error
	if userID == "" {
		err = s.presence.Publish(ctx)
	} else {
		err = s.presence.Unregister(ctx, userID, connID)
	}
	if err != nil {
		s.logger.Warnw("failed to update presence on disconnect",
			"connection_id", connID,
			"user_id", userID,
			"error", err,
		)
	}
	s.logger.Debugw("connection closed", "connection_id", connID, "rooms", len(rooms))
}

func (s *ConferenceService) Join(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, userID domain.UserID) (*ports.JoinResult, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: room id is required", domain.ErrMalformed)
	}
	known, ok := s.sessions.user(connID)
	if !ok {
		return nil, domain.ErrPeerNotFound
	}
	userID = s.sessions.adopt(connID, userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrMalformed)
	}
	if known == "" {
		if err := s.presence.Register(ctx, userID, connID); err != nil {
			s.logger.Warnw("failed to register presence", "user_id", userID, "error", err)
		}
	}

	for attempt := 0; attempt < joinAttempts; attempt++ {
		entry, err := s.registry.GetOrCreate(ctx, roomID)
		if err != nil {
			return nil, err
		}

		var result *ports.JoinResult
		err = entry.do(func(room *domain.Room) error {
			if !s.sessions.addRoom(connID, roomID) {
				return domain.ErrPeerNotFound
			}
			peer, err := room.AddPeer(connID, userID, s.now())
			if err != nil {
				return err
			}

			// The newcomer's snapshot is queued before anyone else hears of it.
			s.notifier.Notify(connID, domain.Event{
				Type:    domain.EventRoomSnapshot,
				Payload: room.Snapshot(connID),
			})
			s.notifyAll(room.Members(connID), domain.Event{
				Type:    domain.EventNewPeer,
				Payload: domain.NewPeerEvent{RoomID: roomID, PeerInfo: peer.Info()},
			})

			result = &ports.JoinResult{RoomID: roomID, RTPCapabilities: room.Router.Capabilities}
			return nil
		})
		if errors.Is(err, domain.ErrRoomNotFound) {
			// Destroyed between lookup and lock; a fresh room will be created.
			continue
		}
		if err != nil {
			return nil, err
		}

		s.metrics.PeerJoined()
		s.logger.Infow("peer joined",
			"room_id", roomID,
			"connection_id", connID,
			"user_id", userID,
		)
		return result, nil
	}
	return nil, domain.ErrRoomNotFound
}

func (s *ConferenceService) GetRoomState(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID) (*domain.RoomSnapshot, error) {
	var snap domain.RoomSnapshot
	err := s.registry.withRoom(roomID, func(room *domain.Room) error {
		if _, err := room.Peer(connID); err != nil {
			return err
		}
		snap = room.Snapshot(connID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *ConferenceService) CreateTransport(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, direction domain.Direction) (*ports.TransportParams, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("%w: unknown direction %q", domain.ErrMalformed, direction)
	}

	var routerID string
	err := s.registry.withRoom(roomID, func(room *domain.Room) error {
		if _, err := room.Peer(connID); err != nil {
			return err
		}
		routerID = room.Router.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	params, err := s.engine.CreateTransport(ctx, routerID, direction)
	if err != nil {
		return nil, engineFailure("create transport", err)
	}

	err = s.registry.withRoom(roomID, func(room *domain.Room) error {
		return room.AddTransport(&domain.Transport{
			ID:         params.ID,
			Owner:      connID,
			Direction:  direction,
			Parameters: params.Parameters,
		})
	})
	if err != nil {
		s.closeTransports(ctx, []domain.TransportID{params.ID})
		return nil, err
	}

	s.logger.Debugw("transport created",
		"room_id", roomID,
		"connection_id", connID,
		"transport_id", params.ID,
		"direction", direction,
	)
	return params, nil
}

func (s *ConferenceService) ConnectTransport(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, transportID domain.TransportID, remote json.RawMessage) (json.RawMessage, error) {
	if len(remote) == 0 {
		return nil, fmt.Errorf("%w: transport parameters are required", domain.ErrMalformed)
	}
	err := s.registry.withRoom(roomID, func(room *domain.Room) error {
		_, err := room.OwnedTransport(connID, transportID)
		return err
	})
	if err != nil {
		return nil, err
	}

	local, err := s.engine.ConnectTransport(ctx, transportID, remote)
	if err != nil {
		return nil, engineFailure("connect transport", err)
	}

	err = s.registry.withRoom(roomID, func(room *domain.Room) error {
		transport, err := room.OwnedTransport(connID, transportID)
		if err != nil {
			return err
		}
		transport.Connected = true
		peer, _ := room.Peer(connID)
		peer.State = domain.PeerReady
		return nil
	})
	if err != nil {
		return nil, err
	}
	return local, nil
}

func (s *ConferenceService) Produce(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, transportID domain.TransportID, params ports.ProduceParams) (domain.ProducerID, error) {
	if !params.Kind.Valid() {
		return "", fmt.Errorf("%w: unknown media kind %q", domain.ErrMalformed, params.Kind)
	}
	if params.Tag == "" {
		params.Tag = defaultTag(params.Kind)
	}

	var userID domain.UserID
	err := s.registry.withRoom(roomID, func(room *domain.Room) error {
		peer, err := room.Peer(connID)
		if err != nil {
			return err
		}
		transport, err := room.OwnedTransport(connID, transportID)
		if err != nil {
			return err
		}
		if transport.Direction != domain.DirectionSend {
			return domain.ErrWrongDirection
		}
		if params.Tag.IsScreenShare() && room.ScreenSharer != "" && room.ScreenSharer != peer.UserID {
			s.metrics.ScreenShareDenied()
			return &domain.ScreenShareBusyError{Holder: room.ScreenSharer}
		}
		userID = peer.UserID
		return nil
	})
	if err != nil {
		return "", err
	}

	producerID, err := s.engine.Produce(ctx, transportID, params)
	if err != nil {
		return "", engineFailure("produce", err)
	}

	producer := &domain.Producer{
		ID:          producerID,
		Owner:       connID,
		UserID:      userID,
		TransportID: transportID,
		Kind:        params.Kind,
		Tag:         params.Tag,
	}
	err = s.registry.withRoom(roomID, func(room *domain.Room) error {
		// The owner may have left while the engine call was running.
		if err := room.AddProducer(producer); err != nil {
			return err
		}
		if producer.Tag.IsScreenShare() {
			claimed := room.ScreenSharer == ""
			if err := room.ClaimScreenShare(userID); err != nil {
				room.RemoveProducer(producerID)
				s.metrics.ScreenShareDenied()
				return err
			}
			if claimed {
				s.notifyAll(room.Members(""), domain.Event{
					Type:    domain.EventScreenShareStarted,
					Payload: domain.ScreenShareEvent{RoomID: roomID, UserID: userID},
				})
			}
		}
		if peer, err := room.Peer(connID); err == nil {
			peer.State = domain.PeerReady
		}
		s.notifyAll(room.Members(connID), domain.Event{
			Type:    domain.EventNewProducer,
			Payload: domain.NewProducerEvent{RoomID: roomID, ProducerInfo: producer.Info()},
		})
		return nil
	})
	if err != nil {
		rctx, cancel := releaseContext(ctx)
		defer cancel()
		if closeErr := s.engine.CloseProducer(rctx, producerID); closeErr != nil {
			s.logger.Warnw("failed to release orphaned producer", "producer_id", producerID, "error", closeErr)
		}
		return "", err
	}

	s.metrics.ProducerOpened(producer.Kind)
	s.logger.Infow("producer created",
		"room_id", roomID,
		"connection_id", connID,
		"producer_id", producerID,
		"kind", producer.Kind,
		"media_tag", producer.Tag,
	)
	return producerID, nil
}

func defaultTag(kind domain.MediaKind) domain.MediaTag {
	if kind == domain.KindAudio {
		return domain.TagMicrophone
	}
	return domain.TagCamera
}

func (s *ConferenceService) CloseProducer(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, producerID domain.ProducerID) error {
	var teardown *domain.ProducerTeardown
	err := s.registry.withRoom(roomID, func(room *domain.Room) error {
		producer, err := room.Producer(producerID)
		if err != nil {
			return err
		}
		if producer.Owner != connID {
			return domain.ErrProducerNotFound
		}
		teardown = s.removeProducerLocked(room, producerID)
		return nil
	})
	if err != nil {
		return err
	}

	var r release
	r.addTeardown(teardown)
	s.release(ctx, r)
	return nil
}

// removeProducerLocked drops the producer with its consumers and tells the
// rest of the room. The room lock must be held.
func (s *ConferenceService) removeProducerLocked(room *domain.Room, producerID domain.ProducerID) *domain.ProducerTeardown {
	teardown, ok := room.RemoveProducer(producerID)
	if !ok {
		return nil
	}
	producer := teardown.Producer

	s.notifyAll(room.Members(producer.Owner), domain.Event{
		Type: domain.EventProducerClosed,
		Payload: domain.ProducerClosedEvent{
			RoomID:       room.ID,
			ProducerID:   producer.ID,
			ConnectionID: producer.Owner,
		},
	})
	if producer.Tag.IsScreenShare() && room.ReleaseScreenShare(producer.UserID) {
		s.notifyAll(room.Members(""), domain.Event{
			Type:    domain.EventScreenShareStopped,
			Payload: domain.ScreenShareEvent{RoomID: room.ID, UserID: producer.UserID},
		})
	}
	return teardown
}

func (s *ConferenceService) Consume(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*ports.ConsumerParams, error) {
	var kind domain.MediaKind
	err := s.registry.withRoom(roomID, func(room *domain.Room) error {
		transport, err := room.OwnedTransport(connID, transportID)
		if err != nil {
			return err
		}
		if transport.Direction != domain.DirectionReceive {
			return domain.ErrWrongDirection
		}
		producer, err := room.Producer(producerID)
		if err != nil {
			return err
		}
		if producer.Owner == connID {
			return domain.ErrSelfConsumption
		}
		kind = producer.Kind
		return nil
	})
	if err != nil {
		return nil, err
	}

	params, err := s.awaitConsume(ctx, transportID, producerID, rtpCapabilities)
	if err != nil {
		return nil, err
	}
	if params.Kind == "" {
		params.Kind = kind
	}
	params.ProducerID = producerID

	err = s.registry.withRoom(roomID, func(room *domain.Room) error {
		return room.AddConsumer(&domain.Consumer{
			ID:          params.ID,
			Owner:       connID,
			ProducerID:  producerID,
			TransportID: transportID,
			Kind:        params.Kind,
			Paused:      true,
			Parameters:  params.Parameters,
		})
	})
	if err != nil {
		s.discardConsumer(ctx, params.ID)
		return nil, err
	}

	s.metrics.ConsumerOpened()
	s.logger.Debugw("consumer created",
		"room_id", roomID,
		"connection_id", connID,
		"consumer_id", params.ID,
		"producer_id", producerID,
	)
	return params, nil
}

type consumeResult struct {
	params *ports.ConsumerParams
	err    error
}

// awaitConsume bounds the engine call by the consume timeout. A consumer that
// arrives after the deadline is closed as soon as it shows up.
func (s *ConferenceService) awaitConsume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, caps json.RawMessage) (*ports.ConsumerParams, error) {
	cctx, cancel := context.WithTimeout(ctx, s.consumeTimeout)
	defer cancel()

	done := make(chan consumeResult, 1)
	go func() {
		params, err := s.engine.Consume(cctx, transportID, producerID, caps)
		done <- consumeResult{params: params, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
				s.metrics.ConsumeTimedOut()
				return nil, domain.ErrConsumeTimeout
			}
			return nil, engineFailure("consume", res.err)
		}
		return res.params, nil
	case <-cctx.Done():
		go func() {
			res := <-done
			if res.err == nil && res.params != nil {
				s.discardConsumer(ctx, res.params.ID)
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.metrics.ConsumeTimedOut()
		s.logger.Warnw("consume timed out",
			"transport_id", transportID,
			"producer_id", producerID,
			"timeout", s.consumeTimeout,
		)
		return nil, domain.ErrConsumeTimeout
	}
}

func (s *ConferenceService) ResumeConsumer(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, consumerID domain.ConsumerID) error {
	err := s.registry.withRoom(roomID, func(room *domain.Room) error {
		_, err := room.OwnedConsumer(connID, consumerID)
		return err
	})
	if err != nil {
		return err
	}

	if err := s.engine.ResumeConsumer(ctx, consumerID); err != nil {
		return engineFailure("resume consumer", err)
	}

	return s.registry.withRoom(roomID, func(room *domain.Room) error {
		consumer, err := room.OwnedConsumer(connID, consumerID)
		if err != nil {
			return err
		}
		consumer.Paused = false
		return nil
	})
}

// HandleRouterFailure tears a room down after its routing context died.
func (s *ConferenceService) HandleRouterFailure(roomID domain.RoomID, cause error) {
	room, ok := s.registry.Terminate(roomID)
	if !ok {
		return
	}
	s.logger.Errorw("router failed, closing room", "room_id", roomID, "error", cause)

	var r release
	for _, connID := range room.Members("") {
		s.notifier.Notify(connID, domain.Event{
			Type:    domain.EventRoomClosed,
			Payload: domain.RoomClosedEvent{RoomID: roomID, Reason: "media router failure"},
		})
		s.sessions.removeRoom(connID, roomID)
		s.metrics.PeerLeft()
	}
	for id := range room.Transports {
		r.transports = append(r.transports, id)
	}
	for _, producer := range room.Producers {
		r.producers = append(r.producers, producer)
	}
	for id := range room.Consumers {
		r.consumers = append(r.consumers, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	s.release(ctx, r)
	s.registry.closeRouter(ctx, room, "router failure")
}

// SweepIdleRooms destroys rooms that were accepted but never joined.
func (s *ConferenceService) SweepIdleRooms(ctx context.Context, olderThan time.Duration) int {
	return s.registry.SweepIdle(ctx, olderThan)
}

// Shutdown destroys every room and forgets every connection.
func (s *ConferenceService) Shutdown(ctx context.Context) error {
	s.registry.Close(ctx)
	return s.presence.Clear(ctx)
}

// Connections reports the number of open connections.
func (s *ConferenceService) Connections() int {
	return s.sessions.len()
}

package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
)

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// AnnouncedIPs replace host candidates when the server sits behind NAT.
	AnnouncedIPs []string
}

var errClosed = errors.New("media engine closed")

// SFU is a pion-based selective forwarding unit. A router is a webrtc.API
// with the room's codecs; each transport is one PeerConnection.
type SFU struct {
	config WebRTCConfig
	codecs []Codec
	logger *zap.SugaredLogger

	mu         sync.RWMutex
	closed     bool
	routers    map[string]*router
	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*producer
	consumers  map[domain.ConsumerID]*consumer
	onFailure  func(domain.RoomID, error)
}

type router struct {
	id         string
	roomID     domain.RoomID
	api        *webrtc.API
	transports map[domain.TransportID]struct{}
}

type transport struct {
	id        domain.TransportID
	routerID  string
	direction domain.Direction
	pc        *webrtc.PeerConnection

	mu sync.Mutex
	// remotes holds tracks that arrived before a producer claimed them.
	remotes map[string]*webrtc.TrackRemote
	// pending maps a claimed track id to its producer.
	pending map[string]*producer
}

type producer struct {
	id          domain.ProducerID
	transportID domain.TransportID
	kind        domain.MediaKind
	trackID     string

	mu        sync.RWMutex
	remote    *webrtc.TrackRemote
	consumers map[domain.ConsumerID]*consumer
	done      chan struct{}
	closeOnce sync.Once
}

type consumer struct {
	id          domain.ConsumerID
	producerID  domain.ProducerID
	transportID domain.TransportID
	track       *webrtc.TrackLocalStaticRTP
	sender      *webrtc.RTPSender
	gate        *keyframeGate
}

// producerParams is what clients send as rtp_parameters when producing.
type producerParams struct {
	TrackID string `json:"track_id"`
}

// NewSFU creates a new SFU
func NewSFU(config WebRTCConfig, logger *zap.SugaredLogger) *SFU {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SFU{
		config:     config,
		codecs:     DefaultCodecs(),
		logger:     logger,
		routers:    make(map[string]*router),
		transports: make(map[domain.TransportID]*transport),
		producers:  make(map[domain.ProducerID]*producer),
		consumers:  make(map[domain.ConsumerID]*consumer),
	}
}

var _ ports.MediaEngine = (*SFU)(nil)

func (s *SFU) OnRouterFailure(handler func(roomID domain.RoomID, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = handler
}

// CreateRouter builds the room's API with its codec set and port range.
func (s *SFU) CreateRouter(ctx context.Context, roomID domain.RoomID) (domain.Router, error) {
	mediaEngine := &webrtc.MediaEngine{}
	for _, codec := range s.codecs {
		err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: codec.capability(),
			PayloadType:        webrtc.PayloadType(codec.PayloadType),
		}, codec.codecType())
		if err != nil {
			return domain.Router{}, fmt.Errorf("register codec %s: %w", codec.MimeType, err)
		}
	}

	settingEngine := webrtc.SettingEngine{}
	if s.config.PortRange.Min > 0 && s.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(s.config.PortRange.Min, s.config.PortRange.Max); err != nil {
			return domain.Router{}, fmt.Errorf("set port range: %w", err)
		}
	}
	if len(s.config.AnnouncedIPs) > 0 {
		settingEngine.SetNAT1To1IPs(s.config.AnnouncedIPs, webrtc.ICECandidateTypeHost)
	}

	r := &router{
		id:         uuid.NewString(),
		roomID:     roomID,
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		transports: make(map[domain.TransportID]struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Router{}, errClosed
	}
	s.routers[r.id] = r

	s.logger.Infow("router created", "room_id", roomID, "router_id", r.id)
	return domain.Router{ID: r.id, Capabilities: MarshalCapabilities(s.codecs)}, nil
}

func (s *SFU) CloseRouter(ctx context.Context, routerID string) error {
	s.mu.Lock()
	r, exists := s.routers[routerID]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.routers, routerID)
	ids := make([]domain.TransportID, 0, len(r.transports))
	for id := range r.transports {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.CloseTransport(ctx, id); err != nil {
			s.logger.Warnw("failed to close transport with router",
				"router_id", routerID,
				"transport_id", id,
				"error", err,
			)
		}
	}
	return nil
}

func (s *SFU) CreateTransport(ctx context.Context, routerID string, direction domain.Direction) (*ports.TransportParams, error) {
	s.mu.RLock()
	r, exists := s.routers[routerID]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("router %s: %w", routerID, domain.ErrRoomNotFound)
	}

	pc, err := r.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   s.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		s.failRouter(r, err)
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &transport{
		id:        domain.TransportID(uuid.NewString()),
		routerID:  routerID,
		direction: direction,
		pc:        pc,
		remotes:   make(map[string]*webrtc.TrackRemote),
		pending:   make(map[string]*producer),
	}
	if direction == domain.DirectionSend {
		pc.OnTrack(s.handleRemoteTrack(t))
	}
	pc.OnConnectionStateChange(s.handleConnectionState(t))

	s.mu.Lock()
	if _, stillOpen := s.routers[routerID]; !stillOpen {
		s.mu.Unlock()
		_ = pc.Close()
		return nil, fmt.Errorf("router %s: %w", routerID, domain.ErrRoomNotFound)
	}
	s.transports[t.id] = t
	r.transports[t.id] = struct{}{}
	s.mu.Unlock()

	params, err := json.Marshal(map[string]interface{}{
		"id":          t.id,
		"direction":   direction,
		"ice_servers": s.config.ICEServers,
	})
	if err != nil {
		_ = s.CloseTransport(ctx, t.id)
		return nil, err
	}
	return &ports.TransportParams{ID: t.id, Parameters: params}, nil
}

// ConnectTransport applies a remote session description. An offer is
// answered; an answer to a server offer completes renegotiation.
func (s *SFU) ConnectTransport(ctx context.Context, transportID domain.TransportID, remote json.RawMessage) (json.RawMessage, error) {
	t, err := s.transport(transportID)
	if err != nil {
		return nil, err
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(remote, &desc); err != nil {
		return nil, fmt.Errorf("%w: session description: %v", domain.ErrMalformed, err)
	}

	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return json.RawMessage(`{}`), nil
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(t.pc.LocalDescription())
}

func (s *SFU) CloseTransport(ctx context.Context, transportID domain.TransportID) error {
	s.mu.Lock()
	t, exists := s.transports[transportID]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.transports, transportID)
	if r, ok := s.routers[t.routerID]; ok {
		delete(r.transports, transportID)
	}

	var producers []domain.ProducerID
	for id, p := range s.producers {
		if p.transportID == transportID {
			producers = append(producers, id)
		}
	}
	var consumers []domain.ConsumerID
	for id, c := range s.consumers {
		if c.transportID == transportID {
			consumers = append(consumers, id)
		}
	}
	s.mu.Unlock()

	for _, id := range producers {
		_ = s.CloseProducer(ctx, id)
	}
	for _, id := range consumers {
		_ = s.CloseConsumer(ctx, id)
	}
	if err := t.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

// Produce registers a producer for the track named in rtp parameters. The
// track may arrive before or after this call.
func (s *SFU) Produce(ctx context.Context, transportID domain.TransportID, params ports.ProduceParams) (domain.ProducerID, error) {
	t, err := s.transport(transportID)
	if err != nil {
		return "", err
	}
	if t.direction != domain.DirectionSend {
		return "", domain.ErrWrongDirection
	}
	if _, ok := codecFor(s.codecs, params.Kind); !ok {
		return "", fmt.Errorf("%w: unsupported kind %s", domain.ErrMalformed, params.Kind)
	}

	var rtpParams producerParams
	if len(params.RTPParameters) > 0 {
		if err := json.Unmarshal(params.RTPParameters, &rtpParams); err != nil {
			return "", fmt.Errorf("%w: rtp parameters: %v", domain.ErrMalformed, err)
		}
	}
	if rtpParams.TrackID == "" {
		return "", fmt.Errorf("%w: rtp parameters carry no track_id", domain.ErrMalformed)
	}

	p := &producer{
		id:          domain.ProducerID(uuid.NewString()),
		transportID: transportID,
		kind:        params.Kind,
		trackID:     rtpParams.TrackID,
		consumers:   make(map[domain.ConsumerID]*consumer),
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	if _, open := s.transports[transportID]; !open {
		s.mu.Unlock()
		return "", domain.ErrTransportNotFound
	}
	s.producers[p.id] = p
	s.mu.Unlock()

	t.mu.Lock()
	remote, arrived := t.remotes[p.trackID]
	if arrived {
		delete(t.remotes, p.trackID)
	} else {
		t.pending[p.trackID] = p
	}
	t.mu.Unlock()

	if arrived {
		s.bind(p, remote)
	}
	return p.id, nil
}

func (s *SFU) CloseProducer(ctx context.Context, producerID domain.ProducerID) error {
	s.mu.Lock()
	p, exists := s.producers[producerID]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.producers, producerID)
	t := s.transports[p.transportID]
	s.mu.Unlock()

	if t != nil {
		t.mu.Lock()
		if t.pending[p.trackID] == p {
			delete(t.pending, p.trackID)
		}
		t.mu.Unlock()
	}
	p.closeOnce.Do(func() { close(p.done) })

	p.mu.RLock()
	consumers := make([]domain.ConsumerID, 0, len(p.consumers))
	for id := range p.consumers {
		consumers = append(consumers, id)
	}
	p.mu.RUnlock()
	for _, id := range consumers {
		_ = s.CloseConsumer(ctx, id)
	}
	return nil
}

// Consume adds a paused outbound track on the receive transport and returns
// the server offer the client must answer through ConnectTransport.
func (s *SFU) Consume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*ports.ConsumerParams, error) {
	t, err := s.transport(transportID)
	if err != nil {
		return nil, err
	}
	if t.direction != domain.DirectionReceive {
		return nil, domain.ErrWrongDirection
	}

	s.mu.RLock()
	p, exists := s.producers[producerID]
	s.mu.RUnlock()
	if !exists {
		return nil, domain.ErrProducerNotFound
	}

	caps, err := ParseCapabilities(rtpCapabilities)
	if err != nil {
		return nil, err
	}
	if !caps.Supports(p.kind) {
		return nil, fmt.Errorf("%w: client cannot receive %s", domain.ErrMalformed, p.kind)
	}
	codec, _ := codecFor(s.codecs, p.kind)

	id := domain.ConsumerID(uuid.NewString())
	track, err := webrtc.NewTrackLocalStaticRTP(codec.capability(), string(id), string(producerID))
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	c := &consumer{
		id:          id,
		producerID:  producerID,
		transportID: transportID,
		track:       track,
		sender:      sender,
		gate:        newKeyframeGate(p.kind == domain.KindVideo),
	}

	offer, err := t.pc.CreateOffer(nil)
	if err == nil {
		err = t.pc.SetLocalDescription(offer)
	}
	if err != nil {
		_ = t.pc.RemoveTrack(sender)
		return nil, fmt.Errorf("renegotiate: %w", err)
	}

	s.mu.Lock()
	if _, live := s.producers[producerID]; !live {
		s.mu.Unlock()
		_ = t.pc.RemoveTrack(sender)
		return nil, domain.ErrProducerNotFound
	}
	s.consumers[id] = c
	s.mu.Unlock()

	p.mu.Lock()
	p.consumers[id] = c
	p.mu.Unlock()

	go s.readConsumerRTCP(c, p)

	parameters, err := json.Marshal(map[string]interface{}{
		"track_id":  track.ID(),
		"stream_id": track.StreamID(),
		"codec":     codec,
		"offer":     t.pc.LocalDescription(),
	})
	if err != nil {
		_ = s.CloseConsumer(ctx, id)
		return nil, err
	}
	return &ports.ConsumerParams{
		ID:         id,
		ProducerID: producerID,
		Kind:       p.kind,
		Parameters: parameters,
	}, nil
}

// ResumeConsumer starts forwarding and asks the source for a keyframe.
func (s *SFU) ResumeConsumer(ctx context.Context, consumerID domain.ConsumerID) error {
	s.mu.RLock()
	c, exists := s.consumers[consumerID]
	var p *producer
	if exists {
		p = s.producers[c.producerID]
	}
	s.mu.RUnlock()
	if !exists {
		return domain.ErrConsumerNotFound
	}

	c.gate.resume()
	if p != nil {
		s.requestKeyframe(p)
	}
	return nil
}

func (s *SFU) CloseConsumer(ctx context.Context, consumerID domain.ConsumerID) error {
	s.mu.Lock()
	c, exists := s.consumers[consumerID]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.consumers, consumerID)
	p := s.producers[c.producerID]
	t := s.transports[c.transportID]
	s.mu.Unlock()

	c.gate.pause()
	if p != nil {
		p.mu.Lock()
		delete(p.consumers, consumerID)
		p.mu.Unlock()
	}
	if t != nil && t.pc.ConnectionState() != webrtc.PeerConnectionStateClosed {
		if err := t.pc.RemoveTrack(c.sender); err != nil {
			return fmt.Errorf("remove track: %w", err)
		}
	}
	return nil
}

// Close releases every router. The engine is unusable afterwards.
func (s *SFU) Close() error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.routers))
	for id := range s.routers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.CloseRouter(context.Background(), id)
	}
	return nil
}

func (s *SFU) transport(id domain.TransportID) (*transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, exists := s.transports[id]
	if !exists {
		return nil, domain.ErrTransportNotFound
	}
	return t, nil
}

func (s *SFU) failRouter(r *router, err error) {
	s.mu.RLock()
	handler := s.onFailure
	s.mu.RUnlock()

	s.logger.Errorw("router unusable", "room_id", r.roomID, "router_id", r.id, "error", err)
	if handler != nil {
		go handler(r.roomID, err)
	}
}

// handleRemoteTrack binds incoming tracks to the producer that claimed them.
func (s *SFU) handleRemoteTrack(t *transport) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.logger.Infow("remote track started",
			"transport_id", t.id,
			"track_id", remote.ID(),
			"codec", remote.Codec().MimeType,
		)
		go drainRTCP(receiver)

		t.mu.Lock()
		p, claimed := t.pending[remote.ID()]
		if claimed {
			delete(t.pending, remote.ID())
		} else {
			t.remotes[remote.ID()] = remote
		}
		t.mu.Unlock()

		if claimed {
			s.bind(p, remote)
		}
	}
}

func (s *SFU) bind(p *producer, remote *webrtc.TrackRemote) {
	p.mu.Lock()
	p.remote = remote
	p.mu.Unlock()
	go s.forward(p, remote)
}

// forward copies RTP from the producer's track to every admitted consumer.
func (s *SFU) forward(p *producer, remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	packet := &rtp.Packet{}

	for {
		select {
		case <-p.done:
			return
		default:
		}

		n, _, err := remote.Read(buf)
		if err != nil {
			s.logger.Debugw("producer track ended", "producer_id", p.id, "error", err)
			return
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			s.logger.Warnw("error unmarshaling RTP packet", "producer_id", p.id, "error", err)
			continue
		}

		p.mu.RLock()
		for _, c := range p.consumers {
			if !c.gate.admit(packet) {
				continue
			}
			if err := c.track.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debugw("error writing RTP packet",
					"consumer_id", c.id,
					"error", err,
				)
			}
		}
		p.mu.RUnlock()
	}
}

// readConsumerRTCP relays keyframe requests from a subscriber to its source.
func (s *SFU) readConsumerRTCP(c *consumer, p *producer) {
	for {
		packets, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				s.requestKeyframe(p)
			}
		}
	}
}

func (s *SFU) requestKeyframe(p *producer) {
	p.mu.RLock()
	remote := p.remote
	p.mu.RUnlock()
	if remote == nil || p.kind != domain.KindVideo {
		return
	}

	t, err := s.transport(p.transportID)
	if err != nil {
		return
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}
	if err := t.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		s.logger.Debugw("failed to send PLI", "producer_id", p.id, "error", err)
	}
}

// handleConnectionState closes transports whose connection failed.
func (s *SFU) handleConnectionState(t *transport) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		s.logger.Debugw("transport connection state changed",
			"transport_id", t.id,
			"connection_state", state,
		)
		if state == webrtc.PeerConnectionStateFailed {
			go func() {
				_ = s.CloseTransport(context.Background(), t.id)
			}()
		}
	}
}

func drainRTCP(receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}

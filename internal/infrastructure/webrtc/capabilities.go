package webrtc

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"

	"meetwire/internal/core/domain"
)

// Codec is one entry of a router's RTP capabilities.
type Codec struct {
	Kind        domain.MediaKind `json:"kind"`
	MimeType    string           `json:"mime_type"`
	ClockRate   uint32           `json:"clock_rate"`
	Channels    uint16           `json:"channels,omitempty"`
	PayloadType uint8            `json:"preferred_payload_type"`
	FmtpLine    string           `json:"fmtp_line,omitempty"`
}

// Capabilities is what clients receive as rtp_capabilities and send back
// when consuming.
type Capabilities struct {
	Codecs []Codec `json:"codecs"`
}

// DefaultCodecs are the codecs every room router offers: Opus for audio and
// VP8 for video.
func DefaultCodecs() []Codec {
	return []Codec{
		{
			Kind:        domain.KindAudio,
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			PayloadType: 111,
			FmtpLine:    "minptime=10;useinbandfec=1",
		},
		{
			Kind:        domain.KindVideo,
			MimeType:    webrtc.MimeTypeVP8,
			ClockRate:   90000,
			PayloadType: 96,
		},
	}
}

func (c Codec) capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: c.FmtpLine,
	}
}

func (c Codec) codecType() webrtc.RTPCodecType {
	if c.Kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// MarshalCapabilities renders codecs as the JSON handed to clients.
func MarshalCapabilities(codecs []Codec) json.RawMessage {
	raw, err := json.Marshal(Capabilities{Codecs: codecs})
	if err != nil {
		// Codec fields are plain values; marshalling cannot fail.
		panic(err)
	}
	return raw
}

// ParseCapabilities decodes client capabilities. Empty input means the
// client accepts whatever the router offers.
func ParseCapabilities(raw json.RawMessage) (*Capabilities, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var caps Capabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		return nil, fmt.Errorf("%w: rtp capabilities: %v", domain.ErrMalformed, err)
	}
	return &caps, nil
}

// Supports reports whether the capabilities can receive kind. A nil
// receiver accepts everything.
func (c *Capabilities) Supports(kind domain.MediaKind) bool {
	if c == nil {
		return true
	}
	for _, codec := range c.Codecs {
		if codec.Kind == kind {
			return true
		}
	}
	return false
}

// codecFor returns the router codec for kind.
func codecFor(codecs []Codec, kind domain.MediaKind) (Codec, bool) {
	for _, codec := range codecs {
		if codec.Kind == kind {
			return codec, true
		}
	}
	return Codec{}, false
}

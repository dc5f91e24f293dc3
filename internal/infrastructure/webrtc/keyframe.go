package webrtc

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

// isVP8Keyframe inspects the VP8 payload descriptor (RFC 7741) and reports
// whether the packet starts a keyframe.
func isVP8Keyframe(packet *rtp.Packet) bool {
	payload := packet.Payload
	if len(payload) == 0 {
		return false
	}

	first := payload[0]
	start := first&0x10 != 0
	partition := first & 0x07
	if !start || partition != 0 {
		return false
	}

	offset := 1
	if first&0x80 != 0 {
		if len(payload) <= offset {
			return false
		}
		ext := payload[offset]
		offset++
		if ext&0x80 != 0 { // I: picture id
			if len(payload) <= offset {
				return false
			}
			if payload[offset]&0x80 != 0 {
				offset += 2
			} else {
				offset++
			}
		}
		if ext&0x40 != 0 { // L: TL0PICIDX
			offset++
		}
		if ext&0x30 != 0 { // T or K
			offset++
		}
	}
	if len(payload) <= offset {
		return false
	}
	// P bit of the VP8 payload header is zero for keyframes.
	return payload[offset]&0x01 == 0
}

// keyframeGate holds back video after a resume until a keyframe arrives, so
// the receiver never starts decoding on a delta frame.
type keyframeGate struct {
	video   bool
	paused  atomic.Bool
	waiting atomic.Bool
}

func newKeyframeGate(video bool) *keyframeGate {
	g := &keyframeGate{video: video}
	g.paused.Store(true)
	return g
}

func (g *keyframeGate) pause() {
	g.paused.Store(true)
}

func (g *keyframeGate) resume() {
	if g.video {
		g.waiting.Store(true)
	}
	g.paused.Store(false)
}

// admit reports whether packet may be forwarded.
func (g *keyframeGate) admit(packet *rtp.Packet) bool {
	if g.paused.Load() {
		return false
	}
	if !g.waiting.Load() {
		return true
	}
	if isVP8Keyframe(packet) {
		g.waiting.Store(false)
		return true
	}
	return false
}

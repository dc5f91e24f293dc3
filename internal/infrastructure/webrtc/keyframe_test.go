package webrtc

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

func TestIsVP8Keyframe(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{"empty", nil, false},
		{"keyframe without extension", []byte{0x10, 0x00}, true},
		{"delta frame", []byte{0x10, 0x01}, false},
		{"not partition start", []byte{0x00, 0x00}, false},
		{"keyframe with short picture id", []byte{0x90, 0x80, 0x05, 0x00}, true},
		{"keyframe with long picture id", []byte{0x90, 0x80, 0x81, 0x02, 0x00}, true},
		{"delta with picture id and tl0", []byte{0x90, 0xC0, 0x05, 0x01, 0x01}, false},
		{"truncated extension", []byte{0x90}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isVP8Keyframe(&rtp.Packet{Payload: tt.payload}))
		})
	}
}

func TestKeyframeGate(t *testing.T) {
	key := &rtp.Packet{Payload: []byte{0x10, 0x00}}
	delta := &rtp.Packet{Payload: []byte{0x10, 0x01}}

	video := newKeyframeGate(true)
	assert.False(t, video.admit(key), "starts paused")

	video.resume()
	assert.False(t, video.admit(delta))
	assert.True(t, video.admit(key))
	assert.True(t, video.admit(delta))

	video.pause()
	assert.False(t, video.admit(key))

	audio := newKeyframeGate(false)
	audio.resume()
	assert.True(t, audio.admit(&rtp.Packet{Payload: []byte{0xff}}))
}

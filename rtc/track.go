package rtc

import (
	voicechat "github.com/bt-bridge/voicechat"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack adapts a pion remote track to voicechat.RemoteTrack.
type RemoteTrack struct {
	track *webrtc.TrackRemote
}

var _ voicechat.RemoteTrack = (*RemoteTrack)(nil)

func NewRemoteTrack(track *webrtc.TrackRemote) *RemoteTrack {
	return &RemoteTrack{track: track}
}

func (r *RemoteTrack) ID() string {
	return r.track.ID()
}

func (r *RemoteTrack) Kind() voicechat.TrackKind {
	return kindOf(r.track.Kind())
}

// IsLocal is always false; pion only reports tracks received from peers.
func (r *RemoteTrack) IsLocal() bool {
	return false
}

func (r *RemoteTrack) Track() *webrtc.TrackRemote {
	return r.track
}

func kindOf(k webrtc.RTPCodecType) voicechat.TrackKind {
	switch k {
	case webrtc.RTPCodecTypeAudio:
		return voicechat.TrackKindAudio
	case webrtc.RTPCodecTypeVideo:
		return voicechat.TrackKindVideo
	default:
		return voicechat.TrackKind(k.String())
	}
}

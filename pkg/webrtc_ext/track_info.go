package webrtc_ext

import (
	"github.com/pion/webrtc/v4"
)

// Basic information about a remote track, captured once at subscription time
// so the rest of the relay never touches the live track for metadata.
type TrackInfo struct {
	TrackID  string
	StreamID string
	Kind     webrtc.RTPCodecType
	Codec    webrtc.RTPCodecCapability
	SSRC     webrtc.SSRC
}

func TrackInfoFromTrack(track *webrtc.TrackRemote) TrackInfo {
	return TrackInfo{
		TrackID:  track.ID(),
		StreamID: track.StreamID(),
		Kind:     track.Kind(),
		Codec:    track.Codec().RTPCodecCapability,
		SSRC:     track.SSRC(),
	}
}

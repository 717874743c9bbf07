package webrtc_ext

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// The codec set the relay is prepared to forward. The relay never encodes or
// decodes, so "supported" only means the capability can be negotiated and the
// RTP passed through unchanged.
var (
	videoCodecs = []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP8,
				ClockRate: 90000,
			},
			PayloadType: 96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeVP9,
				ClockRate:   90000,
				SDPFmtpLine: "profile-id=0",
			},
			PayloadType: 98,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			},
			PayloadType: 102,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeAV1,
				ClockRate: 90000,
			},
			PayloadType: 45,
		},
	}

	audioCodecs = []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeG722,
				ClockRate: 8000,
			},
			PayloadType: 9,
		},
	}
)

// The capabilities outbound tracks are created with before the upstream has
// told us what it actually sends.
func DefaultVideoCapability() webrtc.RTPCodecCapability {
	return videoCodecs[0].RTPCodecCapability
}

func DefaultAudioCapability() webrtc.RTPCodecCapability {
	return audioCodecs[0].RTPCodecCapability
}

// FindCapability resolves a MIME type ("video/VP8", "audio/opus") to the
// capability the relay would negotiate for it.
func FindCapability(mimeType string) (webrtc.RTPCodecCapability, bool) {
	for _, codec := range videoCodecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return codec.RTPCodecCapability, true
		}
	}
	for _, codec := range audioCodecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return codec.RTPCodecCapability, true
		}
	}
	return webrtc.RTPCodecCapability{}, false
}

func registerCodecs(mediaEngine *webrtc.MediaEngine) error {
	for _, codec := range videoCodecs {
		if err := mediaEngine.RegisterCodec(codec, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}
	for _, codec := range audioCodecs {
		if err := mediaEngine.RegisterCodec(codec, webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}
	return nil
}

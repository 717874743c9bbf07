package webrtc_ext

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Creates Pion's WebRTC API with the relay's codec set registered and the
// default interceptor pipeline (NACK, RTCP reports) enabled. Pion's internal
// logging is routed into logrus so the whole process logs through one sink.
func createWebRTCAPI() (*webrtc.API, error) {
	return NewAPI(webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(logrus.StandardLogger()),
	})
}

// NewAPI assembles the relay's media engine and interceptor pipeline around a
// caller-provided setting engine. Virtual network tests inject an engine
// whose transport is routed through vnet.
func NewAPI(settingEngine webrtc.SettingEngine) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodecs(mediaEngine); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	// The user configurable RTP/RTCP pipeline. `webrtc.NewPeerConnection`
	// would enable it by default; with a manually managed API we must
	// create the registry ourselves.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to set default interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

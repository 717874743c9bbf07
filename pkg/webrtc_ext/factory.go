package webrtc_ext

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Peer connection factory is used to construct new (pre-configured) peer
// connections that all share one API instance.
type PeerConnectionFactory struct {
	api    *webrtc.API
	config Config
}

func NewPeerConnectionFactory(config Config) (*PeerConnectionFactory, error) {
	api, err := createWebRTCAPI()
	if err != nil {
		return nil, fmt.Errorf("failed to create WebRTC API: %w", err)
	}

	return &PeerConnectionFactory{api, config}, nil
}

// NewPeerConnectionFactoryWithAPI wraps a caller-provided API. Virtual
// network tests use it to route the factory's connections through vnet.
func NewPeerConnectionFactoryWithAPI(api *webrtc.API, config Config) *PeerConnectionFactory {
	return &PeerConnectionFactory{api, config}
}

// Creates a peer connection backed by the shared API.
func (f *PeerConnectionFactory) CreatePeerConnection() (*webrtc.PeerConnection, error) {
	configuration := webrtc.Configuration{}
	if len(f.config.STUNServers) != 0 {
		configuration.ICEServers = []webrtc.ICEServer{{URLs: f.config.STUNServers}}
	}

	return f.api.NewPeerConnection(configuration)
}

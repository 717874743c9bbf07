package webrtc_ext

// Configuration of the WebRTC API for the relay.
type Config struct {
	// Optional STUN servers for subscriber connections. Usually empty: the
	// relay and its subscribers share a broadcast domain, so host candidates
	// suffice.
	STUNServers []string `yaml:"stunServers"`
}

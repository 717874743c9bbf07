package signaling

import "errors"

// Configuration for the LiveKit-backed signaling transport (the user-identity
// room connection whose reliable data channel carries the relay protocol).
type Config struct {
	// The URL of the LiveKit server (wss://...).
	URL string `yaml:"url"`
	// Pre-issued access token for the local participant. Takes precedence
	// over the API key/secret pair below.
	Token string `yaml:"token"`
	// API key/secret the SDK mints a token from when no token is given.
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("livekit url is required")
	}
	if c.Token == "" && (c.APIKey == "" || c.APISecret == "") {
		return errors.New("either a token or an api key/secret pair is required")
	}
	return nil
}

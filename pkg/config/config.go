package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/weirnet/weir/pkg/coordinator"
	"github.com/weirnet/weir/pkg/signaling"
	"github.com/weirnet/weir/pkg/telemetry"
	"github.com/weirnet/weir/pkg/webrtc_ext"
)

// Relay daemon configuration.
type Config struct {
	// Room the daemon joins at startup.
	Room string `yaml:"room"`
	// Stable identity of the local peer within the room.
	PeerID string `yaml:"peerId"`
	// LiveKit deployment that carries signaling, and by default also the
	// media the relay bridges.
	LiveKit signaling.Config `yaml:"livekit"`
	// Coordinator tuning: election, keepalive, failover, bridge.
	Coordinator coordinator.Config `yaml:"coordinator"`
	// WebRTC settings for the subscriber connections.
	WebRTC webrtc_ext.Config `yaml:"webrtc"`
	// OpenTelemetry tracing. Disabled unless a collector is configured.
	Telemetry telemetry.Config `yaml:"telemetry"`
	// Prometheus endpoint. Disabled when the address is empty.
	Metrics Metrics `yaml:"metrics"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

type Metrics struct {
	Address string `yaml:"address"`
}

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). Returns an error if the config could
// not be loaded.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadConfigFromPath(path)
	}

	return config, nil
}

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// Tries to load the config from environment variable (`CONFIG`).
// Returns an error if not all environment variables are set.
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string.
// Returns an error if the string is not a valid YAML.
func LoadConfigFromString(configString string) (*Config, error) {
	logrus.Info("loading config from string")

	var config Config
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	if config.Room == "" {
		return nil, errors.New("room is required")
	}
	if config.PeerID == "" {
		return nil, errors.New("peerId is required")
	}
	if err := config.LiveKit.Validate(); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if config.Coordinator.Bridge.Enabled() {
		if err := config.Coordinator.Bridge.Validate(); err != nil {
			return nil, err
		}
	}

	return &config, nil
}

// applyDefaults points the media bridge at the signaling deployment unless it
// was configured apart. The bridge joins under its own bot identity, so it can
// only ride along when an API key pair is available; the user token is bound
// to the user identity and must not be reused.
func (c *Config) applyDefaults() {
	upstream := &c.Coordinator.Bridge

	if upstream.URL == "" && upstream.Token == "" &&
		c.LiveKit.APIKey != "" && c.LiveKit.APISecret != "" {
		upstream.URL = c.LiveKit.URL
	}
	if upstream.URL == c.LiveKit.URL && upstream.Token == "" && upstream.APIKey == "" {
		upstream.APIKey = c.LiveKit.APIKey
		upstream.APISecret = c.LiveKit.APISecret
	}
	if upstream.BotIdentity == "" {
		upstream.BotIdentity = c.PeerID + "-bot"
	}
}

package bridge

import (
	"errors"

	"github.com/livekit/protocol/auth"
)

var ErrNoCredentials = errors.New("bridge needs a token or an API key pair")

// BotToken returns the access token the bridge joins the upstream room
// with. A pre-issued token wins; otherwise one is minted from the API key
// pair. Minted tokens are subscribe-only and hidden, so the bot neither
// publishes into the room nor shows up in participant lists.
func BotToken(config Config, roomID string) (string, error) {
	if config.Token != "" {
		return config.Token, nil
	}
	if config.APIKey == "" || config.APISecret == "" {
		return "", ErrNoCredentials
	}

	identity := config.BotIdentity
	if identity == "" {
		identity = "weir-bridge-" + roomID
	}

	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     roomID,
		Hidden:   true,
	}
	grant.SetCanSubscribe(true)
	grant.SetCanPublish(false)
	grant.SetCanPublishData(false)

	return auth.NewAccessToken(config.APIKey, config.APISecret).
		SetVideoGrant(grant).
		SetIdentity(identity).
		SetValidFor(config.TokenTTL.Duration).
		ToJWT()
}

package ice

import (
	"strings"

	"github.com/rs/zerolog"

	"skillswap/pkg/webrtc/protocol"
)

// Modes accepted by Servers.
const (
	ModeSTUNTURN = "stun-turn"
	ModeSTUNOnly = "stun-only"
	ModeTURNOnly = "turn-only"
)

// DefaultSTUN is advertised when no STUN servers are configured.
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

// Settings is the raw ICE configuration, usually filled from STUN_URLS,
// TURN_URLS, TURN_USERNAME, TURN_PASSWORD and ICE_MODE.
type Settings struct {
	Mode         string   `yaml:"mode"`
	STUNURLs     []string `yaml:"stun_urls"`
	TURNURLs     []string `yaml:"turn_urls"`
	TURNUsername string   `yaml:"turn_username"`
	TURNPassword string   `yaml:"turn_password"`
}

// NormalizeMode maps empty or unknown modes to stun-turn.
func NormalizeMode(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	switch mode {
	case ModeSTUNOnly, ModeTURNOnly:
		return mode
	}
	return ModeSTUNTURN
}

// Servers resolves the STUN/TURN list advertised to clients for the given settings.
func Servers(s Settings, logger zerolog.Logger) (mode string, servers []protocol.ICEServer) {
	mode = NormalizeMode(s.Mode)
	turnOnly := mode == ModeTURNOnly
	stunOnly := mode == ModeSTUNOnly

	if !turnOnly {
		if stunURLs := clean(s.STUNURLs); len(stunURLs) > 0 {
			servers = append(servers, protocol.ICEServer{URLs: stunURLs})
		} else {
			servers = append(servers, protocol.ICEServer{URLs: DefaultSTUN})
		}
	}

	if !stunOnly {
		if turnURLs := clean(s.TURNURLs); len(turnURLs) > 0 {
			servers = append(servers, protocol.ICEServer{
				URLs:       turnURLs,
				Username:   strings.TrimSpace(s.TURNUsername),
				Credential: strings.TrimSpace(s.TURNPassword),
			})
		} else if !turnOnly {
			logger.Info().Msg("TURN not configured; set TURN_URLS and credentials for relay fallback")
		}
	}

	if turnOnly && len(servers) == 0 {
		logger.Warn().Msg("ICE_MODE=turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, protocol.ICEServer{URLs: DefaultSTUN})
	}

	logger.Info().Str("mode", mode).Int("servers", len(servers)).Msg("ICE servers loaded")
	return mode, servers
}

// SplitCSV splits a comma-separated list, dropping blanks.
func SplitCSV(csv string) []string {
	return clean(strings.Split(csv, ","))
}

func clean(in []string) []string {
	var out []string
	for _, p := range in {
		v := strings.TrimSpace(p)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

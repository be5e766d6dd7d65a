package connectors

import (
	"encoding/json"
	"os"

	logger "github.com/sirupsen/logrus"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/security"
)

// tokenCache persists the issued access token across restarts. KIS tokens
// last ~24h and issuance is rate limited, so re-issuing on every start is
// wasteful. The file is sealed with secretbox; any load failure just means
// a fresh token gets issued.
type tokenCache struct {
	path string
	key  *[32]byte
}

func newTokenCache(path, encodedKey string) *tokenCache {
	c := &tokenCache{path: path}
	if path == "" || encodedKey == "" {
		return c
	}

	key, err := security.DecodeKey(encodedKey)
	if err != nil {
		logger.WithError(err).Warn("Invalid token cache key, caching disabled")
		return &tokenCache{}
	}
	c.key = key
	return c
}

func (c *tokenCache) enabled() bool {
	return c.path != "" && c.key != nil
}

func (c *tokenCache) load() (tokenState, bool) {
	if !c.enabled() {
		return tokenState{}, false
	}

	sealed, err := os.ReadFile(c.path)
	if err != nil {
		return tokenState{}, false
	}

	plaintext, err := security.Decrypt(sealed, c.key)
	if err != nil {
		logger.WithError(err).Warn("Token cache unreadable, issuing fresh token")
		return tokenState{}, false
	}

	var state tokenState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return tokenState{}, false
	}
	return state, state.AccessToken != ""
}

func (c *tokenCache) store(state tokenState) {
	if !c.enabled() {
		return
	}

	plaintext, err := json.Marshal(state)
	if err != nil {
		return
	}

	sealed, err := security.Encrypt(plaintext, c.key)
	if err != nil {
		logger.WithError(err).Warn("Failed to seal token cache")
		return
	}

	if err := os.WriteFile(c.path, sealed, 0o600); err != nil {
		logger.WithError(err).Warn("Failed to write token cache")
	}
}

package embedhost

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// EmbedConfig is the immutable widget configuration supplied at launch by
// the embedding page. Parsed once; read-only thereafter.
type EmbedConfig struct {
	// CommunityID preselects the target community. Empty means the user
	// picks one during authentication (community discovery).
	CommunityID string

	// Theme is "light", "dark", or "auto".
	Theme string

	BackgroundColor string
	Width           string
	Height          string

	// Mode is empty for the full experience or "auth-only".
	Mode string

	// ParentURL is the embedding page's URL.
	ParentURL string

	// ExternalParams are embedder parameters forwarded verbatim to the
	// contexts.
	ExternalParams map[string]string
}

// RuntimeConfig is the deployment configuration: where the hosted surfaces
// and the backend API live.
type RuntimeConfig struct {
	AuthBaseURL  string `env:"EMBED_AUTH_BASE_URL,default=https://embed.curia.network/auth"`
	ForumBaseURL string `env:"EMBED_FORUM_BASE_URL,default=https://forum.curia.network"`
	APIBaseURL   string `env:"EMBED_API_BASE_URL,default=https://curia.network"`

	// PublicKeyJWK overrides the baked-in request-signing verification key.
	PublicKeyJWK string `env:"EMBED_SIGNING_PUBLIC_KEY_JWK"`

	// SessionSyncInterval paces remote session reconciliation.
	SessionSyncInterval time.Duration `env:"EMBED_SESSION_SYNC_INTERVAL,default=5m"`

	// CrossTabReloadInterval throttles forum reloads triggered by other
	// tabs' session changes.
	CrossTabReloadInterval time.Duration `env:"EMBED_CROSS_TAB_RELOAD_INTERVAL,default=5s"`
}

// RuntimeConfigFromEnv decodes RuntimeConfig from the environment.
func RuntimeConfigFromEnv() (RuntimeConfig, error) {
	var cfg RuntimeConfig
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("embedhost: failed to decode runtime config: %w", err)
	}
	return cfg, nil
}

package config

// AuthType enumerates the supported ways ralphd authenticates to a host.
type AuthType string

const (
	AuthTypeNone  AuthType = "none"
	AuthTypeToken AuthType = "token"
)

// AuthConfig is the host credential ralphd uses to reach the issue
// tracker/PR host (github.com or an Enterprise instance).
type AuthConfig struct {
	Type    AuthType `yaml:"type"`
	Token   string   `yaml:"token,omitempty"`
	BaseURL string   `yaml:"base_url,omitempty"`
}

// IsZero reports whether no credential is configured.
func (a AuthConfig) IsZero() bool { return a.Type == "" || a.Type == AuthTypeNone }

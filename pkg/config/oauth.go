package config

import (
	"fmt"
	"net/url"
	"time"
)

// OAuthConfig configures the authorization code flow and its providers.
type OAuthConfig struct {
	PendingTTL      time.Duration `env:"OAUTH2_PENDING_TTL" envDefault:"10m"`
	CallbackTimeout time.Duration `env:"OAUTH2_CALLBACK_TIMEOUT" envDefault:"10s"`
	SessionTTL      time.Duration `env:"OAUTH2_SESSION_TTL" envDefault:"24h"`

	// SuccessRedirect is where the browser lands after a completed callback;
	// empty means the callback answers with JSON
	SuccessRedirect string `env:"OAUTH2_SUCCESS_REDIRECT"`

	Google    ProviderConfig `envPrefix:"OAUTH2_GOOGLE_"`
	Microsoft ProviderConfig `envPrefix:"OAUTH2_MICROSOFT_"`
	GitHub    ProviderConfig `envPrefix:"OAUTH2_GITHUB_"`
}

// ProviderConfig holds one identity provider's client registration.
type ProviderConfig struct {
	Enabled      bool     `env:"ENABLED" envDefault:"false"`
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	RedirectURL  string   `env:"REDIRECT_URL"`
	Scopes       []string `env:"SCOPES" envSeparator:","`
	AuthURL      string   `env:"AUTH_URL"`
	TokenURL     string   `env:"TOKEN_URL"`
	UserInfoURL  string   `env:"USERINFO_URL"`
}

// Providers returns the enabled providers keyed by upper-case name
func (o OAuthConfig) Providers() map[string]ProviderConfig {
	out := make(map[string]ProviderConfig)
	for name, p := range map[string]ProviderConfig{
		"GOOGLE":    o.Google,
		"MICROSOFT": o.Microsoft,
		"GITHUB":    o.GitHub,
	} {
		if p.Enabled {
			out[name] = p
		}
	}
	return out
}

func (o OAuthConfig) validate() error {
	if o.PendingTTL <= 0 || o.CallbackTimeout <= 0 || o.SessionTTL <= 0 {
		return fmt.Errorf("OAuth2 durations must be positive")
	}
	for name, p := range o.Providers() {
		if p.ClientID == "" || p.ClientSecret == "" {
			return fmt.Errorf("provider %s: client id and secret are required", name)
		}
		u, err := url.Parse(p.RedirectURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("provider %s: redirect url must be absolute", name)
		}
	}
	return nil
}

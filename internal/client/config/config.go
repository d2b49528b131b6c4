package config

import "time"

// Config holds runtime settings for the listenalong host.
//
// Media-service fields (ClientID, AuthorizeURL, TokenURL, APIBaseURL,
// RedirectURI, Scopes, DeviceName) configure the PKCE login and the device
// adapter. Store fields (StoreURL, StoreGRPCAddr, IdentityEndpoint,
// IdentityAPIKey) configure publishing. DBPath and Passphrase locate and seal
// the local metadata database.
type Config struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	APIBaseURL   string
	RedirectURI  string
	Scopes       []string
	DeviceName   string

	StoreURL         string
	StoreGRPCAddr    string
	IdentityEndpoint string
	IdentityAPIKey   string

	DBPath     string
	Passphrase string

	LogLevel  string
	LogFormat string

	TickInterval           time.Duration
	VolumePollInterval     time.Duration
	DevicePollInterval     time.Duration
	SessionRefreshInterval time.Duration
	OnlineCheckInterval    time.Duration
	PublishAttempts        int
	PublishDelay           time.Duration
}

// LoadDefaults populates c with development defaults.
func (c *Config) LoadDefaults() {
	c.AuthorizeURL = "https://accounts.spotify.com/authorize"
	c.TokenURL = "https://accounts.spotify.com/api/token"
	c.APIBaseURL = "https://api.spotify.com/v1"
	c.RedirectURI = "http://127.0.0.1:8888/callback"
	c.Scopes = []string{
		"streaming",
		"user-read-playback-state",
		"user-modify-playback-state",
		"user-read-currently-playing",
	}

	c.StoreURL = "http://127.0.0.1:8080"
	c.StoreGRPCAddr = "127.0.0.1:50051"
	c.IdentityEndpoint = "http://127.0.0.1:8080/identity/signUp"

	c.DBPath = "listenalong.db"

	c.LogLevel = "info"
	c.LogFormat = "text"

	c.TickInterval = 500 * time.Millisecond
	c.VolumePollInterval = 100 * time.Millisecond
	c.DevicePollInterval = time.Second
	c.SessionRefreshInterval = 30 * time.Minute
	c.OnlineCheckInterval = 3 * time.Second
	c.PublishAttempts = 3
	c.PublishDelay = 100 * time.Millisecond
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}

package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/flagx"
	"github.com/dmitrijs2005/listenalong/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Absent keys
// leave the runtime Config untouched.
type JsonConfig struct {
	ClientID     string   `json:"client_id"`
	AuthorizeURL string   `json:"authorize_url"`
	TokenURL     string   `json:"token_url"`
	APIBaseURL   string   `json:"api_base_url"`
	RedirectURI  string   `json:"redirect_uri"`
	Scopes       []string `json:"scopes"`
	DeviceName   string   `json:"device_name"`

	StoreURL         string `json:"store_url"`
	StoreGRPCAddr    string `json:"store_grpc_addr"`
	IdentityEndpoint string `json:"identity_endpoint"`
	IdentityAPIKey   string `json:"identity_api_key"`

	DBPath     string `json:"db_path"`
	Passphrase string `json:"passphrase"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	TickInterval           *timex.Duration `json:"tick_interval"`
	VolumePollInterval     *timex.Duration `json:"volume_poll_interval"`
	DevicePollInterval     *timex.Duration `json:"device_poll_interval"`
	SessionRefreshInterval *timex.Duration `json:"session_refresh_interval"`
	OnlineCheckInterval    *timex.Duration `json:"online_check_interval"`
	PublishAttempts        int             `json:"publish_attempts"`
	PublishDelay           *timex.Duration `json:"publish_delay"`
}

// parseJson overlays Config with values loaded from the JSON file named by
// -c/-config. It panics on read or unmarshal errors.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.ClientID, jc.ClientID)
	setString(&cfg.AuthorizeURL, jc.AuthorizeURL)
	setString(&cfg.TokenURL, jc.TokenURL)
	setString(&cfg.APIBaseURL, jc.APIBaseURL)
	setString(&cfg.RedirectURI, jc.RedirectURI)
	setString(&cfg.DeviceName, jc.DeviceName)
	setString(&cfg.StoreURL, jc.StoreURL)
	setString(&cfg.StoreGRPCAddr, jc.StoreGRPCAddr)
	setString(&cfg.IdentityEndpoint, jc.IdentityEndpoint)
	setString(&cfg.IdentityAPIKey, jc.IdentityAPIKey)
	setString(&cfg.DBPath, jc.DBPath)
	setString(&cfg.Passphrase, jc.Passphrase)
	setString(&cfg.LogLevel, jc.LogLevel)
	setString(&cfg.LogFormat, jc.LogFormat)

	if len(jc.Scopes) > 0 {
		cfg.Scopes = jc.Scopes
	}
	if jc.PublishAttempts > 0 {
		cfg.PublishAttempts = jc.PublishAttempts
	}

	setDuration(&cfg.TickInterval, jc.TickInterval)
	setDuration(&cfg.VolumePollInterval, jc.VolumePollInterval)
	setDuration(&cfg.DevicePollInterval, jc.DevicePollInterval)
	setDuration(&cfg.SessionRefreshInterval, jc.SessionRefreshInterval)
	setDuration(&cfg.OnlineCheckInterval, jc.OnlineCheckInterval)
	setDuration(&cfg.PublishDelay, jc.PublishDelay)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}

package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/flagx"
	"github.com/dmitrijs2005/listenalong/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON unmarshalling.
// Durations use timex.Duration, which accepts both "1s" strings and integer
// nanoseconds. Absent keys leave the runtime Config untouched.
type JsonConfig struct {
	HTTPAddr              string          `json:"http_addr"`
	EndpointAddrGRPC      string          `json:"endpoint_addr_grpc"`
	DatabaseDSN           string          `json:"database_dsn"`
	SecretKey             string          `json:"secret_key"`
	SessionTokenValidity  *timex.Duration `json:"session_token_validity"`
	RefreshGrace          *timex.Duration `json:"refresh_grace"`
	IdentityTokenValidity *timex.Duration `json:"identity_token_validity"`
	IdentityAPIKey        string          `json:"identity_api_key"`
	UpdateRate            float64         `json:"update_rate"`
	UpdateBurst           int             `json:"update_burst"`
	LogLevel              string          `json:"log_level"`
	LogFormat             string          `json:"log_format"`
}

// parseJson loads configuration values from the JSON file named by the -c or
// -config flag into config. Without the flag nothing is loaded. Read or
// unmarshal errors panic.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.IdentityAPIKey, c.IdentityAPIKey)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.LogFormat, c.LogFormat)

	setDuration(&config.SessionTokenValidity, c.SessionTokenValidity)
	setDuration(&config.RefreshGrace, c.RefreshGrace)
	setDuration(&config.IdentityTokenValidity, c.IdentityTokenValidity)

	if c.UpdateRate > 0 {
		config.UpdateRate = c.UpdateRate
	}
	if c.UpdateBurst > 0 {
		config.UpdateBurst = c.UpdateBurst
	}
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

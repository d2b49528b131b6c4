// Package config loads runtime configuration for the listenalong host.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-s string   base URL of the shared store
//	-g string   address:port of the store gRPC health endpoint
//	-k string   media-service client id
//	-n string   playback device name
//	-d string   path of the local SQLite database
//	-p string   passphrase sealing the stored refresh token
//	-l string   log level (debug, info, warn, error)
//	-i int      online status check interval (seconds)
//
// # JSON schema
//
// Intervals use timex.Duration, so values can be strings like "3s" or integer
// nanoseconds. Absent keys keep their defaults:
//
//	{
//	  "client_id": "abc",
//	  "store_url": "http://127.0.0.1:8080",
//	  "store_grpc_addr": "127.0.0.1:50051",
//	  "device_name": "Kitchen",
//	  "session_refresh_interval": "30m",
//	  "online_check_interval": "3s"
//	}
package config

// Package config loads runtime configuration for the bulksync client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-a string   base URL of the remote storage server
//	-u string   account user name
//	-l string   local sync folder root
//	-r string   remote folder prefix
//	-d string   sync journal database file
//	-j int      parallel checksum jobs
//	-m int      minimum file age before upload (seconds)
//	-b int      upload bandwidth limit (bytes per second)
//
// # JSON schema
//
// The JSON loader uses timex.Duration for intervals, so values can be either
// strings like "2s" or integer nanoseconds:
//
//	{
//	  "server_url": "https://cloud.example.com",
//	  "user": "alice",
//	  "local_dir": "/home/alice/sync",
//	  "minimum_file_age": "2s"
//	}
//
// Primary API
//
//   - type Config                     — holds all client settings
//   - func LoadConfig() *Config       — builds Config by applying defaults, JSON, then flags
//   - func (*Config) LoadDefaults()   — sets sensible defaults
//
// Note: This package does not read environment variables directly; use the
// JSON file or flags to configure values. The OWNCLOUD_LAZYOPS environment
// variable is read by the propagator itself at job start.
package config

package config

import "time"

// Config holds runtime settings for the bulksync client.
//
// Fields:
//   - ServerURL: base URL of the remote storage server.
//   - User: account user name.
//   - LocalDir: root of the synced folder on disk.
//   - RemoteDir: remote folder prefix uploads are placed under.
//   - DatabaseFile: path of the SQLite sync journal.
//   - ParallelChecksumJobs: number of concurrent checksum workers.
//   - MinimumFileAge: files modified more recently than this are skipped.
//   - UploadChecksumEnabled: compute a transmission checksum when the
//     content checksum type is not accepted by the server.
//   - UploadBandwidthLimit: bytes per second for upload bodies, 0 = unlimited.
type Config struct {
	ServerURL             string
	User                  string
	LocalDir              string
	RemoteDir             string
	DatabaseFile          string
	ParallelChecksumJobs  int
	MinimumFileAge        time.Duration
	UploadChecksumEnabled bool
	UploadBandwidthLimit  int64
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.DatabaseFile = ".bulksync.db"
	c.ParallelChecksumJobs = 4
	c.MinimumFileAge = 2 * time.Second
	c.UploadChecksumEnabled = true
	c.UploadBandwidthLimit = 0
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

package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/bulksync/internal/flagx"
	"github.com/dmitrijs2005/bulksync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "2s"
// or as integer nanoseconds. After parsing, values are copied into the
// runtime Config (which uses time.Duration).
type JsonConfig struct {
	ServerURL             string         `json:"server_url"`
	User                  string         `json:"user"`
	LocalDir              string         `json:"local_dir"`
	RemoteDir             string         `json:"remote_dir"`
	DatabaseFile          string         `json:"database_file"`
	ParallelChecksumJobs  *int           `json:"parallel_checksum_jobs"`
	MinimumFileAge        timex.Duration `json:"minimum_file_age"`
	UploadChecksumEnabled *bool          `json:"upload_checksum_enabled"`
	UploadBandwidthLimit  *int64         `json:"upload_bandwidth_limit"`
}

// parseJson overlays Config with values loaded from a JSON file. The file
// path comes from the -c/-config flags; when absent nothing is loaded.
// Unset JSON fields leave the existing Config values untouched.
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

	if jc.ServerURL != "" {
		cfg.ServerURL = jc.ServerURL
	}
	if jc.User != "" {
		cfg.User = jc.User
	}
	if jc.LocalDir != "" {
		cfg.LocalDir = jc.LocalDir
	}
	if jc.RemoteDir != "" {
		cfg.RemoteDir = jc.RemoteDir
	}
	if jc.DatabaseFile != "" {
		cfg.DatabaseFile = jc.DatabaseFile
	}
	if jc.ParallelChecksumJobs != nil {
		cfg.ParallelChecksumJobs = *jc.ParallelChecksumJobs
	}
	if jc.MinimumFileAge.Duration != 0 {
		cfg.MinimumFileAge = time.Duration(jc.MinimumFileAge.Duration)
	}
	if jc.UploadChecksumEnabled != nil {
		cfg.UploadChecksumEnabled = *jc.UploadChecksumEnabled
	}
	if jc.UploadBandwidthLimit != nil {
		cfg.UploadBandwidthLimit = *jc.UploadBandwidthLimit
	}
}

package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/bulksync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the remote storage server
//	-u string   account user name
//	-l string   local sync folder root
//	-r string   remote folder prefix
//	-d string   sync journal database file
//	-j int      parallel checksum jobs
//	-m int      minimum file age before upload (in seconds)
//	-b int      upload bandwidth limit (bytes per second, 0 = unlimited)
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-u", "-l", "-r", "-d", "-j", "-m", "-b"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "base URL of the remote storage server")
	fs.StringVar(&cfg.User, "u", cfg.User, "account user name")
	fs.StringVar(&cfg.LocalDir, "l", cfg.LocalDir, "local sync folder root")
	fs.StringVar(&cfg.RemoteDir, "r", cfg.RemoteDir, "remote folder prefix")
	fs.StringVar(&cfg.DatabaseFile, "d", cfg.DatabaseFile, "sync journal database file")
	fs.IntVar(&cfg.ParallelChecksumJobs, "j", cfg.ParallelChecksumJobs, "parallel checksum jobs")
	minimumFileAge := fs.Int("m", int(cfg.MinimumFileAge.Seconds()), "minimum file age before upload (in seconds)")
	fs.Int64Var(&cfg.UploadBandwidthLimit, "b", cfg.UploadBandwidthLimit, "upload bandwidth limit (bytes/s, 0 = unlimited)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.MinimumFileAge = time.Duration(*minimumFileAge) * time.Second
}

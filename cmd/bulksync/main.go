package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/dmitrijs2005/bulksync/internal/client/account"
	"github.com/dmitrijs2005/bulksync/internal/client/config"
	"github.com/dmitrijs2005/bulksync/internal/client/journal"
	"github.com/dmitrijs2005/bulksync/internal/client/propagator"
	"github.com/dmitrijs2005/bulksync/internal/filex"
	"github.com/dmitrijs2005/bulksync/internal/logging"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// knownFlags are consumed by the config loader; everything else on the
// command line is treated as a file to upload, relative to the sync root.
var knownFlags = map[string]struct{}{
	"-a": {}, "-u": {}, "-l": {}, "-r": {}, "-d": {}, "-j": {}, "-m": {}, "-b": {},
	"-c": {}, "-config": {},
}

func positionalArgs(args []string) []string {
	var files []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "-") {
			if !strings.Contains(arg, "=") {
				if _, ok := knownFlags[arg]; ok && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
					i++
				}
			}
			continue
		}
		files = append(files, arg)
	}
	return files
}

func credentials(acct *account.Account, logger logging.Logger) error {
	if token := os.Getenv("BULKSYNC_TOKEN"); token != "" {
		acct.SetBearerToken(token)
		soon, err := acct.TokenExpiresWithin(5 * time.Minute)
		if err != nil {
			logger.Warn(context.Background(), "could not inspect bearer token", "error", err)
			return nil
		}
		if soon {
			logger.Warn(context.Background(), "bearer token expires soon, uploads may fail mid-batch")
		}
		return nil
	}

	if password := os.Getenv("BULKSYNC_PASSWORD"); password != "" {
		acct.SetPassword(password)
		return nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", acct.User)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	acct.SetPassword(string(password))
	return nil
}

func buildItems(cfg *config.Config, files []string) []*propagator.SyncFileItem {
	items := make([]*propagator.SyncFileItem, 0, len(files))
	for _, file := range files {
		item := &propagator.SyncFileItem{
			File:        file,
			Instruction: propagator.InstructionNew,
		}
		abs := filepath.Join(cfg.LocalDir, filepath.FromSlash(file))
		if size, err := filex.Size(abs); err == nil {
			item.Size = size
		}
		if mtime, err := filex.ModTime(abs); err == nil {
			item.Modtime = mtime
		}
		items = append(items, item)
	}
	return items
}

func run() error {
	cfg := config.LoadConfig()

	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	ctx := context.Background()

	files := positionalArgs(os.Args[1:])
	if len(files) == 0 {
		return fmt.Errorf("no files to upload; pass paths relative to the sync root")
	}

	acct, err := account.New(cfg.ServerURL, cfg.User, account.Capabilities{
		SupportedChecksumTypes: []string{"MD5", "SHA1"},
		UploadChecksumType:     "MD5",
	})
	if err != nil {
		return err
	}
	if err := credentials(acct, logger); err != nil {
		return err
	}

	jrnl, err := journal.Open(ctx, cfg.DatabaseFile, logger)
	if err != nil {
		return err
	}
	defer jrnl.Close()

	prop := propagator.NewPropagator(acct, jrnl, logger)
	prop.LocalDir = cfg.LocalDir
	prop.RemoteDir = cfg.RemoteDir
	prop.MinimumFileAge = cfg.MinimumFileAge
	prop.UploadChecksumEnabled = cfg.UploadChecksumEnabled
	prop.ParallelChecksumJobs = cfg.ParallelChecksumJobs
	prop.Bandwidth = propagator.NewBandwidthManager(cfg.UploadBandwidthLimit)
	prop.OnItemCompleted = func(item *propagator.SyncFileItem) {
		fmt.Printf("%-16s %s %s\n", item.Status, item.Destination(), item.ErrorString)
	}
	prop.OnInsufficientRemoteStorage = func() {
		logger.Warn(ctx, "server reports insufficient remote storage")
	}
	prop.OnSeenLockedFile = func(path string) {
		logger.Warn(ctx, "file is locked by another process", "path", path)
	}

	job := propagator.NewBulkPropagatorJob(prop, buildItems(cfg, files))
	status := job.Run(ctx)

	if status != propagator.NoStatus && status != propagator.Success {
		return fmt.Errorf("sync finished with status %s", status)
	}
	if prop.AnotherSyncNeeded {
		logger.Info(ctx, "another sync run is needed")
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("%v", err)
	}
}

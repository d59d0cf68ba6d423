package propagator

import (
	"math"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/bulksync/internal/client/account"
	"github.com/dmitrijs2005/bulksync/internal/client/journal"
	"github.com/dmitrijs2005/bulksync/internal/client/vfs"
	"github.com/dmitrijs2005/bulksync/internal/filex"
	"github.com/dmitrijs2005/bulksync/internal/logging"
)

// Propagator is the per-folder host the upload jobs run against. It owns the
// journal handle, the remote quota cache and the signal callbacks. All of
// its mutable state is touched on a job's controller context only; the
// abort flag is the one field safe to flip from any goroutine.
type Propagator struct {
	Account *account.Account
	Journal *journal.SyncJournal
	Vfs     vfs.Vfs
	Log     logging.Logger

	// LocalDir is the absolute path of the synced folder on disk.
	LocalDir string
	// RemoteDir is the folder prefix uploads are placed under remotely.
	RemoteDir string

	// FolderQuota caches the believed free space per remote folder, keyed
	// by the folder path relative to the sync root. Absent entries mean
	// unlimited.
	FolderQuota map[string]int64

	// MinimumFileAge keeps files out of the upload whose modification time
	// is too close to now; such files are usually still being written.
	MinimumFileAge time.Duration

	// UploadChecksumEnabled computes a transmission checksum when the
	// content checksum type is not accepted by the server.
	UploadChecksumEnabled bool

	// ParallelChecksumJobs bounds the checksum worker pool.
	ParallelChecksumJobs int

	Bandwidth *BandwidthManager

	// AnotherSyncNeeded is set when local files changed under the upload,
	// so the engine schedules a follow-up sync run.
	AnotherSyncNeeded bool

	// Signals. Nil callbacks are skipped.
	OnItemCompleted             func(*SyncFileItem)
	OnInsufficientRemoteStorage func()
	OnSeenLockedFile            func(path string)

	// UpdateMetadata commits the uploaded item's metadata to the local
	// sync database and converts placeholders where applicable.
	UpdateMetadata func(*SyncFileItem) (vfs.ConvertToPlaceholderResult, error)

	abortRequested atomic.Bool
}

// NewPropagator wires a Propagator with the required collaborators.
func NewPropagator(acct *account.Account, jrnl *journal.SyncJournal, log logging.Logger) *Propagator {
	return &Propagator{
		Account:              acct,
		Journal:              jrnl,
		Vfs:                  vfs.Off{},
		Log:                  log,
		FolderQuota:          make(map[string]int64),
		MinimumFileAge:       2 * time.Second,
		ParallelChecksumJobs: 4,
		Bandwidth:            NewBandwidthManager(0),
	}
}

// FullLocalPath resolves a sync-root relative path to an absolute one.
func (p *Propagator) FullLocalPath(relPath string) string {
	return filepath.Join(p.LocalDir, filepath.FromSlash(relPath))
}

// FullRemotePath resolves a sync-root relative path to the remote path sent
// on the wire.
func (p *Propagator) FullRemotePath(relPath string) string {
	return path.Join("/", p.RemoteDir, relPath)
}

// Abort stops all further upload starts. In-flight network jobs are aborted
// by the job owning them.
func (p *Propagator) Abort() {
	p.abortRequested.Store(true)
}

// AbortRequested reports whether an abort is in progress.
func (p *Propagator) AbortRequested() bool {
	return p.abortRequested.Load()
}

// HasCaseClashAccessibilityProblem reports whether the file is ambiguous
// with a sibling differing only in case.
func (p *Propagator) HasCaseClashAccessibilityProblem(relPath string) bool {
	return filex.HasCaseClash(p.FullLocalPath(relPath))
}

// quotaGuess returns the believed free space of the folder holding relPath.
func (p *Propagator) quotaGuess(relPath string) int64 {
	if q, ok := p.FolderQuota[path.Dir(relPath)]; ok {
		return q
	}
	return math.MaxInt64
}

func (p *Propagator) emitItemCompleted(item *SyncFileItem) {
	if p.OnItemCompleted != nil {
		p.OnItemCompleted(item)
	}
}

func (p *Propagator) emitInsufficientRemoteStorage() {
	if p.OnInsufficientRemoteStorage != nil {
		p.OnInsufficientRemoteStorage()
	}
}

func (p *Propagator) emitSeenLockedFile(path string) {
	if p.OnSeenLockedFile != nil {
		p.OnSeenLockedFile(path)
	}
}

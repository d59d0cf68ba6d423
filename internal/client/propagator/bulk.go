package propagator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/dmitrijs2005/bulksync/internal/client/journal"
	"github.com/dmitrijs2005/bulksync/internal/client/vfs"
	"github.com/dmitrijs2005/bulksync/internal/filex"
	"github.com/dmitrijs2005/bulksync/internal/logging"
)

// bulkBatchSize bounds how many items one schedule round moves in flight.
const bulkBatchSize = 100

// maxUploadErrorResets is how many resettable errors a file survives before
// its stored upload record is cleared for a fresh start.
const maxUploadErrorResets = 3

// futureModtimeTolerance: files with a modification time further in the
// future are assumed to be intentional and uploaded anyway.
const futureModtimeTolerance = 10 * time.Second

// JobParallelism tells the parent scheduler whether sibling jobs may run
// while this one is active.
type JobParallelism int

const (
	FullParallelism JobParallelism = iota
	WaitForFinished
)

// AbortType distinguishes a flag-only abort from one that also tears down
// in-flight network jobs.
type AbortType int

const (
	AbortTypeAsynchronous AbortType = iota
	AbortTypeSynchronous
)

type jobState int

const (
	stateNotYetStarted jobState = iota
	stateRunning
	stateFinished
)

// UploadFileParameters is one batch entry: the item, its body range and the
// assembled per-file header block.
type UploadFileParameters struct {
	Item         *SyncFileItem
	FileToUpload UploadFileInfo
	RemotePath   string
	LocalPath    string
	FileSize     int64
	Headers      []Header
}

// BulkPropagatorJob drains an input queue of changed files in batches of up
// to bulkBatchSize, pushing each batch through checksum computation, one
// multi-file PUT and per-file finalization. All shared state lives on the
// job's controller goroutine; workers post their results back as closures.
type BulkPropagatorJob struct {
	propagator *Propagator
	log        logging.Logger

	ctx    context.Context
	events chan func()
	stopCh chan struct{}

	finishedCh chan Status

	sem     *semaphore.Weighted
	lazyOps bool

	// Controller-context state.
	state               jobState
	items               []*SyncFileItem
	inFlight            int
	pendingChecksumJobs int
	filesToUpload       []UploadFileParameters
	batchDevices        []*UploadDevice
	pendingPollJobs     int
	pollItems           map[*SyncFileItem]struct{}
	finalStatus         Status

	jobsMu sync.Mutex
	jobs   []*PutMultiFileJob

	idleMu sync.Mutex
	idle   bool
}

// NewBulkPropagatorJob builds a job over the given work queue. Items are
// uploaded in insertion order. The lazy-ops flag is read from the process
// environment once, here.
func NewBulkPropagatorJob(p *Propagator, items []*SyncFileItem) *BulkPropagatorJob {
	parallel := p.ParallelChecksumJobs
	if parallel < 1 {
		parallel = 1
	}
	lazyOps := false
	if v, err := strconv.Atoi(os.Getenv("OWNCLOUD_LAZYOPS")); err == nil && v != 0 {
		lazyOps = true
	}
	return &BulkPropagatorJob{
		propagator: p,
		log:        p.Log.With("job", "bulkupload"),
		events:     make(chan func(), 4*bulkBatchSize),
		stopCh:     make(chan struct{}),
		finishedCh: make(chan Status, 1),
		sem:        semaphore.NewWeighted(int64(parallel)),
		lazyOps:    lazyOps,
		items:      items,
		pollItems:  make(map[*SyncFileItem]struct{}),
		finalStatus: NoStatus,
		idle:        len(items) == 0,
	}
}

// Parallelism reports that the parent scheduler must not start sibling
// propagation jobs while this one is active.
func (j *BulkPropagatorJob) Parallelism() JobParallelism {
	return WaitForFinished
}

// FinalStatus returns the most severe status observed so far.
func (j *BulkPropagatorJob) FinalStatus() Status {
	j.idleMu.Lock()
	defer j.idleMu.Unlock()
	return j.finalStatus
}

// Done delivers the overall final status once the queue is drained and no
// upload or poll job is outstanding.
func (j *BulkPropagatorJob) Done() <-chan Status {
	return j.finishedCh
}

// Schedule asks the job to move more work in flight. It is idempotent and
// safe to call whenever new work may exist; the return value is false when
// both the input queue and the pending batch are empty.
func (j *BulkPropagatorJob) Schedule() bool {
	if j.Idle() {
		return false
	}
	j.post(j.scheduleSelfOrChild)
	return true
}

// Idle reports whether the job has nothing queued and nothing in flight.
func (j *BulkPropagatorJob) Idle() bool {
	j.idleMu.Lock()
	defer j.idleMu.Unlock()
	return j.idle
}

// Abort stops the job. The asynchronous kind only prevents new uploads from
// starting; the synchronous kind also cancels in-flight network jobs.
func (j *BulkPropagatorJob) Abort(kind AbortType) {
	j.propagator.Abort()
	if kind == AbortTypeSynchronous {
		j.abortNetworkJobs()
	}
}

// Run drives the job to completion on the calling goroutine and returns the
// final status. Cancelling ctx aborts the job; the pipeline still drains
// before Run returns.
func (j *BulkPropagatorJob) Run(ctx context.Context) Status {
	j.ctx = ctx
	go j.runLoop()

	if !j.Schedule() {
		j.post(j.emitFinished)
	}

	go func() {
		select {
		case <-ctx.Done():
			j.Abort(AbortTypeSynchronous)
		case <-j.stopCh:
		}
	}()

	return <-j.finishedCh
}

// runLoop is the controller context: every closure posted here runs
// serialized, so the job state needs no locking.
func (j *BulkPropagatorJob) runLoop() {
	for {
		select {
		case f := <-j.events:
			f()
		case <-j.stopCh:
			return
		}
	}
}

// post hands a closure to the controller context. Workers use this; code
// already running on the controller calls methods directly.
func (j *BulkPropagatorJob) post(f func()) {
	select {
	case j.events <- f:
	case <-j.stopCh:
	}
}

func (j *BulkPropagatorJob) refreshIdle() {
	idle := len(j.items) == 0 && j.inFlight == 0 && j.pendingPollJobs == 0 && j.activeJobCount() == 0
	j.idleMu.Lock()
	j.idle = idle
	j.idleMu.Unlock()
}

func (j *BulkPropagatorJob) setFinalStatus(s Status) {
	j.idleMu.Lock()
	j.finalStatus = s
	j.idleMu.Unlock()
}

func (j *BulkPropagatorJob) activeJobCount() int {
	j.jobsMu.Lock()
	defer j.jobsMu.Unlock()
	return len(j.jobs)
}

func (j *BulkPropagatorJob) trackJob(job *PutMultiFileJob) {
	j.jobsMu.Lock()
	j.jobs = append(j.jobs, job)
	j.jobsMu.Unlock()
}

func (j *BulkPropagatorJob) untrackJob(job *PutMultiFileJob) {
	j.jobsMu.Lock()
	for i, candidate := range j.jobs {
		if candidate == job {
			j.jobs = append(j.jobs[:i], j.jobs[i+1:]...)
			break
		}
	}
	j.jobsMu.Unlock()
}

func (j *BulkPropagatorJob) abortNetworkJobs() {
	j.jobsMu.Lock()
	jobs := make([]*PutMultiFileJob, len(j.jobs))
	copy(jobs, j.jobs)
	j.jobsMu.Unlock()
	for _, job := range jobs {
		job.Abort()
	}
}

// scheduleSelfOrChild moves the next batch in flight. Runs on the
// controller context.
func (j *BulkPropagatorJob) scheduleSelfOrChild() {
	if j.state == stateFinished {
		return
	}
	if len(j.items) == 0 {
		if j.inFlight == 0 && j.pendingPollJobs == 0 && j.activeJobCount() == 0 {
			j.emitFinished()
		}
		return
	}

	// Batches run strictly one after another; redundant schedule calls
	// while one is active are no-ops.
	if j.inFlight > 0 || j.activeJobCount() > 0 {
		return
	}

	j.state = stateRunning

	n := len(j.items)
	if n > bulkBatchSize {
		n = bulkBatchSize
	}
	batch := j.items[:n]
	j.items = j.items[n:]

	j.inFlight += n
	j.pendingChecksumJobs += n
	j.refreshIdle()

	for _, item := range batch {
		fileToUpload := UploadFileInfo{
			File: item.File,
			Size: item.Size,
			Path: j.propagator.FullLocalPath(item.File),
		}
		j.startUploadFile(item, fileToUpload)
	}
}

// startUploadFile verifies the cheap local preconditions and enqueues the
// checksum work. Runs on the controller context.
func (j *BulkPropagatorJob) startUploadFile(item *SyncFileItem, fileToUpload UploadFileInfo) {
	p := j.propagator

	if p.AbortRequested() {
		j.checksumStageDone()
		j.dropItem(item)
		return
	}

	if p.HasCaseClashAccessibilityProblem(fileToUpload.File) {
		j.failBeforeUpload(item, NormalError,
			fmt.Sprintf("File %s cannot be uploaded because another file with the same name, differing only in case, exists", item.File))
		return
	}

	if quota := p.quotaGuess(fileToUpload.File); fileToUpload.Size > quota {
		item.HTTPErrorCode = 507
		p.emitInsufficientRemoteStorage()
		j.failBeforeUpload(item, DetailError,
			fmt.Sprintf("Upload of %s exceeds the quota for the folder", humanize.IBytes(uint64(fileToUpload.Size))))
		return
	}

	j.log.Debug(j.ctx, "running the compute checksum", "file", item.File)
	j.slotComputeContentChecksum(item, fileToUpload)
}

// slotComputeContentChecksum records the pre-hash mtime baseline and either
// reuses the discovery checksum or hands the file to a worker. Runs on the
// controller context.
func (j *BulkPropagatorJob) slotComputeContentChecksum(item *SyncFileItem, fileToUpload UploadFileInfo) {
	p := j.propagator

	if p.AbortRequested() {
		j.checksumStageDone()
		j.dropItem(item)
		return
	}

	// The baseline is taken on the original file, not the maybe-renamed
	// upload copy; a change during hashing is detected against it later.
	filePath := p.FullLocalPath(item.File)
	if mtime, err := filex.ModTime(filePath); err == nil {
		item.Modtime = mtime
	}

	existingType, existingSum := ParseChecksumHeader(item.ChecksumHeader)
	if existingType == contentChecksumType {
		j.slotComputeTransmissionChecksum(item, fileToUpload, existingType, existingSum)
		return
	}

	go func() {
		if err := j.sem.Acquire(j.ctx, 1); err != nil {
			j.post(func() { j.failBeforeUpload(item, SoftError, err.Error()) })
			return
		}
		sum, err := ComputeChecksum(fileToUpload.Path, contentChecksumType)
		j.sem.Release(1)
		j.post(func() {
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				j.failBeforeUpload(item, NormalError, err.Error())
				return
			}
			if err != nil {
				// A vanished file yields an empty digest here; the
				// existence check before the upload reports it.
				j.log.Warn(j.ctx, "file to checksum cannot be opened", "file", fileToUpload.Path, "error", err)
				sum = ""
			}
			j.slotComputeTransmissionChecksum(item, fileToUpload, contentChecksumType, sum)
		})
	}()
}

// slotComputeTransmissionChecksum stores the content checksum header and
// derives the transmission checksum, reusing the content digest when the
// server accepts its type. Runs on the controller context.
func (j *BulkPropagatorJob) slotComputeTransmissionChecksum(item *SyncFileItem, fileToUpload UploadFileInfo, contentType, contentSum string) {
	p := j.propagator

	item.ChecksumHeader = MakeChecksumHeader(contentType, contentSum)

	if p.Account.Capabilities.SupportsChecksumType(contentType) {
		j.slotStartUpload(item, fileToUpload, contentType, contentSum)
		return
	}

	if !p.UploadChecksumEnabled {
		j.slotStartUpload(item, fileToUpload, "", "")
		return
	}

	transmissionType := p.Account.Capabilities.UploadChecksumType
	if transmissionType == "" {
		j.slotStartUpload(item, fileToUpload, "", "")
		return
	}

	go func() {
		if err := j.sem.Acquire(j.ctx, 1); err != nil {
			j.post(func() { j.failBeforeUpload(item, SoftError, err.Error()) })
			return
		}
		sum, err := ComputeChecksum(fileToUpload.Path, transmissionType)
		j.sem.Release(1)
		j.post(func() {
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				j.failBeforeUpload(item, NormalError, err.Error())
				return
			}
			if err != nil {
				j.log.Warn(j.ctx, "file to checksum cannot be opened", "file", fileToUpload.Path, "error", err)
				sum = ""
			}
			j.slotStartUpload(item, fileToUpload, transmissionType, sum)
		})
	}()
}

// fileIsStillChanging guards against uploading files whose modification
// time is so close to now that they are likely still being written.
func (j *BulkPropagatorJob) fileIsStillChanging(item *SyncFileItem) bool {
	sinceMod := time.Since(time.Unix(item.Modtime, 0))
	return sinceMod < j.propagator.MinimumFileAge && sinceMod > -futureModtimeTolerance
}

// slotStartUpload runs the remaining local preconditions, writes the upload
// record to the journal and appends the batch entry. Runs on the controller
// context.
func (j *BulkPropagatorJob) slotStartUpload(item *SyncFileItem, fileToUpload UploadFileInfo, transmissionType, transmissionSum string) {
	p := j.propagator
	ctx := j.ctx

	if p.AbortRequested() {
		j.checksumStageDone()
		j.dropItem(item)
		return
	}

	transmissionChecksumHeader := MakeChecksumHeader(transmissionType, transmissionSum)
	if item.ChecksumHeader == "" {
		item.ChecksumHeader = transmissionChecksumHeader
	}

	if item.RenameTarget != "" && item.RenameTarget != item.File {
		if err := filex.Rename(p.FullLocalPath(item.File), p.FullLocalPath(item.RenameTarget)); err != nil {
			j.failBeforeUpload(item, NormalError, "File contains trailing spaces and couldn't be renamed")
			return
		}
		item.File = item.RenameTarget
		fileToUpload.File = item.RenameTarget
		fileToUpload.Path = p.FullLocalPath(item.RenameTarget)
		if mtime, err := filex.ModTime(fileToUpload.Path); err == nil {
			item.Modtime = mtime
		}
	}

	fullFilePath := fileToUpload.Path
	originalFilePath := p.FullLocalPath(item.File)

	if !filex.Exists(fullFilePath) {
		j.failBeforeUpload(item, SoftError, fmt.Sprintf("File Removed (start upload) %s", fullFilePath))
		return
	}

	// A checksum calculation takes time; the file may have changed under
	// it. Compare against the baseline taken before hashing.
	prevModtime := item.Modtime
	if mtime, err := filex.ModTime(originalFilePath); err == nil {
		item.Modtime = mtime
	}
	if prevModtime != item.Modtime {
		p.AnotherSyncNeeded = true
		j.log.Debug(ctx, "modtime changed during checksum", "file", item.File, "prev", prevModtime, "curr", item.Modtime)
		j.failBeforeUpload(item, SoftError, "Local file changed during syncing. It will be resumed.")
		return
	}

	if size, err := filex.Size(fullFilePath); err == nil {
		fileToUpload.Size = size
	}
	if size, err := filex.Size(originalFilePath); err == nil {
		item.Size = size
	}

	if j.fileIsStillChanging(item) {
		p.AnotherSyncNeeded = true
		j.failBeforeUpload(item, SoftError, "Local file changed during sync.")
		return
	}

	// Record the upload before the request goes out, so a crash between
	// the PUT and its reply can be reconciled from the stored checksum.
	pi := journal.UploadInfo{
		Valid:           true,
		Chunk:           0,
		TransferID:      0,
		Modtime:         item.Modtime,
		ErrorCount:      0,
		ContentChecksum: item.ChecksumHeader,
		Size:            item.Size,
	}
	if err := p.Journal.SetUploadInfo(ctx, item.File, pi); err != nil {
		j.log.Error(ctx, "could not store upload info", "file", item.File, "error", err)
		j.failBeforeUpload(item, SoftError, fmt.Sprintf("Could not record upload of %s in the journal", item.File))
		return
	}
	if err := p.Journal.Commit(ctx, "Upload info"); err != nil {
		j.log.Error(ctx, "could not commit upload info", "file", item.File, "error", err)
		j.failBeforeUpload(item, SoftError, fmt.Sprintf("Could not record upload of %s in the journal", item.File))
		return
	}

	remotePath := p.FullRemotePath(fileToUpload.File)
	j.log.Info(ctx, "will upload", "remotePath", remotePath, "transmissionChecksum", transmissionChecksumHeader)

	headers := j.itemHeaders(ctx, item)
	headers = append(headers,
		Header{Key: "X-File-Path", Value: remotePath},
		Header{Key: "X-File-MD5", Value: transmissionSum},
		Header{Key: "Content-Length", Value: strconv.FormatInt(fileToUpload.Size, 10)},
		Header{Key: "OC-Total-Length", Value: strconv.FormatInt(fileToUpload.Size, 10)},
		Header{Key: "OC-Chunk-Size", Value: strconv.FormatInt(fileToUpload.Size, 10)},
	)
	if transmissionChecksumHeader != "" {
		headers = append(headers, Header{Key: "OC-Checksum", Value: transmissionChecksumHeader})
	}

	device, err := OpenUploadDevice(ctx, fullFilePath, 0, fileToUpload.Size, p.Bandwidth)
	if err != nil {
		j.log.Warn(ctx, "could not prepare upload device", "file", fullFilePath, "error", err)
		// A locked file should be retried once it becomes available again.
		if filex.IsLocked(fullFilePath) {
			p.emitSeenLockedFile(fullFilePath)
		}
		j.checksumStageDone()
		j.abortWithError(item, SoftError, err.Error())
		return
	}

	j.filesToUpload = append(j.filesToUpload, UploadFileParameters{
		Item:         item,
		FileToUpload: fileToUpload,
		RemotePath:   remotePath,
		LocalPath:    fullFilePath,
		FileSize:     fileToUpload.Size,
		Headers:      headers,
	})
	j.batchDevices = append(j.batchDevices, device)

	j.checksumStageDone()
}

// checksumStageDone retires one unit of checksum-stage work; the bulk
// request goes out once the stage drains.
func (j *BulkPropagatorJob) checksumStageDone() {
	j.pendingChecksumJobs--
	if j.pendingChecksumJobs == 0 {
		j.triggerUpload()
	}
}

// triggerUpload assembles the multi-file job from the pending batch and
// starts it. Runs on the controller context.
func (j *BulkPropagatorJob) triggerUpload() {
	params := j.filesToUpload
	devices := j.batchDevices
	j.filesToUpload = nil
	j.batchDevices = nil

	if len(params) == 0 {
		return
	}

	if j.propagator.AbortRequested() {
		for i, param := range params {
			_ = devices[i].Close()
			j.dropItem(param.Item)
		}
		return
	}

	files := make([]OneUploadFileData, len(params))
	for i, param := range params {
		files[i] = OneUploadFileData{Device: devices[i], Headers: param.Headers}
	}

	job := NewPutMultiFileJob(j.propagator.Account, j.propagator.Account.DavBulkURL(), files, j.log)
	j.trackJob(job)
	j.refreshIdle()

	go func() {
		job.Start(j.ctx)
		j.post(func() { j.slotPutFinished(job, params) })
	}()
}

// slotPutFinished consumes the bulk reply: each batch entry is correlated
// with its per-file reply object and finalized or routed through error
// handling. Runs on the controller context.
func (j *BulkPropagatorJob) slotPutFinished(job *PutMultiFileJob, params []UploadFileParameters) {
	ctx := j.ctx

	j.untrackJob(job)

	for _, param := range params {
		item := param.Item

		item.HTTPErrorCode = job.HTTPStatus()
		item.ResponseTimeStamp = job.ResponseTimestamp()
		item.RequestID = job.RequestID()

		if job.Err() != nil || job.HTTPStatus() >= 400 {
			j.commonErrorHandling(item, param.FileToUpload, job)
			continue
		}

		fileReply := correlateReply(job.Replies(), param.RemotePath)

		// The server needs time to process the request and hands out a
		// poll URL instead of a final answer.
		if item.HTTPErrorCode == 202 {
			pollPath := replyValue(fileReply, "OC-JobStatus-Location")
			if pollPath == "" {
				j.done(item, NormalError, "Poll URL missing")
				continue
			}
			j.startPollJob(item, param.FileToUpload, pollPath)
			continue
		}

		ocEtag := parseEtag(replyValue(fileReply, "OC-ETag"))
		plainEtag := parseEtag(replyValue(fileReply, "ETag"))
		etag := ocEtag
		if etag == "" {
			etag = plainEtag
		} else if plainEtag != "" && plainEtag != ocEtag {
			j.log.Debug(ctx, "OC-ETag and ETag differ, keeping OC-ETag", "file", item.File, "ocEtag", ocEtag, "etag", plainEtag)
		}
		finished := etag != ""

		if !j.checkFileStillExists(item, finished) {
			continue
		}
		if !j.checkFileChanged(item, finished) {
			continue
		}

		if fid := replyValue(fileReply, "OC-FileID"); fid != "" {
			if item.FileID != "" && item.FileID != fid {
				j.log.Warn(ctx, "file id changed", "file", item.File, "old", item.FileID, "new", fid)
			}
			item.FileID = fid
		}

		item.Etag = etag

		if replyValue(fileReply, "X-OC-MTime") != "accepted" {
			j.log.Warn(ctx, "server did not accept X-OC-MTime", "file", item.File,
				"value", replyValue(fileReply, "X-OC-MTime"))
		}

		j.finalize(item, param.FileToUpload)
	}
}

// correlateReply picks the first reply object addressed at remotePath. A
// miss yields an empty object, which drives the not-finished path.
func correlateReply(replies []map[string]any, remotePath string) map[string]any {
	for _, reply := range replies {
		if replyValue(reply, "X-File-Path") == remotePath {
			return reply
		}
	}
	return map[string]any{}
}

// checkFileStillExists fails the item when the local file vanished while an
// unfinished upload cannot have reached the server.
func (j *BulkPropagatorJob) checkFileStillExists(item *SyncFileItem, finished bool) bool {
	fullFilePath := j.propagator.FullLocalPath(item.File)
	if filex.Exists(fullFilePath) {
		return true
	}
	if !finished {
		j.abortWithError(item, SoftError, "The local file was removed during sync.")
		return false
	}
	j.propagator.AnotherSyncNeeded = true
	return true
}

// checkFileChanged schedules a follow-up sync when the file changed under
// the upload, failing the item only when the server has no finished copy.
func (j *BulkPropagatorJob) checkFileChanged(item *SyncFileItem, finished bool) bool {
	fullFilePath := j.propagator.FullLocalPath(item.File)
	if filex.VerifyUnchanged(fullFilePath, item.Size, item.Modtime) {
		return true
	}
	j.propagator.AnotherSyncNeeded = true
	if !finished {
		j.abortWithError(item, SoftError, "Local file changed during sync.")
		return false
	}
	return true
}

// finalize completes one successfully uploaded file: quota bookkeeping,
// metadata commit, pin-state correction and clearing the upload record.
// Runs on the controller context.
func (j *BulkPropagatorJob) finalize(item *SyncFileItem, fileToUpload UploadFileInfo) {
	p := j.propagator
	ctx := j.ctx

	folder := path.Dir(item.File)
	if quota, ok := p.FolderQuota[folder]; ok {
		p.FolderQuota[folder] = quota - fileToUpload.Size
	}

	if p.UpdateMetadata != nil {
		result, err := p.UpdateMetadata(item)
		if err != nil {
			j.done(item, FatalError, fmt.Sprintf("Error updating metadata: %v", err))
			return
		}
		if result == vfs.ConvertLocked {
			j.done(item, SoftError, fmt.Sprintf("The file %s is currently in use", item.File))
			return
		}
	}

	// Files new on the remote must not stay online-only even when their
	// parent folder is.
	if item.Instruction == InstructionNew || item.Instruction == InstructionTypeChange {
		if pin, ok := p.Vfs.PinState(item.File); ok && pin == vfs.PinStateOnlineOnly {
			if err := p.Vfs.SetPinState(item.File, vfs.PinStateUnspecified); err != nil {
				j.log.Warn(ctx, "could not set pin state to unspecified", "file", item.File, "error", err)
			}
		}
	}

	if err := p.Journal.SetUploadInfo(ctx, item.File, journal.UploadInfo{}); err != nil {
		j.log.Warn(ctx, "could not clear upload info", "file", item.File, "error", err)
	}
	if err := p.Journal.Commit(ctx, "upload file start"); err != nil {
		j.log.Warn(ctx, "could not commit upload info", "file", item.File, "error", err)
	}

	j.done(item, Success, "")
}

// startPollJob persists the poll location and launches the poll worker. The
// item leaves the batch accounting; the outstanding poll keeps the job from
// finishing. Runs on the controller context.
func (j *BulkPropagatorJob) startPollJob(item *SyncFileItem, fileToUpload UploadFileInfo, pollPath string) {
	p := j.propagator
	ctx := j.ctx

	info := journal.PollInfo{
		File:     item.File,
		URL:      pollPath,
		Modtime:  item.Modtime,
		FileSize: item.Size,
	}
	if err := p.Journal.SetPollInfo(ctx, info); err != nil {
		j.log.Error(ctx, "could not store poll info", "file", item.File, "error", err)
	}
	if err := p.Journal.Commit(ctx, "add poll info"); err != nil {
		j.log.Error(ctx, "could not commit poll info", "file", item.File, "error", err)
	}

	j.pendingPollJobs++
	j.pollItems[item] = struct{}{}
	j.inFlight--
	j.refreshIdle()

	pollJob := NewPollJob(p.Account, pollPath, item, fileToUpload, j.log)
	go func() {
		result, err := pollJob.Run(j.ctx)
		j.post(func() { j.slotPollFinished(pollJob, result, err) })
	}()

	j.checkBatchComplete()
}

// slotPollFinished consumes a poll job's terminal result. Runs on the
// controller context.
func (j *BulkPropagatorJob) slotPollFinished(pollJob *PollJob, result PollResult, err error) {
	p := j.propagator
	ctx := j.ctx
	item := pollJob.item

	j.pendingPollJobs--

	if err != nil {
		j.done(item, NormalError, err.Error())
		return
	}
	if result.Status == pollStatusError {
		message := result.ErrorMessage
		if message == "" {
			message = fmt.Sprintf("deferred processing of %s failed (code %d)", item.File, result.ErrorCode)
		}
		j.done(item, NormalError, message)
		return
	}

	if etag := parseEtag(result.ETag); etag != "" {
		item.Etag = etag
	}
	if result.FileID != "" {
		item.FileID = result.FileID
	}

	if err := p.Journal.SetPollInfo(ctx, journal.PollInfo{File: item.File}); err != nil {
		j.log.Warn(ctx, "could not clear poll info", "file", item.File, "error", err)
	}
	if err := p.Journal.Commit(ctx, "remove poll info"); err != nil {
		j.log.Warn(ctx, "could not commit poll info removal", "file", item.File, "error", err)
	}

	j.finalize(item, pollJob.file)
}

// checkResettingErrors counts resettable errors against the stored upload
// record and clears it after too many repeats, forcing a fresh attempt.
// Runs on the controller context.
func (j *BulkPropagatorJob) checkResettingErrors(item *SyncFileItem) {
	p := j.propagator
	ctx := j.ctx

	if item.HTTPErrorCode != 412 && !p.Account.Capabilities.ResetsFailingUploads(item.HTTPErrorCode) {
		return
	}

	uploadInfo, err := p.Journal.GetUploadInfo(ctx, item.File)
	if err != nil {
		j.log.Warn(ctx, "could not read upload info", "file", item.File, "error", err)
		return
	}
	uploadInfo.ErrorCount++
	if uploadInfo.ErrorCount > maxUploadErrorResets {
		j.log.Info(ctx, "reset transfer due to repeated error", "file", item.File, "httpErrorCode", item.HTTPErrorCode)
		uploadInfo = journal.UploadInfo{}
	} else {
		j.log.Info(ctx, "error count for maybe-reset error", "file", item.File,
			"httpErrorCode", item.HTTPErrorCode, "errorCount", uploadInfo.ErrorCount)
	}
	if err := p.Journal.SetUploadInfo(ctx, item.File, uploadInfo); err != nil {
		j.log.Warn(ctx, "could not store upload info", "file", item.File, "error", err)
	}
	if err := p.Journal.Commit(ctx, "Upload info"); err != nil {
		j.log.Warn(ctx, "could not commit upload info", "file", item.File, "error", err)
	}
}

// commonErrorHandling routes a failed PUT through journal bookkeeping,
// error classification and quota adjustment, then aborts the bulk job and
// reports the item. Runs on the controller context.
func (j *BulkPropagatorJob) commonErrorHandling(item *SyncFileItem, fileToUpload UploadFileInfo, job *PutMultiFileJob) {
	p := j.propagator
	ctx := j.ctx

	errorString, body := job.ErrorStringParsingBody()
	j.log.Debug(ctx, "bulk upload error body", "file", item.File, "body", string(body))

	if item.HTTPErrorCode == 412 {
		// Precondition failed: etag or checksum mismatch. The cached
		// parent etag may be stale; force a remote re-discovery.
		if err := p.Journal.SchedulePathForRemoteDiscovery(ctx, item.File); err != nil {
			j.log.Warn(ctx, "could not schedule remote discovery", "file", item.File, "error", err)
		}
		p.AnotherSyncNeeded = true
	}

	j.checkResettingErrors(item)

	status := classifyError(job.Err(), item.HTTPErrorCode, &p.AnotherSyncNeeded, body)

	if item.HTTPErrorCode == 507 {
		// The quota expectation is stored for the file to upload, whose
		// size may differ from the item after local filters ran.
		folder := path.Dir(item.File)
		if quota, ok := p.FolderQuota[folder]; ok {
			if fileToUpload.Size-1 < quota {
				p.FolderQuota[folder] = fileToUpload.Size - 1
			}
		} else {
			p.FolderQuota[folder] = fileToUpload.Size - 1
		}

		status = DetailError
		errorString = fmt.Sprintf("Upload of %s exceeds the quota for the folder", humanize.IBytes(uint64(fileToUpload.Size)))
		p.emitInsufficientRemoteStorage()
	}

	j.abortWithError(item, status, errorString)
}

// abortWithError tears down in-flight network jobs and reports the item.
func (j *BulkPropagatorJob) abortWithError(item *SyncFileItem, status Status, errorString string) {
	j.abortNetworkJobs()
	j.done(item, status, errorString)
}

// failBeforeUpload reports an item that never made it into the batch.
func (j *BulkPropagatorJob) failBeforeUpload(item *SyncFileItem, status Status, errorString string) {
	j.checksumStageDone()
	j.done(item, status, errorString)
	j.log.Info(j.ctx, "upload not started", "file", item.File, "status", status, "error", errorString)
}

// dropItem silently retires an item during an abort. Runs on the controller
// context.
func (j *BulkPropagatorJob) dropItem(item *SyncFileItem) {
	if _, ok := j.pollItems[item]; ok {
		delete(j.pollItems, item)
	} else {
		j.inFlight--
	}
	j.checkBatchComplete()
}

// done gives the item its terminal status, runs restoration and blacklist
// bookkeeping, folds the status into the final one and emits completion.
// Runs on the controller context.
func (j *BulkPropagatorJob) done(item *SyncFileItem, status Status, errorString string) {
	p := j.propagator
	ctx := j.ctx

	item.Status = status
	item.ErrorString = errorString

	j.handleFileRestoration(item, errorString)

	// An abort is ongoing; hard errors of the casualties become soft so
	// the files are retried next sync.
	if p.AbortRequested() && (item.Status == NormalError || item.Status == FatalError) {
		item.Status = SoftError
	}

	j.handleBlacklist(item)
	j.handleJobDoneErrors(item)

	j.log.Info(ctx, "item completed",
		"file", item.Destination(), "status", item.Status,
		"instruction", item.Instruction, "error", item.ErrorString)
	p.emitItemCompleted(item)

	if _, ok := j.pollItems[item]; ok {
		delete(j.pollItems, item)
	} else {
		j.inFlight--
	}
	j.checkBatchComplete()
}

// handleFileRestoration rewrites the status of restoration items: a clean
// or conflicting upload restores the file, anything else reports the
// restoration failure.
func (j *BulkPropagatorJob) handleFileRestoration(item *SyncFileItem, errorString string) {
	if !item.IsRestoration {
		return
	}
	if item.Status == Success || item.Status == Conflict {
		item.Status = Restoration
	} else {
		item.ErrorString += fmt.Sprintf("; Restoration Failed: %s", errorString)
	}
}

// handleBlacklist wipes blacklist entries of clean items and records failed
// ones. Recording may itself rewrite the item status, which then feeds the
// final status mapping.
func (j *BulkPropagatorJob) handleBlacklist(item *SyncFileItem) {
	p := j.propagator
	ctx := j.ctx

	if item.Status == Success || item.Status == Restoration {
		if err := p.Journal.WipeErrorBlacklistEntry(ctx, item.File); err != nil {
			j.log.Warn(ctx, "could not wipe blacklist entry", "file", item.File, "error", err)
		}
		if item.OriginalFile != "" && item.OriginalFile != item.File {
			if err := p.Journal.WipeErrorBlacklistEntry(ctx, item.OriginalFile); err != nil {
				j.log.Warn(ctx, "could not wipe blacklist entry", "file", item.OriginalFile, "error", err)
			}
		}
	} else {
		blacklistUpdate(ctx, p.Journal, item, j.log)
		p.AnotherSyncNeeded = true
	}

	if err := p.Journal.Commit(ctx, "blacklist entry"); err != nil {
		j.log.Warn(ctx, "could not commit blacklist entry", "file", item.File, "error", err)
	}
}

// handleJobDoneErrors folds the item status into the job's final status and
// escalates fatal errors into a propagator-wide abort.
func (j *BulkPropagatorJob) handleJobDoneErrors(item *SyncFileItem) {
	if item.HasErrorStatus() {
		j.log.Warn(j.ctx, "could not complete propagation", "file", item.Destination(),
			"status", item.Status, "error", item.ErrorString)
	}

	if item.Status == FatalError {
		j.propagator.Abort()
		j.abortNetworkJobs()
	}

	switch item.Status {
	case BlacklistedError, Conflict, FatalError, FileIgnored, FileLocked, FileNameInvalid, NoStatus, NormalError, Restoration, SoftError:
		j.setFinalStatus(NormalError)
		j.log.Info(j.ctx, "modify final status", "finalStatus", NormalError, "itemStatus", item.Status)
	case DetailError:
		j.setFinalStatus(DetailError)
		j.log.Info(j.ctx, "modify final status", "finalStatus", DetailError, "itemStatus", item.Status)
	case Success:
	}
}

// checkBatchComplete schedules the next batch once the current one drained,
// or finishes the job when nothing is left anywhere. Runs on the controller
// context.
func (j *BulkPropagatorJob) checkBatchComplete() {
	j.refreshIdle()

	if j.inFlight > 0 {
		return
	}
	if len(j.items) > 0 {
		j.scheduleSelfOrChild()
		return
	}
	if j.activeJobCount() == 0 && j.pendingPollJobs == 0 {
		j.emitFinished()
	}
}

// emitFinished reports the overall outcome exactly once and stops the
// controller loop.
func (j *BulkPropagatorJob) emitFinished() {
	if j.state == stateFinished {
		return
	}
	j.state = stateFinished

	j.idleMu.Lock()
	j.idle = true
	status := j.finalStatus
	j.idleMu.Unlock()

	j.log.Info(j.ctx, "final status", "status", status)
	j.finishedCh <- status
	close(j.stopCh)
}

// adjustedJobTimeout derives a transfer timeout from the payload size:
// three minutes per gigabyte, never below the current timeout and capped at
// thirty minutes.
func adjustedJobTimeout(current time.Duration, fileSize int64) time.Duration {
	const perGigabyte = 3 * time.Minute
	const ceiling = 30 * time.Minute

	scaled := time.Duration(float64(perGigabyte) * float64(fileSize) / 1e9)
	if scaled < current {
		return current
	}
	if scaled > ceiling {
		return ceiling
	}
	return scaled
}

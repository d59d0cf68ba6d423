// Package journal persists per-file transfer state across sync runs: upload
// progress records, poll locations for deferred server-side processing,
// conflict metadata and the error blacklist. All records are keyed by the
// file's path relative to the sync root.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/bulksync/internal/dbx"
	"github.com/dmitrijs2005/bulksync/internal/logging"
)

// UploadInfo records an upload in progress. A record with Valid=false is the
// empty record; storing it removes the row.
type UploadInfo struct {
	Valid           bool
	Chunk           int
	TransferID      int64
	Modtime         int64
	ErrorCount      int
	ContentChecksum string
	Size            int64
}

// PollInfo records the poll URL the server handed out for a deferred upload.
type PollInfo struct {
	File     string
	URL      string
	Modtime  int64
	FileSize int64
}

// ConflictRecord links a conflict upload to the file it was forked from.
// BaseModtime is -1 when unknown.
type ConflictRecord struct {
	Path            string
	InitialBasePath string
	BaseFileID      string
	BaseEtag        string
	BaseModtime     int64
}

// IsValid reports whether the record refers to a stored conflict.
func (c ConflictRecord) IsValid() bool {
	return c.Path != ""
}

// Error categories stored with blacklist entries.
const (
	ErrorCategoryNormal = iota
	ErrorCategoryInsufficientRemoteStorage
)

// ErrorBlacklistRecord tracks a file that repeatedly failed to sync.
type ErrorBlacklistRecord struct {
	File           string
	LastTryEtag    string
	LastTryModtime int64
	LastTryTime    int64
	RetryCount     int
	ErrorString    string
	ErrorCategory  int
	IgnoreDuration int64
	RequestID      string
}

// SyncJournal is the SQLite-backed store of sync state. Writes accumulate in
// a lazily opened transaction; Commit flushes them under a tag that shows up
// in the debug log. The journal is not safe for concurrent use; the
// propagator funnels all access through its controller context.
type SyncJournal struct {
	db  *sql.DB
	log logging.Logger

	mu sync.Mutex
	tx *sql.Tx
}

// Open opens (and migrates) the journal database at dsn.
func Open(ctx context.Context, dsn string, log logging.Logger) (*SyncJournal, error) {
	db, err := InitDatabase(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("init journal db: %w", err)
	}
	return &SyncJournal{db: db, log: log}, nil
}

// NewWithDB wraps an already opened and migrated database. Used by tests.
func NewWithDB(db *sql.DB, log logging.Logger) *SyncJournal {
	return &SyncJournal{db: db, log: log}
}

// Close rolls back any uncommitted writes and closes the database.
func (j *SyncJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.tx != nil {
		_ = j.tx.Rollback()
		j.tx = nil
	}
	return j.db.Close()
}

// handle returns the active transaction, starting one when write is set.
func (j *SyncJournal) handle(ctx context.Context, write bool) (dbx.DBTX, error) {
	if j.tx != nil {
		return j.tx, nil
	}
	if !write {
		return j.db, nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin journal tx: %w", err)
	}
	j.tx = tx
	return tx, nil
}

// Commit flushes pending writes. The tag names the call site for debugging.
func (j *SyncJournal) Commit(ctx context.Context, tag string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.log.Debug(ctx, "journal commit", "tag", tag)

	if j.tx == nil {
		return nil
	}
	err := j.tx.Commit()
	j.tx = nil
	if err != nil {
		return fmt.Errorf("journal commit %q: %w", tag, err)
	}
	return nil
}

// GetUploadInfo returns the stored upload record for path. A missing row
// yields the empty (invalid) record.
func (j *SyncJournal) GetUploadInfo(ctx context.Context, path string) (UploadInfo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	h, err := j.handle(ctx, false)
	if err != nil {
		return UploadInfo{}, err
	}

	row := h.QueryRowContext(ctx,
		`SELECT chunk, transferid, errorcount, size, modtime, contentchecksum FROM uploadinfo WHERE path=?`, path)

	info := UploadInfo{Valid: true}
	err = row.Scan(&info.Chunk, &info.TransferID, &info.ErrorCount, &info.Size, &info.Modtime, &info.ContentChecksum)
	if errors.Is(err, sql.ErrNoRows) {
		return UploadInfo{}, nil
	}
	if err != nil {
		return UploadInfo{}, fmt.Errorf("get upload info: %w", err)
	}
	return info, nil
}

// SetUploadInfo stores info under path. The empty record deletes the row.
func (j *SyncJournal) SetUploadInfo(ctx context.Context, path string, info UploadInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	h, err := j.handle(ctx, true)
	if err != nil {
		return err
	}

	if !info.Valid {
		if _, err := h.ExecContext(ctx, `DELETE FROM uploadinfo WHERE path=?`, path); err != nil {
			return fmt.Errorf("clear upload info: %w", err)
		}
		return nil
	}

	query := `INSERT INTO uploadinfo (path, chunk, transferid, errorcount, size, modtime, contentchecksum)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET chunk = excluded.chunk,
			transferid = excluded.transferid,
			errorcount = excluded.errorcount,
			size = excluded.size,
			modtime = excluded.modtime,
			contentchecksum = excluded.contentchecksum`
	_, err = h.ExecContext(ctx, query, path, info.Chunk, info.TransferID, info.ErrorCount, info.Size, info.Modtime, info.ContentChecksum)
	if err != nil {
		return fmt.Errorf("set upload info: %w", err)
	}
	return nil
}

// SetPollInfo stores the poll record. An empty URL deletes the row.
func (j *SyncJournal) SetPollInfo(ctx context.Context, info PollInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	h, err := j.handle(ctx, true)
	if err != nil {
		return err
	}

	if info.URL == "" {
		if _, err := h.ExecContext(ctx, `DELETE FROM pollinfo WHERE path=?`, info.File); err != nil {
			return fmt.Errorf("clear poll info: %w", err)
		}
		return nil
	}

	query := `INSERT INTO pollinfo (path, pollpath, modtime, filesize) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET pollpath = excluded.pollpath,
			modtime = excluded.modtime,
			filesize = excluded.filesize`
	_, err = h.ExecContext(ctx, query, info.File, info.URL, info.Modtime, info.FileSize)
	if err != nil {
		return fmt.Errorf("set poll info: %w", err)
	}
	return nil
}

// PollInfos returns all stored poll records, e.g. to resume them after a
// crash.
func (j *SyncJournal) PollInfos(ctx context.Context) ([]PollInfo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	h, err := j.handle(ctx, false)
	if err != nil {
		return nil, err
	}

	rows, err := h.QueryContext(ctx, `SELECT path, pollpath, modtime, filesize FROM pollinfo ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list poll info: %w", err)
	}
	defer rows.Close()

	var result []PollInfo
	for rows.Next() {
		var info PollInfo
		if err := rows.Scan(&info.File, &info.URL, &info.Modtime, &info.FileSize); err != nil {
			return nil, fmt.Errorf("scan poll info: %w", err)
		}
		result = append(result, info)
	}
	return result, rows.Err()
}

// GetConflictRecord returns the conflict record for path, or an invalid
// record when none is stored.
func (j *SyncJournal) GetConflictRecord(ctx context.Context, path string) (ConflictRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	h, err := j.handle(ctx, false)
	if err != nil {
		return ConflictRecord{}, err
	}

	row := h.QueryRowContext(ctx,
		`SELECT path, basefileid, baseetag, basemodtime, initialbasepath FROM conflicts WHERE path=?`, path)

	var rec ConflictRecord
	err = row.Scan(&rec.Path, &rec.BaseFileID, &rec.BaseEtag, &rec.BaseModtime, &rec.InitialBasePath)
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictRecord{}, nil
	}
	if err != nil {
		return ConflictRecord{}, fmt.Errorf("get conflict record: %w", err)
	}
	return rec, nil
}

// SetConflictRecord stores rec keyed by its path.
func (j *SyncJournal) SetConflictRecord(ctx context.Context, rec ConflictRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	h, err := j.handle(ctx, true)
	if err != nil {
		return err
	}

	query := `INSERT INTO conflicts (path, basefileid, baseetag, basemodtime, initialbasepath)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET basefileid = excluded.basefileid,
			baseetag = excluded.baseetag,
			basemodtime = excluded.basemodtime,
			initialbasepath = excluded.initialbasepath`
	_, err = h.ExecContext(ctx, query, rec.Path, rec.BaseFileID, rec.BaseEtag, rec.BaseModtime, rec.InitialBasePath)
	if err != nil {
		return fmt.Errorf("set conflict record: %w", err)
	}
	return nil
}

// ErrorBlacklistEntry returns the blacklist entry for file and whether one
// exists.
func (j *SyncJournal) ErrorBlacklistEntry(ctx context.Context, file string) (ErrorBlacklistRecord, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	h, err := j.handle(ctx, false)
	if err != nil {
		return ErrorBlacklistRecord{}, false, err
	}

	row := h.QueryRowContext(ctx,
		`SELECT path, lasttryetag, lasttrymodtime, lasttrytime, retrycount, errorstring, errorcategory, ignoreduration, requestid
		 FROM blacklist WHERE path=?`, file)

	var rec ErrorBlacklistRecord
	err = row.Scan(&rec.File, &rec.LastTryEtag, &rec.LastTryModtime, &rec.LastTryTime,
		&rec.RetryCount, &rec.ErrorString, &rec.ErrorCategory, &rec.IgnoreDuration, &rec.RequestID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrorBlacklistRecord{}, false, nil
	}
	if err != nil {
		return ErrorBlacklistRecord{}, false, fmt.Errorf("get blacklist entry: %w", err)
	}
	return rec, true, nil
}

// SetErrorBlacklistEntry stores rec keyed by its file.
func (j *SyncJournal) SetErrorBlacklistEntry(ctx context.Context, rec ErrorBlacklistRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	h, err := j.handle(ctx, true)
	if err != nil {
		return err
	}

	query := `INSERT INTO blacklist (path, lasttryetag, lasttrymodtime, lasttrytime, retrycount, errorstring, errorcategory, ignoreduration, requestid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET lasttryetag = excluded.lasttryetag,
			lasttrymodtime = excluded.lasttrymodtime,
			lasttrytime = excluded.lasttrytime,
			retrycount = excluded.retrycount,
			errorstring = excluded.errorstring,
			errorcategory = excluded.errorcategory,
			ignoreduration = excluded.ignoreduration,
			requestid = excluded.requestid`
	_, err = h.ExecContext(ctx, query, rec.File, rec.LastTryEtag, rec.LastTryModtime, rec.LastTryTime,
		rec.RetryCount, rec.ErrorString, rec.ErrorCategory, rec.IgnoreDuration, rec.RequestID)
	if err != nil {
		return fmt.Errorf("set blacklist entry: %w", err)
	}
	return nil
}

// WipeErrorBlacklistEntry removes the blacklist entry for file, if any.
func (j *SyncJournal) WipeErrorBlacklistEntry(ctx context.Context, file string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	h, err := j.handle(ctx, true)
	if err != nil {
		return err
	}

	if _, err := h.ExecContext(ctx, `DELETE FROM blacklist WHERE path=?`, file); err != nil {
		return fmt.Errorf("wipe blacklist entry: %w", err)
	}
	return nil
}

// SchedulePathForRemoteDiscovery marks path so the next sync re-reads its
// metadata from the server instead of trusting cached etags.
func (j *SyncJournal) SchedulePathForRemoteDiscovery(ctx context.Context, path string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	h, err := j.handle(ctx, true)
	if err != nil {
		return err
	}

	if _, err := h.ExecContext(ctx,
		`INSERT INTO remote_discovery (path) VALUES (?) ON CONFLICT(path) DO NOTHING`, path); err != nil {
		return fmt.Errorf("schedule remote discovery: %w", err)
	}
	return nil
}

// PathsForRemoteDiscovery lists paths flagged for remote re-discovery.
func (j *SyncJournal) PathsForRemoteDiscovery(ctx context.Context) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	h, err := j.handle(ctx, false)
	if err != nil {
		return nil, err
	}

	rows, err := h.QueryContext(ctx, `SELECT path FROM remote_discovery ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list remote discovery paths: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan remote discovery path: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

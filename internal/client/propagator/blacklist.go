package propagator

import (
	"context"
	"time"

	"github.com/dmitrijs2005/bulksync/internal/client/journal"
	"github.com/dmitrijs2005/bulksync/internal/logging"
)

const (
	// minBlacklistIgnore is the initial back-off of a fresh blacklist entry.
	minBlacklistIgnore = 25 * time.Second
	// maxBlacklistIgnore caps the back-off growth.
	maxBlacklistIgnore = 24 * time.Hour
)

// createBlacklistEntry derives the next blacklist record for item from the
// previous one. The ignore duration grows fivefold per retry within
// [minBlacklistIgnore, maxBlacklistIgnore].
func createBlacklistEntry(old journal.ErrorBlacklistRecord, hadOld bool, item *SyncFileItem) journal.ErrorBlacklistRecord {
	entry := journal.ErrorBlacklistRecord{
		File:           item.File,
		LastTryEtag:    item.Etag,
		LastTryModtime: item.Modtime,
		LastTryTime:    time.Now().Unix(),
		RetryCount:     old.RetryCount + 1,
		ErrorString:    item.ErrorString,
		ErrorCategory:  journal.ErrorCategoryNormal,
		RequestID:      item.RequestID,
	}

	if item.HTTPErrorCode == 507 {
		entry.ErrorCategory = journal.ErrorCategoryInsufficientRemoteStorage
	}

	ignore := minBlacklistIgnore
	if hadOld && old.IgnoreDuration > 0 {
		ignore = time.Duration(old.IgnoreDuration) * time.Second * 5
	}
	if ignore < minBlacklistIgnore {
		ignore = minBlacklistIgnore
	}
	if ignore > maxBlacklistIgnore {
		ignore = maxBlacklistIgnore
	}
	entry.IgnoreDuration = int64(ignore.Seconds())

	return entry
}

// blacklistUpdate records the item's failure in the error blacklist, or
// wipes a stale entry when the failure kind is not blacklistable. Repeated
// soft errors are promoted to BlacklistedError so they stop being reported
// every run.
func blacklistUpdate(ctx context.Context, jrnl *journal.SyncJournal, item *SyncFileItem, log logging.Logger) {
	old, hadOld, err := jrnl.ErrorBlacklistEntry(ctx, item.File)
	if err != nil {
		log.Warn(ctx, "could not read blacklist entry", "file", item.File, "error", err)
	}

	mayBlacklist := item.Status == NormalError || item.Status == DetailError ||
		(item.Status == SoftError && item.HTTPErrorCode != 0)

	if !mayBlacklist {
		if hadOld {
			if err := jrnl.WipeErrorBlacklistEntry(ctx, item.File); err != nil {
				log.Warn(ctx, "could not wipe blacklist entry", "file", item.File, "error", err)
			}
		}
		item.HasBlacklistEntry = false
		return
	}

	entry := createBlacklistEntry(old, hadOld, item)
	if err := jrnl.SetErrorBlacklistEntry(ctx, entry); err != nil {
		log.Warn(ctx, "could not store blacklist entry", "file", item.File, "error", err)
		return
	}
	item.HasBlacklistEntry = true

	if entry.RetryCount > 1 && item.Status == SoftError {
		item.Status = BlacklistedError
		log.Info(ctx, "soft error repeated, blacklisting",
			"file", item.File, "retryCount", entry.RetryCount, "ignoreSeconds", entry.IgnoreDuration)
	}
}

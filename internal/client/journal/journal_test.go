package journal

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/bulksync/internal/logging"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.Default())
}

func openTestJournal(t *testing.T) *SyncJournal {
	t.Helper()
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(ctx, dsn, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpen_RunsMigrations(t *testing.T) {
	j := openTestJournal(t)

	// A freshly migrated journal answers queries on the upload, poll and
	// blacklist tables.
	ctx := context.Background()
	_, err := j.GetUploadInfo(ctx, "a.txt")
	require.NoError(t, err)
	_, err = j.PollInfos(ctx)
	require.NoError(t, err)
	_, _, err = j.ErrorBlacklistEntry(ctx, "a.txt")
	require.NoError(t, err)
}

func TestUploadInfo_RoundTrip(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	got, err := j.GetUploadInfo(ctx, "photos/cat.jpg")
	require.NoError(t, err)
	assert.False(t, got.Valid)

	info := UploadInfo{
		Valid:           true,
		Modtime:         1722800000,
		ErrorCount:      1,
		ContentChecksum: "MD5:d41d8cd98f00b204e9800998ecf8427e",
		Size:            1234,
	}
	require.NoError(t, j.SetUploadInfo(ctx, "photos/cat.jpg", info))
	require.NoError(t, j.Commit(ctx, "test"))

	got, err = j.GetUploadInfo(ctx, "photos/cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, info, got)

	// Storing the empty record clears the row.
	require.NoError(t, j.SetUploadInfo(ctx, "photos/cat.jpg", UploadInfo{}))
	require.NoError(t, j.Commit(ctx, "test"))

	got, err = j.GetUploadInfo(ctx, "photos/cat.jpg")
	require.NoError(t, err)
	assert.False(t, got.Valid)
}

func TestUploadInfo_UncommittedWritesVisibleToReader(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.SetUploadInfo(ctx, "a.txt", UploadInfo{Valid: true, Size: 1}))

	got, err := j.GetUploadInfo(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, got.Valid)
}

func TestPollInfo_RoundTrip(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	info := PollInfo{File: "big.bin", URL: "/poll/123", Modtime: 1722800000, FileSize: 42}
	require.NoError(t, j.SetPollInfo(ctx, info))
	require.NoError(t, j.Commit(ctx, "add poll info"))

	infos, err := j.PollInfos(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, info, infos[0])

	// An empty URL removes the record.
	require.NoError(t, j.SetPollInfo(ctx, PollInfo{File: "big.bin"}))
	require.NoError(t, j.Commit(ctx, "remove poll info"))

	infos, err = j.PollInfos(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestConflictRecord_RoundTrip(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	got, err := j.GetConflictRecord(ctx, "doc.txt")
	require.NoError(t, err)
	assert.False(t, got.IsValid())

	rec := ConflictRecord{
		Path:            "doc.txt",
		InitialBasePath: "doc (conflicted copy).txt",
		BaseFileID:      "fid9",
		BaseEtag:        "etag9",
		BaseModtime:     1722800000,
	}
	require.NoError(t, j.SetConflictRecord(ctx, rec))
	require.NoError(t, j.Commit(ctx, "test"))

	got, err = j.GetConflictRecord(ctx, "doc.txt")
	require.NoError(t, err)
	assert.True(t, got.IsValid())
	assert.Equal(t, rec, got)
}

func TestErrorBlacklist_RoundTrip(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	_, ok, err := j.ErrorBlacklistEntry(ctx, "bad.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	rec := ErrorBlacklistRecord{
		File:           "bad.txt",
		LastTryModtime: 1722800000,
		LastTryTime:    1722800100,
		RetryCount:     2,
		ErrorString:    "server replied 500",
		ErrorCategory:  ErrorCategoryNormal,
		IgnoreDuration: 50,
		RequestID:      "req-1",
	}
	require.NoError(t, j.SetErrorBlacklistEntry(ctx, rec))
	require.NoError(t, j.Commit(ctx, "test"))

	got, ok, err := j.ErrorBlacklistEntry(ctx, "bad.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	require.NoError(t, j.WipeErrorBlacklistEntry(ctx, "bad.txt"))
	require.NoError(t, j.Commit(ctx, "test"))

	_, ok, err = j.ErrorBlacklistEntry(ctx, "bad.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSchedulePathForRemoteDiscovery(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.SchedulePathForRemoteDiscovery(ctx, "b/doc.txt"))
	// Scheduling twice keeps a single entry.
	require.NoError(t, j.SchedulePathForRemoteDiscovery(ctx, "b/doc.txt"))
	require.NoError(t, j.Commit(ctx, "test"))

	paths, err := j.PathsForRemoteDiscovery(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b/doc.txt"}, paths)
}

func TestClose_RollsBackUncommitted(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(ctx, dsn, testLogger())
	require.NoError(t, err)
	require.NoError(t, j.SetUploadInfo(ctx, "a.txt", UploadInfo{Valid: true, Size: 1}))
	require.NoError(t, j.Close())

	j, err = Open(ctx, dsn, testLogger())
	require.NoError(t, err)
	defer j.Close()

	got, err := j.GetUploadInfo(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, got.Valid)
}

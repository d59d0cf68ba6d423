package propagator

import (
	"context"
	"strconv"
	"strings"
)

// adminRecallTag marks files taking part in an admin-triggered recall. The
// server stages such uploads away from the user's area.
const adminRecallTag = ".sys.admin#recall#"

// emptyEtagSentinel is what discovery stores when the server never supplied
// an etag; it must not end up in an If-Match.
const emptyEtagSentinel = "empty_etag"

// Header is one request header. Per-file header blocks keep their insertion
// order on the wire.
type Header struct {
	Key   string
	Value string
}

// itemHeaders assembles the per-file header block for item: content type,
// mtime, conditional If-Match, conflict metadata, the admin recall tag and
// the lazy-ops flag.
func (j *BulkPropagatorJob) itemHeaders(ctx context.Context, item *SyncFileItem) []Header {
	headers := []Header{
		{Key: "Content-Type", Value: "application/octet-stream"},
		{Key: "X-File-Mtime", Value: strconv.FormatInt(item.Modtime, 10)},
	}

	if j.lazyOps {
		headers = append(headers, Header{Key: "OC-LazyOps", Value: "true"})
	}

	if strings.Contains(item.File, adminRecallTag) {
		headers = append(headers, Header{Key: "OC-Tag", Value: adminRecallTag})
	}

	if item.Etag != "" && item.Etag != emptyEtagSentinel &&
		item.Instruction != InstructionNew &&
		item.Instruction != InstructionTypeChange {
		// The server always quotes etags; send it back the same way.
		headers = append(headers, Header{Key: "If-Match", Value: `"` + item.Etag + `"`})
	}

	conflict, err := j.propagator.Journal.GetConflictRecord(ctx, item.File)
	if err != nil {
		j.log.Warn(ctx, "could not read conflict record", "file", item.File, "error", err)
	}
	if conflict.IsValid() {
		headers = append(headers, Header{Key: "OC-Conflict", Value: "1"})
		if conflict.InitialBasePath != "" {
			headers = append(headers, Header{Key: "OC-ConflictInitialBasePath", Value: conflict.InitialBasePath})
		}
		if conflict.BaseFileID != "" {
			headers = append(headers, Header{Key: "OC-ConflictBaseFileId", Value: conflict.BaseFileID})
		}
		if conflict.BaseModtime != -1 {
			headers = append(headers, Header{Key: "OC-ConflictBaseMtime", Value: strconv.FormatInt(conflict.BaseModtime, 10)})
		}
		if conflict.BaseEtag != "" {
			headers = append(headers, Header{Key: "OC-ConflictBaseEtag", Value: conflict.BaseEtag})
		}
	}

	return headers
}

// headerValue returns the first header with the given key, "" when absent.
func headerValue(headers []Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// parseEtag normalizes a server etag: the weak marker and surrounding
// quotes are stripped.
func parseEtag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

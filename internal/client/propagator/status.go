package propagator

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"syscall"
)

// remoteHostClosed reports whether the transport error looks like the server
// closing the connection mid-request. Server bugs can do this on certain
// files, and that should not bring the rest of the sync to a halt.
func remoteHostClosed(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset")
}

// classifyError maps a transport error and HTTP status code onto an item
// status. anotherSyncNeeded is set for conditions a follow-up sync run can
// resolve. body is the raw error body, consulted for the server maintenance
// marker.
func classifyError(err error, httpCode int, anotherSyncNeeded *bool, body []byte) Status {
	if err != nil {
		if remoteHostClosed(err) {
			return NormalError
		}
		// Any other connection-level failure stops the sync run.
		return FatalError
	}

	if httpCode == 503 {
		// Maintenance mode must terminate the run so the server is not
		// flooded with further requests. Detection keys on the DAV
		// exception marker, except when the storage backend is merely
		// reporting a transient outage.
		probablyMaintenance := bytes.Contains(body, []byte(`>Sabre\DAV\Exception\ServiceUnavailable<`)) &&
			!bytes.Contains(body, []byte("Storage is temporarily not available"))
		if probablyMaintenance {
			return FatalError
		}
		return NormalError
	}

	if httpCode == 412 {
		// Precondition failed: an etag or checksum mismatch.
		return SoftError
	}

	if httpCode == 423 {
		// Locked server-side, should be temporary.
		if anotherSyncNeeded != nil {
			*anotherSyncNeeded = true
		}
		return FileLocked
	}

	return NormalError
}

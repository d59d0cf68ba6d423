package propagator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/bulksync/internal/client/account"
	"github.com/dmitrijs2005/bulksync/internal/logging"
)

// OneUploadFileData carries one file's streaming body and its per-part
// header block into the multi-file job. The job owns the device from here
// on and closes it when the request ends.
type OneUploadFileData struct {
	Device  *UploadDevice
	Headers []Header
}

// PutMultiFileJob sends all batched file bodies in a single multipart/mixed
// request against the bulk endpoint and parses the per-file reply array.
type PutMultiFileJob struct {
	account *account.Account
	url     string
	files   []OneUploadFileData
	log     logging.Logger

	requestID string

	mu     sync.Mutex
	cancel context.CancelFunc

	httpStatus        int
	responseTimestamp string
	replies           []map[string]any
	body              []byte
	err               error
}

// NewPutMultiFileJob builds the job; Start performs the request.
func NewPutMultiFileJob(acct *account.Account, url string, files []OneUploadFileData, log logging.Logger) *PutMultiFileJob {
	return &PutMultiFileJob{
		account:   acct,
		url:       url,
		files:     files,
		log:       log,
		requestID: uuid.NewString(),
	}
}

func (job *PutMultiFileJob) RequestID() string { return job.requestID }

// HTTPStatus returns the outer response status code, 0 when no response
// arrived.
func (job *PutMultiFileJob) HTTPStatus() int { return job.httpStatus }

// ResponseTimestamp returns the server's Date header.
func (job *PutMultiFileJob) ResponseTimestamp() string { return job.responseTimestamp }

// Replies returns the parsed per-file reply objects.
func (job *PutMultiFileJob) Replies() []map[string]any { return job.replies }

// Err returns the transport-level error, nil when a response was received.
func (job *PutMultiFileJob) Err() error { return job.err }

// Abort cancels the in-flight request.
func (job *PutMultiFileJob) Abort() {
	job.mu.Lock()
	cancel := job.cancel
	job.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Start runs the request synchronously and records the outcome on the job.
// The caller typically invokes it from its own goroutine and inspects the
// job once Start returns.
func (job *PutMultiFileJob) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	job.mu.Lock()
	job.cancel = cancel
	job.mu.Unlock()
	defer cancel()

	start := time.Now()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		var err error
		for _, f := range job.files {
			if err == nil {
				var part io.Writer
				part, err = mw.CreatePart(mimeHeader(f.Headers))
				if err == nil {
					_, err = io.Copy(part, f.Device)
				}
			}
			_ = f.Device.Close()
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.url, pr)
	if err != nil {
		job.err = err
		return
	}
	req.Header.Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	req.Header.Set("X-Request-ID", job.requestID)
	job.account.Authorize(req)

	resp, err := job.account.HTTPClient.Do(req)
	if err != nil {
		job.err = err
		job.log.Warn(ctx, "bulk upload request failed", "url", job.url, "error", err)
		return
	}
	defer resp.Body.Close()

	job.httpStatus = resp.StatusCode
	job.responseTimestamp = resp.Header.Get("Date")
	job.body, _ = io.ReadAll(resp.Body)

	if len(job.body) > 0 {
		var replies []map[string]any
		if err := json.Unmarshal(job.body, &replies); err == nil {
			job.replies = replies
		}
	}

	job.log.Info(ctx, "bulk upload finished",
		"url", job.url, "files", len(job.files), "status", resp.StatusCode,
		"elapsed", time.Since(start).Round(time.Millisecond))
}

func mimeHeader(headers []Header) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader, len(headers))
	for _, hdr := range headers {
		h.Set(hdr.Key, hdr.Value)
	}
	return h
}

// replyValue reads a string field from a per-file reply object.
func replyValue(reply map[string]any, key string) string {
	v, ok := reply[key]
	if !ok {
		return ""
	}
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return fmt.Sprintf("%.0f", value)
	default:
		return ""
	}
}

var davMessagePattern = regexp.MustCompile(`(?s)<s:message[^>]*>(.*?)</s:message>`)

// ErrorStringParsingBody extracts a human-readable message from the error
// reply body, falling back to the transport error or the HTTP status text.
// The raw body is returned for diagnostics.
func (job *PutMultiFileJob) ErrorStringParsingBody() (string, []byte) {
	if msg := extractErrorMessage(job.body); msg != "" {
		return msg, job.body
	}
	if job.err != nil {
		return job.err.Error(), job.body
	}
	return fmt.Sprintf("server replied %d %s", job.httpStatus, http.StatusText(job.httpStatus)), job.body
}

func extractErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var ocsBody struct {
		OCS struct {
			Meta struct {
				Message string `json:"message"`
			} `json:"meta"`
		} `json:"ocs"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &ocsBody); err == nil {
		if ocsBody.OCS.Meta.Message != "" {
			return ocsBody.OCS.Meta.Message
		}
		if ocsBody.Message != "" {
			return ocsBody.Message
		}
	}

	if m := davMessagePattern.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}

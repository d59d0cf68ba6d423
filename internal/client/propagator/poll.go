package propagator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/bulksync/internal/client/account"
	"github.com/dmitrijs2005/bulksync/internal/logging"
)

// pollStatus values the server reports while a deferred upload is being
// assembled.
const (
	pollStatusInit     = "init"
	pollStatusStarted  = "started"
	pollStatusFinished = "finished"
	pollStatusError    = "error"
)

// PollResult is the terminal reply of a poll URL.
type PollResult struct {
	Status       string `json:"status"`
	ETag         string `json:"etag"`
	FileID       string `json:"fileid"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// PollJob repeatedly fetches the poll URL the server handed out with a 202
// reply, until the upload reaches a terminal state.
type PollJob struct {
	account *account.Account
	url     string
	item    *SyncFileItem
	file    UploadFileInfo
	log     logging.Logger

	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewPollJob builds a poll job for one deferred item.
func NewPollJob(acct *account.Account, url string, item *SyncFileItem, file UploadFileInfo, log logging.Logger) *PollJob {
	return &PollJob{
		account:   acct,
		url:       url,
		item:      item,
		file:      file,
		log:       log,
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
	}
}

// pollURL resolves the stored poll path against the account base URL.
func (pj *PollJob) pollURL() string {
	if strings.HasPrefix(pj.url, "http://") || strings.HasPrefix(pj.url, "https://") {
		return pj.url
	}
	return strings.TrimRight(pj.account.BaseURL.String(), "/") + "/" + strings.TrimLeft(pj.url, "/")
}

// Run polls until the server reports a terminal state or ctx ends. The
// returned result has Status "finished" or "error"; a non-nil error means
// polling itself failed.
func (pj *PollJob) Run(ctx context.Context) (PollResult, error) {
	var result PollResult

	backoff := retry.WithCappedDuration(pj.maxDelay, retry.NewFibonacci(pj.baseDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := pj.pollOnce(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		switch res.Status {
		case pollStatusFinished, pollStatusError:
			result = res
			return nil
		case pollStatusInit, pollStatusStarted, "":
			return retry.RetryableError(fmt.Errorf("upload of %s not processed yet", pj.item.File))
		default:
			return fmt.Errorf("unexpected poll status %q", res.Status)
		}
	})
	if err != nil {
		return PollResult{}, err
	}

	pj.log.Debug(ctx, "poll finished", "file", pj.item.File, "status", result.Status)
	return result, nil
}

func (pj *PollJob) pollOnce(ctx context.Context) (PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pj.pollURL(), nil)
	if err != nil {
		return PollResult{}, err
	}
	pj.account.Authorize(req)

	resp, err := pj.account.HTTPClient.Do(req)
	if err != nil {
		return PollResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PollResult{}, err
	}
	if resp.StatusCode >= 400 {
		return PollResult{}, fmt.Errorf("poll replied %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var res PollResult
	if err := json.Unmarshal(body, &res); err != nil {
		return PollResult{}, fmt.Errorf("decode poll reply: %w", err)
	}
	return res, nil
}

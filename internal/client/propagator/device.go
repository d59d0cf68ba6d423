package propagator

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/time/rate"
)

const minBandwidthBurst = 64 * 1024

// BandwidthManager throttles all upload bodies of a batch against one
// shared rate limit. The zero limit means unlimited.
type BandwidthManager struct {
	limiter *rate.Limiter
}

// NewBandwidthManager creates a manager limited to bytesPerSecond upstream.
// A non-positive limit disables throttling.
func NewBandwidthManager(bytesPerSecond int64) *BandwidthManager {
	if bytesPerSecond <= 0 {
		return &BandwidthManager{}
	}
	burst := int(bytesPerSecond)
	if burst < minBandwidthBurst {
		burst = minBandwidthBurst
	}
	return &BandwidthManager{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

func (b *BandwidthManager) wait(ctx context.Context, n int) error {
	if b == nil || b.limiter == nil {
		return nil
	}
	if n > b.limiter.Burst() {
		n = b.limiter.Burst()
	}
	return b.limiter.WaitN(ctx, n)
}

// UploadDevice is a streaming read handle over a byte range of a local
// file, routed through the shared bandwidth manager. It is handed to the
// multi-file job, which owns it until the request ends.
type UploadDevice struct {
	file      *os.File
	remaining int64
	bandwidth *BandwidthManager
	ctx       context.Context
}

// OpenUploadDevice opens path for reading the range [offset, offset+size).
func OpenUploadDevice(ctx context.Context, path string, offset, size int64, bandwidth *BandwidthManager) (*UploadDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
	}
	return &UploadDevice{file: f, remaining: size, bandwidth: bandwidth, ctx: ctx}, nil
}

func (d *UploadDevice) Read(p []byte) (int, error) {
	if d.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > d.remaining {
		p = p[:d.remaining]
	}
	n, err := d.file.Read(p)
	d.remaining -= int64(n)
	if n > 0 {
		if werr := d.bandwidth.wait(d.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (d *UploadDevice) Close() error {
	return d.file.Close()
}

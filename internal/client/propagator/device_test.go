package propagator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadDevice_ReadsExactRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	t.Run("full file", func(t *testing.T) {
		d, err := OpenUploadDevice(context.Background(), path, 0, 10, NewBandwidthManager(0))
		require.NoError(t, err)
		defer d.Close()

		data, err := io.ReadAll(d)
		require.NoError(t, err)
		assert.Equal(t, "0123456789", string(data))
	})

	t.Run("bounded range", func(t *testing.T) {
		d, err := OpenUploadDevice(context.Background(), path, 2, 5, NewBandwidthManager(0))
		require.NoError(t, err)
		defer d.Close()

		data, err := io.ReadAll(d)
		require.NoError(t, err)
		assert.Equal(t, "23456", string(data))
	})

	t.Run("size longer than file", func(t *testing.T) {
		d, err := OpenUploadDevice(context.Background(), path, 0, 100, NewBandwidthManager(0))
		require.NoError(t, err)
		defer d.Close()

		data, err := io.ReadAll(d)
		require.NoError(t, err)
		assert.Equal(t, "0123456789", string(data))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := OpenUploadDevice(context.Background(), filepath.Join(dir, "missing"), 0, 1, NewBandwidthManager(0))
		assert.Error(t, err)
	})
}

func TestUploadDevice_NilBandwidthManager(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))

	d, err := OpenUploadDevice(context.Background(), path, 0, 3, nil)
	require.NoError(t, err)
	defer d.Close()

	data, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestBandwidthManager_Throttles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	payload := make([]byte, 5*minBandwidthBurst)
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	// The burst covers the first 4 chunks; the last one waits on the limiter.
	bm := NewBandwidthManager(int64(4 * minBandwidthBurst))
	d, err := OpenUploadDevice(context.Background(), path, 0, int64(len(payload)), bm)
	require.NoError(t, err)
	defer d.Close()

	start := time.Now()
	data, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Len(t, data, len(payload))
	assert.Greater(t, time.Since(start), 100*time.Millisecond)
}

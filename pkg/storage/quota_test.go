package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageUsageEmpty(t *testing.T) {
	s, _ := newTestStorage(t, Config{MaxStorageSize: 100})

	usage, err := s.StorageUsage()
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.UsedBytes)
	assert.Equal(t, int64(100), usage.MaxBytes)
	assert.Equal(t, int64(100), usage.AvailableBytes)
	assert.Equal(t, float64(0), usage.UsagePercent)
	assert.False(t, usage.IsFull)
	assert.Equal(t, 0, usage.UploadsCount)
	assert.Equal(t, 0, usage.FilesCount)
}

func TestStorageUsageCountsBothDirectories(t *testing.T) {
	s, _ := newTestStorage(t, Config{MaxStorageSize: 100})
	ctx := context.Background()

	// One finalized file of 10 bytes, one partial upload of 40 bytes.
	done := newTestRecord("c1", "c1.bin", 10)
	require.NoError(t, s.CreateUpload(ctx, done))
	writeAndTrack(t, s, done, make([]byte, 10), 0)
	require.NoError(t, s.Finalize(ctx, "c1"))

	partial := newTestRecord("p1", "p1.bin", 80)
	require.NoError(t, s.CreateUpload(ctx, partial))
	writeAndTrack(t, s, partial, make([]byte, 40), 0)

	usage, err := s.StorageUsage()
	require.NoError(t, err)
	assert.Equal(t, int64(50), usage.UsedBytes)
	assert.Equal(t, int64(50), usage.AvailableBytes)
	assert.Equal(t, float64(50), usage.UsagePercent)
	assert.False(t, usage.IsFull)
	assert.Equal(t, 1, usage.FilesCount)
	assert.Equal(t, 1, usage.UploadsCount)
}

func TestCheckQuota(t *testing.T) {
	s, _ := newTestStorage(t, Config{MaxStorageSize: 100})
	ctx := context.Background()

	record := newTestRecord("p1", "p1.bin", 100)
	require.NoError(t, s.CreateUpload(ctx, record))
	writeAndTrack(t, s, record, make([]byte, 60), 0)

	// The chunk that exactly fills the cap is admitted.
	usage, err := s.CheckQuota(40)
	require.NoError(t, err)
	assert.Equal(t, int64(60), usage.UsedBytes)

	// One byte more is refused, with the snapshot still returned for the
	// quota headers.
	usage, err = s.CheckQuota(41)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	require.NotNil(t, usage)
	assert.Equal(t, int64(60), usage.UsedBytes)
	assert.Equal(t, int64(40), usage.AvailableBytes)
}

func TestCheckQuotaUnlimited(t *testing.T) {
	s, _ := newTestStorage(t, Config{})

	usage, err := s.CheckQuota(1 << 40)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.MaxBytes)
	assert.False(t, usage.IsFull)
}

package storage

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrQuotaExceeded is returned by CheckQuota when admitting the incoming
// bytes would push total usage past the configured maximum.
var ErrQuotaExceeded = errors.New("storage: insufficient storage space")

// Usage is a snapshot of disk consumption across the uploads and files
// directories.
type Usage struct {
	// UsedBytes is the sum of file sizes under uploads/ and files/.
	UsedBytes int64 `json:"used"`
	// MaxBytes is the configured cap. Zero means unlimited.
	MaxBytes int64 `json:"max"`
	// AvailableBytes is max minus used, floored at zero. Zero when the
	// cap is unlimited as well; check MaxBytes to distinguish.
	AvailableBytes int64 `json:"available"`
	// UsagePercent is used over max, as a percentage. Zero when
	// unlimited.
	UsagePercent float64 `json:"usage_percent"`
	// IsFull reports whether usage has reached the cap.
	IsFull bool `json:"is_full"`

	FilesCount   int `json:"files_count"`
	UploadsCount int `json:"uploads_count"`
}

// StorageUsage walks the storage directories and sums actual bytes on
// disk. Sparse or partially written uploads therefore count only what
// has really been persisted.
func (s *Storage) StorageUsage() (*Usage, error) {
	usage := &Usage{MaxBytes: s.maxStorage}

	uploadsBytes, uploadsCount, err := dirUsage(s.uploadsPath)
	if err != nil {
		return nil, err
	}
	filesBytes, filesCount, err := dirUsage(s.filesPath)
	if err != nil {
		return nil, err
	}

	usage.UsedBytes = uploadsBytes + filesBytes
	usage.UploadsCount = uploadsCount
	usage.FilesCount = filesCount

	if s.maxStorage > 0 {
		available := s.maxStorage - usage.UsedBytes
		if available < 0 {
			available = 0
		}
		usage.AvailableBytes = available
		usage.UsagePercent = float64(usage.UsedBytes) / float64(s.maxStorage) * 100
		usage.IsFull = usage.UsedBytes >= s.maxStorage
	}

	return usage, nil
}

// CheckQuota reports whether incoming additional bytes fit under the
// cap. It returns the usage snapshot either way so callers can populate
// quota headers, and ErrQuotaExceeded when admission must be refused.
func (s *Storage) CheckQuota(incoming int64) (*Usage, error) {
	usage, err := s.StorageUsage()
	if err != nil {
		return nil, err
	}
	if s.maxStorage > 0 && usage.UsedBytes+incoming > s.maxStorage {
		return usage, ErrQuotaExceeded
	}
	return usage, nil
}

func dirUsage(dir string) (int64, int, error) {
	var bytes int64
	var count int
	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish mid-walk when a sweep or delete races the
			// scan.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		bytes += info.Size()
		count++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return bytes, count, nil
}

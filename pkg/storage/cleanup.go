package storage

import (
	"context"
	"os"
	"time"

	"golang.org/x/exp/slog"
)

// CleanupStats summarizes one sweep.
type CleanupStats struct {
	// ExpiredUploads is the number of in-progress uploads removed because
	// their upload deadline passed.
	ExpiredUploads int `json:"expired_uploads"`
	// ExpiredFiles is the number of finalized files removed because their
	// retention deadline passed.
	ExpiredFiles int `json:"expired_files"`
	// ReclaimedBytes is the total on-disk size of everything removed.
	ReclaimedBytes int64 `json:"reclaimed_bytes"`
	// Skipped counts victims left alone because their lock was held,
	// meaning a request was actively working on them.
	Skipped int `json:"skipped"`
}

// CleanupExpired removes expired in-progress uploads and finalized files
// whose retention deadline has passed. Sweeps are serialized; a second
// caller blocks until the running sweep finishes. Each victim is guarded
// by a try-lock so a sweep never deletes an upload mid-write.
func (s *Storage) CleanupExpired(ctx context.Context) (*CleanupStats, error) {
	s.sweepMutex.Lock()
	defer s.sweepMutex.Unlock()

	stats := &CleanupStats{}
	now := time.Now().UTC()

	uploads, err := s.ListUploads(ctx, true, true)
	if err != nil {
		return nil, err
	}
	for _, record := range uploads {
		var expired bool
		switch {
		case !record.IsFinal:
			expired = record.Expired(now)
		case record.Retention == RetentionTTL:
			expired = record.RetentionExpiresAt != nil && record.RetentionExpiresAt.Before(now)
		}
		if !expired {
			continue
		}

		reclaimed, removed, err := s.removeVictim(ctx, record.FileID, record.OwnerID)
		if err != nil {
			s.logger.Error("CleanupError", "id", record.FileID, "error", err.Error())
			continue
		}
		if !removed {
			stats.Skipped++
			continue
		}
		stats.ReclaimedBytes += reclaimed
		if record.IsFinal {
			stats.ExpiredFiles++
		} else {
			stats.ExpiredUploads++
		}
	}

	// File records can outlive their upload records, which carry a TTL in
	// the state backend. Sweep them independently.
	files, err := s.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	for _, record := range files {
		if record.Retention != RetentionTTL {
			continue
		}
		if record.RetentionExpiresAt == nil || !record.RetentionExpiresAt.Before(now) {
			continue
		}
		if _, err := s.GetUpload(ctx, record.FileID); err == nil {
			// Already handled through the upload record above.
			continue
		}

		reclaimed, removed, err := s.removeVictim(ctx, record.FileID, record.OwnerID)
		if err != nil {
			s.logger.Error("CleanupError", "id", record.FileID, "error", err.Error())
			continue
		}
		if !removed {
			stats.Skipped++
			continue
		}
		stats.ReclaimedBytes += reclaimed
		stats.ExpiredFiles++
	}

	if stats.ExpiredUploads > 0 || stats.ExpiredFiles > 0 || stats.Skipped > 0 {
		s.logger.Info("CleanupFinished",
			"expiredUploads", stats.ExpiredUploads,
			"expiredFiles", stats.ExpiredFiles,
			"reclaimedBytes", stats.ReclaimedBytes,
			"skipped", stats.Skipped)
	}
	return stats, nil
}

// removeVictim deletes one entry under its lock. A held lock means a
// request is touching the upload right now; the victim is skipped and
// picked up by a later sweep.
func (s *Storage) removeVictim(ctx context.Context, id, ownerID string) (int64, bool, error) {
	lock := s.locker.NewLock(id)
	acquired, err := lock.TryLock(ctx)
	if err != nil {
		return 0, false, err
	}
	if !acquired {
		return 0, false, nil
	}
	// DeleteUpload releases the lock along with everything else.

	reclaimed := s.bytesOnDisk(ctx, id)
	if err := s.DeleteUpload(ctx, id); err != nil {
		lock.Unlock(ctx)
		return 0, false, err
	}

	if s.accounting != nil && reclaimed > 0 {
		s.accounting(ownerID, -reclaimed)
	}
	return reclaimed, true, nil
}

func (s *Storage) bytesOnDisk(ctx context.Context, id string) int64 {
	if stat, err := os.Stat(s.UploadPath(id)); err == nil {
		return stat.Size()
	}
	record, err := s.GetUpload(ctx, id)
	if err != nil || record.StoragePath == "" {
		if fileRecord, ferr := s.getFileRecord(ctx, id); ferr == nil {
			if stat, serr := os.Stat(fileRecord.StoragePath); serr == nil {
				return stat.Size()
			}
		}
		return 0
	}
	if stat, err := os.Stat(record.StoragePath); err == nil {
		return stat.Size()
	}
	return 0
}

// Scheduler periodically runs CleanupExpired until its context is
// cancelled.
type Scheduler struct {
	storage  *Storage
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a cleanup scheduler. A non-positive interval
// defaults to one hour.
func NewScheduler(storage *Storage, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{storage: storage, interval: interval, logger: logger}
}

// Run blocks, sweeping every interval, until ctx is cancelled. Sweep
// failures are logged and do not stop the loop.
func (sched *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(sched.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sched.storage.CleanupExpired(ctx); err != nil {
				sched.logger.Error("CleanupSweepFailed", "error", err.Error())
			}
		}
	}
}

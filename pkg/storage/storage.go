// Package storage implements the chunked byte storage and the upload
// state store of the transfer server.
//
// Bytes live on the local filesystem under three directories: `uploads/`
// holds in-progress uploads named by their file id, `files/` holds
// finalized files named `<file_id>_<filename>`, and `temp/` is reserved
// for atomic writes. The authoritative upload and completed-file records
// are JSON documents in the state backend, keyed `upload:<id>` and
// `file:<id>`. All mutations of a given upload's bytes are gated by the
// per-upload distributed lock.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"github.com/transferd/transferd/pkg/state"
	"github.com/transferd/transferd/pkg/statelocker"
)

var (
	// ErrNotFound is returned when neither an upload record nor a
	// completed-file record exists for an id, or when no bytes exist on
	// disk for a read.
	ErrNotFound = errors.New("storage: no such upload or file")
	// ErrNotComplete is returned by Finalize when the upload's offset has
	// not reached its declared size.
	ErrNotComplete = errors.New("storage: upload is not complete")
)

const (
	uploadKeyPrefix = "upload:"
	fileKeyPrefix   = "file:"

	// uploadRecordTTL bounds how long an upload record survives in the
	// state backend. Every record write renews it.
	uploadRecordTTL = 7 * 24 * time.Hour

	// DefaultChunkSize is the read granularity for downloads and the
	// advertised chunk size in file listings.
	DefaultChunkSize = 4 * 1024 * 1024
)

var defaultFilePerm = os.FileMode(0664)

// AccountingFunc is the optional per-principal storage accounting hook.
// It is invoked with the owner id and a byte delta (negative when bytes
// are reclaimed).
type AccountingFunc func(ownerID string, delta int64)

// Config describes a Storage instance.
type Config struct {
	// BasePath is the root storage directory. The uploads, files and temp
	// subdirectories are created beneath it.
	BasePath string
	// State is the backend holding upload, file and lock records.
	State state.Backend
	// ChunkSize is the default chunk size for read operations. Defaults
	// to DefaultChunkSize.
	ChunkSize int64
	// MaxStorageSize caps the total bytes under uploads/ and files/.
	// Zero means unlimited.
	MaxStorageSize int64
	// LockTimeout is the TTL for per-upload locks. Defaults to
	// statelocker.DefaultTimeout.
	LockTimeout time.Duration
	// Accounting, if set, is invoked whenever bytes are reclaimed on
	// behalf of an owner.
	Accounting AccountingFunc
	// Logger is used for sweep and finalization events. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Storage combines the on-disk chunk layout, the record store and the
// quota accountant.
type Storage struct {
	basePath    string
	uploadsPath string
	filesPath   string
	tempPath    string

	state      state.Backend
	locker     *statelocker.Locker
	chunkSize  int64
	maxStorage int64
	accounting AccountingFunc
	logger     *slog.Logger

	// sweepMutex serializes cleanup runs; a new sweep never begins while
	// the previous one is in flight.
	sweepMutex sync.Mutex
}

// New creates a Storage and ensures its directory layout exists.
func New(config Config) (*Storage, error) {
	if config.State == nil {
		return nil, errors.New("storage: a state backend is required")
	}

	chunkSize := config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Storage{
		basePath:    config.BasePath,
		uploadsPath: filepath.Join(config.BasePath, "uploads"),
		filesPath:   filepath.Join(config.BasePath, "files"),
		tempPath:    filepath.Join(config.BasePath, "temp"),
		state:       config.State,
		locker:      &statelocker.Locker{Backend: config.State, Timeout: config.LockTimeout},
		chunkSize:   chunkSize,
		maxStorage:  config.MaxStorageSize,
		accounting:  config.Accounting,
		logger:      logger,
	}

	for _, dir := range []string{s.uploadsPath, s.filesPath, s.tempPath} {
		if err := os.MkdirAll(dir, 0775); err != nil {
			return nil, fmt.Errorf("%w: %s", state.ErrUnavailable, err)
		}
	}

	return s, nil
}

// ChunkSize returns the configured chunk size.
func (s *Storage) ChunkSize() int64 {
	return s.chunkSize
}

// UploadPath returns the path of the in-progress bytes for an upload.
func (s *Storage) UploadPath(id string) string {
	return filepath.Join(s.uploadsPath, id)
}

// FinalPath returns the path a finalized upload is renamed to.
func (s *Storage) FinalPath(id, filename string) string {
	return filepath.Join(s.filesPath, id+"_"+sanitizeFilename(filename))
}

// sanitizeFilename strips anything that could escape the files directory
// from a client-supplied name. Only the final path element survives and
// both separator styles are treated as separators.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == ".." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

func uploadKey(id string) string {
	return uploadKeyPrefix + id
}

func fileKey(id string) string {
	return fileKeyPrefix + id
}

// CreateUpload persists a fresh upload record and creates the empty byte
// file. The file is not pre-allocated so storage quota is only consumed
// as chunks arrive.
func (s *Storage) CreateUpload(ctx context.Context, record *Record) error {
	record.StoragePath = s.UploadPath(record.FileID)

	if err := s.putUpload(ctx, record); err != nil {
		return err
	}

	file, err := os.OpenFile(s.UploadPath(record.FileID), os.O_CREATE|os.O_WRONLY, defaultFilePerm)
	if err != nil {
		if os.IsNotExist(err) {
			err = fmt.Errorf("upload directory does not exist: %s", s.uploadsPath)
		}
		return err
	}
	return file.Close()
}

// GetUpload returns the upload record or ErrNotFound.
func (s *Storage) GetUpload(ctx context.Context, id string) (*Record, error) {
	data, ok, err := s.state.Get(ctx, uploadKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return decodeRecord(data)
}

// UpdateUpload stamps the record's updated_at and persists it, renewing
// the record TTL.
func (s *Storage) UpdateUpload(ctx context.Context, record *Record) error {
	record.UpdatedAt = time.Now().UTC()
	return s.putUpload(ctx, record)
}

func (s *Storage) putUpload(ctx context.Context, record *Record) error {
	data, err := record.encode()
	if err != nil {
		return err
	}
	_, err = s.state.Set(ctx, uploadKey(record.FileID), data, state.SetOptions{TTL: uploadRecordTTL})
	return err
}

func (s *Storage) getFileRecord(ctx context.Context, id string) (*FileRecord, error) {
	data, ok, err := s.state.Get(ctx, fileKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return decodeFileRecord(data)
}

func (s *Storage) putFileRecord(ctx context.Context, record *FileRecord) error {
	data, err := record.encode()
	if err != nil {
		return err
	}
	_, err = s.state.Set(ctx, fileKey(record.FileID), data, state.SetOptions{})
	return err
}

// WriteChunk writes data at offset into the upload's byte file. It
// acquires the per-upload lock (with the locker's single retry), flushes
// before releasing it and returns the number of bytes written. The
// upload record is not updated here; the caller does so after success.
func (s *Storage) WriteChunk(ctx context.Context, id string, data []byte, offset int64) (int64, error) {
	lock := s.locker.NewLock(id)
	if err := lock.Lock(ctx); err != nil {
		return 0, err
	}
	defer lock.Unlock(ctx)

	path := s.UploadPath(id)
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	// The offset discipline guarantees offset equals the current length
	// at admission time, so an empty file is a plain append while a
	// non-empty file is positioned explicitly. A client disconnect may
	// have left bytes past the authoritative offset behind; seeking
	// overwrites them.
	var file *os.File
	if stat.Size() > 0 {
		file, err = os.OpenFile(path, os.O_WRONLY, defaultFilePerm)
		if err == nil {
			_, err = file.Seek(offset, io.SeekStart)
		}
	} else {
		file, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, defaultFilePerm)
	}
	if err != nil {
		if file != nil {
			file.Close()
		}
		return 0, err
	}

	n, err := file.Write(data)
	if err != nil {
		file.Close()
		return int64(n), err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return int64(n), err
	}
	return int64(n), file.Close()
}

// ReadChunk reads up to length bytes starting at offset. It prefers the
// uploads file while the upload is in progress; once the bytes have been
// moved, the completed record's storage path is used. Short reads at EOF
// are not an error.
func (s *Storage) ReadChunk(ctx context.Context, id string, offset, length int64) ([]byte, error) {
	path := s.UploadPath(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		record, err := s.GetUpload(ctx, id)
		switch {
		case err == nil && record.IsFinal:
			path = record.StoragePath
		case err == nil:
			return nil, ErrNotFound
		default:
			fileRecord, ferr := s.getFileRecord(ctx, id)
			if ferr != nil {
				return nil, ErrNotFound
			}
			path = fileRecord.StoragePath
		}
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer file.Close()

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// AvailableSize returns how many bytes can currently be downloaded: the
// offset for in-progress uploads, the full size for completed files.
func (s *Storage) AvailableSize(ctx context.Context, id string) (int64, error) {
	record, err := s.GetUpload(ctx, id)
	if err == nil {
		return record.Offset, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	fileRecord, err := s.getFileRecord(ctx, id)
	if err != nil {
		return 0, err
	}
	return fileRecord.AvailableSize, nil
}

// Finalize moves a complete upload into the files directory, writes the
// completed-file record and marks the upload record final. For the ttl
// retention policy, the retention deadline is computed here, exactly
// once.
func (s *Storage) Finalize(ctx context.Context, id string) error {
	record, err := s.GetUpload(ctx, id)
	if err != nil {
		return err
	}
	if !record.IsComplete() {
		return ErrNotComplete
	}

	src := s.UploadPath(id)
	dst := s.FinalPath(id, record.Filename)
	if _, err := os.Stat(src); err == nil {
		if err := os.Rename(src, dst); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	if record.Retention == RetentionTTL && record.RetentionTTL > 0 && record.RetentionExpiresAt == nil {
		deadline := now.Add(time.Duration(record.RetentionTTL) * time.Second)
		record.RetentionExpiresAt = &deadline
	}

	fileRecord := &FileRecord{
		FileID:             id,
		Filename:           record.Filename,
		Size:               record.Size,
		AvailableSize:      record.Size,
		MimeType:           record.MimeType,
		Checksum:           record.Checksum,
		IsComplete:         true,
		CreatedAt:          record.CreatedAt,
		CompletedAt:        now,
		StoragePath:        dst,
		Retention:          record.Retention,
		RetentionTTL:       record.RetentionTTL,
		RetentionExpiresAt: record.RetentionExpiresAt,
		DownloadCount:      0,
		OwnerID:            record.OwnerID,
	}
	if err := s.putFileRecord(ctx, fileRecord); err != nil {
		return err
	}

	record.IsFinal = true
	record.StoragePath = dst
	if err := s.UpdateUpload(ctx, record); err != nil {
		return err
	}

	s.logger.Info("UploadFinalized", "id", id, "size", record.Size, "retention", record.Retention)
	return nil
}

// RecoverFinalized re-runs finalization for uploads that reached their
// full size but whose finalize step never completed, e.g. because the
// process crashed between the record update and the rename. Intended to
// run once at startup.
func (s *Storage) RecoverFinalized(ctx context.Context) (int, error) {
	records, err := s.ListUploads(ctx, true, true)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, record := range records {
		if record.IsFinal || !record.IsComplete() {
			continue
		}
		if err := s.Finalize(ctx, record.FileID); err != nil {
			s.logger.Error("FinalizeRecoveryFailed", "id", record.FileID, "error", err.Error())
			continue
		}
		recovered++
	}
	return recovered, nil
}

// DeleteUpload removes the upload's records, its bytes in both the
// uploads and files directories and any held lock. Missing pieces are
// ignored, which makes the operation idempotent.
func (s *Storage) DeleteUpload(ctx context.Context, id string) error {
	record, err := s.GetUpload(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if _, err := s.state.Delete(ctx, uploadKey(id)); err != nil {
		return err
	}
	if _, err := s.state.Delete(ctx, fileKey(id)); err != nil {
		return err
	}

	if err := os.Remove(s.UploadPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if record != nil && record.Filename != "" {
		if err := os.Remove(s.FinalPath(id, record.Filename)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	// The record may be gone while bytes linger, so also sweep the files
	// directory for anything carrying this id.
	entries, err := os.ReadDir(s.filesPath)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasPrefix(entry.Name(), id+"_") {
				os.Remove(filepath.Join(s.filesPath, entry.Name()))
			}
		}
	}

	return s.locker.NewLock(id).Unlock(ctx)
}

// ListUploads enumerates upload records, filtered on is_final.
func (s *Storage) ListUploads(ctx context.Context, includeCompleted, includePartial bool) ([]*Record, error) {
	keys, err := s.state.ScanKeys(ctx, uploadKeyPrefix)
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		data, ok, err := s.state.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		record, err := decodeRecord(data)
		if err != nil {
			// A corrupt record must not break enumeration.
			s.logger.Error("UploadRecordCorrupt", "key", key, "error", err.Error())
			continue
		}
		if record.IsFinal && !includeCompleted {
			continue
		}
		if !record.IsFinal && !includePartial {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// ListFiles enumerates completed-file records.
func (s *Storage) ListFiles(ctx context.Context) ([]*FileRecord, error) {
	keys, err := s.state.ScanKeys(ctx, fileKeyPrefix)
	if err != nil {
		return nil, err
	}

	records := make([]*FileRecord, 0, len(keys))
	for _, key := range keys {
		data, ok, err := s.state.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		record, err := decodeFileRecord(data)
		if err != nil {
			s.logger.Error("FileRecordCorrupt", "key", key, "error", err.Error())
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// GetInfo returns the merged view for an id: the completed-file record
// when one exists, otherwise the upload record. ErrNotFound if neither
// exists.
func (s *Storage) GetInfo(ctx context.Context, id string) (*Info, error) {
	fileRecord, err := s.getFileRecord(ctx, id)
	if err == nil {
		return infoFromFileRecord(fileRecord), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	record, err := s.GetUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	return infoFromRecord(record), nil
}

func infoFromFileRecord(r *FileRecord) *Info {
	return &Info{
		FileID:             r.FileID,
		Filename:           r.Filename,
		Size:               r.Size,
		AvailableSize:      r.AvailableSize,
		MimeType:           r.MimeType,
		Checksum:           r.Checksum,
		IsComplete:         r.IsComplete,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.CompletedAt,
		Retention:          r.Retention,
		RetentionTTL:       r.RetentionTTL,
		RetentionExpiresAt: r.RetentionExpiresAt,
		DownloadCount:      r.DownloadCount,
		OwnerID:            r.OwnerID,
	}
}

func infoFromRecord(r *Record) *Info {
	return &Info{
		FileID:             r.FileID,
		Filename:           r.Filename,
		Size:               r.Size,
		AvailableSize:      r.Offset,
		MimeType:           r.MimeType,
		Checksum:           r.Checksum,
		IsComplete:         r.IsComplete(),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		ExpiresAt:          r.ExpiresAt,
		Retention:          r.Retention,
		RetentionTTL:       r.RetentionTTL,
		RetentionExpiresAt: r.RetentionExpiresAt,
		DownloadCount:      r.DownloadCount,
		OwnerID:            r.OwnerID,
	}
}

// RecordDownload increments the download counter for an entry and
// reports whether the retention policy demands deletion. Unknown ids
// yield a zero outcome rather than an error so the post-download hook
// stays quiet if the file raced with a delete.
func (s *Storage) RecordDownload(ctx context.Context, id string) (DownloadOutcome, error) {
	fileRecord, err := s.getFileRecord(ctx, id)
	if err == nil {
		fileRecord.DownloadCount++
		if err := s.putFileRecord(ctx, fileRecord); err != nil {
			return DownloadOutcome{}, err
		}
		return DownloadOutcome{
			ShouldDelete:  fileRecord.Retention == RetentionDownloadOnce,
			Retention:     fileRecord.Retention,
			DownloadCount: fileRecord.DownloadCount,
		}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return DownloadOutcome{}, err
	}

	record, err := s.GetUpload(ctx, id)
	if err == nil {
		record.DownloadCount++
		if err := s.UpdateUpload(ctx, record); err != nil {
			return DownloadOutcome{}, err
		}
		return DownloadOutcome{
			ShouldDelete:  record.Retention == RetentionDownloadOnce,
			Retention:     record.Retention,
			DownloadCount: record.DownloadCount,
		}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return DownloadOutcome{}, err
	}

	return DownloadOutcome{Retention: RetentionPermanent}, nil
}

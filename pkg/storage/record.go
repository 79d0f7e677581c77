package storage

import (
	"encoding/json"
	"time"
)

// RetentionPolicy governs when a completed file's bytes are reclaimed.
type RetentionPolicy string

const (
	// RetentionPermanent keeps the file until it is deleted manually.
	RetentionPermanent RetentionPolicy = "permanent"
	// RetentionDownloadOnce deletes the file after its first complete
	// download.
	RetentionDownloadOnce RetentionPolicy = "download_once"
	// RetentionTTL deletes the file once its retention TTL, counted from
	// finalization, has lapsed.
	RetentionTTL RetentionPolicy = "ttl"
)

// ParseRetention maps a client-supplied policy name onto a known policy,
// falling back to permanent for unrecognized values.
func ParseRetention(value string) RetentionPolicy {
	switch RetentionPolicy(value) {
	case RetentionDownloadOnce:
		return RetentionDownloadOnce
	case RetentionTTL:
		return RetentionTTL
	default:
		return RetentionPermanent
	}
}

// Record is the authoritative state of an upload, serialized as JSON
// under the `upload:<file_id>` key. Timestamps are ISO-8601 through the
// standard time.Time encoding.
type Record struct {
	// FileID uniquely identifies the upload: 128 random bits rendered as
	// 32 lowercase hex characters.
	FileID string `json:"file_id"`
	// Filename as supplied by the client. Never trusted for filesystem
	// traversal; see sanitizeFilename.
	Filename string `json:"filename"`
	// Size is the total number of bytes declared at creation.
	Size int64 `json:"size"`
	// Offset is the number of bytes persisted so far.
	Offset int64 `json:"offset"`
	// MetaData carries the decoded Upload-Metadata pairs. Recognized keys
	// are extracted into the explicit fields below; unknown keys are
	// preserved but never affect behavior.
	MetaData map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// IsFinal is set once offset == size and finalization completed.
	IsFinal bool `json:"is_final"`
	// StoragePath is where the bytes live: the uploads directory before
	// finalization, the files directory after.
	StoragePath string `json:"storage_path"`

	MimeType string `json:"mime_type,omitempty"`
	Checksum string `json:"checksum,omitempty"`

	Retention RetentionPolicy `json:"retention"`
	// RetentionTTL is the retention lifetime in seconds. Only meaningful
	// when Retention is RetentionTTL.
	RetentionTTL int64 `json:"retention_ttl,omitempty"`
	// RetentionExpiresAt is set exactly once, at finalization, when the
	// retention policy is RetentionTTL.
	RetentionExpiresAt *time.Time `json:"retention_expires_at,omitempty"`

	DownloadCount int64 `json:"download_count"`
	// OwnerID is the opaque caller principal, if any.
	OwnerID string `json:"owner_id,omitempty"`
}

// IsComplete reports whether all declared bytes have been persisted.
func (r *Record) IsComplete() bool {
	return r.Offset >= r.Size
}

// Expired reports whether the upload deadline has passed.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

func (r *Record) encode() (string, error) {
	data, err := json.Marshal(r)
	return string(data), err
}

func decodeRecord(data string) (*Record, error) {
	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// FileRecord is the snapshot written at finalization under the
// `file:<file_id>` key. Unlike upload records it carries no TTL; it lives
// until the file is deleted.
type FileRecord struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	// AvailableSize equals Size for completed files; kept explicit so the
	// download path treats completed and partial entries uniformly.
	AvailableSize int64  `json:"available_size"`
	MimeType      string `json:"mime_type,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
	IsComplete    bool   `json:"is_complete"`

	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
	StoragePath string    `json:"storage_path"`

	Retention          RetentionPolicy `json:"retention"`
	RetentionTTL       int64           `json:"retention_ttl,omitempty"`
	RetentionExpiresAt *time.Time      `json:"retention_expires_at,omitempty"`

	DownloadCount int64  `json:"download_count"`
	OwnerID       string `json:"owner_id,omitempty"`
}

func (r *FileRecord) encode() (string, error) {
	data, err := json.Marshal(r)
	return string(data), err
}

func decodeFileRecord(data string) (*FileRecord, error) {
	var record FileRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Info is the merged view of an entry, sourced from the file record for
// completed files or from the upload record for partial uploads. It is
// what the file API serves.
type Info struct {
	FileID        string
	Filename      string
	Size          int64
	AvailableSize int64
	MimeType      string
	Checksum      string
	IsComplete    bool

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time

	Retention          RetentionPolicy
	RetentionTTL       int64
	RetentionExpiresAt *time.Time
	DownloadCount      int64
	OwnerID            string
}

// DownloadOutcome reports the retention consequences of a completed
// download.
type DownloadOutcome struct {
	ShouldDelete  bool
	Retention     RetentionPolicy
	DownloadCount int64
}

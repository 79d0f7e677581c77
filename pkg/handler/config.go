package handler

import (
	"errors"
	"net/url"
	"time"

	"golang.org/x/exp/slog"

	"github.com/transferd/transferd/pkg/storage"
)

// DefaultUploadExpiration is how long a newly created upload may remain
// unfinished before it expires.
const DefaultUploadExpiration = 24 * time.Hour

// DefaultTokenHeader is the request header consulted for the caller's
// opaque API token.
const DefaultTokenHeader = "X-API-Token"

// Config provides a way to configure the Handler depending on your needs.
type Config struct {
	// Store is the storage backend holding upload bytes and records.
	Store *storage.Storage
	// MaxSize defines how many bytes may be stored in one single upload.
	// If its value is 0 or smaller no limit will be enforced.
	MaxSize int64
	// BasePath defines the URL path used for handling uploads, e.g.
	// "/tus/". If no trailing slash is presented it will be added. You may
	// specify an absolute URL containing a scheme, e.g. "http://tus.io"
	BasePath string
	isAbs    bool
	// UploadExpiration is the deadline for finishing an upload, counted
	// from creation. Defaults to DefaultUploadExpiration.
	UploadExpiration time.Duration
	// DefaultRetention applies when neither the client metadata nor the
	// token policy table selects a policy. Defaults to permanent.
	DefaultRetention storage.RetentionPolicy
	// DefaultRetentionTTL is the retention lifetime in seconds used for
	// ttl uploads that do not specify their own.
	DefaultRetentionTTL int64
	// TokenRetentionPolicies maps an API token, as presented in the
	// TokenHeader, to the retention policy for uploads created with it.
	// Client metadata still takes precedence.
	TokenRetentionPolicies map[string]storage.RetentionPolicy
	// TokenHeader names the header carrying the caller's opaque token.
	// Defaults to DefaultTokenHeader.
	TokenHeader string
	// Respect the X-Forwarded-Host, X-Forwarded-Proto and Forwarded
	// headers potentially set by proxies when generating an absolute URL
	// in the response to POST requests.
	RespectForwardedHeaders bool
	// Logger is the logger to use internally, mostly for printing
	// requests.
	Logger *slog.Logger
}

func (config *Config) validate() error {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	base := config.BasePath
	uri, err := url.Parse(base)
	if err != nil {
		return err
	}

	// Ensure base path ends with slash to remove logic from absFileURL
	if base != "" && string(base[len(base)-1]) != "/" {
		base += "/"
	}

	// Ensure base path begins with slash if not absolute (starts with scheme)
	if !uri.IsAbs() && len(base) > 0 && string(base[0]) != "/" {
		base = "/" + base
	}
	config.BasePath = base
	config.isAbs = uri.IsAbs()

	if config.Store == nil {
		return errors.New("handler: Config needs a non-nil Store")
	}

	if config.UploadExpiration <= 0 {
		config.UploadExpiration = DefaultUploadExpiration
	}

	if config.DefaultRetention == "" {
		config.DefaultRetention = storage.RetentionPermanent
	}

	if config.TokenHeader == "" {
		config.TokenHeader = DefaultTokenHeader
	}

	return nil
}

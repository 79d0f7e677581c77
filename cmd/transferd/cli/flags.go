package cli

import (
	"strings"
	"time"

	"github.com/jnovack/flag"

	"github.com/transferd/transferd/internal/grouped_flags"
	"github.com/transferd/transferd/pkg/storage"
)

var Flags struct {
	HttpHost    string
	HttpPort    string
	Basepath    string
	BehindProxy bool
	EnableH2C   bool

	StoragePath    string
	ChunkSize      int64
	MaxStorageSize int64
	MaxUploadSize  int64

	StateBackend string
	StateDir     string
	RedisURI     string

	UploadExpiration       time.Duration
	DefaultRetention       string
	DefaultRetentionTTL    int64
	TokenRetentionPolicies string
	TokenHeader            string

	CleanupInterval time.Duration
	LockTimeout     time.Duration

	ExposeMetrics bool
	MetricsPath   string
	VerboseOutput bool
	LogFormat     string

	NetworkTimeout  time.Duration
	ShutdownTimeout time.Duration
}

func ParseFlags() {
	fs := grouped_flags.NewFlagGroupSet(flag.ExitOnError)

	fs.AddGroup("Listening options", func(f *flag.FlagSet) {
		f.StringVar(&Flags.HttpHost, "host", "0.0.0.0", "Host to bind HTTP server to")
		f.StringVar(&Flags.HttpPort, "port", "8080", "Port to bind HTTP server to")
		f.StringVar(&Flags.Basepath, "base-path", "/tus/", "Basepath for the upload protocol endpoints")
		f.BoolVar(&Flags.BehindProxy, "behind-proxy", false, "Respect X-Forwarded-* and similar headers which may be set by proxies")
		f.BoolVar(&Flags.EnableH2C, "enable-h2c", false, "Allow for HTTP/2 cleartext (h2c) connections (non-encrypted)")
	})

	fs.AddGroup("Storage options", func(f *flag.FlagSet) {
		f.StringVar(&Flags.StoragePath, "storage-path", "./data", "Directory to store uploads and finished files in")
		f.Int64Var(&Flags.ChunkSize, "chunk-size", 4*1024*1024, "Chunk size in bytes used when reading files for download")
		f.Int64Var(&Flags.MaxStorageSize, "max-storage-size", 0, "Maximum total size of all stored bytes. Zero means unlimited")
		f.Int64Var(&Flags.MaxUploadSize, "max-upload-size", 0, "Maximum size of a single upload in bytes. Zero means unlimited")
	})

	fs.AddGroup("State backend options", func(f *flag.FlagSet) {
		f.StringVar(&Flags.StateBackend, "state-backend", "memory", "State backend for upload records and locks (memory, file or redis)")
		f.StringVar(&Flags.StateDir, "state-dir", "./data/state", "Directory for the file state backend")
		f.StringVar(&Flags.RedisURI, "redis-uri", "redis://localhost:6379/0", "Connection URI for the redis state backend")
	})

	fs.AddGroup("Retention options", func(f *flag.FlagSet) {
		f.DurationVar(&Flags.UploadExpiration, "upload-expiration", 24*time.Hour, "How long an unfinished upload may linger before it expires")
		f.StringVar(&Flags.DefaultRetention, "default-retention", "permanent", "Retention policy applied when the client picks none (permanent, download_once or ttl)")
		f.Int64Var(&Flags.DefaultRetentionTTL, "default-retention-ttl", 24*60*60, "Retention lifetime in seconds for ttl uploads that do not specify their own")
		f.StringVar(&Flags.TokenRetentionPolicies, "token-retention-policies", "", "Comma-separated token=policy pairs mapping API tokens to retention policies")
		f.StringVar(&Flags.TokenHeader, "token-header", "X-API-Token", "Request header carrying the caller's opaque API token")
	})

	fs.AddGroup("Cleanup options", func(f *flag.FlagSet) {
		f.DurationVar(&Flags.CleanupInterval, "cleanup-interval", time.Hour, "Interval between cleanup sweeps for expired uploads and files")
		f.DurationVar(&Flags.LockTimeout, "lock-timeout", 30*time.Second, "TTL of the per-upload lock. A crashed holder loses the lock after this long")
	})

	fs.AddGroup("Monitoring, logging options", func(f *flag.FlagSet) {
		f.BoolVar(&Flags.ExposeMetrics, "expose-metrics", true, "Expose metrics about transferd usage")
		f.StringVar(&Flags.MetricsPath, "metrics-path", "/metrics", "Path under which the metrics endpoint will be accessible")
		f.BoolVar(&Flags.VerboseOutput, "verbose", true, "Enable verbose logging output")
		f.StringVar(&Flags.LogFormat, "log-format", "text", "Logging format (text or json)")
	})

	fs.AddGroup("Timeout options", func(f *flag.FlagSet) {
		f.DurationVar(&Flags.NetworkTimeout, "network-timeout", 60*time.Second, "Timeout for reading the request and writing the response")
		f.DurationVar(&Flags.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "Timeout for closing connections gracefully during shutdown")
	})

	fs.Parse()

	SetupStructuredLogger()
}

// parseTokenPolicies turns the "token=policy,token=policy" flag value
// into the policy table consumed by the protocol handler. Malformed
// pairs are skipped.
func parseTokenPolicies(value string) map[string]storage.RetentionPolicy {
	policies := make(map[string]storage.RetentionPolicy)

	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		token, policy, ok := strings.Cut(pair, "=")
		if !ok || token == "" {
			continue
		}

		policies[token] = storage.ParseRetention(policy)
	}

	return policies
}

package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/simplelife2010/AIM/internal/config"
	"github.com/simplelife2010/AIM/internal/metrics"
	"github.com/simplelife2010/AIM/internal/store"
	"github.com/simplelife2010/AIM/internal/workerpool"
)

// ErrArtifactGone is returned when the artifact was deleted before it could be uploaded
var ErrArtifactGone = errors.New("artifact no longer on disk")

// UploadAPI is the subset of manager.Uploader used here
type UploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Config contains archive uploader configuration
type Config struct {
	Bucket      string
	Prefix      string
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
	Metrics     *metrics.Metrics
}

// Uploader uploads artifacts to a bucket under <prefix>/<YYYY-MM-DD>/<HH>/<filename>
type Uploader struct {
	config Config
	client UploadAPI
	pool   *workerpool.Pool
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stats Stats
	mu    sync.RWMutex
}

// Stats represents uploader statistics
type Stats struct {
	Bucket       string    `json:"bucket"`
	Uploaded     uint64    `json:"uploaded"`
	Failed       uint64    `json:"failed"`
	Dropped      uint64    `json:"dropped"`
	Retries      uint64    `json:"retries"`
	BytesSent    int64     `json:"bytes_sent"`
	LastUpload   time.Time `json:"last_upload,omitempty"`
	LastLocation string    `json:"last_location,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// NewS3Client builds a manager.Uploader from the default AWS credential chain.
// A custom endpoint switches to path-style addressing for S3-compatible stores.
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (UploadAPI, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return manager.NewUploader(client), nil
}

// New creates an uploader and starts its worker pool
func New(cfg Config, client UploadAPI, logger *slog.Logger) (*Uploader, error) {
	if client == nil {
		return nil, fmt.Errorf("upload client cannot be nil")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket cannot be empty")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Uploader{
		config: cfg,
		client: client,
		pool:   workerpool.New("archive", cfg.Workers, cfg.QueueSize, logger),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		stats:  Stats{Bucket: cfg.Bucket},
	}, nil
}

// Key returns the object key for an artifact
func (u *Uploader) Key(a *store.Artifact) string {
	ts := a.Timestamp.UTC()
	return path.Join(strings.Trim(u.config.Prefix, "/"), ts.Format("2006-01-02"), ts.Format("15"), a.Filename)
}

// ConsumeArtifact queues a for upload. It never blocks.
func (u *Uploader) ConsumeArtifact(a *store.Artifact) {
	if u.pool.Submit(func() { u.upload(a) }) {
		return
	}

	u.mu.Lock()
	u.stats.Dropped++
	u.mu.Unlock()
	u.config.Metrics.RecordArchiveUpload("dropped", 0)
	u.logger.Warn("Archive queue full, artifact not uploaded", slog.String("path", a.Path))
}

func (u *Uploader) upload(a *store.Artifact) {
	startTime := time.Now()
	location, err := u.Upload(u.ctx, a)
	if err != nil {
		result := "failed"
		if errors.Is(err, ErrArtifactGone) {
			result = "dropped"
		}

		u.mu.Lock()
		if result == "dropped" {
			u.stats.Dropped++
		} else {
			u.stats.Failed++
		}
		u.stats.LastError = err.Error()
		u.mu.Unlock()

		u.config.Metrics.RecordArchiveUpload(result, 0)
		u.logger.Error("Failed to archive artifact",
			slog.String("path", a.Path),
			slog.String("error", err.Error()),
		)
		return
	}

	u.config.Metrics.RecordArchiveUpload("uploaded", time.Since(startTime).Seconds())
	u.logger.Debug("Artifact archived",
		slog.String("location", location),
		slog.Duration("duration", time.Since(startTime)),
	)
}

// Upload uploads one artifact, retrying with exponential backoff, and
// returns the object location.
func (u *Uploader) Upload(ctx context.Context, a *store.Artifact) (string, error) {
	key := u.Key(a)
	backoff := u.config.Backoff

	var lastErr error
	for attempt := 1; attempt <= u.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			u.mu.Lock()
			u.stats.Retries++
			u.mu.Unlock()

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		location, err := u.putObject(ctx, a, key)
		if err == nil {
			u.mu.Lock()
			u.stats.Uploaded++
			u.stats.BytesSent += a.SizeBytes
			u.stats.LastUpload = time.Now()
			u.stats.LastLocation = location
			u.mu.Unlock()
			return location, nil
		}
		if errors.Is(err, ErrArtifactGone) || ctx.Err() != nil {
			return "", err
		}

		lastErr = err
		u.logger.Warn("Archive upload attempt failed",
			slog.String("key", key),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	return "", fmt.Errorf("failed to upload %s after %d attempts: %w", key, u.config.MaxAttempts, lastErr)
}

func (u *Uploader) putObject(ctx context.Context, a *store.Artifact, key string) (string, error) {
	file, err := os.Open(a.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrArtifactGone, a.Path)
		}
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	output, err := u.client.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.config.Bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentType(a.Container)),
		Metadata: map[string]string{
			"codec":     a.Codec,
			"timestamp": a.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return "", err
	}
	return output.Location, nil
}

func contentType(container string) string {
	switch container {
	case "ogg":
		return "audio/ogg"
	case "wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

// Close stops accepting artifacts, waits for queued uploads until ctx is done
// and then cancels the rest.
func (u *Uploader) Close(ctx context.Context) error {
	err := u.pool.Drain(ctx)
	u.cancel()
	return err
}

// GetStats returns current uploader statistics
func (u *Uploader) GetStats() Stats {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.stats
}

// PoolStats returns the worker pool statistics
func (u *Uploader) PoolStats() workerpool.Stats {
	return u.pool.GetStats()
}

package gapline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

// Archiver periodically uploads each tenant's WAL to an S3 bucket. Objects
// are keyed <prefix>/<tenant>/<firstSeq>-<lastSeq>.wal.snappy, so a bucket
// listing reads as a timeline of log segments per tenant.
type Archiver struct {
	client   *s3.Client
	cfg      ArchiveConfig
	tenants  *TenantManager
	logger   *slog.Logger
	lastSeqs map[string]uint64
}

// NewArchiver builds the S3 client from the environment plus the configured
// region and endpoint.
func NewArchiver(ctx context.Context, cfg ArchiveConfig, tenants *TenantManager, logger *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &Archiver{
		client:   s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:      cfg,
		tenants:  tenants,
		logger:   logger,
		lastSeqs: make(map[string]uint64),
	}, nil
}

// Run archives on the configured interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.archiveAll(ctx)
		}
	}
}

func (a *Archiver) archiveAll(ctx context.Context) {
	for _, name := range a.tenants.TenantNames() {
		if err := a.archiveTenant(ctx, name); err != nil {
			a.logger.Error("WAL archive failed", "tenant", name, "error", err)
		}
	}
}

func (a *Archiver) archiveTenant(ctx context.Context, name string) error {
	engine, err := a.tenants.Engine(name)
	if err != nil {
		return err
	}
	data, first, last, err := engine.wal.SnapshotBytes()
	if err != nil {
		return err
	}
	if last == 0 || a.lastSeqs[name] == last {
		return nil
	}

	key := fmt.Sprintf("%s/%d-%d.wal.snappy", name, first, last)
	if a.cfg.Prefix != "" {
		key = a.cfg.Prefix + "/" + key
	}
	body := snappy.Encode(nil, data)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	a.lastSeqs[name] = last
	a.logger.Info("WAL archived", "tenant", name, "key", key, "bytes", len(body))
	return nil
}

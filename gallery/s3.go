package gallery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/user/rover-link/logger"
)

// ObjectPutter is the part of *s3.Client the syncer uses
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config selects the bucket and credentials
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // S3-compatible endpoint; empty for AWS
	AccessKey string
	SecretKey string
}

// NewS3Client builds a client from static credentials. A custom endpoint
// switches to path-style addressing.
func NewS3Client(cfg S3Config) *s3.Client {
	awsCfg := aws.Config{
		Region: cfg.Region,
		Credentials: aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			if cfg.AccessKey == "" || cfg.SecretKey == "" {
				return aws.Credentials{}, errors.New("no S3 credentials configured")
			}
			return aws.Credentials{
				AccessKeyID:     cfg.AccessKey,
				SecretAccessKey: cfg.SecretKey,
				Source:          "rover-link",
			}, nil
		}),
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
}

// S3Syncer uploads unsynced photos
type S3Syncer struct {
	client ObjectPutter
	bucket string
	store  *FileStore
	now    func() time.Time
}

// NewS3Syncer creates a syncer for store
func NewS3Syncer(client ObjectPutter, bucket string, store *FileStore) *S3Syncer {
	return &S3Syncer{client: client, bucket: bucket, store: store, now: time.Now}
}

// ObjectKey is <mission>/<filename>, or unassigned/<filename>
func ObjectKey(r Record) string {
	mission := r.MissionID
	if mission == "" {
		mission = "unassigned"
	}
	return path.Join(mission, r.Filename)
}

// Sync uploads one photo
func (s *S3Syncer) Sync(ctx context.Context, id string) error {
	rec, ok := s.store.Get(id)
	if !ok {
		return ErrNotFound
	}
	data, err := s.store.Read(id)
	if err != nil {
		return err
	}

	key := ObjectKey(rec)
	meta := map[string]string{
		"photo-id":    rec.ID,
		"sha256":      rec.SHA256,
		"captured-at": rec.CapturedAt.UTC().Format(time.RFC3339),
		"source":      rec.Source,
	}
	if rec.Seq != nil {
		meta["seq"] = strconv.FormatUint(uint64(*rec.Seq), 10)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("image/jpeg"),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      meta,
	})
	if err != nil {
		return fmt.Errorf("s3 upload of %s failed: %w", rec.Filename, err)
	}
	logger.Info("gallery", "☁️  uploaded %s", key)
	return s.store.MarkSynced(id, key, s.now())
}

// SyncAll uploads every unsynced photo, continuing past failures. It
// returns how many were uploaded and the joined errors.
func (s *S3Syncer) SyncAll(ctx context.Context) (int, error) {
	var errs []error
	uploaded := 0
	for _, rec := range s.store.Unsynced() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.Sync(ctx, rec.ID); err != nil {
			logger.Warn("gallery", "sync %s: %v", rec.Filename, err)
			errs = append(errs, err)
			continue
		}
		uploaded++
	}
	return uploaded, errors.Join(errs...)
}

package blob

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the connection settings for an S3-compatible store
// (R2, MinIO, S3 proper)
type S3Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKeyID  string
	SecretKey    string
	PublicDomain string
}

// S3Store implements the Store interface with presigned S3 PUTs
type S3Store struct {
	presign      *s3.PresignClient
	bucket       string
	publicDomain string
	timeSource   func() time.Time
}

// NewS3Store creates a new S3Store instance
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Store{
		presign:      s3.NewPresignClient(client),
		bucket:       cfg.Bucket,
		publicDomain: cfg.PublicDomain,
		timeSource:   time.Now,
	}, nil
}

// PresignUpload returns a one-hour upload URL for the given filename.
// Objects are partitioned by month and prefixed with a timestamp so
// uploads never collide.
func (s *S3Store) PresignUpload(ctx context.Context, filename, contentType string) (*Upload, error) {
	if filename == "" || contentType == "" {
		return nil, fmt.Errorf("filename and content type are required")
	}

	now := s.timeSource()
	key := fmt.Sprintf("receipts/%s/%d_%s", now.Format("200601"), now.Unix(), sanitizeObjectName(filename))

	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		ContentType: &contentType,
	}, s3.WithPresignExpires(time.Hour))
	if err != nil {
		return nil, fmt.Errorf("presigning upload: %w", err)
	}

	return &Upload{
		Key:       key,
		UploadURL: req.URL,
		PublicURL: fmt.Sprintf("https://%s/%s", s.publicDomain, key),
	}, nil
}

// sanitizeObjectName strips characters that need escaping in object keys
func sanitizeObjectName(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if clean == "" {
		clean = "receipt"
	}
	return clean + ext
}

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/lazypower/crystal/internal/config"
)

var errStorageDisabled = errors.New("s3 media backend is not configured; set CRYSTAL_MEDIA_S3_* to enable uploads")

// S3Store writes blobs to an S3-compatible bucket.
type S3Store struct {
	bucket   string
	baseURL  string
	client   *s3.Client
	log      zerolog.Logger
	disabled bool
}

// NewS3Store creates the store. Missing bucket or credentials leave it
// disabled: every Put fails until configured.
func NewS3Store(ctx context.Context, cfg config.MediaConfig, log zerolog.Logger) (*S3Store, error) {
	logger := log.With().Str("component", "s3-media").Logger()
	s := &S3Store{
		bucket:  strings.TrimSpace(cfg.S3Bucket),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		log:     logger,
	}

	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := strings.TrimSpace(cfg.S3SecretKey)
	if s.bucket == "" || accessKey == "" || secretKey == "" {
		logger.Warn().Msg("s3 bucket or credentials are not set; media uploads disabled")
		s.disabled = true
		return s, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimRight(cfg.S3Endpoint, "/")
	s.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	if s.baseURL == "" {
		switch {
		case endpoint != "":
			s.baseURL = endpoint + "/" + s.bucket
		default:
			s.baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", s.bucket, cfg.S3Region)
		}
	}
	return s, nil
}

func (s *S3Store) ensureEnabled() error {
	if s.disabled {
		return errStorageDisabled
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	if err := s.ensureEnabled(); err != nil {
		return "", err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return s.baseURL + "/" + key, nil
}

// Health checks the bucket is reachable. A disabled store is healthy.
func (s *S3Store) Health(ctx context.Context) error {
	if s.disabled {
		return nil
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

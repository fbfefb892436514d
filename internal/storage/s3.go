package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures an S3-compatible bucket. Endpoint is optional for AWS
// and required for R2 or MinIO. PublicBaseURL is the prefix under which the
// bucket's objects are publicly readable.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string
}

// objectAPI is the subset of *s3.Client the store calls.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store uploads logos under logos/{botID}.{ext}.
type S3Store struct {
	client     objectAPI
	bucket     string
	publicBase string
	logger     *slog.Logger
}

// NewS3Store builds a client with static credentials.
func NewS3Store(cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" || cfg.PublicBaseURL == "" {
		return nil, errors.New("storage: S3 bucket and public base URL are required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("storage: S3 credentials are required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg := aws.Config{
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Region:      region,
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Store(client, cfg.Bucket, cfg.PublicBaseURL, logger), nil
}

func newS3Store(client objectAPI, bucket, publicBase string, logger *slog.Logger) *S3Store {
	return &S3Store{
		client:     client,
		bucket:     bucket,
		publicBase: strings.TrimRight(publicBase, "/"),
		logger:     logger,
	}
}

// ObjectKey returns the bucket key for a bot's logo.
func ObjectKey(botID, ext string) string {
	return fmt.Sprintf("logos/%s.%s", botID, ext)
}

func ownedKey(botID, key string) bool {
	if botID == "" {
		return false
	}
	for _, ext := range extensions {
		if key == ObjectKey(botID, ext) {
			return true
		}
	}
	return false
}

// Store uploads img and returns its public URL.
func (s *S3Store) Store(ctx context.Context, botID string, img *Image) (string, error) {
	key := ObjectKey(botID, img.Ext)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(img.Data),
		ContentType:   aws.String(img.ContentType),
		ContentLength: aws.Int64(int64(len(img.Data))),
		CacheControl:  aws.String("public, max-age=31536000, immutable"),
	})
	if err != nil {
		return "", fmt.Errorf("storage: uploading %s: %w", key, err)
	}

	s.logger.Debug("logo uploaded", slog.String("key", key), slog.Int("bytes", len(img.Data)))
	return s.publicBase + "/" + key, nil
}

// Remove deletes the object behind logo when it is the key Store wrote for
// botID. A bot's logo field can hold any URL, including one pointing at
// another bot's object, so the key is matched exactly.
func (s *S3Store) Remove(ctx context.Context, botID, logo string) error {
	key, ok := strings.CutPrefix(logo, s.publicBase+"/")
	if !ok || !ownedKey(botID, key) {
		if ok {
			s.logger.Warn("refusing to delete foreign logo object",
				slog.String("botID", botID),
				slog.String("key", key),
			)
		}
		return nil
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("storage: deleting %s: %w", key, err)
	}
	return nil
}

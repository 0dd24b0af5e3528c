package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

type S3Config struct {
	ServerName string
	Region     string
	Bucket     string
	AccessKey  string
	SecretKey  string
	Endpoint   string
	PublicBase string
	PresignTTL time.Duration
}

// S3BlobStore stores encrypted bundles as private S3 objects under media/.
type S3BlobStore struct {
	cfg     S3Config
	s3      *s3.Client
	presign *s3.PresignClient
}

func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
	if cfg.Region == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 region and bucket are required")
	}
	if cfg.ServerName == "" {
		return nil, errors.New("server name is required for mxc locators")
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	endpoint := cfg.Endpoint
	if endpoint != "" {
		if parsed, err := url.Parse(endpoint); err == nil {
			endpoint = parsed.String()
		}
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3BlobStore{
		cfg:     cfg,
		s3:      s3Client,
		presign: s3.NewPresignClient(s3Client),
	}, nil
}

func objectKey(mediaID string) string {
	return "media/" + mediaID
}

func (c *S3BlobStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	mediaID := uuid.NewString()
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.cfg.Bucket),
		Key:           aws.String(objectKey(mediaID)),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		ACL:           types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return MXC(c.cfg.ServerName, mediaID), nil
}

func (c *S3BlobStore) Get(ctx context.Context, locator string) ([]byte, error) {
	server, mediaID, err := ParseMXC(locator)
	if err != nil {
		return nil, err
	}
	if server != c.cfg.ServerName {
		return nil, sentinal_errors.ErrNotFound
	}
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(objectKey(mediaID)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, sentinal_errors.ErrNotFound
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// PresignGet returns a time-limited download link for a locator.
func (c *S3BlobStore) PresignGet(ctx context.Context, locator string) (string, error) {
	_, mediaID, err := ParseMXC(locator)
	if err != nil {
		return "", err
	}
	presigned, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(objectKey(mediaID)),
	}, func(po *s3.PresignOptions) {
		if c.cfg.PresignTTL > 0 {
			po.Expires = c.cfg.PresignTTL
		}
	})
	if err != nil {
		return "", err
	}
	return presigned.URL, nil
}

// FileURL is the public URL of a locator when a public base is configured.
func (c *S3BlobStore) FileURL(locator string) string {
	if c == nil || c.cfg.PublicBase == "" {
		return ""
	}
	_, mediaID, err := ParseMXC(locator)
	if err != nil {
		return ""
	}
	return c.cfg.PublicBase + "/" + objectKey(mediaID)
}

var _ BlobStore = (*S3BlobStore)(nil)

// Package storage archives shard-migration artifacts in S3-compatible
// object storage.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Sendhub/sh-util/pkg/settings"
)

// defaultSignedURLExpiry bounds how long the URL returned by UploadFile
// stays valid.
const defaultSignedURLExpiry = 60 * time.Second

// Paths are flattened to this character set before upload.
var fileNameCleanerRe = regexp.MustCompile(`(?i)[^a-z0-9/_.-]+`)

// CleanPath strips every character object keys should not carry and
// the leading slash minio keys never have.
func CleanPath(path string) string {
	return strings.TrimPrefix(fileNameCleanerRe.ReplaceAllString(path, ""), "/")
}

// Config holds object-storage connection parameters plus the target
// bucket.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
	Bucket          string
}

// ConfigFromSettings maps the AWS_* settings onto a Config.
func ConfigFromSettings(cfg *settings.Settings) Config {
	return Config{
		Endpoint:        cfg.S3.Endpoint,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		Region:          cfg.S3.Region,
		UseSSL:          cfg.S3.UseSSL,
		Bucket:          cfg.AWSStorageBucketName,
	}
}

// Client performs uploads, deletes and URL signing against one bucket.
type Client struct {
	mc  *minio.Client
	cfg Config
}

// NewClient builds a client from config.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, wrapError(CodeEndpointUnreachable, true, fmt.Errorf("endpoint is required"))
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, wrapError(CodeAuthInvalid, false, fmt.Errorf("credentials are required"))
	}
	if cfg.Bucket == "" {
		return nil, wrapError(CodeBucketNotFound, false, fmt.Errorf("bucket name is required"))
	}

	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, wrapError(CodeEndpointUnreachable, true, fmt.Errorf("failed to create storage client: %w", err))
	}
	return &Client{mc: mc, cfg: cfg}, nil
}

// NewClientFromSettings builds a client from the loaded settings.
func NewClientFromSettings(cfg *settings.Settings) (*Client, error) {
	return NewClient(ConfigFromSettings(cfg))
}

// Bucket returns the bucket the client writes to.
func (c *Client) Bucket() string {
	return c.cfg.Bucket
}

// Ping verifies the bucket is reachable with the configured
// credentials.
func (c *Client) Ping(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.cfg.Bucket)
	if err != nil {
		return classifyError(err)
	}
	if !exists {
		return wrapError(CodeBucketNotFound, false, fmt.Errorf("bucket %s does not exist", c.cfg.Bucket))
	}
	return nil
}

// UploadFile stores data under the cleaned path and returns a signed
// GET URL for the uploaded object.
func (c *Client) UploadFile(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	key := CleanPath(path)
	log.Printf("[storage] uploading fileName=%s to bucketName=%s", key, c.cfg.Bucket)

	_, err := c.mc.PutObject(ctx, c.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", classifyError(err)
	}
	return c.SignedURL(ctx, key, true, defaultSignedURLExpiry, true)
}

// SignedURL generates a presigned GET URL for an object. With
// includeSignature false the query string is cut off, leaving the
// plain (unsigned) object URL.
func (c *Client) SignedURL(ctx context.Context, path string, secure bool, expiresIn time.Duration, includeSignature bool) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.cfg.Bucket, CleanPath(path), expiresIn, nil)
	if err != nil {
		return "", classifyError(err)
	}

	signed := u.String()
	if !secure {
		signed = strings.Replace(signed, "https://", "http://", 1)
	}
	if includeSignature {
		return signed, nil
	}

	unsigned := signed
	if idx := strings.LastIndex(signed, "?"); idx >= 0 {
		unsigned = signed[:idx]
	}
	log.Printf("[storage] unsigned url=%s", unsigned)
	return unsigned, nil
}

// DeleteFile removes an object from the bucket.
func (c *Client) DeleteFile(ctx context.Context, path string) error {
	if err := c.mc.RemoveObject(ctx, c.cfg.Bucket, CleanPath(path), minio.RemoveObjectOptions{}); err != nil {
		return classifyError(err)
	}
	return nil
}

// classifyError converts minio-go failures to the structured Error
// type.
func classifyError(err error) *Error {
	if err == nil {
		return nil
	}

	if minioErr, ok := err.(minio.ErrorResponse); ok {
		switch minioErr.Code {
		case "NoSuchBucket":
			return wrapError(CodeBucketNotFound, false, err)
		case "NoSuchKey":
			return wrapError(CodeObjectNotFound, false, err)
		case "AccessDenied":
			return wrapError(CodeAccessDenied, false, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return wrapError(CodeAuthInvalid, false, err)
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "no such bucket"):
		return wrapError(CodeBucketNotFound, false, err)
	case strings.Contains(errStr, "no such key"),
		strings.Contains(errStr, "not found"),
		strings.Contains(errStr, "does not exist"):
		return wrapError(CodeObjectNotFound, false, err)
	case strings.Contains(errStr, "access denied"), strings.Contains(errStr, "permission"):
		return wrapError(CodeAccessDenied, false, err)
	case strings.Contains(errStr, "invalid access key"),
		strings.Contains(errStr, "signature"),
		strings.Contains(errStr, "authentication"):
		return wrapError(CodeAuthInvalid, false, err)
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline"):
		return wrapError(CodeTimeout, true, err)
	case strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "unreachable"),
		strings.Contains(errStr, "no such host"):
		return wrapError(CodeEndpointUnreachable, true, err)
	}
	return wrapError(CodeUploadFailed, true, err)
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds configuration for S3 storage.
type S3Config struct {
	// Region is the AWS region of the bucket.
	Region string
	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint string
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
	// Prefix is prepended to every object key so several stores can share
	// a bucket.
	Prefix string
	// MaxRetries bounds retries of a failed request (default: 3).
	MaxRetries int
	// MultipartConfig holds multipart upload settings.
	MultipartConfig MultipartUploadConfig
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:          "us-east-1",
		MaxRetries:      3,
		MultipartConfig: DefaultMultipartConfig(),
	}
}

// S3Storage stores sink archives in an S3 bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
	config S3Config
}

// NewS3Storage creates an S3 store using the default AWS credential chain.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})
	return NewS3StorageWithClient(client, bucket, cfg), nil
}

// NewS3StorageWithClient creates an S3 store around a configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	if cfg.MultipartConfig.PartSize <= 0 {
		cfg.MultipartConfig = DefaultMultipartConfig()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &S3Storage{client: client, bucket: bucket, config: cfg}
}

// key maps an object path to its bucket key.
func (s *S3Storage) key(objectPath string) string {
	objectPath = strings.TrimLeft(objectPath, "/")
	if s.config.Prefix == "" {
		return objectPath
	}
	return s.config.Prefix + "/" + objectPath
}

// objectPath maps a bucket key back to an object path.
func (s *S3Storage) objectPath(key string) string {
	if s.config.Prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.config.Prefix+"/")
}

// contentType labels archive bodies and sidecars.
func contentType(objectPath string) string {
	switch {
	case strings.HasSuffix(objectPath, ".jsonl.sz"):
		return "application/x-snappy-framed"
	case path.Ext(objectPath) == ".json":
		return "application/json"
	}
	return "application/octet-stream"
}

// Upload puts a file in a single request.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	err = s.retry(ctx, func() error {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.key(objectPath)),
			Body:        file,
			ContentType: aws.String(contentType(objectPath)),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUploadFailed, objectPath, err)
	}
	return nil
}

// UploadMultipart uploads a file in parts when it exceeds the part size and
// returns the object's ETag.
func (s *S3Storage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if info.Size() <= s.config.MultipartConfig.PartSize {
		if err := s.Upload(ctx, localPath, objectPath); err != nil {
			return "", err
		}
		return s.etag(ctx, objectPath)
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	var etag string
	err = s.retry(ctx, func() error {
		var uploadErr error
		etag, uploadErr = s.uploadParts(ctx, file, info.Size(), objectPath)
		return uploadErr
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, objectPath, err)
	}
	return etag, nil
}

// uploadParts runs one multipart upload, aborting it on any failure.
func (s *S3Storage) uploadParts(ctx context.Context, file io.ReaderAt, size int64, objectPath string) (etag string, err error) {
	key := aws.String(s.key(objectPath))
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         key,
		ContentType: aws.String(contentType(objectPath)),
	})
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_, _ = s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(s.bucket),
				Key:      key,
				UploadId: created.UploadId,
			})
		}
	}()

	partSize := s.config.MultipartConfig.PartSize
	var parts []types.CompletedPart
	for num, offset := int32(1), int64(0); offset < size; num, offset = num+1, offset+partSize {
		n := min(partSize, size-offset)
		resp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           key,
			UploadId:      created.UploadId,
			PartNumber:    aws.Int32(num),
			Body:          io.NewSectionReader(file, offset, n),
			ContentLength: aws.Int64(n),
		})
		if err != nil {
			return "", fmt.Errorf("part %d: %w", num, err)
		}
		parts = append(parts, types.CompletedPart{ETag: resp.ETag, PartNumber: aws.Int32(num)})
	}

	done, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             key,
		UploadId:        created.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(done.ETag), nil
}

// Download copies an object to a local file.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	var body io.ReadCloser
	err := s.retry(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(objectPath)),
		})
		if isNotFound(err) {
			return ErrObjectNotFound
		}
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if errors.Is(err, ErrObjectNotFound) {
		return ErrObjectNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDownloadFailed, objectPath, err)
	}
	defer body.Close()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if _, err := io.Copy(file, body); err != nil {
		file.Close()
		os.Remove(localPath)
		return fmt.Errorf("%w: %s: %v", ErrDownloadFailed, objectPath, err)
	}
	return file.Close()
}

// Delete removes an object.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.retry(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(objectPath)),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeleteFailed, objectPath, err)
	}
	return nil
}

// Exists reports whether an object exists.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	_, err := s.head(ctx, objectPath)
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ListObjects returns every object path under prefix.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	objects := make([]string, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, s.objectPath(aws.ToString(obj.Key)))
		}
	}
	return objects, nil
}

func (s *S3Storage) head(ctx context.Context, objectPath string) (*s3.HeadObjectOutput, error) {
	var out *s3.HeadObjectOutput
	err := s.retry(ctx, func() error {
		resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(objectPath)),
		})
		if isNotFound(err) {
			return ErrObjectNotFound
		}
		out = resp
		return err
	})
	return out, err
}

func (s *S3Storage) etag(ctx context.Context, objectPath string) (string, error) {
	out, err := s.head(ctx, objectPath)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

func (s *S3Storage) retry(ctx context.Context, op func() error) error {
	return retry(ctx, s.config.MaxRetries, 100*time.Millisecond, op)
}

// retry runs op up to retries+1 times with jittered exponential backoff.
// ErrObjectNotFound is final.
func retry(ctx context.Context, retries int, base time.Duration, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = op()
		if err == nil || errors.Is(err, ErrObjectNotFound) || attempt >= retries {
			return err
		}
		d := base << attempt
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

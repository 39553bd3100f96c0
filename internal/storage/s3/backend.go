package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/objectfs/objectfs/internal/multipart"
	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// Backend implements the S3 storage backend used by the page map, the
// file-descriptor cache and the multipart upload scheduler. Connection
// setup (pooling, Transfer Acceleration, the CargoShip transporter) lives
// entirely in ClientManager; Backend only drives requests through it.
type Backend struct {
	bucket string
	cm     *ClientManager
	config *Config
	logger *slog.Logger

	mu      sync.RWMutex
	metrics BackendMetrics
}

// NewBackend creates a new S3 backend instance.
func NewBackend(ctx context.Context, bucket string, cfg *Config) (*Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}

	logger := slog.Default().With("component", "s3-backend", "bucket", bucket)

	cm, err := NewClientManager(ctx, bucket, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client manager: %w", err)
	}

	backend := &Backend{
		bucket: bucket,
		cm:     cm,
		config: cfg,
		logger: logger,
	}

	if err := backend.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("S3 backend health check failed: %w", err)
	}

	return backend, nil
}

// GetObject retrieves an object or part of an object from S3.
func (b *Backend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start), false) }()

	var rangeHeader *string
	if offset > 0 || size > 0 {
		if size > 0 {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
		} else {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  rangeHeader,
	}

	client := b.cm.GetPooledClient()
	defer b.cm.ReturnPooledClient(client)

	result, err := client.GetObject(ctx, input)
	if err != nil {
		b.recordError(err)
		return nil, b.translateError(err, "GetObject", key)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		b.recordError(err)
		return nil, objerrors.NewError(objerrors.ErrCodeLocalIO, "failed to read object body").
			WithOperation("GetObject").WithContext("key", key).WithCause(err)
	}

	b.mu.Lock()
	b.metrics.BytesDownloaded += int64(len(data))
	b.mu.Unlock()

	return data, nil
}

// PutObject stores an object in S3, using the CargoShip transporter for
// whole-object uploads when it is enabled and falling back to the plain
// client pool if the transporter errors. If the transporter consumed part
// of body before failing, body must implement io.Seeker so PutObject can
// rewind it before the fallback attempt; size is the exact object length
// and must be known up front (the file-descriptor cache always stages to
// a local file first, so this is never a streaming-unknown-length write).
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (string, error) {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start), false) }()

	if transporter := b.cm.GetTransporter(); transporter != nil {
		archiveMetadata := map[string]string{
			"objectfs-upload": "true",
			"content-type":    b.detectContentType(key),
		}
		for k, v := range metadata {
			archiveMetadata[k] = v
		}
		archive := cargoships3.Archive{
			Key:          key,
			Reader:       body,
			Size:         size,
			StorageClass: awsconfig.StorageClassStandard,
			Metadata:     archiveMetadata,
		}

		result, uploadErr := transporter.Upload(ctx, archive)
		if uploadErr == nil {
			b.logger.Debug("CargoShip optimized upload completed",
				"key", key, "size", size,
				"throughput", result.Throughput, "duration", result.Duration)
			b.mu.Lock()
			b.metrics.BytesUploaded += size
			b.mu.Unlock()
			return result.ETag, nil
		}

		b.logger.Warn("CargoShip optimization failed, falling back to standard S3", "key", key, "error", uploadErr)
		if seeker, ok := body.(io.Seeker); ok {
			if _, serr := seeker.Seek(0, io.SeekStart); serr != nil {
				return "", objerrors.NewError(objerrors.ErrCodeStorageWrite, "cargoship upload failed and body could not be rewound").
					WithOperation("PutObject").WithContext("key", key).WithCause(serr)
			}
		}
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(b.detectContentType(key)),
		Metadata:      metadata,
	}

	client := b.cm.GetPooledClient()
	defer b.cm.ReturnPooledClient(client)

	result, err := client.PutObject(ctx, input)
	if err != nil {
		b.recordError(err)
		return "", b.translateError(err, "PutObject", key)
	}

	b.mu.Lock()
	b.metrics.BytesUploaded += size
	b.mu.Unlock()

	return aws.ToString(result.ETag), nil
}

// CopyObject server-side copies the object at srcKey to dstKey, used for
// the stat cache's rename path and for directory-marker moves. It is
// never used for multipart part copies — those go through
// UploadPartCopy against an in-flight upload.
func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string) (string, error) {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start), false) }()

	client := b.cm.GetPooledClient()
	defer b.cm.ReturnPooledClient(client)

	input := &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.bucket + "/" + srcKey),
	}

	result, err := client.CopyObject(ctx, input)
	if err != nil {
		b.recordError(err)
		return "", b.translateError(err, "CopyObject", srcKey)
	}
	if result.CopyObjectResult == nil {
		return "", objerrors.NewError(objerrors.ErrCodeServerTransient, "copy completed with no result metadata").
			WithOperation("CopyObject").WithContext("src", srcKey).WithContext("dst", dstKey)
	}

	return aws.ToString(result.CopyObjectResult.ETag), nil
}

// SetMetadata replaces key's user metadata in place via a self-copy with
// MetadataDirective REPLACE, the mechanism Setattr uses to update the
// curated x-amz-meta-mode header for chmod (and for a requested mtime)
// without transiting the object's body through this process.
func (b *Backend) SetMetadata(ctx context.Context, key string, metadata map[string]string) (string, error) {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start), false) }()

	client := b.cm.GetPooledClient()
	defer b.cm.ReturnPooledClient(client)

	input := &s3.CopyObjectInput{
		Bucket:            aws.String(b.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(b.bucket + "/" + key),
		Metadata:          metadata,
		MetadataDirective: s3types.MetadataDirectiveReplace,
	}

	result, err := client.CopyObject(ctx, input)
	if err != nil {
		b.recordError(err)
		return "", b.translateError(err, "SetMetadata", key)
	}
	if result.CopyObjectResult == nil {
		return "", nil
	}
	return aws.ToString(result.CopyObjectResult.ETag), nil
}

// CreateMultipartUpload initiates a multipart upload and returns its
// upload ID, satisfying internal/multipart.Backend.
func (b *Backend) CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string) (string, error) {
	client := b.cm.GetPooledClient()
	defer b.cm.ReturnPooledClient(client)

	input := &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(b.detectContentType(key)),
		Metadata:    metadata,
	}

	result, err := client.CreateMultipartUpload(ctx, input)
	if err != nil {
		b.recordError(err)
		return "", b.translateError(err, "CreateMultipartUpload", key)
	}

	return aws.ToString(result.UploadId), nil
}

// UploadPart uploads one part of an in-flight multipart upload by
// reading exactly length bytes starting at offset from body.
func (b *Backend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.ReaderAt, offset, length int64) (string, error) {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start), false) }()

	section := io.NewSectionReader(body, offset, length)

	client := b.cm.GetPooledClient()
	defer b.cm.ReturnPooledClient(client)

	input := &s3.UploadPartInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          section,
		ContentLength: aws.Int64(length),
	}

	result, err := client.UploadPart(ctx, input)
	if err != nil {
		b.recordError(err)
		return "", b.translateError(err, "UploadPart", key)
	}

	b.mu.Lock()
	b.metrics.BytesUploaded += length
	b.mu.Unlock()

	return aws.ToString(result.ETag), nil
}

// UploadPartCopy copies length bytes starting at offset in copySourceKey
// into part partNumber of an in-flight multipart upload, used for runs
// of the file that were not modified by this write.
func (b *Backend) UploadPartCopy(ctx context.Context, key, uploadID string, partNumber int, copySourceKey string, offset, length int64) (string, error) {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start), false) }()

	client := b.cm.GetPooledClient()
	defer b.cm.ReturnPooledClient(client)

	input := &s3.UploadPartCopyInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		PartNumber:      aws.Int32(int32(partNumber)),
		CopySource:      aws.String(b.bucket + "/" + copySourceKey),
		CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	}

	result, err := client.UploadPartCopy(ctx, input)
	if err != nil {
		b.recordError(err)
		return "", b.translateError(err, "UploadPartCopy", key)
	}
	if result.CopyPartResult == nil {
		return "", objerrors.NewError(objerrors.ErrCodeServerTransient, "part copy completed with no result metadata").
			WithOperation("UploadPartCopy").WithContext("key", key)
	}

	return aws.ToString(result.CopyPartResult.ETag), nil
}

// CompleteMultipartUpload finalizes an in-flight multipart upload from
// its completed part ETags, which must be sorted by part number.
func (b *Backend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []multipart.CompletedPart) (string, error) {
	client := b.cm.GetPooledClient()
	defer b.cm.ReturnPooledClient(client)

	completed := make([]s3types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, s3types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		})
	}

	input := &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: completed,
		},
	}

	result, err := client.CompleteMultipartUpload(ctx, input)
	if err != nil {
		b.recordError(err)
		return "", b.translateError(err, "CompleteMultipartUpload", key)
	}

	return aws.ToString(result.ETag), nil
}

// AbortMultipartUpload releases the parts staged for an in-flight
// multipart upload that will never be completed.
func (b *Backend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	client := b.cm.GetPooledClient()
	defer b.cm.ReturnPooledClient(client)

	input := &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}

	if _, err := client.AbortMultipartUpload(ctx, input); err != nil {
		b.recordError(err)
		return b.translateError(err, "AbortMultipartUpload", key)
	}
	return nil
}

// DeleteObject removes an object from S3.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start), false) }()

	client := b.cm.GetPooledClient()
	defer b.cm.ReturnPooledClient(client)

	input := &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}

	_, err := client.DeleteObject(ctx, input)
	if err != nil {
		b.recordError(err)
		return b.translateError(err, "DeleteObject", key)
	}

	return nil
}

// HeadObject retrieves metadata about an object.
func (b *Backend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start), false) }()

	client := b.cm.GetPooledClient()
	defer b.cm.ReturnPooledClient(client)

	input := &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}

	result, err := client.HeadObject(ctx, input)
	if err != nil {
		b.recordError(err)
		return nil, b.translateError(err, "HeadObject", key)
	}

	info := &types.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
		ETag:         aws.ToString(result.ETag),
		ContentType:  aws.ToString(result.ContentType),
		Metadata:     make(map[string]string),
	}

	for k, v := range result.Metadata {
		info.Metadata[k] = v
	}

	return info, nil
}

// GetObjects retrieves multiple objects in parallel, bounded by the
// backend's pool size.
func (b *Backend) GetObjects(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return make(map[string][]byte), nil
	}

	results := make(map[string][]byte, len(keys))

	type result struct {
		key  string
		data []byte
		err  error
	}

	resultCh := make(chan result, len(keys))
	semaphore := make(chan struct{}, b.config.PoolSize)

	for _, key := range keys {
		go func(k string) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			data, err := b.GetObject(ctx, k, 0, 0)
			resultCh <- result{key: k, data: data, err: err}
		}(key)
	}

	var firstError error
	for i := 0; i < len(keys); i++ {
		res := <-resultCh
		if res.err != nil {
			if firstError == nil {
				firstError = res.err
			}
			continue
		}
		results[res.key] = res.data
	}

	if firstError != nil && len(results) == 0 {
		return nil, firstError
	}

	return results, nil
}

// ListObjects lists objects in the bucket with the given prefix.
func (b *Backend) ListObjects(ctx context.Context, prefix string, limit int) ([]types.ObjectInfo, error) {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start), false) }()

	client := b.cm.GetPooledClient()
	defer b.cm.ReturnPooledClient(client)

	var maxKeys *int32
	if limit > 0 {
		if limit > 0x7FFFFFFF {
			maxKeys = aws.Int32(0x7FFFFFFF)
		} else {
			maxKeys = aws.Int32(int32(limit))
		}
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: maxKeys,
	}

	result, err := client.ListObjectsV2(ctx, input)
	if err != nil {
		b.recordError(err)
		return nil, b.translateError(err, "ListObjects", prefix)
	}

	objects := make([]types.ObjectInfo, 0, len(result.Contents))
	for _, obj := range result.Contents {
		info := types.ObjectInfo{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
			ETag:         aws.ToString(obj.ETag),
			Metadata:     make(map[string]string),
		}
		objects = append(objects, info)
	}

	return objects, nil
}

// HealthCheck verifies the backend connection.
func (b *Backend) HealthCheck(ctx context.Context) error {
	return b.cm.HealthCheck(ctx, b.bucket)
}

// GetMetrics returns current backend metrics.
func (b *Backend) GetMetrics() BackendMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

// Close closes the backend and releases resources.
func (b *Backend) Close() error {
	return b.cm.Close()
}

func (b *Backend) recordMetrics(duration time.Duration, isError bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.Requests++
	if isError {
		b.metrics.Errors++
	}

	if b.metrics.Requests == 1 {
		b.metrics.AverageLatency = duration
	} else {
		b.metrics.AverageLatency = time.Duration(
			(int64(b.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (b *Backend) recordError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.LastError = err.Error()
	b.metrics.LastErrorTime = time.Now()
}

// translateError maps an AWS SDK error onto the ObjectFS error taxonomy
// so every caller sees the same ErrorCode/Category regardless of which
// S3-compatible backend is in use.
func (b *Backend) translateError(err error, operation, key string) error {
	var apiErr smithy.APIError
	code := objerrors.ErrCodeOperationFailed

	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		code = objerrors.ErrCodeObjectNotFound
	case isErrorType[*s3types.NoSuchBucket](err):
		code = objerrors.ErrCodeBucketNotFound
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "NotModified":
			code = objerrors.ErrCodePreconditionFailed
		case "SlowDown", "TooManyRequests", "RequestThrottled":
			code = objerrors.ErrCodeThrottled
		case "InternalError", "ServiceUnavailable":
			code = objerrors.ErrCodeServerTransient
		case "AccessDenied":
			code = objerrors.ErrCodeAccessDenied
		case "NoSuchKey":
			code = objerrors.ErrCodeObjectNotFound
		case "NoSuchBucket":
			code = objerrors.ErrCodeBucketNotFound
		}
	}

	return objerrors.NewError(code, fmt.Sprintf("%s failed for %s", operation, key)).
		WithOperation(operation).WithContext("key", key).WithContext("bucket", b.bucket).WithCause(err)
}

func (b *Backend) detectContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".xml"):
		return "application/xml"
	case strings.HasSuffix(key, ".html"):
		return "text/html"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain"
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".pdf"):
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

// isErrorType checks if an error is of a specific type.
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

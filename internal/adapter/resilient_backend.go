package adapter

import (
	"context"
	"io"

	"github.com/objectfs/objectfs/internal/multipart"
	"github.com/objectfs/objectfs/internal/storage/s3"
	"github.com/objectfs/objectfs/pkg/recovery"
	"github.com/objectfs/objectfs/pkg/types"
)

// resilientBackend wraps the S3 backend with a recovery manager, so every
// call the page map, file-descriptor cache, multipart scheduler, and FUSE
// layer make against S3 gets a retry-then-circuit-break escalation
// instead of talking to the network unprotected. It implements the union
// of fdcache.Backend, multipart.Backend, and fuse.Backend.
type resilientBackend struct {
	backend *s3.Backend
	manager *recovery.RecoveryManager
}

func newResilientBackend(backend *s3.Backend, manager *recovery.RecoveryManager) *resilientBackend {
	return &resilientBackend{backend: backend, manager: manager}
}

const resilientComponent = "s3"

func (r *resilientBackend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	result, err := r.manager.ExecuteWithResult(ctx, resilientComponent, "GetObject", func() (interface{}, error) {
		return r.backend.GetObject(ctx, key, offset, size)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (r *resilientBackend) PutObject(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (string, error) {
	result, err := r.manager.ExecuteWithResult(ctx, resilientComponent, "PutObject", func() (interface{}, error) {
		return r.backend.PutObject(ctx, key, body, size, metadata)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (r *resilientBackend) CopyObject(ctx context.Context, srcKey, dstKey string) (string, error) {
	result, err := r.manager.ExecuteWithResult(ctx, resilientComponent, "CopyObject", func() (interface{}, error) {
		return r.backend.CopyObject(ctx, srcKey, dstKey)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (r *resilientBackend) SetMetadata(ctx context.Context, key string, metadata map[string]string) (string, error) {
	result, err := r.manager.ExecuteWithResult(ctx, resilientComponent, "SetMetadata", func() (interface{}, error) {
		return r.backend.SetMetadata(ctx, key, metadata)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (r *resilientBackend) CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string) (string, error) {
	result, err := r.manager.ExecuteWithResult(ctx, resilientComponent, "CreateMultipartUpload", func() (interface{}, error) {
		return r.backend.CreateMultipartUpload(ctx, key, metadata)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (r *resilientBackend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.ReaderAt, offset, length int64) (string, error) {
	result, err := r.manager.ExecuteWithResult(ctx, resilientComponent, "UploadPart", func() (interface{}, error) {
		return r.backend.UploadPart(ctx, key, uploadID, partNumber, body, offset, length)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (r *resilientBackend) UploadPartCopy(ctx context.Context, key, uploadID string, partNumber int, copySourceKey string, offset, length int64) (string, error) {
	result, err := r.manager.ExecuteWithResult(ctx, resilientComponent, "UploadPartCopy", func() (interface{}, error) {
		return r.backend.UploadPartCopy(ctx, key, uploadID, partNumber, copySourceKey, offset, length)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (r *resilientBackend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []multipart.CompletedPart) (string, error) {
	result, err := r.manager.ExecuteWithResult(ctx, resilientComponent, "CompleteMultipartUpload", func() (interface{}, error) {
		return r.backend.CompleteMultipartUpload(ctx, key, uploadID, parts)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (r *resilientBackend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return r.manager.Execute(ctx, resilientComponent, "AbortMultipartUpload", func() error {
		return r.backend.AbortMultipartUpload(ctx, key, uploadID)
	})
}

func (r *resilientBackend) DeleteObject(ctx context.Context, key string) error {
	return r.manager.Execute(ctx, resilientComponent, "DeleteObject", func() error {
		return r.backend.DeleteObject(ctx, key)
	})
}

func (r *resilientBackend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	result, err := r.manager.ExecuteWithResult(ctx, resilientComponent, "HeadObject", func() (interface{}, error) {
		return r.backend.HeadObject(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.ObjectInfo), nil
}

func (r *resilientBackend) ListObjects(ctx context.Context, prefix string, limit int) ([]types.ObjectInfo, error) {
	result, err := r.manager.ExecuteWithResult(ctx, resilientComponent, "ListObjects", func() (interface{}, error) {
		return r.backend.ListObjects(ctx, prefix, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.([]types.ObjectInfo), nil
}

// Package multipart schedules the upload of a dirty file's modified byte
// ranges as an S3 multipart upload, mixing freshly-uploaded parts for
// ranges the file-descriptor cache actually changed with copy-parts
// (UploadPartCopy) for ranges that are still identical to the object's
// prior version. Its upload-state machine tracks per-part completion
// the way a multipart upload's state naturally breaks down, generalized
// from "every part is an upload" to mixed upload/copy partitioning.
package multipart

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/objectfs/objectfs/internal/workerpool"
	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/pagemap"
)

const (
	// MinPartSize is the smallest part S3 accepts for any part except the
	// last one in an upload.
	MinPartSize int64 = 5 * 1024 * 1024
	// MaxPartSize is the largest part S3 accepts.
	MaxPartSize int64 = 5 * 1024 * 1024 * 1024
	// DefaultSimplePutThreshold is the file size below which a plain PUT
	// is cheaper than initiating a multipart upload at all.
	DefaultSimplePutThreshold int64 = 20 * 1024 * 1024
)

// PartKind distinguishes a freshly-uploaded part from one copied from the
// object's existing version.
type PartKind string

const (
	// PartKindUpload means the bytes come from the local staging file.
	PartKindUpload PartKind = "upload"
	// PartKindCopy means the bytes are unchanged and are copied
	// server-side via UploadPartCopy instead of re-uploaded.
	PartKindCopy PartKind = "copy"
)

// PartPlan is one planned part of a multipart upload, produced by
// Partition before any network call is made.
type PartPlan struct {
	PartNumber int
	Offset     int64
	Length     int64
	Kind       PartKind
}

// UploadStatus is the lifecycle state of one multipart upload.
type UploadStatus string

const (
	StatusInitiated  UploadStatus = "initiated"
	StatusInProgress UploadStatus = "in_progress"
	StatusCompleted  UploadStatus = "completed"
	StatusFailed     UploadStatus = "failed"
	StatusAborted    UploadStatus = "aborted"
)

// IsTerminal reports whether the status will never change again.
func (s UploadStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// PartResult records the outcome of dispatching one planned part.
type PartResult struct {
	PartNumber int
	ETag       string
	Completed  bool
	RetryCount int
	Error      string
	UpdatedAt  time.Time
}

// State tracks one in-flight multipart upload, directly grounded on
// MultipartUploadState.
type State struct {
	mu sync.Mutex

	UploadID      string
	Key           string
	TotalSize     int64
	Plan          []PartPlan
	Parts         map[int]*PartResult
	StartedAt     time.Time
	LastUpdatedAt time.Time
	Status        UploadStatus
}

func newState(uploadID, key string, totalSize int64, plan []PartPlan) *State {
	return &State{
		UploadID:      uploadID,
		Key:           key,
		TotalSize:     totalSize,
		Plan:          plan,
		Parts:         make(map[int]*PartResult),
		StartedAt:     time.Now(),
		LastUpdatedAt: time.Now(),
		Status:        StatusInitiated,
	}
}

func (s *State) markCompleted(partNumber int, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Parts[partNumber] = &PartResult{PartNumber: partNumber, ETag: etag, Completed: true, UpdatedAt: time.Now()}
	s.LastUpdatedAt = time.Now()
	s.Status = StatusInProgress
}

func (s *State) markFailed(partNumber int, retryCount int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.Parts[partNumber]
	if !ok {
		existing = &PartResult{PartNumber: partNumber}
		s.Parts[partNumber] = existing
	}
	existing.Completed = false
	existing.RetryCount = retryCount
	existing.Error = err.Error()
	existing.UpdatedAt = time.Now()
	s.LastUpdatedAt = time.Now()
}

// CompletedParts returns the part number/ETag pairs needed by
// CompleteMultipartUpload, in part-number order.
func (s *State) CompletedParts() []CompletedPart {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CompletedPart, 0, len(s.Plan))
	for _, plan := range s.Plan {
		if part, ok := s.Parts[plan.PartNumber]; ok && part.Completed {
			out = append(out, CompletedPart{PartNumber: plan.PartNumber, ETag: part.ETag})
		}
	}
	return out
}

// IsComplete reports whether every planned part has completed.
func (s *State) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, plan := range s.Plan {
		part, ok := s.Parts[plan.PartNumber]
		if !ok || !part.Completed {
			return false
		}
	}
	return true
}

// CompletedPart is the (part number, ETag) pair S3's CompleteMultipartUpload
// call needs for each part.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Backend is the subset of S3 operations the scheduler drives. It is
// satisfied by *internal/storage/s3.Backend; defining it here keeps the
// scheduler testable against a fake without importing the concrete AWS
// SDK types.
type Backend interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (etag string, err error)
	CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.ReaderAt, offset, length int64) (etag string, err error)
	UploadPartCopy(ctx context.Context, key, uploadID string, partNumber int, copySourceKey string, offset, length int64) (etag string, err error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (etag string, err error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// StagingReader is the local staging file the scheduler reads modified
// ranges from before handing them to Backend.UploadPart.
type StagingReader interface {
	io.ReaderAt
}

// Scheduler drives Initiate → Partition → Dispatch → Complete/Abort for
// one file's upload, using pool to bound concurrent part dispatch.
type Scheduler struct {
	backend            Backend
	pool               *workerpool.Pool
	simplePutThreshold int64
	minPartSize        int64
	maxPartSize         int64
}

// NewScheduler builds a Scheduler. simplePutThreshold, minPartSize, and
// maxPartSize of zero fall back to the package defaults.
func NewScheduler(backend Backend, pool *workerpool.Pool, simplePutThreshold, minPartSize, maxPartSize int64) *Scheduler {
	if simplePutThreshold <= 0 {
		simplePutThreshold = DefaultSimplePutThreshold
	}
	if minPartSize <= 0 {
		minPartSize = MinPartSize
	}
	if maxPartSize <= 0 {
		maxPartSize = MaxPartSize
	}
	return &Scheduler{
		backend:            backend,
		pool:               pool,
		simplePutThreshold: simplePutThreshold,
		minPartSize:        minPartSize,
		maxPartSize:        maxPartSize,
	}
}

// Partition turns a file's modified-range list into a sequence of
// PartPlans, merging short modified runs together (and splitting long
// ones) so that every upload part respects [minPartSize, maxPartSize],
// and filling the gaps between modified runs with copy-part plans so the
// unmodified tail/head of the object is preserved without re-reading it
// from the staging file.
func (s *Scheduler) Partition(totalSize int64, modified []pagemap.Page) []PartPlan {
	if totalSize <= 0 {
		return nil
	}

	segments := toSegments(totalSize, modified)

	var plan []PartPlan
	partNumber := 1
	for _, seg := range segments {
		for _, chunk := range splitBySize(seg.offset, seg.length, s.minPartSize, s.maxPartSize) {
			plan = append(plan, PartPlan{
				PartNumber: partNumber,
				Offset:     chunk.offset,
				Length:     chunk.length,
				Kind:       seg.kind,
			})
			partNumber++
		}
	}
	return mergeTrailingShortParts(plan, s.minPartSize)
}

type segment struct {
	offset, length int64
	kind           PartKind
}

// toSegments merges the modified-page list (already coalesced by
// pagemap) with the unmodified gaps between them and before/after, so
// every byte of [0, totalSize) is covered by exactly one segment.
func toSegments(totalSize int64, modified []pagemap.Page) []segment {
	var out []segment
	cursor := int64(0)
	for _, p := range modified {
		if p.Offset > cursor {
			out = append(out, segment{offset: cursor, length: p.Offset - cursor, kind: PartKindCopy})
		}
		out = append(out, segment{offset: p.Offset, length: p.Length, kind: PartKindUpload})
		cursor = p.End()
	}
	if cursor < totalSize {
		out = append(out, segment{offset: cursor, length: totalSize - cursor, kind: PartKindCopy})
	}
	return out
}

type byteRange struct{ offset, length int64 }

// splitBySize breaks [offset, offset+length) into chunks no larger than
// maxSize. A chunk below minSize is only produced when it's the sole
// chunk for this segment — mergeTrailingShortParts handles the cross-
// segment case of a short final part.
func splitBySize(offset, length, minSize, maxSize int64) []byteRange {
	if length <= maxSize {
		return []byteRange{{offset, length}}
	}
	var out []byteRange
	remaining := length
	cur := offset
	for remaining > 0 {
		chunk := maxSize
		if remaining < chunk {
			chunk = remaining
		}
		// avoid leaving a final sliver below minSize by shortening this
		// chunk so that the last one is exactly minSize.
		if remaining-chunk > 0 && remaining-chunk < minSize {
			chunk = remaining - minSize
		}
		out = append(out, byteRange{cur, chunk})
		cur += chunk
		remaining -= chunk
	}
	return out
}

// mergeTrailingShortParts folds a too-small final part into its
// predecessor when they share a Kind, since S3 rejects any part but the
// last from being under MinPartSize but still wants the *whole* upload's
// last part to be reasonably sized when more than one part exists.
func mergeTrailingShortParts(plan []PartPlan, minSize int64) []PartPlan {
	if len(plan) < 2 {
		return plan
	}
	last := plan[len(plan)-1]
	prev := plan[len(plan)-2]
	if last.Length < minSize && last.Kind == prev.Kind && prev.Offset+prev.Length == last.Offset {
		merged := prev
		merged.Length += last.Length
		plan = append(plan[:len(plan)-2], merged)
		for i := range plan {
			plan[i].PartNumber = i + 1
		}
	}
	return plan
}

// willSimplePut reports whether Upload would take the single-PUT path for
// a file of totalSize with the given partition plan, instead of driving a
// multipart upload.
func willSimplePut(totalSize, simplePutThreshold int64, plan []PartPlan) bool {
	return totalSize < simplePutThreshold || len(plan) <= 1
}

// WillSimplePut reports whether Upload would take the single-PUT path for
// a file of totalSize with the given modified ranges, without actually
// starting the upload. Callers that stage data locally before calling
// Upload can use this to decide whether the staging file needs to be
// fully populated first: the simple-PUT path uploads the staging file
// verbatim, so any byte range it hasn't fetched or written is read back
// as zero.
func (s *Scheduler) WillSimplePut(totalSize int64, modified []pagemap.Page) bool {
	plan := s.Partition(totalSize, modified)
	return willSimplePut(totalSize, s.simplePutThreshold, plan)
}

// Upload runs the full Initiate→Partition→Dispatch→Complete/Abort
// sequence for one file. staging provides the bytes for PartKindUpload
// segments; copySourceKey is the existing object's key for PartKindCopy
// segments (normally the same key the upload is replacing).
func (s *Scheduler) Upload(ctx context.Context, key, copySourceKey string, staging StagingReader, totalSize int64, modified []pagemap.Page, metadata map[string]string) (etag string, err error) {
	plan := s.Partition(totalSize, modified)

	if willSimplePut(totalSize, s.simplePutThreshold, plan) {
		return s.simplePut(ctx, key, staging, totalSize, metadata)
	}

	uploadID, err := s.backend.CreateMultipartUpload(ctx, key, metadata)
	if err != nil {
		return "", errors.NewError(errors.ErrCodeServerTransient, fmt.Sprintf("initiate multipart upload for %s: %v", key, err))
	}

	state := newState(uploadID, key, totalSize, plan)

	group := s.pool.NewGroup(ctx)
	for _, p := range plan {
		p := p
		group.Go(func(ctx context.Context) error {
			if err := s.dispatchPart(ctx, state, key, copySourceKey, staging, p); err != nil {
				group.Cancel()
				return err
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		_ = s.backend.AbortMultipartUpload(ctx, key, uploadID)
		state.Status = StatusAborted
		return "", err
	}

	if !state.IsComplete() {
		_ = s.backend.AbortMultipartUpload(ctx, key, uploadID)
		state.Status = StatusAborted
		return "", errors.NewError(errors.ErrCodeIntegrity, fmt.Sprintf("multipart upload %s: not all parts completed", uploadID))
	}

	etag, err = s.backend.CompleteMultipartUpload(ctx, key, uploadID, state.CompletedParts())
	if err != nil {
		_ = s.backend.AbortMultipartUpload(ctx, key, uploadID)
		state.Status = StatusAborted
		return "", errors.NewError(errors.ErrCodeServerTransient, fmt.Sprintf("complete multipart upload %s: %v", uploadID, err))
	}
	state.Status = StatusCompleted
	return etag, nil
}

func (s *Scheduler) dispatchPart(ctx context.Context, state *State, key, copySourceKey string, staging StagingReader, p PartPlan) error {
	var (
		etag string
		err  error
	)
	switch p.Kind {
	case PartKindUpload:
		etag, err = s.backend.UploadPart(ctx, key, state.UploadID, p.PartNumber, staging, p.Offset, p.Length)
	case PartKindCopy:
		etag, err = s.backend.UploadPartCopy(ctx, key, state.UploadID, p.PartNumber, copySourceKey, p.Offset, p.Length)
	default:
		err = fmt.Errorf("unknown part kind %q", p.Kind)
	}

	if err != nil {
		state.markFailed(p.PartNumber, 1, err)
		return errors.NewError(errors.ErrCodeServerTransient, fmt.Sprintf("part %d (%s) failed: %v", p.PartNumber, p.Kind, err))
	}
	state.markCompleted(p.PartNumber, etag)
	return nil
}

func (s *Scheduler) simplePut(ctx context.Context, key string, staging StagingReader, totalSize int64, metadata map[string]string) (string, error) {
	r := io.NewSectionReader(staging, 0, totalSize)
	etag, err := s.backend.PutObject(ctx, key, r, totalSize, metadata)
	if err != nil {
		return "", errors.NewError(errors.ErrCodeServerTransient, fmt.Sprintf("put object %s: %v", key, err))
	}
	return etag, nil
}

package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/adamwdraper/the-narrator/common/keylock"
	"github.com/adamwdraper/the-narrator/common/logger"
	"github.com/adamwdraper/the-narrator/internal/metrics"
	"github.com/adamwdraper/the-narrator/internal/model"
)

// BackendLocal is the storage_backend value recorded on attachments.
const BackendLocal = "local"

const indexDirName = ".index"

var (
	ErrInvalidPath   = errors.New("invalid storage path")
	ErrPathTraversal = errors.New("path traversal not allowed")
)

type Config struct {
	BasePath       string
	MaxFileSize    int64
	MaxStorageSize int64 // 0 means unlimited
	Metrics        *metrics.Metrics
}

// PutRequest is one item of a BatchPut.
type PutRequest struct {
	Data     []byte
	Filename string
	MimeType string
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	ID          string    `json:"id"`
	StoragePath string    `json:"storage_path"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mime_type,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Usage struct {
	Files          int   `json:"files"`
	Bytes          int64 `json:"bytes"`
	MaxFileSize    int64 `json:"max_file_size"`
	MaxStorageSize int64 `json:"max_storage_size"`
}

// LocalStore is a content-addressed blob store on the local filesystem.
// Blobs live at <base>/<hash[:2]>/<uuid><ext>; a pebble index under
// <base>/.index maps each sha256 to its record. At most one physical copy
// exists per hash.
type LocalStore struct {
	basePath       string
	maxFileSize    int64
	maxStorageSize int64

	index   *index
	locks   *keylock.Map
	metrics *metrics.Metrics

	mu    sync.Mutex
	usage int64
	files int
}

func NewLocalStore(cfg Config) (*LocalStore, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("content store base path is required")
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("content store max file size must be positive")
	}

	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating content store directory: %w", err)
	}

	ix, err := openIndex(filepath.Join(cfg.BasePath, indexDirName))
	if err != nil {
		return nil, err
	}

	s := &LocalStore{
		basePath:       cfg.BasePath,
		maxFileSize:    cfg.MaxFileSize,
		maxStorageSize: cfg.MaxStorageSize,
		index:          ix,
		locks:          keylock.New(),
		metrics:        cfg.Metrics,
	}

	err = ix.each(func(_ string, rec record) bool {
		s.usage += rec.Size
		s.files++
		return true
	})
	if err != nil {
		ix.close()
		return nil, fmt.Errorf("scanning blob index: %w", err)
	}
	s.metrics.StorageUsage(s.usage)

	return s, nil
}

func (s *LocalStore) Name() string {
	return BackendLocal
}

func (s *LocalStore) BasePath() string {
	return s.basePath
}

func (s *LocalStore) Close() error {
	return s.index.close()
}

// Put stores data unless a blob with the same sha256 already exists, in which
// case the existing location is returned and nothing is written.
func (s *LocalStore) Put(ctx context.Context, data []byte, filename, mimeType string) (model.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return model.BlobRef{}, err
	}

	size := int64(len(data))
	if size > s.maxFileSize {
		s.metrics.BlobPut(metrics.PutRejected, 0)
		return model.BlobRef{}, fmt.Errorf("%w: %s is %s, limit is %s", model.ErrTooLarge,
			filename, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(s.maxFileSize)))
	}

	hash := hashBytes(data)

	sc := logger.StartSpan(ctx, "contentstore.put")
	defer sc.End()
	ctx = logger.WithLogFields(sc.Context(), logger.LogFields{
		BlobID:    logger.Ptr(hash),
		Component: "narrator.contentstore",
	})

	unlock, err := s.locks.Lock(ctx, hash)
	if err != nil {
		return model.BlobRef{}, err
	}
	defer unlock()

	rec, ok, err := s.index.get(hash)
	if err != nil {
		sc.RecordError(err)
		s.metrics.BlobPut(metrics.PutFailed, 0)
		return model.BlobRef{}, model.NewStorageError("put", hash, err)
	}
	if ok {
		if _, statErr := os.Stat(s.abs(rec.Path)); statErr == nil {
			slog.DebugContext(ctx, "blob already stored", "path", rec.Path)
			s.metrics.BlobPut(metrics.PutDeduplicated, 0)
			return refFor(hash, rec), nil
		}
		slog.WarnContext(ctx, "indexed blob missing on disk, rewriting", "path", rec.Path)
		s.release(rec.Size)
	}

	if err := s.reserve(size); err != nil {
		s.metrics.BlobPut(metrics.PutRejected, 0)
		return model.BlobRef{}, err
	}

	rel, name, err := s.write(hash, data, filename, mimeType)
	if err != nil {
		s.release(size)
		sc.RecordError(err)
		s.metrics.BlobPut(metrics.PutFailed, 0)
		return model.BlobRef{}, model.NewStorageError("put", hash, err)
	}

	rec = record{
		Path:      rel,
		Size:      size,
		MimeType:  mimeType,
		Filename:  name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.index.put(hash, rec); err != nil {
		os.Remove(s.abs(rel))
		s.release(size)
		sc.RecordError(err)
		s.metrics.BlobPut(metrics.PutFailed, 0)
		return model.BlobRef{}, model.NewStorageError("put", hash, err)
	}

	s.metrics.BlobPut(metrics.PutStored, len(data))
	s.metrics.StorageUsage(s.Usage().Bytes)
	slog.InfoContext(ctx, "blob stored",
		"path", rel,
		"size", humanize.IBytes(uint64(size)),
		"original_filename", filename)

	return refFor(hash, rec), nil
}

// Get returns the bytes for id. When the index has no usable entry the
// hintPath, relative to the base path, is tried instead.
func (s *LocalStore) Get(ctx context.Context, id, hintPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if isHash(id) {
		rec, ok, err := s.index.get(id)
		if err != nil {
			return nil, model.NewStorageError("get", id, err)
		}
		if ok {
			data, err := os.ReadFile(s.abs(rec.Path))
			if err == nil {
				return data, nil
			}
			slog.WarnContext(ctx, "indexed blob unreadable", "blob_id", id, "path", rec.Path, "error", err)
		}
	}

	if hintPath == "" {
		return nil, fmt.Errorf("blob %s: %w", id, model.ErrNotFound)
	}
	if err := validatePath(hintPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.abs(hintPath))
	if err != nil {
		return nil, fmt.Errorf("blob %s: reading %s: %v: %w", id, hintPath, err, model.ErrNotFound)
	}
	if isHash(id) && hashBytes(data) != id {
		return nil, fmt.Errorf("blob %s: content at %s does not match: %w", id, hintPath, model.ErrNotFound)
	}
	return data, nil
}

// Delete removes the blob and reports whether it existed.
func (s *LocalStore) Delete(ctx context.Context, id string) (bool, error) {
	if !isHash(id) {
		return false, nil
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	rec, ok, err := s.index.get(id)
	if err != nil {
		return false, model.NewStorageError("delete", id, err)
	}
	if !ok {
		return false, nil
	}

	full := s.abs(rec.Path)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return false, model.NewStorageError("delete", id, err)
	}
	// Shard directories are kept: a concurrent Put into the same shard may
	// be between MkdirAll and CreateTemp.

	if err := s.index.delete(id); err != nil {
		return false, model.NewStorageError("delete", id, err)
	}
	s.release(rec.Size)

	s.metrics.BlobDeleted()
	s.metrics.StorageUsage(s.Usage().Bytes)
	slog.InfoContext(ctx, "blob deleted", "blob_id", id, "path", rec.Path)
	return true, nil
}

// BatchPut stores each item in order and stops at the first failure,
// returning the refs stored so far.
func (s *LocalStore) BatchPut(ctx context.Context, items []PutRequest) ([]model.BlobRef, error) {
	refs := make([]model.BlobRef, 0, len(items))
	for _, item := range items {
		ref, err := s.Put(ctx, item.Data, item.Filename, item.MimeType)
		if err != nil {
			return refs, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// BatchDelete reports per id whether a blob was removed.
func (s *LocalStore) BatchDelete(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		deleted, err := s.Delete(ctx, id)
		if err != nil {
			return out, err
		}
		out[id] = deleted
	}
	return out, nil
}

func (s *LocalStore) List(ctx context.Context) ([]BlobInfo, error) {
	var out []BlobInfo
	err := s.index.each(func(hash string, rec record) bool {
		out = append(out, BlobInfo{
			ID:          hash,
			StoragePath: rec.Path,
			Size:        rec.Size,
			MimeType:    rec.MimeType,
			Filename:    rec.Filename,
			CreatedAt:   rec.CreatedAt,
		})
		return ctx.Err() == nil
	})
	if err != nil {
		return nil, model.NewStorageError("list", "", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LocalStore) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{
		Files:          s.files,
		Bytes:          s.usage,
		MaxFileSize:    s.maxFileSize,
		MaxStorageSize: s.maxStorageSize,
	}
}

func (s *LocalStore) reserve(n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxStorageSize > 0 && s.usage+n > s.maxStorageSize {
		return fmt.Errorf("%w: storing %s would exceed the %s storage limit (%s used)", model.ErrTooLarge,
			humanize.IBytes(uint64(n)), humanize.IBytes(uint64(s.maxStorageSize)), humanize.IBytes(uint64(s.usage)))
	}
	s.usage += n
	s.files++
	return nil
}

func (s *LocalStore) release(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage -= n
	s.files--
}

// write places data under its shard with a fresh name and returns the
// relative path and the name.
func (s *LocalStore) write(hash string, data []byte, filename, mimeType string) (string, string, error) {
	shard := hash[:2]
	dir := filepath.Join(s.basePath, shard)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating shard directory: %w", err)
	}

	name := uuid.NewString() + extensionFor(filename, mimeType)
	full := filepath.Join(dir, name)

	// Atomic write: write to temp file, then rename
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", "", fmt.Errorf("creating temp blob: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("writing temp blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("syncing temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("closing temp blob: %w", err)
	}

	if err := os.Rename(tmpPath, full); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("renaming blob: %w", err)
	}

	return shard + "/" + name, name, nil
}

func (s *LocalStore) abs(rel string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(rel))
}

func refFor(hash string, rec record) model.BlobRef {
	return model.BlobRef{
		ID:          hash,
		StoragePath: rec.Path,
		Backend:     BackendLocal,
		Filename:    rec.Filename,
	}
}

// validatePath ensures the path is safe (no traversal, stays under root).
func validatePath(path string) error {
	if path == "" {
		return ErrInvalidPath
	}

	if strings.Contains(path, "..") {
		return ErrPathTraversal
	}

	if filepath.IsAbs(path) {
		return ErrPathTraversal
	}

	cleaned := filepath.Clean(path)
	if strings.HasPrefix(cleaned, "..") || strings.HasPrefix(cleaned, indexDirName) {
		return ErrPathTraversal
	}

	return nil
}

func extensionFor(filename, mimeType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" && len(ext) <= 16 && isAlnum(ext[1:]) {
		return ext
	}
	if mimeType != "" {
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ""
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func isHash(id string) bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

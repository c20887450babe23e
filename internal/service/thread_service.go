package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/adamwdraper/the-narrator/common/logger"
	"github.com/adamwdraper/the-narrator/internal/metrics"
	"github.com/adamwdraper/the-narrator/internal/model"
	"github.com/adamwdraper/the-narrator/internal/store"
)

// ThreadService is the persistence gateway in front of a ThreadStore. It
// moves inline attachments into the content store, keeps the system message
// out of durable storage and serializes saves per thread.
type ThreadService interface {
	// Save returns the caller's thread, system message included.
	Save(ctx context.Context, thread *model.Thread) (*model.Thread, error)
	// Get returns nil without error when the thread does not exist.
	Get(ctx context.Context, id string) (*model.Thread, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, limit, offset int) ([]*model.Thread, error)
	ListRecent(ctx context.Context, limit int) ([]*model.Thread, error)
	FindByAttributes(ctx context.Context, attributes map[string]any) ([]*model.Thread, error)
	FindByPlatform(ctx context.Context, platform string, filter map[string]any) ([]*model.Thread, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Backend() string
	Close() error
}

type threadService struct {
	threads store.ThreadStore
	files   model.BlobWriter
	locker  Locker
	metrics *metrics.Metrics
}

// NewThreadService wires the gateway. files may be nil when threads never
// carry inline attachments; locker nil means a LocalLocker.
func NewThreadService(threads store.ThreadStore, files model.BlobWriter, locker Locker, m *metrics.Metrics) ThreadService {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &threadService{
		threads: threads,
		files:   files,
		locker:  locker,
		metrics: m,
	}
}

func (s *threadService) Backend() string {
	return s.threads.Name()
}

func (s *threadService) Ping(ctx context.Context) error {
	if err := s.threads.Ping(ctx); err != nil {
		slog.ErrorContext(s.withFields(ctx, ""), "thread backend ping failed", "error", err)
		return fmt.Errorf("pinging %s backend: %w", s.threads.Name(), err)
	}
	return nil
}

func (s *threadService) Close() error {
	return s.threads.Close()
}

func (s *threadService) withFields(ctx context.Context, threadID string) context.Context {
	fields := logger.LogFields{
		Backend:   logger.Ptr(s.threads.Name()),
		Component: "narrator.service.threads",
	}
	if threadID != "" {
		fields.ThreadID = logger.Ptr(threadID)
	}
	return logger.WithLogFields(ctx, fields)
}

func (s *threadService) Save(ctx context.Context, thread *model.Thread) (*model.Thread, error) {
	if thread == nil {
		return nil, &model.ValidationError{Field: "thread", Reason: "nil thread"}
	}

	start := time.Now()
	sc := logger.StartSpan(ctx, "threads.save")
	defer sc.End()
	ctx = s.withFields(sc.Context(), thread.ID)
	sc.SetAttributes(
		attribute.String("thread.id", thread.ID),
		attribute.Int("thread.messages", len(thread.Messages)),
		attribute.String("thread.backend", s.threads.Name()),
	)

	err := s.save(ctx, thread)
	s.metrics.ThreadOp("save", s.threads.Name(), start, err)
	if err != nil {
		sc.RecordError(err)
		slog.ErrorContext(ctx, "failed to save thread", "error", err)
		return nil, err
	}
	return thread, nil
}

func (s *threadService) save(ctx context.Context, thread *model.Thread) error {
	waitStart := time.Now()
	release, err := s.locker.Acquire(ctx, thread.ID)
	if err != nil {
		return fmt.Errorf("acquiring save lock for thread %s: %w", thread.ID, err)
	}
	defer release()
	s.metrics.LockWait(time.Since(waitStart))

	stored, err := s.storeAttachments(ctx, thread)
	s.metrics.AttachmentsStored(stored)
	if err != nil {
		return err
	}

	if err := s.threads.Save(ctx, thread.WithoutSystemMessage()); err != nil {
		return fmt.Errorf("saving thread %s: %w", thread.ID, err)
	}

	slog.InfoContext(ctx, "thread saved",
		"messages", len(thread.Messages),
		"attachments_stored", stored)
	return nil
}

// storeAttachments moves every inline attachment into the content store.
// Messages are handled one at a time; a failing message keeps all of its
// attachments inline and aborts the save.
func (s *threadService) storeAttachments(ctx context.Context, thread *model.Thread) (int, error) {
	total := 0
	for _, m := range thread.Messages {
		inline := inlineAttachments(m)
		if len(inline) == 0 {
			continue
		}
		if s.files == nil {
			return total, fmt.Errorf("failed to process attachment %s: no content store configured", inline[0].Filename)
		}

		mctx := logger.WithLogFields(ctx, logger.LogFields{MessageID: logger.Ptr(m.ID)})
		n, err := m.StoreAll(mctx, s.files)
		if err != nil {
			slog.WarnContext(mctx, "attachment processing failed", "error", err)
			return total, err
		}
		total += n

		for _, a := range inline {
			stored, _ := a.Stored()
			actx := logger.WithLogFields(mctx, logger.LogFields{
				AttachmentID: logger.Ptr(a.ID),
				BlobID:       logger.Ptr(stored.FileID),
			})
			slog.DebugContext(actx, "attachment stored",
				"filename", a.Filename,
				"storage_path", stored.StoragePath)
		}
	}
	return total, nil
}

func inlineAttachments(m *model.Message) []*model.Attachment {
	var out []*model.Attachment
	for _, a := range m.Attachments {
		if _, ok := a.Inline(); ok {
			out = append(out, a)
		}
	}
	return out
}

func (s *threadService) Get(ctx context.Context, id string) (*model.Thread, error) {
	start := time.Now()
	sc := logger.StartSpan(ctx, "threads.get")
	defer sc.End()
	ctx = s.withFields(sc.Context(), id)

	thread, err := s.threads.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.metrics.ThreadOp("get", s.threads.Name(), start, nil)
		slog.DebugContext(ctx, "thread not found")
		return nil, nil
	}
	s.metrics.ThreadOp("get", s.threads.Name(), start, err)
	if err != nil {
		sc.RecordError(err)
		slog.ErrorContext(ctx, "failed to get thread", "error", err)
		return nil, fmt.Errorf("getting thread %s: %w", id, err)
	}
	return thread, nil
}

func (s *threadService) Delete(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	sc := logger.StartSpan(ctx, "threads.delete")
	defer sc.End()
	ctx = s.withFields(sc.Context(), id)

	deleted, err := s.threads.Delete(ctx, id)
	s.metrics.ThreadOp("delete", s.threads.Name(), start, err)
	if err != nil {
		sc.RecordError(err)
		slog.ErrorContext(ctx, "failed to delete thread", "error", err)
		return false, fmt.Errorf("deleting thread %s: %w", id, err)
	}

	if deleted {
		slog.InfoContext(ctx, "thread deleted")
	}
	return deleted, nil
}

func (s *threadService) List(ctx context.Context, limit, offset int) ([]*model.Thread, error) {
	start := time.Now()
	threads, err := s.threads.List(s.withFields(ctx, ""), limit, offset)
	s.metrics.ThreadOp("list", s.threads.Name(), start, err)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	return threads, nil
}

func (s *threadService) ListRecent(ctx context.Context, limit int) ([]*model.Thread, error) {
	start := time.Now()
	threads, err := s.threads.ListRecent(s.withFields(ctx, ""), limit)
	s.metrics.ThreadOp("list_recent", s.threads.Name(), start, err)
	if err != nil {
		return nil, fmt.Errorf("listing recent threads: %w", err)
	}
	return threads, nil
}

func (s *threadService) FindByAttributes(ctx context.Context, attributes map[string]any) ([]*model.Thread, error) {
	start := time.Now()
	threads, err := s.threads.FindByAttributes(s.withFields(ctx, ""), attributes)
	s.metrics.ThreadOp("find_by_attributes", s.threads.Name(), start, err)
	if err != nil {
		return nil, fmt.Errorf("finding threads by attributes: %w", err)
	}
	return threads, nil
}

func (s *threadService) FindByPlatform(ctx context.Context, platform string, filter map[string]any) ([]*model.Thread, error) {
	start := time.Now()
	threads, err := s.threads.FindByPlatform(s.withFields(ctx, ""), platform, filter)
	s.metrics.ThreadOp("find_by_platform", s.threads.Name(), start, err)
	if err != nil {
		return nil, fmt.Errorf("finding threads by platform %s: %w", platform, err)
	}
	return threads, nil
}

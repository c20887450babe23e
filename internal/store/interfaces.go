package store

import (
	"context"
	"fmt"

	"github.com/adamwdraper/the-narrator/internal/model"
)

// ErrNotFound is returned when a requested thread does not exist
var ErrNotFound = model.ErrNotFound

// DefaultListLimit applies when List or ListRecent is called with limit <= 0.
const DefaultListLimit = 100

// ThreadStore is the contract shared by the memory and relational backends.
// Saved threads are durable snapshots: later mutation of the caller's object
// is not visible until the next Save.
type ThreadStore interface {
	Save(ctx context.Context, thread *model.Thread) error
	Get(ctx context.Context, id string) (*model.Thread, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, limit, offset int) ([]*model.Thread, error)
	ListRecent(ctx context.Context, limit int) ([]*model.Thread, error)
	FindByAttributes(ctx context.Context, attributes map[string]any) ([]*model.Thread, error)
	FindByPlatform(ctx context.Context, platform string, filter map[string]any) ([]*model.Thread, error)
	// Ping checks the backend can still serve requests.
	Ping(ctx context.Context) error
	Name() string
	Close() error
}

// checkDurable rejects threads a backend cannot persist faithfully.
func checkDurable(thread *model.Thread) error {
	if thread == nil {
		return &model.ValidationError{Field: "thread", Reason: "nil thread"}
	}
	if thread.ID == "" {
		return &model.ValidationError{Field: "thread id", Reason: "must not be empty"}
	}
	for _, m := range thread.Messages {
		if m == nil {
			return &model.ValidationError{Field: "message", Reason: "nil message"}
		}
		if m.Sequence == nil || m.Turn == nil {
			return &model.ValidationError{
				Field:  "message " + m.ID,
				Reason: "has no sequence or turn; add it through the thread first",
			}
		}
		for _, a := range m.Attachments {
			if !a.IsStored() {
				return &model.ValidationError{
					Field:  "attachment " + a.Filename,
					Reason: fmt.Sprintf("message %s has an attachment that is not stored yet", m.ID),
				}
			}
		}
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

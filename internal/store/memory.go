package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/adamwdraper/the-narrator/internal/model"
)

const BackendMemory = "memory"

// MemoryStore keeps JSON snapshots of threads in process memory. Snapshots
// go through the same encoding as the relational columns, so values that
// cannot be serialized fail here too.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]byte)}
}

func (s *MemoryStore) Name() string {
	return BackendMemory
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Save(ctx context.Context, thread *model.Thread) error {
	if err := checkDurable(thread); err != nil {
		return err
	}

	snapshot, err := json.Marshal(thread)
	if err != nil {
		return model.NewStorageError("save", thread.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[thread.ID] = snapshot
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Thread, error) {
	s.mu.RLock()
	snapshot, ok := s.threads[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return decodeSnapshot(id, snapshot)
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[id]; !ok {
		return false, nil
	}
	delete(s.threads, id)
	return true, nil
}

func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*model.Thread, error) {
	all, err := s.filter(func(*model.Thread) bool { return true })
	if err != nil {
		return nil, err
	}
	return page(all, normalizeLimit(limit), offset), nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*model.Thread, error) {
	return s.List(ctx, limit, 0)
}

func (s *MemoryStore) FindByAttributes(ctx context.Context, attributes map[string]any) ([]*model.Thread, error) {
	terms, err := encodeFilter(attributes)
	if err != nil {
		return nil, err
	}
	return s.filter(func(t *model.Thread) bool {
		return matchTerms(t.Attributes, terms)
	})
}

func (s *MemoryStore) FindByPlatform(ctx context.Context, platform string, filter map[string]any) ([]*model.Thread, error) {
	if err := checkKey(platform); err != nil {
		return nil, err
	}
	terms, err := encodeFilter(filter)
	if err != nil {
		return nil, err
	}
	return s.filter(func(t *model.Thread) bool {
		ref, ok := t.Platforms[platform]
		return ok && matchTerms(ref, terms)
	})
}

// filter decodes every snapshot and returns the matches, most recently
// updated first.
func (s *MemoryStore) filter(keep func(*model.Thread) bool) ([]*model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Thread
	for id, snapshot := range s.threads {
		t, err := decodeSnapshot(id, snapshot)
		if err != nil {
			return nil, err
		}
		if keep(t) {
			out = append(out, t)
		}
	}
	sortRecent(out)
	return out, nil
}

func decodeSnapshot(id string, snapshot []byte) (*model.Thread, error) {
	var t model.Thread
	if err := unmarshalJSON(snapshot, &t); err != nil {
		return nil, model.NewStorageError("decode", id, err)
	}
	return &t, nil
}

// sortRecent orders by UpdatedAt descending with id as the tie-breaker,
// matching the relational ORDER BY.
func sortRecent(threads []*model.Thread) {
	sort.Slice(threads, func(i, j int) bool {
		a, b := threads[i], threads[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	})
}

func page(threads []*model.Thread, limit, offset int) []*model.Thread {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(threads) {
		return []*model.Thread{}
	}
	end := offset + limit
	if end > len(threads) {
		end = len(threads)
	}
	return threads[offset:end]
}

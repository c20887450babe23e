// Package registry holds named thread and file stores so that components
// built apart from each other can share one instance of each.
package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/adamwdraper/the-narrator/internal/contentstore"
	"github.com/adamwdraper/the-narrator/internal/model"
	"github.com/adamwdraper/the-narrator/internal/service"
)

// DefaultName is the name used when a caller does not pick one.
const DefaultName = "default"

// FileStore is what the registry needs from a content store.
type FileStore interface {
	model.BlobWriter
	model.BlobReader
	Delete(ctx context.Context, id string) (bool, error)
	CheckHealth(ctx context.Context) contentstore.Health
	Close() error
}

type Registry struct {
	mu      sync.RWMutex
	threads map[string]service.ThreadService
	files   map[string]FileStore
	order   []func() error
}

func New() *Registry {
	return &Registry{
		threads: make(map[string]service.ThreadService),
		files:   make(map[string]FileStore),
	}
}

func (r *Registry) RegisterThreadStore(name string, s service.ThreadService) error {
	if name == "" {
		name = DefaultName
	}
	if isNil(s) {
		return &model.ValidationError{Field: "thread store", Reason: "nil store"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[name]; ok {
		return fmt.Errorf("%w: thread store %q already registered", model.ErrConflict, name)
	}
	r.threads[name] = s
	r.order = append(r.order, s.Close)
	return nil
}

func (r *Registry) RegisterFileStore(name string, s FileStore) error {
	if name == "" {
		name = DefaultName
	}
	if isNil(s) {
		return &model.ValidationError{Field: "file store", Reason: "nil store"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[name]; ok {
		return fmt.Errorf("%w: file store %q already registered", model.ErrConflict, name)
	}
	r.files[name] = s
	r.order = append(r.order, s.Close)
	return nil
}

// OnClose adds a shutdown hook for a resource the stores depend on. Hooks run
// in the same reverse order as store closes, so register dependencies first.
func (r *Registry) OnClose(fn func() error) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, fn)
}

// ThreadStore returns the named thread store; an empty name means DefaultName.
func (r *Registry) ThreadStore(name string) (service.ThreadService, error) {
	if name == "" {
		name = DefaultName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.threads[name]
	if !ok {
		return nil, fmt.Errorf("thread store %q: %w", name, model.ErrNotFound)
	}
	return s, nil
}

func (r *Registry) FileStore(name string) (FileStore, error) {
	if name == "" {
		name = DefaultName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.files[name]
	if !ok {
		return nil, fmt.Errorf("file store %q: %w", name, model.ErrNotFound)
	}
	return s, nil
}

func (r *Registry) ThreadStoreNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.threads)
}

func (r *Registry) FileStoreNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.files)
}

// Close closes every registered store, last registered first, and empties
// the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	order := r.order
	r.order = nil
	r.threads = make(map[string]service.ThreadService)
	r.files = make(map[string]FileStore)
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := order[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// isNil also catches a typed nil pointer held in an interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

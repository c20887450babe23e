package model_test

import (
	"context"

	"github.com/adamwdraper/the-narrator/internal/model"
)

type mockBlobStore struct {
	putFn func(ctx context.Context, data []byte, filename, mimeType string) (model.BlobRef, error)
	getFn func(ctx context.Context, id, hintPath string) ([]byte, error)
}

func (m *mockBlobStore) Put(ctx context.Context, data []byte, filename, mimeType string) (model.BlobRef, error) {
	if m.putFn != nil {
		return m.putFn(ctx, data, filename, mimeType)
	}
	return model.BlobRef{}, nil
}

func (m *mockBlobStore) Get(ctx context.Context, id, hintPath string) ([]byte, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id, hintPath)
	}
	return nil, nil
}

func mustMessage(role model.Role, text string, opts ...model.MessageOption) *model.Message {
	m, err := model.NewMessage(role, model.Text(text), opts...)
	if err != nil {
		panic(err)
	}
	return m
}

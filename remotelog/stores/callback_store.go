package stores

import (
	"context"
	"io"
	"time"
)

// CallbackStore implements Store for testing with customizable behavior.
// Methods having a nil callback delegate to Store, or return zero values if
// Store is also nil.
type CallbackStore struct {
	Store

	SignGetFunc     func(path string, d time.Duration) (string, error)
	GetFunc         func(ctx context.Context, path string) (io.ReadCloser, error)
	PutFunc         func(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error
	ListFunc        func(ctx context.Context, prefix string, callback func(path string, size int64, modTime time.Time) error) error
	RemoveFunc      func(ctx context.Context, path string) error
	IsAuthErrorFunc func(error) bool
}

// Provider returns the wrapped Store's provider, or "callback".
func (c *CallbackStore) Provider() string {
	if c.Store != nil {
		return c.Store.Provider()
	}
	return "callback"
}

func (c *CallbackStore) SignGet(path string, d time.Duration) (string, error) {
	if c.SignGetFunc != nil {
		return c.SignGetFunc(path, d)
	} else if c.Store != nil {
		return c.Store.SignGet(path, d)
	}
	return "", nil
}

func (c *CallbackStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	if c.GetFunc != nil {
		return c.GetFunc(ctx, path)
	} else if c.Store != nil {
		return c.Store.Get(ctx, path)
	}
	return nil, ErrNotFound
}

func (c *CallbackStore) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	if c.PutFunc != nil {
		return c.PutFunc(ctx, path, content, contentLength, contentEncoding)
	} else if c.Store != nil {
		return c.Store.Put(ctx, path, content, contentLength, contentEncoding)
	}
	return nil
}

func (c *CallbackStore) List(ctx context.Context, prefix string, callback func(path string, size int64, modTime time.Time) error) error {
	if c.ListFunc != nil {
		return c.ListFunc(ctx, prefix, callback)
	} else if c.Store != nil {
		return c.Store.List(ctx, prefix, callback)
	}
	return nil
}

func (c *CallbackStore) Remove(ctx context.Context, path string) error {
	if c.RemoveFunc != nil {
		return c.RemoveFunc(ctx, path)
	} else if c.Store != nil {
		return c.Store.Remove(ctx, path)
	}
	return nil
}

func (c *CallbackStore) IsAuthError(err error) bool {
	if c.IsAuthErrorFunc != nil {
		return c.IsAuthErrorFunc(err)
	} else if c.Store != nil {
		return c.Store.IsAuthError(err)
	}
	return false
}

package remotelog

import (
	"context"
	"io"
)

// CallbackLog implements Log for testing with customizable behavior. Methods
// having a nil callback delegate to Log, which may also be nil if those
// methods are never invoked.
type CallbackLog struct {
	Log

	ListFunc   func(ctx context.Context, pageSize int, before string) ([]Entry, error)
	PostFunc   func(ctx context.Context, name string, blob []byte, caption string) (Entry, error)
	DeleteFunc func(ctx context.Context, id string) error
	OpenFunc   func(ctx context.Context, e Entry) (io.ReadCloser, error)
}

// List calls ListFunc if set, otherwise the wrapped Log.
func (c *CallbackLog) List(ctx context.Context, pageSize int, before string) ([]Entry, error) {
	if c.ListFunc != nil {
		return c.ListFunc(ctx, pageSize, before)
	}
	return c.Log.List(ctx, pageSize, before)
}

// Post calls PostFunc if set, otherwise the wrapped Log.
func (c *CallbackLog) Post(ctx context.Context, name string, blob []byte, caption string) (Entry, error) {
	if c.PostFunc != nil {
		return c.PostFunc(ctx, name, blob, caption)
	}
	return c.Log.Post(ctx, name, blob, caption)
}

// Delete calls DeleteFunc if set, otherwise the wrapped Log.
func (c *CallbackLog) Delete(ctx context.Context, id string) error {
	if c.DeleteFunc != nil {
		return c.DeleteFunc(ctx, id)
	}
	return c.Log.Delete(ctx, id)
}

// Open calls OpenFunc if set, otherwise the wrapped Log.
func (c *CallbackLog) Open(ctx context.Context, e Entry) (io.ReadCloser, error) {
	if c.OpenFunc != nil {
		return c.OpenFunc(ctx, e)
	}
	return c.Log.Open(ctx, e)
}

package stores

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for testing.
type MemoryStore struct {
	URL      *url.URL
	Content  map[string][]byte
	ModTimes map[string]time.Time
	mu       sync.RWMutex
}

// NewMemoryStore returns an empty MemoryStore of URL |ep|.
func NewMemoryStore(ep *url.URL) *MemoryStore {
	return &MemoryStore{
		URL:      ep,
		Content:  make(map[string][]byte),
		ModTimes: make(map[string]time.Time),
	}
}

func (m *MemoryStore) Provider() string { return "memory" }

func (m *MemoryStore) SignGet(path string, d time.Duration) (string, error) {
	var u = m.URL.JoinPath(path)
	u.Scheme = "memory"
	u.RawQuery = url.Values{"expires": {time.Now().Add(d).UTC().Format(time.RFC3339)}}.Encode()
	return u.String(), nil
}

func (m *MemoryStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var content, exists = m.Content[path]
	if !exists {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *MemoryStore) Put(_ context.Context, path string, content io.ReaderAt, contentLength int64, _ string) error {
	var buf = make([]byte, contentLength)
	if _, err := content.ReadAt(buf, 0); err != nil && err != io.EOF {
		return fmt.Errorf("failed to read content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Content[path] = buf
	m.ModTimes[path] = time.Now()
	return nil
}

// List enumerates matched paths in sorted order.
func (m *MemoryStore) List(_ context.Context, prefix string, callback func(path string, size int64, modTime time.Time) error) error {
	m.mu.RLock()
	var paths []string
	for p := range m.Content {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	type item struct {
		size    int64
		modTime time.Time
	}
	var items = make([]item, len(paths))
	for i, p := range paths {
		items[i] = item{int64(len(m.Content[p])), m.ModTimes[p]}
	}
	m.mu.RUnlock()

	// Callbacks run without the lock held, and may modify the store.
	for i, p := range paths {
		if err := callback(strings.TrimPrefix(p, prefix), items[i].size, items[i].modTime); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.Content, path)
	delete(m.ModTimes, path)
	return nil
}

func (m *MemoryStore) IsAuthError(error) bool { return false }

package remotelog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// MemoryLog is an in-process Log. It implements the pagination semantics of
// a remote Log faithfully, and is used by tests and memory: URLs.
type MemoryLog struct {
	// Now returns the Created time of posted Entries. If nil, time.Now is used.
	Now func() time.Time

	mu      sync.Mutex
	seq     int64
	entries []memoryEntry // Ordered on ascending ID.
}

type memoryEntry struct {
	Entry
	blob []byte
}

// NewMemoryLog returns an empty MemoryLog.
func NewMemoryLog() *MemoryLog { return new(MemoryLog) }

// List implements Log.
func (m *MemoryLog) List(_ context.Context, pageSize int, before string) ([]Entry, error) {
	if pageSize < 1 {
		return nil, fmt.Errorf("invalid page size %d", pageSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var end = len(m.entries)
	if before != "" {
		end = sort.Search(len(m.entries), func(i int) bool { return m.entries[i].ID >= before })
	}
	var out []Entry
	for i := end - 1; i >= 0 && len(out) != pageSize; i-- {
		out = append(out, m.entries[i].Entry)
	}
	return out, nil
}

// Post implements Log.
func (m *MemoryLog) Post(_ context.Context, name string, blob []byte, caption string) (Entry, error) {
	var now = time.Now
	if m.Now != nil {
		now = m.Now
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	var e = Entry{
		ID:      fmt.Sprintf("%016d", m.seq),
		Name:    name,
		Caption: caption,
		Size:    int64(len(blob)),
		Created: now(),
	}
	m.entries = append(m.entries, memoryEntry{Entry: e, blob: append([]byte(nil), blob...)})
	return e, nil
}

// Delete implements Log.
func (m *MemoryLog) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ind, ok := m.index(id); ok {
		m.entries = append(m.entries[:ind], m.entries[ind+1:]...)
	}
	return nil
}

// Open implements Log.
func (m *MemoryLog) Open(_ context.Context, e Entry) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ind, ok := m.index(e.ID); ok {
		return io.NopCloser(bytes.NewReader(m.entries[ind].blob)), nil
	}
	return nil, ErrNotFound
}

// Entries returns all Entries of the MemoryLog, newest first.
func (m *MemoryLog) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out = make([]Entry, 0, len(m.entries))
	for i := len(m.entries) - 1; i >= 0; i-- {
		out = append(out, m.entries[i].Entry)
	}
	return out
}

// Len returns the number of Entries of the MemoryLog.
func (m *MemoryLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryLog) index(id string) (int, bool) {
	var ind = sort.Search(len(m.entries), func(i int) bool { return m.entries[i].ID >= id })
	return ind, ind != len(m.entries) && m.entries[ind].ID == id
}

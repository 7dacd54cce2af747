package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// ObjectStoreMock is an in-memory ObjectStore for tests.
type ObjectStoreMock struct {
	mu      sync.Mutex
	objects map[string][]byte

	// PutErr, when set, is returned by every Put.
	PutErr error
}

// NewObjectStoreMock returns an empty in-memory store.
func NewObjectStoreMock() *ObjectStoreMock {
	return &ObjectStoreMock{objects: make(map[string][]byte)}
}

func (m *ObjectStoreMock) key(bucket, obj string) string { return bucket + "/" + obj }

// Put stores the object in memory.
func (m *ObjectStoreMock) Put(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error {
	if m.PutErr != nil {
		return m.PutErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[m.key(bucket, obj)] = data
	return nil
}

// Get returns a reader over a previously stored object.
func (m *ObjectStoreMock) Get(ctx context.Context, bucket, obj string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[m.key(bucket, obj)]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, obj)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes a previously stored object. Deleting a missing object is
// not an error.
func (m *ObjectStoreMock) Delete(ctx context.Context, bucket, obj string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, m.key(bucket, obj))
	return nil
}

// Len reports how many objects the mock holds.
func (m *ObjectStoreMock) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryGateway keeps objects in process memory. It backs tests and
// single-node setups that have no bucket to talk to.
type MemoryGateway struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

var _ Gateway = (*MemoryGateway)(nil)

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{objects: make(map[string]memoryObject)}
}

func (g *MemoryGateway) Get(_ context.Context, key string) (io.ReadCloser, error) {
	g.mu.RLock()
	obj, ok := g.objects[key]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (g *MemoryGateway) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if contentType == "" {
		contentType = ContentTypeForKey(key)
	}
	g.mu.Lock()
	g.objects[key] = memoryObject{data: data, contentType: contentType}
	g.mu.Unlock()
	return nil
}

func (g *MemoryGateway) Ping(context.Context) error { return nil }

// ContentType reports the stored type for a key, mainly for tests.
func (g *MemoryGateway) ContentType(key string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	obj, ok := g.objects[key]
	return obj.contentType, ok
}

// Len reports how many objects are stored.
func (g *MemoryGateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.objects)
}

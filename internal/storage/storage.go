package storage

import (
	"github.com/crawlkit/crawlkit/internal/types"
)

// Storage is the interface for all storage backends.
type Storage interface {
	// Store persists a batch of items.
	Store(items []*types.Item) error

	// Close flushes pending writes and releases resources.
	Close() error

	// Name returns the storage backend identifier.
	Name() string
}

// SinkMiddleware adapts a Storage backend into a pipeline.Middleware,
// so the engine's existing item channel -> Pipeline.Process path is
// also the path items reach disk/database through, rather than
// requiring a second consumer of the engine's item stream. It is
// meant to be the last stage in a Pipeline: it never drops or
// transforms the item, it only persists it on the way through.
type SinkMiddleware struct {
	backend Storage
}

// NewSinkMiddleware wraps backend as a terminal pipeline stage.
func NewSinkMiddleware(backend Storage) *SinkMiddleware {
	return &SinkMiddleware{backend: backend}
}

func (m *SinkMiddleware) Name() string { return "storage:" + m.backend.Name() }

func (m *SinkMiddleware) Process(item *types.Item) (*types.Item, error) {
	if err := m.backend.Store([]*types.Item{item}); err != nil {
		return nil, err
	}
	return item, nil
}

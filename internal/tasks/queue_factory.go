package tasks

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rectangular-labs/workspacesync/internal/dsn"
)

type QueueFactory func(raw string, capacity int) (Queue, error)

var queueFactories = struct {
	mu        sync.RWMutex
	factories map[string]QueueFactory
}{factories: map[string]QueueFactory{}}

// RegisterQueueFactory adds or replaces the queue backend for a DSN scheme.
func RegisterQueueFactory(scheme string, factory QueueFactory) {
	scheme = dsn.NormalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	queueFactories.mu.Lock()
	defer queueFactories.mu.Unlock()
	queueFactories.factories[scheme] = factory
}

func lookupQueueFactory(scheme string) (QueueFactory, bool) {
	queueFactories.mu.RLock()
	defer queueFactories.mu.RUnlock()
	factory, ok := queueFactories.factories[scheme]
	return factory, ok
}

// BuildQueueFromDSN picks a queue backend from a DSN: memory://,
// file:///path or a bare path, postgres://..., or a registered scheme.
// An empty DSN yields an in-memory queue.
func BuildQueueFromDSN(raw string, capacity int) (Queue, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NewInMemoryQueue(capacity), nil
	}
	parsed, scheme, err := dsn.Parse(raw)
	if err != nil {
		return nil, err
	}
	if factory, ok := lookupQueueFactory(scheme); ok {
		return factory(raw, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsn.Path(parsed, raw)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresQueue(raw, capacity)
	case "redis", "rediss", "sqs", "kafka":
		return nil, fmt.Errorf("%w: task queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported task queue scheme: %s", scheme)
	}
}

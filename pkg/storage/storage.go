// Package storage defines the key-value abstractions the control plane uses
// for agent-reported protobuf snapshots. Relational data lives in pkg/store;
// this layer holds the lossless, high-churn payloads keyed by instance uid.
package storage

import "context"

// KV is a raw byte key-value namespace.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	ListKeys(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([][]byte, error)
	Delete(ctx context.Context, key string) error
}

// KVBroker hands out prefixed raw namespaces over one backing store.
type KVBroker interface {
	KeyValue(prefix string) KV
}

// KeyValue is a typed key-value namespace.
type KeyValue[T any] interface {
	Put(ctx context.Context, key string, obj T) error
	Get(ctx context.Context, key string) (T, error)
	ListKeys(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]T, error)
	Delete(ctx context.Context, key string) error
}

// KeyValueBroker hands out typed namespaces.
type KeyValueBroker[T any] interface {
	KeyValue(prefix string) KeyValue[T]
}

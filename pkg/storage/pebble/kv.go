// Package pebble backs the storage abstractions with a single pebble
// database, carving namespaces out of the keyspace with "prefix/" keys.
package pebble

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/cockroachdb/pebble/v2"
	"github.com/otelgrid/otelgrid/pkg/storage"
	"github.com/otelgrid/otelgrid/pkg/util/grpcutil"
)

type KVBroker struct {
	db *pebble.DB
}

func NewKVBroker(db *pebble.DB) *KVBroker {
	return &KVBroker{
		db: db,
	}
}

func (k *KVBroker) KeyValue(prefix string) storage.KV {
	return &prefixedKV{
		db:     k.db,
		prefix: []byte(prefix),
	}
}

type prefixedKV struct {
	prefix []byte
	db     *pebble.DB
}

func (k *prefixedKV) key(key string) []byte {
	fullKey := make([]byte, len(k.prefix)+len(key)+1)
	copy(fullKey, k.prefix)
	fullKey[len(k.prefix)] = '/'
	copy(fullKey[len(k.prefix)+1:], key)
	return fullKey
}

func (k *prefixedKV) Put(_ context.Context, key string, value []byte) error {
	return k.db.Set(k.key(key), value, &pebble.WriteOptions{})
}

func (k *prefixedKV) Get(_ context.Context, key string) ([]byte, error) {
	data, closer, err := k.db.Get(k.key(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, grpcutil.ErrorNotFound(fmt.Errorf("key %q: %w", key, err))
		}
		return nil, err
	}
	// The returned slice is only valid until the closer is closed.
	out := slices.Clone(data)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// listBounds returns the [lower, upper) iterator bounds covering exactly the
// keys under this namespace's "prefix/".
func (k *prefixedKV) listBounds() ([]byte, []byte) {
	lower := make([]byte, len(k.prefix)+1)
	copy(lower, k.prefix)
	lower[len(k.prefix)] = '/'
	upper := slices.Clone(lower)
	upper[len(upper)-1]++
	return lower, upper
}

func (k *prefixedKV) ListKeys(ctx context.Context) ([]string, error) {
	lower, upper := k.listBounds()
	iter, err := k.db.NewIterWithContext(ctx, &pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	keys := []string{}
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()[len(lower):]))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (k *prefixedKV) List(ctx context.Context) ([][]byte, error) {
	lower, upper := k.listBounds()
	iter, err := k.db.NewIterWithContext(ctx, &pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	vs := [][]byte{}
	for iter.First(); iter.Valid(); iter.Next() {
		// Iterator buffers are reused between positions.
		vs = append(vs, slices.Clone(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return vs, nil
}

func (k *prefixedKV) Delete(_ context.Context, key string) error {
	return k.db.Delete(k.key(key), &pebble.WriteOptions{})
}

var _ storage.KV = (*prefixedKV)(nil)
var _ storage.KVBroker = (*KVBroker)(nil)

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// NewProtoKV wraps a raw namespace with protobuf marshaling for T.
func NewProtoKV[T proto.Message](
	logger *slog.Logger,
	kv KV,
) KeyValue[T] {
	return &protoKeyValue[T]{
		underlying: kv,
		logger:     logger,
	}
}

type protoKeyValue[T proto.Message] struct {
	logger     *slog.Logger
	underlying KV
}

func (kv *protoKeyValue[T]) Put(ctx context.Context, key string, obj T) error {
	data, err := proto.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", reflect.TypeOf(obj), err)
	}
	return kv.underlying.Put(ctx, key, data)
}

func (kv *protoKeyValue[T]) Get(ctx context.Context, key string) (T, error) {
	var t T
	raw, err := kv.underlying.Get(ctx, key)
	if err != nil {
		return t, err
	}
	t = NewMessage[T]()
	if err := proto.Unmarshal(raw, t); err != nil {
		return t, fmt.Errorf("unmarshal %s at %q: %w", reflect.TypeOf(t), key, err)
	}
	return t, nil
}

func (kv *protoKeyValue[T]) ListKeys(ctx context.Context) ([]string, error) {
	return kv.underlying.ListKeys(ctx)
}

func (kv *protoKeyValue[T]) List(ctx context.Context) ([]T, error) {
	raw, err := kv.underlying.List(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]T, 0, len(raw))
	for _, el := range raw {
		t := NewMessage[T]()
		if err := proto.Unmarshal(el, t); err != nil {
			// Skip undecodable entries rather than failing the whole list;
			// one corrupt row must not hide every healthy agent.
			kv.logger.With("type", reflect.TypeOf(t)).With("error", err).Error("failed to unmarshal proto-type")
			continue
		}
		ret = append(ret, t)
	}
	return ret, nil
}

func (kv *protoKeyValue[T]) Delete(ctx context.Context, key string) error {
	return kv.underlying.Delete(ctx, key)
}

// NewMessage constructs a fresh non-nil T, since proto.Unmarshal needs an
// allocated message and T's zero value is a nil pointer.
func NewMessage[T proto.Message]() T {
	var t T
	return t.ProtoReflect().New().Interface().(T)
}

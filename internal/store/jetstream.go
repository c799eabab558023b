package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

type jetStreamKV struct {
	kv nats.KeyValue
}

func openJetStream(js nats.JetStreamContext, bucket string, log *slog.Logger) (KV, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "autovoice shared state",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %q: %w", bucket, err)
	}
	log.Info("snapshot store ready", slog.String("driver", "jetstream"), slog.String("bucket", bucket))
	return &jetStreamKV{kv: kv}, nil
}

func (s *jetStreamKV) Get(_ context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

func (s *jetStreamKV) Put(_ context.Context, key string, value []byte) error {
	_, err := s.kv.Put(key, value)
	return err
}

func (s *jetStreamKV) Delete(_ context.Context, key string) error {
	err := s.kv.Delete(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *jetStreamKV) Close() error { return nil }

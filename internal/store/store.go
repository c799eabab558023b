// Package store is the shared key-value surface every process can reach: the
// persisted playback snapshot, the backend auth token and the extraction rule
// cache live here. Writes are last-write-wins; readers tolerate stale values.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/autovoice/autovoice-core/internal/bus"
	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/autovoice/autovoice-core/internal/protocol"
)

// Well-known keys.
const (
	KeyAuthToken        = "authToken"
	KeyPlaybackSnapshot = "audioPlaybackState"
	KeyPendingRule      = "pendingRule"
	KeyCachedRules      = "cachedRules"
)

// ErrKeyNotFound is returned by Get and the typed readers when a key is absent.
var ErrKeyNotFound = errors.New("store: key not found")

// KV is the minimal contract the drivers implement.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open selects a driver from config. The jetstream driver shares the bus
// connection; redis and memory stand alone.
func Open(ctx context.Context, cfg config.SnapshotConfig, busClient *bus.Client, log *slog.Logger) (KV, error) {
	switch cfg.Driver {
	case "jetstream":
		if busClient == nil {
			return nil, errors.New("jetstream snapshot driver requires a bus connection")
		}
		return openJetStream(busClient.JetStream(), cfg.Bucket, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown snapshot driver %q", cfg.Driver)
	}
}

// SaveSnapshot persists the active playback state under KeyPlaybackSnapshot.
func SaveSnapshot(ctx context.Context, kv KV, st protocol.PlaybackState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return kv.Put(ctx, KeyPlaybackSnapshot, data)
}

// LoadSnapshot returns the persisted playback state, or nil when none exists.
func LoadSnapshot(ctx context.Context, kv KV) (*protocol.PlaybackState, error) {
	data, err := kv.Get(ctx, KeyPlaybackSnapshot)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st protocol.PlaybackState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &st, nil
}

func DeleteSnapshot(ctx context.Context, kv KV) error {
	return kv.Delete(ctx, KeyPlaybackSnapshot)
}

// SaveAuthToken stores the backend bearer token as-is.
func SaveAuthToken(ctx context.Context, kv KV, token string) error {
	return kv.Put(ctx, KeyAuthToken, []byte(token))
}

// LoadAuthToken returns the stored token, or "" when none is set.
func LoadAuthToken(ctx context.Context, kv KV) (string, error) {
	data, err := kv.Get(ctx, KeyAuthToken)
	if errors.Is(err, ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveCachedRules replaces the extraction rule cache.
func SaveCachedRules(ctx context.Context, kv KV, rules []protocol.Rule) error {
	data, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	return kv.Put(ctx, KeyCachedRules, data)
}

// LoadCachedRules returns the cached extraction rules; absent means none.
func LoadCachedRules(ctx context.Context, kv KV) ([]protocol.Rule, error) {
	data, err := kv.Get(ctx, KeyCachedRules)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rules []protocol.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return rules, nil
}

// SavePendingRule stores a rule awaiting its test run.
func SavePendingRule(ctx context.Context, kv KV, rule protocol.Rule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal pending rule: %w", err)
	}
	return kv.Put(ctx, KeyPendingRule, data)
}

// LoadPendingRule returns the rule under test, or nil when none is pending.
func LoadPendingRule(ctx context.Context, kv KV) (*protocol.Rule, error) {
	data, err := kv.Get(ctx, KeyPendingRule)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rule protocol.Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("decode pending rule: %w", err)
	}
	return &rule, nil
}

func DeletePendingRule(ctx context.Context, kv KV) error {
	return kv.Delete(ctx, KeyPendingRule)
}

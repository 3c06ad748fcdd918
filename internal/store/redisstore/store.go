// Package redisstore keeps one JSON document per instance under a Redis
// key. Updates run as optimistic transactions (WATCH/MULTI/EXEC) and are
// retried when another writer touched the key first.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/store"
)

const defaultPrefix = "stepgate"

// maxTxRetries bounds optimistic transaction retries for one update.
const maxTxRetries = 64

// Client is the part of *redis.Client the store needs.
type Client interface {
	redis.Cmdable
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.backend.logger = l }
}

// WithPrefix namespaces every key. The default is "stepgate".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.backend.prefix = prefix }
}

// WithStoreOptions passes options to the underlying document store.
func WithStoreOptions(opts ...store.Option) Option {
	return func(s *Store) { s.docOpts = append(s.docOpts, opts...) }
}

// Store is a store.Store backed by Redis.
type Store struct {
	*store.Documents
	backend *backend
	docOpts []store.Option
}

type backend struct {
	client Client
	prefix string
	logger *slog.Logger
}

var (
	_ store.Store   = (*Store)(nil)
	_ store.Backend = (*backend)(nil)
)

// New creates a Redis-backed store. The caller owns the client lifecycle.
func New(client Client, opts ...Option) *Store {
	s := &Store{backend: &backend{client: client, prefix: defaultPrefix, logger: slog.Default()}}
	for _, o := range opts {
		o(s)
	}
	s.Documents = store.NewDocuments(s.backend, s.docOpts...)
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.client.Ping(ctx).Err()
}

func (b *backend) key(id model.InstanceID) string {
	return b.prefix + ":instance:" + string(id)
}

func (b *backend) indexKey() string {
	return b.prefix + ":instances"
}

func (b *backend) Insert(ctx context.Context, inst *model.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("redisstore: encoding %s: %w", inst.ID, err)
	}
	ok, err := b.client.SetNX(ctx, b.key(inst.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redisstore: insert %s: %w", inst.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrExists, inst.ID)
	}
	if err := b.client.SAdd(ctx, b.indexKey(), string(inst.ID)).Err(); err != nil {
		return fmt.Errorf("redisstore: indexing %s: %w", inst.ID, err)
	}
	return nil
}

func (b *backend) Get(ctx context.Context, id model.InstanceID) (*model.Instance, error) {
	data, err := b.client.Get(ctx, b.key(id)).Bytes()
	return decode(id, data, err)
}

func (b *backend) Update(ctx context.Context, id model.InstanceID, fn func(*model.Instance) error) error {
	key := b.key(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		inst, err := decode(id, data, err)
		if err != nil {
			return err
		}
		if err := fn(inst); err != nil {
			return err
		}
		out, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("redisstore: encoding %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for attempt := 1; attempt <= maxTxRetries; attempt++ {
		err := b.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		b.logger.Debug("Optimistic transaction lost a race, retrying.", "instance", id, "attempt", attempt)
	}
	return fmt.Errorf("redisstore: update %s: too much contention", id)
}

func (b *backend) Summaries(ctx context.Context) ([]model.InstanceSummary, error) {
	ids, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: listing: %w", err)
	}
	out := make([]model.InstanceSummary, 0, len(ids))
	for _, id := range ids {
		inst, err := b.Get(ctx, model.InstanceID(id))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst.Summarize())
	}
	return out, nil
}

func decode(id model.InstanceID, data []byte, err error) (*model.Instance, error) {
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", id, err)
	}
	var inst model.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("redisstore: decoding %s: %w", id, err)
	}
	return &inst, nil
}

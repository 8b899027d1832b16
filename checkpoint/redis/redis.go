//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a Redis-backed checkpoint store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
)

const defaultPrefix = "durable"

// saveScript writes a snapshot unless a newer one is already stored.
// KEYS: snapshot hash, index zset. ARGV: seq, workflow, updated ms, data,
// ttl ms, run id.
var saveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'workflow', ARGV[2], 'updated', ARGV[3], 'data', ARGV[4])
if tonumber(ARGV[5]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[6])
return 1
`)

// Option configures a Store.
type Option func(*options)

type options struct {
	url    string
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// WithURL connects to the server at url.
// scheme: redis://<username>:<password>@<host>:<port>/<db>?<options>
func WithURL(url string) Option {
	return func(o *options) { o.url = url }
}

// WithClient uses an existing client. The store does not close it.
func WithClient(client redis.UniversalClient) Option {
	return func(o *options) { o.client = client }
}

// WithPrefix sets the key prefix, "durable" by default.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithTTL expires snapshots ttl after their last save.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// Store is a Redis-backed checkpoint.Store.
type Store struct {
	client     redis.UniversalClient
	ownsClient bool
	prefix     string
	ttl        time.Duration
}

// NewStore creates a store from options.
func NewStore(opts ...Option) (*Store, error) {
	o := &options{prefix: defaultPrefix}
	for _, opt := range opts {
		opt(o)
	}
	s := &Store{client: o.client, prefix: o.prefix, ttl: o.ttl}
	if s.client == nil {
		client, err := newClient(o.url)
		if err != nil {
			return nil, err
		}
		s.client = client
		s.ownsClient = true
	}
	return s, nil
}

func newClient(url string) (redis.UniversalClient, error) {
	if url == "" {
		return nil, errors.New("redis: url is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url %s: %w", url, err)
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{opts.Addr},
		DB:           opts.DB,
		Username:     opts.Username,
		Password:     opts.Password,
		Protocol:     opts.Protocol,
		ClientName:   opts.ClientName,
		TLSConfig:    opts.TLSConfig,
		MaxRetries:   opts.MaxRetries,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	}), nil
}

func (s *Store) snapshotKey(runID string) string {
	return s.prefix + ":snap:" + runID
}

func (s *Store) indexKey() string {
	return s.prefix + ":idx"
}

// Save stores snap unless a newer snapshot of the same run is present.
func (s *Store) Save(ctx context.Context, snap *checkpoint.Snapshot) error {
	data, err := snap.Marshal()
	if err != nil {
		return err
	}
	keys := []string{s.snapshotKey(snap.RunID), s.indexKey()}
	args := []any{
		snap.Sequence,
		snap.WorkflowName,
		snap.UpdatedAt.UnixMilli(),
		data,
		s.ttl.Milliseconds(),
		snap.RunID,
	}
	if err := saveScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("redis: save snapshot %s: %w", snap.RunID, err)
	}
	return nil
}

// Load returns the stored snapshot of runID.
func (s *Store) Load(ctx context.Context, runID string) (*checkpoint.Snapshot, error) {
	data, err := s.client.HGet(ctx, s.snapshotKey(runID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, checkpoint.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: load snapshot %s: %w", runID, err)
	}
	return checkpoint.UnmarshalSnapshot(data)
}

// List returns stored runs, most recently updated first. Index entries of
// expired snapshots are pruned.
func (s *Store) List(ctx context.Context) ([]checkpoint.Info, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list snapshots: %w", err)
	}
	var out []checkpoint.Info
	for _, id := range ids {
		vals, err := s.client.HMGet(ctx, s.snapshotKey(id), "seq", "workflow", "updated").Result()
		if err != nil {
			return nil, fmt.Errorf("redis: read snapshot %s: %w", id, err)
		}
		if vals[0] == nil {
			s.client.ZRem(ctx, s.indexKey(), id)
			continue
		}
		info := checkpoint.Info{RunID: id}
		info.Sequence, _ = strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
		info.WorkflowName = fmt.Sprint(vals[1])
		if ms, err := strconv.ParseInt(fmt.Sprint(vals[2]), 10, 64); err == nil {
			info.UpdatedAt = time.UnixMilli(ms)
		}
		out = append(out, info)
	}
	return out, nil
}

// Delete removes runID.
func (s *Store) Delete(ctx context.Context, runID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.snapshotKey(runID))
	pipe.ZRem(ctx, s.indexKey(), runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete snapshot %s: %w", runID, err)
	}
	return nil
}

// Close closes the client when the store created it.
func (s *Store) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

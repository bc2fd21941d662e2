package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SIsMember(ctx context.Context, key string, member any) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStoreConfig configures the Redis-backed document store.
type RedisStoreConfig struct {
	Namespace string
}

// RedisStore keeps one JSON value per document plus a per-kind index
// set of relative document paths. The index is what makes prefix-scoped
// enumeration possible.
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
}

// NewRedisStore creates a Redis-backed document store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "leaguesync"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
	}
}

// Write upserts a document, skipping the write when content is unchanged.
func (s *RedisStore) Write(ctx context.Context, kind Kind, scope Scope, id string, value any) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("redis store is not initialized")
	}

	data, err := encode(value)
	if err != nil {
		return false, err
	}

	path := docPath(scope, id)
	existing, err := s.client.Get(ctx, s.docKey(kind, path)).Bytes()
	if err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("read existing %s document %s: %w", kind, path, err)
	}

	if err := s.client.Set(ctx, s.docKey(kind, path), data, 0).Err(); err != nil {
		return false, fmt.Errorf("write %s document %s: %w", kind, path, err)
	}
	if err := s.client.SAdd(ctx, s.indexKey(kind), path).Err(); err != nil {
		return false, fmt.Errorf("index %s document %s: %w", kind, path, err)
	}
	return true, nil
}

// Read loads a document into out, reporting absence without error.
func (s *RedisStore) Read(ctx context.Context, kind Kind, scope Scope, id string, out any) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("redis store is not initialized")
	}

	path := docPath(scope, id)
	data, err := s.client.Get(ctx, s.docKey(kind, path)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s document %s: %w", kind, path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s document %s: %w", kind, path, err)
	}
	return true, nil
}

// ReadAll returns every document at or below the scope, ordered by path.
func (s *RedisStore) ReadAll(ctx context.Context, kind Kind, scope Scope) ([]json.RawMessage, error) {
	paths, err := s.scopePaths(ctx, kind, scope)
	if err != nil {
		return nil, err
	}

	results := make([]json.RawMessage, 0, len(paths))
	for _, path := range paths {
		data, err := s.client.Get(ctx, s.docKey(kind, path)).Bytes()
		if err == redis.Nil {
			// Index entry outlived its document; drop it.
			_ = s.client.SRem(ctx, s.indexKey(kind), path).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s document %s: %w", kind, path, err)
		}
		results = append(results, json.RawMessage(data))
	}
	return results, nil
}

// Exists reports whether a document is present.
func (s *RedisStore) Exists(ctx context.Context, kind Kind, scope Scope, id string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("redis store is not initialized")
	}

	path := docPath(scope, id)
	isMember, err := s.client.SIsMember(ctx, s.indexKey(kind), path).Result()
	if err != nil {
		return false, fmt.Errorf("check %s document %s: %w", kind, path, err)
	}
	return isMember, nil
}

// Count returns the number of documents at or below the scope.
func (s *RedisStore) Count(ctx context.Context, kind Kind, scope Scope) (int, error) {
	paths, err := s.scopePaths(ctx, kind, scope)
	if err != nil {
		return 0, err
	}
	return len(paths), nil
}

// Delete removes one document. Absent documents are ignored.
func (s *RedisStore) Delete(ctx context.Context, kind Kind, scope Scope, id string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}

	path := docPath(scope, id)
	if err := s.client.Del(ctx, s.docKey(kind, path)).Err(); err != nil {
		return fmt.Errorf("delete %s document %s: %w", kind, path, err)
	}
	if err := s.client.SRem(ctx, s.indexKey(kind), path).Err(); err != nil {
		return fmt.Errorf("unindex %s document %s: %w", kind, path, err)
	}
	return nil
}

// DeleteAll removes every document at or below the scope.
func (s *RedisStore) DeleteAll(ctx context.Context, kind Kind, scope Scope) error {
	paths, err := s.scopePaths(ctx, kind, scope)
	if err != nil {
		return err
	}

	for _, path := range paths {
		if err := s.client.Del(ctx, s.docKey(kind, path)).Err(); err != nil {
			return fmt.Errorf("delete %s document %s: %w", kind, path, err)
		}
		if err := s.client.SRem(ctx, s.indexKey(kind), path).Err(); err != nil {
			return fmt.Errorf("unindex %s document %s: %w", kind, path, err)
		}
	}
	return nil
}

// List enumerates every document of one kind.
func (s *RedisStore) List(ctx context.Context, kind Kind) ([]Entry, error) {
	paths, err := s.scopePaths(ctx, kind, nil)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(paths))
	for _, path := range paths {
		data, err := s.client.Get(ctx, s.docKey(kind, path)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s document %s: %w", kind, path, err)
		}
		scope, id := splitDocPath(path)
		entries = append(entries, Entry{Kind: kind, Scope: scope, ID: id, Data: json.RawMessage(data)})
	}
	return entries, nil
}

// Ping verifies the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func (s *RedisStore) scopePaths(ctx context.Context, kind Kind, scope Scope) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redis store is not initialized")
	}

	members, err := s.client.SMembers(ctx, s.indexKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s scope %s: %w", kind, scopePrefix(scope), err)
	}

	prefix := scopePrefix(scope)
	paths := make([]string, 0, len(members))
	for _, member := range members {
		if strings.HasPrefix(member, prefix) {
			paths = append(paths, member)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *RedisStore) indexKey(kind Kind) string {
	return s.namespace + ":" + string(kind) + ":index"
}

func (s *RedisStore) docKey(kind Kind, path string) string {
	return s.namespace + ":" + string(kind) + ":doc:" + path
}

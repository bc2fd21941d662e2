package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Kind identifies one stored document collection.
type Kind string

const (
	// KindLeagues holds one document per tracked league.
	KindLeagues Kind = "leagues"
	// KindMembers holds league rosters, scoped by league id.
	KindMembers Kind = "members"
	// KindSeasons holds season records, scoped by league id.
	KindSeasons Kind = "seasons"
	// KindCalendars holds season event calendars, scoped by league id.
	KindCalendars Kind = "calendars"
	// KindRaces holds final race results, scoped by (league, season).
	KindRaces Kind = "races"
	// KindLaps holds per-driver lap data, scoped by (league, season, race).
	KindLaps Kind = "laps"
	// KindDrivers holds the cross-league driver roster.
	KindDrivers Kind = "drivers"
	// KindAdmin holds worker bookkeeping such as the stats snapshot.
	KindAdmin Kind = "admin"
)

// Kinds returns every known collection.
func Kinds() []Kind {
	return []Kind{
		KindLeagues,
		KindMembers,
		KindSeasons,
		KindCalendars,
		KindRaces,
		KindLaps,
		KindDrivers,
		KindAdmin,
	}
}

// Scope is the ordered hierarchy of parent ids under a kind. A scope
// may be a strict prefix of the keys it addresses: ReadAll, Count, and
// DeleteAll operate on everything underneath it.
type Scope []string

// ScopeInts builds a scope from numeric ids.
func ScopeInts(ids ...int64) Scope {
	scope := make(Scope, 0, len(ids))
	for _, id := range ids {
		scope = append(scope, strconv.FormatInt(id, 10))
	}
	return scope
}

// Store is durable document persistence keyed by (kind, scope, id).
type Store interface {
	// Write upserts a document. The write is a no-op when the stored
	// value is byte-for-byte identical; the bool reports whether
	// anything changed.
	Write(ctx context.Context, kind Kind, scope Scope, id string, value any) (bool, error)
	// Read loads a document into out. The bool is false when absent.
	Read(ctx context.Context, kind Kind, scope Scope, id string, out any) (bool, error)
	// ReadAll returns every document at or below the scope.
	ReadAll(ctx context.Context, kind Kind, scope Scope) ([]json.RawMessage, error)
	// Exists reports whether a document is present.
	Exists(ctx context.Context, kind Kind, scope Scope, id string) (bool, error)
	// Count returns the number of documents at or below the scope.
	Count(ctx context.Context, kind Kind, scope Scope) (int, error)
	// Delete removes one document. Deleting an absent document is not
	// an error.
	Delete(ctx context.Context, kind Kind, scope Scope, id string) error
	// DeleteAll removes every document at or below the scope.
	DeleteAll(ctx context.Context, kind Kind, scope Scope) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// Entry is one stored document with its full address. Used for
// backend-to-backend migration.
type Entry struct {
	Kind  Kind
	Scope Scope
	ID    string
	Data  json.RawMessage
}

// Lister enumerates every document of one kind. Both backends
// implement it.
type Lister interface {
	List(ctx context.Context, kind Kind) ([]Entry, error)
}

// Copy writes every document of src into dst and returns the number
// of documents that changed dst.
func Copy(ctx context.Context, src, dst Store) (int, error) {
	lister, ok := src.(Lister)
	if !ok {
		return 0, fmt.Errorf("source store does not support enumeration")
	}

	copied := 0
	for _, kind := range Kinds() {
		entries, err := lister.List(ctx, kind)
		if err != nil {
			return copied, err
		}
		for _, entry := range entries {
			changed, err := dst.Write(ctx, entry.Kind, entry.Scope, entry.ID, entry.Data)
			if err != nil {
				return copied, fmt.Errorf("copy %s document %s: %w", entry.Kind, docPath(entry.Scope, entry.ID), err)
			}
			if changed {
				copied++
			}
		}
	}
	return copied, nil
}

// splitDocPath parses a relative document path back into scope and id.
func splitDocPath(path string) (Scope, string) {
	parts := strings.Split(path, "/")
	if len(parts) == 1 {
		return nil, parts[0]
	}
	return Scope(parts[:len(parts)-1]), parts[len(parts)-1]
}

// Config selects and configures the storage backend.
type Config struct {
	// Backend is "file", "redis", or "auto". Auto probes Redis and
	// falls back to the file tree when it is unreachable.
	Backend       string
	FileRoot      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Namespace     string
}

// Select constructs the configured backend. In auto mode Redis wins
// only when it answers a ping within a short deadline.
func Select(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend {
	case "file":
		return NewFileStore(cfg.FileRoot), nil
	case "redis":
		return newRedisFromConfig(cfg), nil
	case "", "auto":
		redisStore := newRedisFromConfig(cfg)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := redisStore.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable, using file storage",
				zap.String("addr", cfg.RedisAddr),
				zap.String("root", cfg.FileRoot),
				zap.Error(err),
			)
			_ = redisStore.Close()
			return NewFileStore(cfg.FileRoot), nil
		}
		logger.Info("using redis storage", zap.String("addr", cfg.RedisAddr))
		return redisStore, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}

func newRedisFromConfig(cfg Config) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisStore(client, RedisStoreConfig{Namespace: cfg.Namespace})
}

// docPath joins scope values and id into the relative document path.
func docPath(scope Scope, id string) string {
	path := ""
	for _, value := range scope {
		path += value + "/"
	}
	return path + id
}

// scopePrefix is the path prefix addressing everything below a scope.
// An empty scope addresses the whole kind.
func scopePrefix(scope Scope) string {
	prefix := ""
	for _, value := range scope {
		prefix += value + "/"
	}
	return prefix
}

func encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return data, nil
}

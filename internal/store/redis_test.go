package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

var errConnRefused = errors.New("connection refused")

// fakeRedis implements redisCommander against in-memory maps so the
// store logic can be exercised without a server.
type fakeRedis struct {
	values  map[string]string
	sets    map[string]map[string]bool
	pingErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		values: make(map[string]string),
		sets:   make(map[string]map[string]bool),
	}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	value, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd {
	set := f.sets[key]
	if set == nil {
		set = make(map[string]bool)
		f.sets[key] = set
	}
	added := int64(0)
	for _, member := range members {
		name := member.(string)
		if !set[name] {
			set[name] = true
			added++
		}
	}
	return redis.NewIntResult(added, nil)
}

func (f *fakeRedis) SRem(ctx context.Context, key string, members ...any) *redis.IntCmd {
	removed := int64(0)
	for _, member := range members {
		name := member.(string)
		if f.sets[key][name] {
			delete(f.sets[key], name)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (f *fakeRedis) SMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	members := make([]string, 0, len(f.sets[key]))
	for name := range f.sets[key] {
		members = append(members, name)
	}
	return redis.NewStringSliceResult(members, nil)
}

func (f *fakeRedis) SIsMember(ctx context.Context, key string, member any) *redis.BoolCmd {
	return redis.NewBoolResult(f.sets[key][member.(string)], nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	removed := int64(0)
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	if f.pingErr != nil {
		return redis.NewStatusResult("", f.pingErr)
	}
	return redis.NewStatusResult("PONG", nil)
}

func newTestRedisStore() (*RedisStore, *fakeRedis) {
	fake := newFakeRedis()
	s := newRedisStoreFromCommander(fake, nil, RedisStoreConfig{Namespace: "test"})
	return s, fake
}

func TestRedisStoreWriteRead(t *testing.T) {
	t.Parallel()

	s, _ := newTestRedisStore()
	ctx := context.Background()
	scope := ScopeInts(42)

	changed, err := s.Write(ctx, KindMembers, scope, "11", testDoc{Name: "A Driver"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !changed {
		t.Fatal("first write reported no change")
	}

	changed, err = s.Write(ctx, KindMembers, scope, "11", testDoc{Name: "A Driver"})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if changed {
		t.Fatal("identical rewrite reported a change")
	}

	var got testDoc
	found, err := s.Read(ctx, KindMembers, scope, "11", &got)
	if err != nil || !found {
		t.Fatalf("Read = found=%v err=%v", found, err)
	}
	if got.Name != "A Driver" {
		t.Fatalf("Read doc = %+v", got)
	}

	found, err = s.Read(ctx, KindMembers, scope, "99", &got)
	if err != nil {
		t.Fatalf("Read absent: %v", err)
	}
	if found {
		t.Fatal("Read reported an absent document as found")
	}
}

func TestRedisStorePrefixScopes(t *testing.T) {
	t.Parallel()

	s, _ := newTestRedisStore()
	ctx := context.Background()

	seed := []struct {
		scope Scope
		id    string
	}{
		{ScopeInts(42, 100, 555), "11"},
		{ScopeInts(42, 101, 600), "11"},
		{ScopeInts(43, 200, 700), "21"},
	}
	for i, doc := range seed {
		if _, err := s.Write(ctx, KindLaps, doc.scope, doc.id, testDoc{Value: i}); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	all, err := s.ReadAll(ctx, KindLaps, ScopeInts(42))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("league-scoped ReadAll = %d documents, want 2", len(all))
	}

	count, err := s.Count(ctx, KindLaps, ScopeInts(42, 100))
	if err != nil || count != 1 {
		t.Fatalf("season-scoped Count = %d, %v; want 1", count, err)
	}

	if err := s.DeleteAll(ctx, KindLaps, ScopeInts(42)); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	count, err = s.Count(ctx, KindLaps, nil)
	if err != nil || count != 1 {
		t.Fatalf("documents after league delete = %d, %v; want 1", count, err)
	}
}

func TestRedisStoreExistsAndDelete(t *testing.T) {
	t.Parallel()

	s, _ := newTestRedisStore()
	ctx := context.Background()
	scope := ScopeInts(42, 100)

	if _, err := s.Write(ctx, KindRaces, scope, "555", testDoc{Value: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	exists, err := s.Exists(ctx, KindRaces, scope, "555")
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v; want true", exists, err)
	}

	if err := s.Delete(ctx, KindRaces, scope, "555"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	exists, err = s.Exists(ctx, KindRaces, scope, "555")
	if err != nil || exists {
		t.Fatalf("Exists after delete = %v, %v; want false", exists, err)
	}
}

func TestRedisStoreDropsStaleIndexEntries(t *testing.T) {
	t.Parallel()

	s, fake := newTestRedisStore()
	ctx := context.Background()

	if _, err := s.Write(ctx, KindLeagues, nil, "42", testDoc{Value: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Simulate a document lost out from under its index entry.
	delete(fake.values, s.docKey(KindLeagues, "42"))

	all, err := s.ReadAll(ctx, KindLeagues, nil)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("ReadAll = %d documents, want 0", len(all))
	}
	if fake.sets[s.indexKey(KindLeagues)]["42"] {
		t.Fatal("stale index entry was not removed")
	}
}

func TestRedisStoreList(t *testing.T) {
	t.Parallel()

	s, _ := newTestRedisStore()
	ctx := context.Background()

	if _, err := s.Write(ctx, KindLaps, ScopeInts(42, 100, 555), "11", testDoc{Value: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := s.List(ctx, KindLaps)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List = %d entries, want 1", len(entries))
	}
	entry := entries[0]
	if entry.ID != "11" || len(entry.Scope) != 3 || entry.Scope[0] != "42" {
		t.Fatalf("entry address = scope=%v id=%q", entry.Scope, entry.ID)
	}
}

func TestRedisStorePing(t *testing.T) {
	t.Parallel()

	s, fake := newTestRedisStore()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	fake.pingErr = errConnRefused
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("Ping succeeded with an unreachable backend")
	}
}

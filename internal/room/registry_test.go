package room

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rectangular-labs/workspacesync/internal/crdt"
)

type countingStore struct {
	*MemoryBlobStore
	gets  atomic.Int32
	puts  atomic.Int32
	delay time.Duration
	onPut func()
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryBlobStore: NewMemoryBlobStore()}
}

func (s *countingStore) Get(ctx context.Context, uri string) ([]byte, error) {
	s.gets.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.MemoryBlobStore.Get(ctx, uri)
}

func (s *countingStore) Put(ctx context.Context, uri string, data []byte) error {
	s.puts.Add(1)
	if s.onPut != nil {
		s.onPut()
	}
	return s.MemoryBlobStore.Put(ctx, uri, data)
}

type fakePeer struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return nil
}

func (p *fakePeer) received() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

var testKey = Key{Tenant: "org_1", Workspace: "proj_1"}

func setTitle(value string) func(doc *crdt.Doc) error {
	return func(doc *crdt.Doc) error {
		return doc.Set("root", "meta:title", value)
	}
}

func title(t *testing.T, rm *Room) (string, bool) {
	t.Helper()
	doc, err := rm.Snapshot()
	require.NoError(t, err)
	return doc.Get("root", "meta:title")
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("org_1/proj_1")
	require.NoError(t, err)
	assert.Equal(t, "rooms/org_1/proj_1.crdt", key.URI())

	key, err = ParseKey("/org_1/proj_1/drafts/")
	require.NoError(t, err)
	assert.Equal(t, "drafts", key.Scope)
	assert.Equal(t, "rooms/org_1/proj_1/drafts.crdt", key.URI())

	for _, raw := range []string{"", "org", "a/b/c/d", "org/..", "org/has space"} {
		_, err := ParseKey(raw)
		assert.ErrorIs(t, err, ErrInvalidKey, raw)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	doc := crdt.NewDoc(7)
	require.NoError(t, doc.Set("n1", "name", "business"))
	require.NoError(t, doc.InsertLines("n1#content", 0, []string{"line one\n", "line two"}))

	data, hash, err := EncodeSnapshot(doc)
	require.NoError(t, err)

	restored, restoredHash, err := DecodeSnapshot(data, 9)
	require.NoError(t, err)
	assert.Equal(t, hash, restoredHash)
	assert.Equal(t, "line one\nline two", restored.Text("n1#content"))

	_, _, err = DecodeSnapshot([]byte("nope"), 1)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestFlushPersistsAndClearsDirty(t *testing.T) {
	store := newCountingStore()
	registry := NewRegistry(Options{Store: store})
	ctx := context.Background()

	room, err := registry.Mutate(ctx, testKey, setTitle("hello"))
	require.NoError(t, err)
	assert.True(t, room.State().Dirty)

	require.NoError(t, registry.Flush(ctx, room))
	state := room.State()
	assert.False(t, state.Dirty)
	assert.False(t, state.LastSaved.IsZero())
	assert.EqualValues(t, 1, store.puts.Load())

	// Nothing changed: no second put.
	require.NoError(t, registry.Flush(ctx, room))
	assert.EqualValues(t, 1, store.puts.Load())

	// A set to the same value makes no change, so the room stays clean.
	_, err = registry.Mutate(ctx, testKey, setTitle("hello"))
	require.NoError(t, err)
	assert.False(t, room.State().Dirty)

	reloaded := NewRegistry(Options{Store: store})
	again, err := reloaded.Get(ctx, testKey)
	require.NoError(t, err)
	value, ok := title(t, again)
	require.True(t, ok)
	assert.Equal(t, "hello", value)
}

func TestFlushKeepsDirtyWhenMutatedDuringPut(t *testing.T) {
	store := newCountingStore()
	registry := NewRegistry(Options{Store: store})
	ctx := context.Background()
	room, err := registry.Mutate(ctx, testKey, setTitle("one"))
	require.NoError(t, err)

	store.onPut = func() {
		store.onPut = nil
		require.NoError(t, room.Do(setTitle("two")))
	}
	require.NoError(t, registry.Flush(ctx, room))
	assert.True(t, room.State().Dirty, "a write that raced the put must be flushed again")

	require.NoError(t, registry.Flush(ctx, room))
	assert.False(t, room.State().Dirty)
	assert.EqualValues(t, 2, store.puts.Load())
}

func TestNonPersistentRoomIsNeverFlushed(t *testing.T) {
	store := newCountingStore()
	registry := NewRegistry(Options{
		Store:    store,
		Policies: StaticPolicy(Policy{ShouldPersist: false}),
	})
	ctx := context.Background()
	room, err := registry.Mutate(ctx, testKey, setTitle("x"))
	require.NoError(t, err)
	assert.False(t, room.State().Dirty)
	require.NoError(t, registry.FlushAll(ctx))
	assert.EqualValues(t, 0, store.puts.Load())
}

func TestConcurrentGetLoadsOnce(t *testing.T) {
	store := newCountingStore()
	store.delay = 20 * time.Millisecond
	registry := NewRegistry(Options{Store: store})

	var wg sync.WaitGroup
	rooms := make([]*Room, 8)
	for i := range rooms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, err := registry.Get(context.Background(), testKey)
			assert.NoError(t, err)
			rooms[i] = room
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, store.gets.Load())
	for _, room := range rooms {
		assert.Same(t, rooms[0], room)
	}
}

func TestPeerLeftCheckpoint(t *testing.T) {
	store := newCountingStore()
	registry := NewRegistry(Options{Store: store})
	ctx := context.Background()

	a, b := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	room, count, err := registry.Join(ctx, testKey, a)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	_, count, err = registry.Join(ctx, testKey, b)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, room.Do(setTitle("draft")))
	assert.Equal(t, 1, room.Broadcast("a", []byte("f1"), []byte("f2")))
	assert.Equal(t, 0, a.received())
	assert.Equal(t, 2, b.received())

	require.NoError(t, registry.PeerLeft(ctx, room, "a"))
	assert.EqualValues(t, 0, store.puts.Load())
	require.NoError(t, registry.PeerLeft(ctx, room, "b"))
	assert.EqualValues(t, 1, store.puts.Load())
	assert.False(t, room.State().Dirty)
}

func TestEvictIdleDropsOnlyQuietCleanRooms(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	registry := NewRegistry(Options{IdleTimeout: time.Minute, Now: clock})
	ctx := context.Background()

	room, err := registry.Mutate(ctx, testKey, setTitle("x"))
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 0, registry.EvictIdle(), "dirty rooms stay")

	require.NoError(t, registry.Flush(ctx, room))
	assert.Equal(t, 1, registry.EvictIdle())
	_, ok := registry.Lookup(testKey)
	assert.False(t, ok)
	assert.ErrorIs(t, room.Do(setTitle("y")), ErrEvicted)

	// Mutate transparently reloads the evicted room.
	fresh, err := registry.Mutate(ctx, testKey, setTitle("y"))
	require.NoError(t, err)
	assert.NotSame(t, room, fresh)
	value, _ := title(t, fresh)
	assert.Equal(t, "y", value)
}

func TestClosedRegistryRefusesLoads(t *testing.T) {
	registry := NewRegistry(Options{})
	require.NoError(t, registry.Close(context.Background()))
	_, err := registry.Get(context.Background(), testKey)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBuildBlobStoreFromDSN(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := BuildBlobStoreFromDSN(ctx, "file://"+dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "rooms/a/b.crdt", []byte("data")))
	got, err := store.Get(ctx, "rooms/a/b.crdt")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
	assert.FileExists(t, filepath.Join(dir, "rooms", "a", "b.crdt"))

	missing, err := store.Get(ctx, "rooms/none.crdt")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = BuildBlobStoreFromDSN(ctx, "memory://")
	require.NoError(t, err)
	_, err = BuildBlobStoreFromDSN(ctx, "gs://bucket")
	assert.True(t, errors.Is(err, ErrNotImplemented))
	_, err = BuildBlobStoreFromDSN(ctx, "ftp://host")
	assert.Error(t, err)

	RegisterBlobStoreFactory("test", func(context.Context, string) (BlobStore, error) {
		return NewMemoryBlobStore(), nil
	})
	_, err = BuildBlobStoreFromDSN(ctx, "test://x")
	assert.NoError(t, err)
}

func TestParseS3DSN(t *testing.T) {
	parsed, err := url.Parse("s3://key:secret@snapshots/prod?region=eu-west-1&endpoint=http://minio:9000")
	require.NoError(t, err)
	cfg, err := ParseS3DSN(parsed)
	require.NoError(t, err)
	assert.Equal(t, S3Config{
		Bucket:    "snapshots",
		Prefix:    "prod",
		Region:    "eu-west-1",
		Endpoint:  "http://minio:9000",
		AccessKey: "key",
		SecretKey: "secret",
	}, cfg)

	parsed, _ = url.Parse("s3:///no-bucket")
	_, err = ParseS3DSN(parsed)
	assert.Error(t, err)
}

package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rectangular-labs/workspacesync/internal/crdt"
	"github.com/rectangular-labs/workspacesync/internal/logging"
	"github.com/rectangular-labs/workspacesync/internal/metrics"
)

var ErrClosed = errors.New("room registry closed")

const (
	DefaultFlushInterval = 5 * time.Second
	DefaultIdleTimeout   = 5 * time.Minute
	loadTimeout          = 30 * time.Second
)

type Options struct {
	Store         BlobStore
	Policies      PolicySource
	FlushInterval time.Duration
	IdleTimeout   time.Duration
	// FlushConcurrency bounds FlushAll; zero means 8.
	FlushConcurrency int
	Now              func() time.Time
}

// Registry caches one Room per key. Loading a room reads its snapshot
// once even when many callers ask for it at the same time.
type Registry struct {
	store            BlobStore
	policies         PolicySource
	flushInterval    time.Duration
	idleTimeout      time.Duration
	flushConcurrency int
	now              func() time.Time

	mu     sync.RWMutex
	rooms  map[string]*Room
	closed bool
	loads  singleflight.Group
}

func NewRegistry(opts Options) *Registry {
	store := opts.Store
	if store == nil {
		store = NewMemoryBlobStore()
	}
	policies := opts.Policies
	if policies == nil {
		policies = StaticPolicy(DefaultPolicy())
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	concurrency := opts.FlushConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:            store,
		policies:         policies,
		flushInterval:    flushInterval,
		idleTimeout:      idleTimeout,
		flushConcurrency: concurrency,
		now:              now,
		rooms:            map[string]*Room{},
	}
}

// Get returns the room for key, loading it from the blob store on first
// access.
func (r *Registry) Get(ctx context.Context, key Key) (*Room, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	id := key.String()
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	room, ok := r.rooms[id]
	r.mu.RUnlock()
	if ok {
		return room, nil
	}

	ch := r.loads.DoChan(id, func() (any, error) {
		r.mu.RLock()
		existing, ok := r.rooms[id]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}
		// The load outlives any single waiter.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		loaded, err := r.load(loadCtx, key)
		metrics.RecordRoomLoad(err == nil)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return nil, ErrClosed
		}
		r.rooms[id] = loaded
		metrics.SetRoomsActive(len(r.rooms))
		return loaded, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Room), nil
	}
}

func (r *Registry) load(ctx context.Context, key Key) (*Room, error) {
	policy := r.policies.Policy(key)
	data, err := r.store.Get(ctx, key.URI())
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", key, err)
	}
	room := newRoom(key, policy, crdt.NewDoc(0), r.now)
	if data == nil {
		logging.Debug("room created", logging.Room(key.String()))
		return room, nil
	}
	doc, hash, err := DecodeSnapshot(data, 0)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", key, err)
	}
	room.doc = doc
	room.savedHash = hash
	room.hasSaved = true
	logging.Debug("room loaded", logging.Room(key.String()), zap.Int("bytes", len(data)))
	return room, nil
}

// Lookup returns a room only if it is already loaded.
func (r *Registry) Lookup(key Key) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[key.String()]
	return room, ok
}

func (r *Registry) Rooms() []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}

// Mutate runs fn on the room's replica, fetching the room again if it was
// evicted in between. It returns the room that applied fn.
func (r *Registry) Mutate(ctx context.Context, key Key, fn func(doc *crdt.Doc) error) (*Room, error) {
	for {
		room, err := r.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		err = room.Do(fn)
		if errors.Is(err, ErrEvicted) {
			continue
		}
		return room, err
	}
}

// Join attaches a peer, fetching the room again if it was evicted in
// between. It returns the room and its peer count.
func (r *Registry) Join(ctx context.Context, key Key, peer Peer) (*Room, int, error) {
	for {
		room, err := r.Get(ctx, key)
		if err != nil {
			return nil, 0, err
		}
		count, err := room.AddPeer(peer)
		if errors.Is(err, ErrEvicted) {
			continue
		}
		return room, count, err
	}
}

// Flush persists the room if it is dirty and persisting. The put happens
// outside the replica lock.
func (r *Registry) Flush(ctx context.Context, room *Room) error {
	room.flushMu.Lock()
	defer room.flushMu.Unlock()

	plan, err := room.prepareFlush()
	if err != nil {
		metrics.RecordRoomFlush("error", 0)
		return fmt.Errorf("encode room %s: %w", room.key, err)
	}
	if plan == nil {
		return nil
	}
	if plan.unchanged {
		metrics.RecordRoomFlush("unchanged", 0)
		return nil
	}
	if err := r.store.Put(ctx, room.key.URI(), plan.data); err != nil {
		metrics.RecordRoomFlush("error", 0)
		logging.Error("room flush failed", logging.Room(room.key.String()), logging.Err(err))
		return fmt.Errorf("flush room %s: %w", room.key, err)
	}
	room.completeFlush(plan.hash, plan.version, r.now())
	metrics.RecordRoomFlush("ok", len(plan.data))
	logging.Debug("room flushed", logging.Room(room.key.String()), zap.Int("bytes", len(plan.data)))
	return nil
}

// FlushKey flushes a loaded room; an unloaded key has nothing to flush.
func (r *Registry) FlushKey(ctx context.Context, key Key) error {
	room, ok := r.Lookup(key)
	if !ok {
		return nil
	}
	return r.Flush(ctx, room)
}

// FlushAll flushes every loaded room concurrently and returns the first
// error.
func (r *Registry) FlushAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.flushConcurrency)
	for _, room := range r.Rooms() {
		g.Go(func() error {
			return r.Flush(gctx, room)
		})
	}
	return g.Wait()
}

// PeerLeft is the last-peer-leaves checkpoint.
func (r *Registry) PeerLeft(ctx context.Context, room *Room, peerID string) error {
	if room.RemovePeer(peerID) > 0 {
		return nil
	}
	return r.Flush(ctx, room)
}

// EvictIdle drops rooms without peers or unsaved changes that have been
// idle longer than the idle timeout.
func (r *Registry) EvictIdle() int {
	cutoff := r.now().Add(-r.idleTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, room := range r.rooms {
		if room.tryEvict(cutoff) {
			delete(r.rooms, id)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.SetRoomsActive(len(r.rooms))
		logging.Debug("idle rooms evicted", zap.Int("count", evicted))
	}
	return evicted
}

// Run is the periodic checkpoint loop. It returns when ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.FlushAll(ctx); err != nil && ctx.Err() == nil {
				logging.Warn("checkpoint flush failed", logging.Err(err))
			}
			r.EvictIdle()
		}
	}
}

// Close flushes every room and refuses further loads.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.FlushAll(ctx)
}

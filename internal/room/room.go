package room

import (
	"errors"
	"sync"
	"time"

	"github.com/rectangular-labs/workspacesync/internal/crdt"
	"github.com/rectangular-labs/workspacesync/internal/metrics"
)

// ErrEvicted is returned by a room that the registry dropped while the
// caller still held it. Callers fetch the room again from the registry.
var ErrEvicted = errors.New("room evicted")

// Peer is a connection attached to a room. Send must not block on the
// network; implementations queue the frame.
type Peer interface {
	ID() string
	Send(frame []byte) error
}

type Room struct {
	key    Key
	policy Policy

	mu         sync.Mutex
	doc        *crdt.Doc
	dirty      bool
	version    uint64
	lastSaved  time.Time
	savedHash  Hash
	hasSaved   bool
	evicted    bool
	peers      map[string]Peer
	lastActive time.Time
	now        func() time.Time

	// flushMu keeps two flushes of one room from racing their puts.
	flushMu sync.Mutex
}

func newRoom(key Key, policy Policy, doc *crdt.Doc, now func() time.Time) *Room {
	return &Room{
		key:        key,
		policy:     policy,
		doc:        doc,
		peers:      map[string]Peer{},
		lastActive: now(),
		now:        now,
	}
}

func (r *Room) Key() Key {
	return r.key
}

func (r *Room) Policy() Policy {
	return r.policy
}

// Do runs fn with exclusive access to the replica. When fn applies new
// changes the room's version advances and, if the room persists, it becomes
// dirty.
func (r *Room) Do(fn func(doc *crdt.Doc) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return ErrEvicted
	}
	before := r.doc.ChangeCount()
	err := fn(r.doc)
	if r.doc.ChangeCount() != before {
		r.version++
		if r.policy.ShouldPersist {
			r.dirty = true
		}
	}
	r.lastActive = r.now()
	return err
}

// View runs fn under the room lock without counting it as activity that
// could mutate the replica. fn must only read.
func (r *Room) View(fn func(doc *crdt.Doc) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return ErrEvicted
	}
	return fn(r.doc)
}

// Snapshot returns an independent copy of the replica for readers.
func (r *Room) Snapshot() (*crdt.Doc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Clone()
}

func (r *Room) MarkDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policy.ShouldPersist {
		r.dirty = true
	}
}

type State struct {
	Dirty     bool
	LastSaved time.Time
	Version   uint64
	Peers     int
}

func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{Dirty: r.dirty, LastSaved: r.lastSaved, Version: r.version, Peers: len(r.peers)}
}

// AddPeer attaches p and returns how many peers the room now has.
func (r *Room) AddPeer(p Peer) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return 0, ErrEvicted
	}
	if _, exists := r.peers[p.ID()]; !exists {
		metrics.AddPeers(1)
	}
	r.peers[p.ID()] = p
	r.lastActive = r.now()
	return len(r.peers), nil
}

// RemovePeer detaches a peer and returns how many remain.
func (r *Room) RemovePeer(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.peers[id]; exists {
		delete(r.peers, id)
		metrics.AddPeers(-1)
	}
	r.lastActive = r.now()
	return len(r.peers)
}

func (r *Room) HasPeer(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[id]
	return ok
}

func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Broadcast sends each frame, in order, to every peer except the one named
// by except. It returns the number of peers reached.
func (r *Room) Broadcast(except string, frames ...[]byte) int {
	r.mu.Lock()
	targets := make([]Peer, 0, len(r.peers))
	for id, peer := range r.peers {
		if id != except {
			targets = append(targets, peer)
		}
	}
	r.mu.Unlock()

	reached := 0
	for _, peer := range targets {
		ok := true
		for _, frame := range frames {
			if err := peer.Send(frame); err != nil {
				ok = false
				break
			}
		}
		if ok {
			reached++
		}
	}
	if reached > 0 {
		metrics.RecordBroadcast(reached * len(frames))
	}
	return reached
}

type flushPlan struct {
	data    []byte
	hash    Hash
	version uint64
	// unchanged means the replica matches the last persisted snapshot.
	unchanged bool
}

// prepareFlush encodes the replica when it needs persisting; nil means
// there is nothing to do. A snapshot whose hash matches the last persisted
// one clears dirty without a put.
func (r *Room) prepareFlush() (*flushPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.policy.ShouldPersist || !r.dirty {
		return nil, nil
	}
	data, hash, err := EncodeSnapshot(r.doc)
	if err != nil {
		return nil, err
	}
	if r.hasSaved && hash == r.savedHash {
		r.dirty = false
		return &flushPlan{hash: hash, version: r.version, unchanged: true}, nil
	}
	return &flushPlan{data: data, hash: hash, version: r.version}, nil
}

// completeFlush records a successful put. Dirty is only cleared when no
// mutation happened after the snapshot was encoded.
func (r *Room) completeFlush(hash Hash, version uint64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.savedHash = hash
	r.hasSaved = true
	r.lastSaved = at
	if r.version == version {
		r.dirty = false
	}
}

// tryEvict marks the room evicted when it has no peers, nothing unsaved,
// and has been idle since before cutoff.
func (r *Room) tryEvict(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return true
	}
	if len(r.peers) > 0 || r.dirty || r.lastActive.After(cutoff) {
		return false
	}
	r.evicted = true
	return true
}

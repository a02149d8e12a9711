package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rectangular-labs/workspacesync/internal/crdt"
	"github.com/rectangular-labs/workspacesync/internal/logging"
	"github.com/rectangular-labs/workspacesync/internal/metrics"
	"github.com/rectangular-labs/workspacesync/internal/room"
)

const (
	// MaxUpdateBytes bounds each update embedded in an Update message.
	MaxUpdateBytes = 256 << 10
	// DefaultFragmentTimeout is how long an incomplete batch is kept.
	DefaultFragmentTimeout = 30 * time.Second
	// DefaultMaxBatchBytes caps the declared size of a fragmented upload.
	DefaultMaxBatchBytes = 64 << 20
)

type Options struct {
	Registry        *room.Registry
	MaxUpdateBytes  int
	FragmentTimeout time.Duration
	MaxBatchBytes   int
	// Authorize, when set, is consulted before a peer joins a room. The
	// context is the one passed to Handle.
	Authorize func(ctx context.Context, key room.Key) error
}

// Relay runs the per-room protocol for every connection. Handle must be
// called sequentially per connection; distinct connections may call it
// concurrently.
type Relay struct {
	registry        *room.Registry
	maxUpdateBytes  int
	fragmentTimeout time.Duration
	maxBatchBytes   int
	authorize       func(ctx context.Context, key room.Key) error

	mu       sync.Mutex
	sessions map[string]map[string]*room.Room
	batches  map[batchKey]*batch
	batchSeq uint64
}

type batchKey struct {
	peer    string
	room    string
	batchID string
}

type batch struct {
	seq       uint64
	header    FragmentHeader
	headerRaw []byte
	parts     [][]byte
	frames    [][]byte
	received  int
	size      int
	timer     *time.Timer
}

func New(opts Options) *Relay {
	maxUpdate := opts.MaxUpdateBytes
	if maxUpdate <= 0 {
		maxUpdate = MaxUpdateBytes
	}
	timeout := opts.FragmentTimeout
	if timeout <= 0 {
		timeout = DefaultFragmentTimeout
	}
	maxBatch := opts.MaxBatchBytes
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchBytes
	}
	return &Relay{
		registry:        opts.Registry,
		maxUpdateBytes:  maxUpdate,
		fragmentTimeout: timeout,
		maxBatchBytes:   maxBatch,
		authorize:       opts.Authorize,
		sessions:        map[string]map[string]*room.Room{},
		batches:         map[batchKey]*batch{},
	}
}

// Handle processes one inbound frame from peer. Protocol problems are
// answered to the peer and are not returned; the error is only non-nil
// when the connection can no longer be served.
func (r *Relay) Handle(ctx context.Context, peer room.Peer, frame []byte) error {
	msg, err := Decode(frame)
	if err != nil {
		metrics.RecordRelayMessage("invalid")
		r.reply(peer, UpdateError{Code: CodeInvalidMessage, Message: err.Error()})
		return nil
	}
	metrics.RecordRelayMessage(string(msg.Type()))
	switch m := msg.(type) {
	case Join:
		return r.handleJoin(ctx, peer, m)
	case Update:
		r.handleUpdate(peer, m, frame)
	case FragmentHeader:
		r.handleFragmentHeader(peer, m, frame)
	case Fragment:
		r.handleFragment(peer, m, frame)
	case Leave:
		return r.handleLeave(ctx, peer, m.RoomID)
	default:
		r.reply(peer, UpdateError{RoomID: msg.Room(), Code: CodeInvalidMessage, Message: fmt.Sprintf("unexpected %s from client", msg.Type())})
	}
	return nil
}

func (r *Relay) reply(peer room.Peer, msg Message) {
	switch m := msg.(type) {
	case UpdateError:
		metrics.RecordRelayError(string(m.Code))
	case JoinError:
		metrics.RecordRelayError(string(m.Code))
	}
	if err := peer.Send(mustEncode(msg)); err != nil {
		logging.Debug("relay reply dropped", zap.String("peer", peer.ID()), logging.Err(err))
	}
}

func (r *Relay) handleJoin(ctx context.Context, peer room.Peer, m Join) error {
	fail := func(code Code, format string, args ...any) error {
		r.reply(peer, JoinError{RoomID: m.RoomID, Code: code, Message: fmt.Sprintf(format, args...)})
		return nil
	}
	if m.CRDTType != "" && m.CRDTType != CRDTType {
		return fail(CodeUnknown, "unsupported crdt type %q", m.CRDTType)
	}
	key, err := room.ParseKey(m.RoomID)
	if err != nil {
		return fail(CodeUnknown, "%v", err)
	}
	if r.authorize != nil {
		if err := r.authorize(ctx, key); err != nil {
			return fail(CodeUnknown, "%v", err)
		}
	}
	clientSV, err := crdt.DecodeStateVector(m.Version)
	if err != nil {
		return fail(CodeUnknown, "%v", err)
	}
	rm, peers, err := r.registry.Join(ctx, key, peer)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Warn("room join failed", logging.Room(m.RoomID), logging.Err(err))
		return fail(CodeUnknown, "room unavailable")
	}

	var serverSV, catchUp []byte
	err = rm.View(func(doc *crdt.Doc) error {
		var err error
		if serverSV, err = doc.EncodeStateVector(); err != nil {
			return err
		}
		catchUp, err = doc.EncodeStateAsUpdate(clientSV)
		return err
	})
	if err != nil {
		rm.RemovePeer(peer.ID())
		return fail(CodeUnknown, "%v", err)
	}

	r.mu.Lock()
	joined, ok := r.sessions[peer.ID()]
	if !ok {
		joined = map[string]*room.Room{}
		r.sessions[peer.ID()] = joined
	}
	joined[m.RoomID] = rm
	r.mu.Unlock()

	r.reply(peer, JoinResponse{RoomID: m.RoomID, Version: serverSV})
	if catchUp != nil && (peers > 1 || rm.Policy().AllowBackfillWhenAlone) {
		for _, frame := range r.updateFrames(m.RoomID, catchUp) {
			if err := peer.Send(frame); err != nil {
				break
			}
		}
	}
	logging.Debug("peer joined", logging.Room(m.RoomID), zap.String("peer", peer.ID()), zap.Int("peers", peers))
	return nil
}

func (r *Relay) joined(peerID, roomID string) (*room.Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.sessions[peerID][roomID]
	return rm, ok
}

func (r *Relay) handleUpdate(peer room.Peer, m Update, frame []byte) {
	rm, ok := r.joined(peer.ID(), m.RoomID)
	if !ok {
		r.reply(peer, UpdateError{RoomID: m.RoomID, Code: CodeUnknown, Message: "not joined"})
		return
	}
	for _, update := range m.Updates {
		if len(update) > r.maxUpdateBytes {
			r.reply(peer, UpdateError{
				RoomID:  m.RoomID,
				Code:    CodePayloadTooLarge,
				Message: fmt.Sprintf("update of %d bytes exceeds %d; send it fragmented", len(update), r.maxUpdateBytes),
			})
			return
		}
	}
	if m.CRDTType != "" && m.CRDTType != CRDTType {
		r.reply(peer, UpdateError{RoomID: m.RoomID, Code: CodeInvalidUpdate, Message: fmt.Sprintf("unsupported crdt type %q", m.CRDTType)})
		return
	}
	if err := r.apply(rm, m.Updates); err != nil {
		r.reply(peer, UpdateError{RoomID: m.RoomID, Code: CodeInvalidUpdate, Message: err.Error()})
		return
	}
	rm.Broadcast(peer.ID(), frame)
}

// apply validates every update before integrating any of them.
func (r *Relay) apply(rm *room.Room, updates [][]byte) error {
	for _, update := range updates {
		if _, err := crdt.DecodeUpdate(update); err != nil {
			return err
		}
	}
	return rm.Do(func(doc *crdt.Doc) error {
		for _, update := range updates {
			if err := doc.ApplyUpdate(update); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Relay) handleFragmentHeader(peer room.Peer, m FragmentHeader, frame []byte) {
	if _, ok := r.joined(peer.ID(), m.RoomID); !ok {
		r.reply(peer, UpdateError{RoomID: m.RoomID, Code: CodeUnknown, Message: "not joined", BatchID: m.BatchID})
		return
	}
	switch {
	case m.BatchID == "":
		r.reply(peer, UpdateError{RoomID: m.RoomID, Code: CodeInvalidMessage, Message: "missing batch id"})
		return
	case m.FragmentCount < 1 || m.TotalSizeBytes < 0 || m.FragmentCount > m.TotalSizeBytes+1:
		r.reply(peer, UpdateError{RoomID: m.RoomID, Code: CodeInvalidMessage, Message: "bad fragment count or size", BatchID: m.BatchID})
		return
	case m.TotalSizeBytes > r.maxBatchBytes:
		r.reply(peer, UpdateError{
			RoomID:  m.RoomID,
			Code:    CodePayloadTooLarge,
			Message: fmt.Sprintf("batch of %d bytes exceeds %d", m.TotalSizeBytes, r.maxBatchBytes),
			BatchID: m.BatchID,
		})
		return
	}

	key := batchKey{peer: peer.ID(), room: m.RoomID, batchID: m.BatchID}
	r.mu.Lock()
	if _, exists := r.batches[key]; exists {
		r.mu.Unlock()
		r.reply(peer, UpdateError{RoomID: m.RoomID, Code: CodeInvalidMessage, Message: "batch already open", BatchID: m.BatchID})
		return
	}
	r.batchSeq++
	b := &batch{
		seq:       r.batchSeq,
		header:    m,
		headerRaw: frame,
		parts:     make([][]byte, m.FragmentCount),
		frames:    make([][]byte, m.FragmentCount),
	}
	seq := b.seq
	b.timer = time.AfterFunc(r.fragmentTimeout, func() { r.expire(peer, key, seq) })
	r.batches[key] = b
	metrics.SetPendingBatches(len(r.batches))
	r.mu.Unlock()
}

func (r *Relay) expire(peer room.Peer, key batchKey, seq uint64) {
	r.mu.Lock()
	b, ok := r.batches[key]
	if !ok || b.seq != seq {
		r.mu.Unlock()
		return
	}
	delete(r.batches, key)
	metrics.SetPendingBatches(len(r.batches))
	r.mu.Unlock()
	logging.Info("fragment batch expired", logging.Room(key.room), zap.String("batch", key.batchID), zap.Int("received", b.received))
	r.reply(peer, UpdateError{
		RoomID:  key.room,
		Code:    CodeFragmentTimeout,
		Message: fmt.Sprintf("received %d of %d fragments before timeout", b.received, b.header.FragmentCount),
		BatchID: key.batchID,
	})
}

func (r *Relay) handleFragment(peer room.Peer, m Fragment, frame []byte) {
	key := batchKey{peer: peer.ID(), room: m.RoomID, batchID: m.BatchID}
	r.mu.Lock()
	b, ok := r.batches[key]
	if !ok {
		r.mu.Unlock()
		r.reply(peer, UpdateError{RoomID: m.RoomID, Code: CodeUnknown, Message: "unknown batch", BatchID: m.BatchID})
		return
	}
	if m.Index < 0 || m.Index >= len(b.parts) {
		r.mu.Unlock()
		r.reply(peer, UpdateError{RoomID: m.RoomID, Code: CodeInvalidMessage, Message: fmt.Sprintf("fragment index %d out of range", m.Index), BatchID: m.BatchID})
		return
	}
	if b.parts[m.Index] == nil {
		b.received++
	} else {
		b.size -= len(b.parts[m.Index])
	}
	part := m.Bytes
	if part == nil {
		part = []byte{}
	}
	b.parts[m.Index] = part
	b.frames[m.Index] = frame
	b.size += len(part)
	if b.size > b.header.TotalSizeBytes {
		r.dropLocked(key, b)
		r.mu.Unlock()
		r.reply(peer, UpdateError{RoomID: m.RoomID, Code: CodePayloadTooLarge, Message: "fragments exceed declared size", BatchID: m.BatchID})
		return
	}
	if b.received < len(b.parts) {
		r.mu.Unlock()
		return
	}
	r.dropLocked(key, b)
	r.mu.Unlock()

	r.completeBatch(peer, b)
}

func (r *Relay) dropLocked(key batchKey, b *batch) {
	b.timer.Stop()
	delete(r.batches, key)
	metrics.SetPendingBatches(len(r.batches))
}

func (r *Relay) completeBatch(peer room.Peer, b *batch) {
	roomID := b.header.RoomID
	batchID := b.header.BatchID
	payload := make([]byte, 0, b.header.TotalSizeBytes)
	for _, part := range b.parts {
		payload = append(payload, part...)
	}
	if len(payload) != b.header.TotalSizeBytes {
		r.reply(peer, UpdateError{
			RoomID:  roomID,
			Code:    CodeInvalidUpdate,
			Message: fmt.Sprintf("reassembled %d bytes, header declared %d", len(payload), b.header.TotalSizeBytes),
			BatchID: batchID,
		})
		return
	}
	rm, ok := r.joined(peer.ID(), roomID)
	if !ok {
		r.reply(peer, UpdateError{RoomID: roomID, Code: CodeUnknown, Message: "not joined", BatchID: batchID})
		return
	}
	if err := r.apply(rm, [][]byte{payload}); err != nil {
		r.reply(peer, UpdateError{RoomID: roomID, Code: CodeInvalidUpdate, Message: err.Error(), BatchID: batchID})
		return
	}
	frames := make([][]byte, 0, len(b.frames)+1)
	frames = append(frames, b.headerRaw)
	frames = append(frames, b.frames...)
	rm.Broadcast(peer.ID(), frames...)
}

func (r *Relay) handleLeave(ctx context.Context, peer room.Peer, roomID string) error {
	r.mu.Lock()
	rm, ok := r.sessions[peer.ID()][roomID]
	if ok {
		delete(r.sessions[peer.ID()], roomID)
		if len(r.sessions[peer.ID()]) == 0 {
			delete(r.sessions, peer.ID())
		}
	}
	for key, b := range r.batches {
		if key.peer == peer.ID() && key.room == roomID {
			r.dropLocked(key, b)
		}
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := r.registry.PeerLeft(ctx, rm, peer.ID()); err != nil {
		logging.Warn("checkpoint after leave failed", logging.Room(roomID), logging.Err(err))
	}
	return nil
}

// Disconnect leaves every room the peer joined and drops its open batches.
func (r *Relay) Disconnect(ctx context.Context, peer room.Peer) {
	r.mu.Lock()
	rooms := make([]string, 0, len(r.sessions[peer.ID()]))
	for roomID := range r.sessions[peer.ID()] {
		rooms = append(rooms, roomID)
	}
	r.mu.Unlock()
	for _, roomID := range rooms {
		_ = r.handleLeave(ctx, peer, roomID)
	}
	r.mu.Lock()
	for key, b := range r.batches {
		if key.peer == peer.ID() {
			r.dropLocked(key, b)
		}
	}
	r.mu.Unlock()
}

// PendingBatches reports open reassembly buffers.
func (r *Relay) PendingBatches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

// Publish sends an update produced on the server, such as a tree API
// write, to every peer in the room.
func (r *Relay) Publish(rm *room.Room, update []byte) int {
	if len(update) == 0 {
		return 0
	}
	return rm.Broadcast("", r.updateFrames(rm.Key().String(), update)...)
}

func (r *Relay) updateFrames(roomID string, update []byte) [][]byte {
	msgs := SplitUpdate(roomID, update, r.maxUpdateBytes)
	frames := make([][]byte, len(msgs))
	for i, msg := range msgs {
		frames[i] = mustEncode(msg)
	}
	return frames
}

// SplitUpdate wraps one update as an Update message, or as a header plus
// fragments when it exceeds maxBytes.
func SplitUpdate(roomID string, update []byte, maxBytes int) []Message {
	if maxBytes <= 0 {
		maxBytes = MaxUpdateBytes
	}
	if len(update) <= maxBytes {
		return []Message{Update{RoomID: roomID, CRDTType: CRDTType, Updates: [][]byte{update}}}
	}
	count := (len(update) + maxBytes - 1) / maxBytes
	batchID := newBatchID()
	msgs := make([]Message, 0, count+1)
	msgs = append(msgs, FragmentHeader{
		RoomID:         roomID,
		BatchID:        batchID,
		FragmentCount:  count,
		TotalSizeBytes: len(update),
	})
	for i := 0; i < count; i++ {
		end := min((i+1)*maxBytes, len(update))
		msgs = append(msgs, Fragment{
			RoomID:  roomID,
			BatchID: batchID,
			Index:   i,
			Bytes:   update[i*maxBytes : end],
		})
	}
	return msgs
}

func newBatchID() string {
	return ulid.Make().String()
}

package relay

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rectangular-labs/workspacesync/internal/crdt"
	"github.com/rectangular-labs/workspacesync/internal/room"
)

const roomID = "org_1/proj_1"

type testPeer struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (p *testPeer) ID() string { return p.id }

func (p *testPeer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return nil
}

func (p *testPeer) take() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.frames
	p.frames = nil
	return out
}

func (p *testPeer) messages(t *testing.T) []Message {
	t.Helper()
	var out []Message
	for _, frame := range p.take() {
		msg, err := Decode(frame)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func newRelay(opts Options) (*Relay, *room.Registry) {
	if opts.Registry == nil {
		opts.Registry = room.NewRegistry(room.Options{})
	}
	return New(opts), opts.Registry
}

func send(t *testing.T, r *Relay, peer *testPeer, msg Message) []byte {
	t.Helper()
	frame, err := Encode(msg)
	require.NoError(t, err)
	require.NoError(t, r.Handle(context.Background(), peer, frame))
	return frame
}

func join(t *testing.T, r *Relay, peer *testPeer) []Message {
	t.Helper()
	send(t, r, peer, Join{RoomID: roomID, CRDTType: CRDTType})
	return peer.messages(t)
}

func clientUpdate(t *testing.T, client uint64, mutate func(doc *crdt.Doc) error) (*crdt.Doc, []byte) {
	t.Helper()
	doc := crdt.NewDoc(client)
	require.NoError(t, mutate(doc))
	update, err := doc.TakeLocalUpdate()
	require.NoError(t, err)
	require.NotEmpty(t, update)
	return doc, update
}

func setMeta(key, value string) func(doc *crdt.Doc) error {
	return func(doc *crdt.Doc) error {
		return doc.Set("root", "meta:"+key, value)
	}
}

// noise returns n hex characters that do not compress away.
func noise(n int) string {
	rng := rand.New(rand.NewPCG(uint64(n), 7))
	buf := make([]byte, n/2+1)
	for i := range buf {
		buf[i] = byte(rng.Uint32())
	}
	return hex.EncodeToString(buf)[:n]
}

func roomMeta(t *testing.T, registry *room.Registry, field string) string {
	t.Helper()
	key, err := room.ParseKey(roomID)
	require.NoError(t, err)
	rm, ok := registry.Lookup(key)
	require.True(t, ok)
	doc, err := rm.Snapshot()
	require.NoError(t, err)
	value, _ := doc.Get("root", "meta:"+field)
	return value
}

func roomTitle(t *testing.T, registry *room.Registry) string {
	t.Helper()
	return roomMeta(t, registry, "title")
}

func TestJoinBackfillsExistingState(t *testing.T) {
	r, registry := newRelay(Options{})
	key, _ := room.ParseKey(roomID)
	_, err := registry.Mutate(context.Background(), key, setMeta("title", "launch plan"))
	require.NoError(t, err)

	msgs := join(t, r, &testPeer{id: "a"})
	require.Len(t, msgs, 2)
	resp, ok := msgs[0].(JoinResponse)
	require.True(t, ok)
	assert.NotEmpty(t, resp.Version)

	update, ok := msgs[1].(Update)
	require.True(t, ok)
	replica := crdt.NewDoc(5)
	for _, u := range update.Updates {
		require.NoError(t, replica.ApplyUpdate(u))
	}
	value, _ := replica.Get("root", "meta:title")
	assert.Equal(t, "launch plan", value)
}

func TestJoinWithCurrentVersionGetsNoBackfill(t *testing.T) {
	r, registry := newRelay(Options{})
	key, _ := room.ParseKey(roomID)
	rm, err := registry.Mutate(context.Background(), key, setMeta("title", "x"))
	require.NoError(t, err)
	current, err := rm.Snapshot()
	require.NoError(t, err)
	version, err := current.EncodeStateVector()
	require.NoError(t, err)

	peer := &testPeer{id: "a"}
	send(t, r, peer, Join{RoomID: roomID, CRDTType: CRDTType, Version: version})
	msgs := peer.messages(t)
	require.Len(t, msgs, 1)
	assert.IsType(t, JoinResponse{}, msgs[0])
}

func TestBackfillWhenAloneCanBeDisabled(t *testing.T) {
	registry := room.NewRegistry(room.Options{
		Policies: room.StaticPolicy(room.Policy{ShouldPersist: true, AllowBackfillWhenAlone: false}),
	})
	r, _ := newRelay(Options{Registry: registry})
	key, _ := room.ParseKey(roomID)
	_, err := registry.Mutate(context.Background(), key, setMeta("title", "x"))
	require.NoError(t, err)

	assert.Len(t, join(t, r, &testPeer{id: "a"}), 1, "alone: response only")
	assert.Len(t, join(t, r, &testPeer{id: "b"}), 2, "with company: response and backfill")
}

func TestJoinErrors(t *testing.T) {
	r, _ := newRelay(Options{})
	peer := &testPeer{id: "a"}

	send(t, r, peer, Join{RoomID: "not-a-room", CRDTType: CRDTType})
	send(t, r, peer, Join{RoomID: roomID, CRDTType: "yjs"})
	send(t, r, peer, Join{RoomID: roomID, CRDTType: CRDTType, Version: []byte{0xff, 0x00}})
	msgs := peer.messages(t)
	require.Len(t, msgs, 3)
	for _, msg := range msgs {
		joinErr, ok := msg.(JoinError)
		require.True(t, ok)
		assert.Equal(t, CodeUnknown, joinErr.Code)
	}
}

func TestUpdateIsAppliedAndRebroadcastVerbatim(t *testing.T) {
	r, registry := newRelay(Options{})
	a, b := &testPeer{id: "a"}, &testPeer{id: "b"}
	join(t, r, a)
	join(t, r, b)

	_, update := clientUpdate(t, 1, setMeta("title", "from a"))
	frame := send(t, r, a, Update{RoomID: roomID, CRDTType: CRDTType, Updates: [][]byte{update}})

	assert.Empty(t, a.take(), "no echo to the sender")
	got := b.take()
	require.Len(t, got, 1)
	assert.True(t, bytes.Equal(frame, got[0]))
	assert.Equal(t, "from a", roomTitle(t, registry))
}

func TestUpdateBeforeJoinIsRejected(t *testing.T) {
	r, _ := newRelay(Options{})
	a := &testPeer{id: "a"}
	_, update := clientUpdate(t, 1, setMeta("title", "x"))
	send(t, r, a, Update{RoomID: roomID, CRDTType: CRDTType, Updates: [][]byte{update}})
	msgs := a.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, CodeUnknown, msgs[0].(UpdateError).Code)
}

func TestOversizedUpdateIsRejectedWithoutMutation(t *testing.T) {
	r, registry := newRelay(Options{MaxUpdateBytes: 256})
	a, b := &testPeer{id: "a"}, &testPeer{id: "b"}
	join(t, r, a)
	join(t, r, b)
	key, _ := room.ParseKey(roomID)
	rm, _ := registry.Lookup(key)
	before := rm.State().Version

	_, small := clientUpdate(t, 1, setMeta("a", "1"))
	_, large := clientUpdate(t, 2, setMeta("title", noise(2000)))
	require.LessOrEqual(t, len(small), 256)
	require.Greater(t, len(large), 256)
	send(t, r, a, Update{RoomID: roomID, CRDTType: CRDTType, Updates: [][]byte{small, large}})

	msgs := a.messages(t)
	require.Len(t, msgs, 1)
	updateErr := msgs[0].(UpdateError)
	assert.Equal(t, CodePayloadTooLarge, updateErr.Code)
	assert.Empty(t, b.take())
	assert.Equal(t, before, rm.State().Version, "no part of the message may be applied")
}

func TestInvalidUpdateIsRejectedWithoutMutation(t *testing.T) {
	r, registry := newRelay(Options{})
	a, b := &testPeer{id: "a"}, &testPeer{id: "b"}
	join(t, r, a)
	join(t, r, b)
	key, _ := room.ParseKey(roomID)
	rm, _ := registry.Lookup(key)

	_, good := clientUpdate(t, 1, setMeta("title", "x"))
	send(t, r, a, Update{RoomID: roomID, CRDTType: CRDTType, Updates: [][]byte{good, []byte("garbage")}})

	msgs := a.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, CodeInvalidUpdate, msgs[0].(UpdateError).Code)
	assert.Empty(t, b.take())
	assert.Zero(t, rm.State().Version)
}

func TestUndecodableFrameGetsUnicastError(t *testing.T) {
	r, _ := newRelay(Options{})
	a, b := &testPeer{id: "a"}, &testPeer{id: "b"}
	join(t, r, a)
	join(t, r, b)

	require.NoError(t, r.Handle(context.Background(), a, []byte("not cbor at all")))
	msgs := a.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, CodeInvalidMessage, msgs[0].(UpdateError).Code)
	assert.Empty(t, b.take())
}

func splitUpdate(update []byte, size int) [][]byte {
	var parts [][]byte
	for start := 0; start < len(update); start += size {
		parts = append(parts, update[start:min(start+size, len(update))])
	}
	return parts
}

func TestFragmentsReassembleOutOfOrder(t *testing.T) {
	r, registry := newRelay(Options{MaxUpdateBytes: 256})
	a, b := &testPeer{id: "a"}, &testPeer{id: "b"}
	join(t, r, a)
	join(t, r, b)

	client, update := clientUpdate(t, 1, setMeta("title", noise(2000)))
	parts := splitUpdate(update, 256)
	require.Greater(t, len(parts), 2)

	headerFrame := send(t, r, a, FragmentHeader{
		RoomID:         roomID,
		BatchID:        "batch-1",
		FragmentCount:  len(parts),
		TotalSizeBytes: len(update),
	})
	fragmentFrames := make([][]byte, len(parts))
	order := []int{len(parts) - 1}
	for i := 0; i < len(parts)-1; i++ {
		order = append(order, i)
	}
	for n, idx := range order {
		fragmentFrames[idx] = send(t, r, a, Fragment{RoomID: roomID, BatchID: "batch-1", Index: idx, Bytes: parts[idx]})
		if n < len(order)-1 {
			assert.Empty(t, b.take(), "nothing is relayed before the batch completes")
		}
	}

	assert.Empty(t, a.take())
	got := b.take()
	require.Len(t, got, len(parts)+1, "one header and every fragment, once")
	assert.True(t, bytes.Equal(headerFrame, got[0]))
	for i, frame := range fragmentFrames {
		assert.True(t, bytes.Equal(frame, got[i+1]), "fragment %d", i)
	}

	want, _ := client.Get("root", "meta:title")
	assert.Equal(t, want, roomTitle(t, registry))
	assert.Zero(t, r.PendingBatches())
}

func TestFragmentTimeoutDropsBatch(t *testing.T) {
	r, registry := newRelay(Options{MaxUpdateBytes: 256, FragmentTimeout: 20 * time.Millisecond})
	a, b := &testPeer{id: "a"}, &testPeer{id: "b"}
	join(t, r, a)
	join(t, r, b)

	_, update := clientUpdate(t, 1, setMeta("title", noise(2000)))
	parts := splitUpdate(update, 256)
	require.Greater(t, len(parts), 1)
	send(t, r, a, FragmentHeader{RoomID: roomID, BatchID: "slow", FragmentCount: len(parts), TotalSizeBytes: len(update)})
	send(t, r, a, Fragment{RoomID: roomID, BatchID: "slow", Index: 0, Bytes: parts[0]})
	assert.Equal(t, 1, r.PendingBatches())

	var timeoutErr UpdateError
	require.Eventually(t, func() bool {
		for _, msg := range a.messages(t) {
			if e, ok := msg.(UpdateError); ok && e.Code == CodeFragmentTimeout {
				timeoutErr = e
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "slow", timeoutErr.BatchID)
	assert.Zero(t, r.PendingBatches())
	assert.Empty(t, b.take())
	assert.Empty(t, roomTitle(t, registry))

	// Late fragments find no batch.
	send(t, r, a, Fragment{RoomID: roomID, BatchID: "slow", Index: 1, Bytes: parts[1]})
	msgs := a.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, CodeUnknown, msgs[0].(UpdateError).Code)
}

func TestFragmentHeaderValidation(t *testing.T) {
	r, _ := newRelay(Options{MaxBatchBytes: 1024})
	a := &testPeer{id: "a"}
	join(t, r, a)

	send(t, r, a, FragmentHeader{RoomID: roomID, BatchID: "", FragmentCount: 1, TotalSizeBytes: 10})
	send(t, r, a, FragmentHeader{RoomID: roomID, BatchID: "b", FragmentCount: 0, TotalSizeBytes: 10})
	send(t, r, a, FragmentHeader{RoomID: roomID, BatchID: "b", FragmentCount: 2, TotalSizeBytes: 4096})
	codes := []Code{}
	for _, msg := range a.messages(t) {
		codes = append(codes, msg.(UpdateError).Code)
	}
	assert.Equal(t, []Code{CodeInvalidMessage, CodeInvalidMessage, CodePayloadTooLarge}, codes)
	assert.Zero(t, r.PendingBatches())
}

func TestInterleavedBatchesDoNotInterfere(t *testing.T) {
	r, registry := newRelay(Options{MaxUpdateBytes: 256})
	a, c, observer := &testPeer{id: "a"}, &testPeer{id: "c"}, &testPeer{id: "observer"}
	join(t, r, a)
	join(t, r, c)
	join(t, r, observer)

	type upload struct {
		peer    *testPeer
		batchID string
		field   string
		value   string
		update  []byte
		parts   [][]byte
	}
	uploads := []*upload{
		{peer: a, batchID: "one", field: "title", value: noise(1500)},
		{peer: a, batchID: "two", field: "summary", value: noise(1600)},
		{peer: c, batchID: "one", field: "body", value: noise(1700)},
	}
	for i, u := range uploads {
		_, u.update = clientUpdate(t, uint64(i+1), setMeta(u.field, u.value))
		u.parts = splitUpdate(u.update, 256)
		require.Greater(t, len(u.parts), 2)
	}
	for _, u := range uploads {
		send(t, r, u.peer, FragmentHeader{RoomID: roomID, BatchID: u.batchID, FragmentCount: len(u.parts), TotalSizeBytes: len(u.update)})
	}
	assert.Equal(t, 3, r.PendingBatches())

	// One fragment from each open batch in turn.
	for idx, sent := 0, true; sent; idx++ {
		sent = false
		for _, u := range uploads {
			if idx < len(u.parts) {
				send(t, r, u.peer, Fragment{RoomID: roomID, BatchID: u.batchID, Index: idx, Bytes: u.parts[idx]})
				sent = true
			}
		}
	}

	assert.Zero(t, r.PendingBatches())
	for _, u := range uploads {
		assert.Equal(t, u.value, roomMeta(t, registry, u.field), u.field)
	}
	for _, peer := range []*testPeer{a, c} {
		for _, msg := range peer.messages(t) {
			_, failed := msg.(UpdateError)
			assert.False(t, failed, "%s got %+v", peer.id, msg)
		}
	}

	var relayed [][]byte
	msgs := observer.messages(t)
	for len(msgs) > 0 {
		header, ok := msgs[0].(FragmentHeader)
		require.True(t, ok, "batches are relayed whole")
		require.GreaterOrEqual(t, len(msgs), header.FragmentCount+1)
		var payload []byte
		for i, msg := range msgs[1 : header.FragmentCount+1] {
			fragment, ok := msg.(Fragment)
			require.True(t, ok)
			assert.Equal(t, header.BatchID, fragment.BatchID)
			assert.Equal(t, i, fragment.Index)
			payload = append(payload, fragment.Bytes...)
		}
		relayed = append(relayed, payload)
		msgs = msgs[header.FragmentCount+1:]
	}
	want := make([][]byte, 0, len(uploads))
	for _, u := range uploads {
		want = append(want, u.update)
	}
	assert.ElementsMatch(t, want, relayed)
}

func TestConcurrentPeersUpdateOneRoom(t *testing.T) {
	const peers, perPeer = 8, 20
	r, registry := newRelay(Options{})
	conns := make([]*testPeer, peers)
	frames := make([][][]byte, peers)
	for i := range conns {
		conns[i] = &testPeer{id: fmt.Sprintf("peer-%d", i)}
		join(t, r, conns[i])
		doc := crdt.NewDoc(uint64(i + 1))
		for j := 0; j < perPeer; j++ {
			require.NoError(t, setMeta(fmt.Sprintf("p%d", i), strconv.Itoa(j))(doc))
			update, err := doc.TakeLocalUpdate()
			require.NoError(t, err)
			frame, err := Encode(Update{RoomID: roomID, CRDTType: CRDTType, Updates: [][]byte{update}})
			require.NoError(t, err)
			frames[i] = append(frames[i], frame)
		}
	}
	for _, peer := range conns {
		peer.take()
	}

	var wg sync.WaitGroup
	for i, peer := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, frame := range frames[i] {
				assert.NoError(t, r.Handle(context.Background(), peer, frame))
			}
		}()
	}
	wg.Wait()

	key, _ := room.ParseKey(roomID)
	rm, _ := registry.Lookup(key)
	assert.Equal(t, uint64(peers*perPeer), rm.State().Version)
	for i := range conns {
		assert.Equal(t, strconv.Itoa(perPeer-1), roomMeta(t, registry, fmt.Sprintf("p%d", i)))
	}

	// A replica fed what peer-0 received converges on everyone else's edits.
	replica := crdt.NewDoc(100)
	msgs := conns[0].messages(t)
	assert.Len(t, msgs, (peers-1)*perPeer)
	for _, msg := range msgs {
		update, ok := msg.(Update)
		require.True(t, ok, "%+v", msg)
		for _, u := range update.Updates {
			require.NoError(t, replica.ApplyUpdate(u))
		}
	}
	assert.Zero(t, replica.PendingCount())
	for i := 1; i < peers; i++ {
		value, _ := replica.Get("root", fmt.Sprintf("meta:p%d", i))
		assert.Equal(t, strconv.Itoa(perPeer-1), value)
	}
}

func TestUpdatesBeyondThePendingCapAreRejected(t *testing.T) {
	r, registry := newRelay(Options{})
	a := &testPeer{id: "a"}
	join(t, r, a)

	doc := crdt.NewDoc(7)
	var updates [][]byte
	for i := 0; i < crdt.DefaultMaxPendingPerClient+11; i++ {
		require.NoError(t, doc.Set("root", "meta:n", strconv.Itoa(i)))
		update, err := doc.TakeLocalUpdate()
		require.NoError(t, err)
		updates = append(updates, update)
	}
	// Everything but the first change waits on a missing dependency.
	for _, update := range updates[1:] {
		send(t, r, a, Update{RoomID: roomID, CRDTType: CRDTType, Updates: [][]byte{update}})
	}
	rejected := 0
	for _, msg := range a.messages(t) {
		updateErr, ok := msg.(UpdateError)
		require.True(t, ok)
		assert.Equal(t, CodeInvalidUpdate, updateErr.Code)
		rejected++
	}
	assert.Equal(t, 10, rejected)

	key, _ := room.ParseKey(roomID)
	rm, _ := registry.Lookup(key)
	require.NoError(t, rm.View(func(doc *crdt.Doc) error {
		assert.Equal(t, crdt.DefaultMaxPendingPerClient, doc.PendingCount())
		return nil
	}))
	assert.Zero(t, rm.State().Version)

	send(t, r, a, Update{RoomID: roomID, CRDTType: CRDTType, Updates: [][]byte{updates[0]}})
	assert.Empty(t, a.messages(t))
	assert.Equal(t, strconv.Itoa(crdt.DefaultMaxPendingPerClient), roomMeta(t, registry, "n"))
}

func TestPublishFragmentsLargeUpdates(t *testing.T) {
	r, registry := newRelay(Options{MaxUpdateBytes: 256})
	a := &testPeer{id: "a"}
	join(t, r, a)
	key, _ := room.ParseKey(roomID)
	rm, _ := registry.Lookup(key)

	_, update := clientUpdate(t, 0, setMeta("title", noise(2000)))
	assert.Equal(t, 1, r.Publish(rm, update))

	msgs := a.messages(t)
	header, ok := msgs[0].(FragmentHeader)
	require.True(t, ok)
	assert.Equal(t, len(update), header.TotalSizeBytes)
	require.Len(t, msgs, header.FragmentCount+1)
	var joined []byte
	for i, msg := range msgs[1:] {
		fragment := msg.(Fragment)
		assert.Equal(t, i, fragment.Index)
		joined = append(joined, fragment.Bytes...)
	}
	assert.Equal(t, update, joined)
}

func TestLastLeaveCheckpointsRoom(t *testing.T) {
	store := room.NewMemoryBlobStore()
	registry := room.NewRegistry(room.Options{Store: store})
	r, _ := newRelay(Options{Registry: registry})
	a, b := &testPeer{id: "a"}, &testPeer{id: "b"}
	join(t, r, a)
	join(t, r, b)

	_, update := clientUpdate(t, 1, setMeta("title", "saved"))
	send(t, r, a, Update{RoomID: roomID, CRDTType: CRDTType, Updates: [][]byte{update}})

	key, _ := room.ParseKey(roomID)
	send(t, r, a, Leave{RoomID: roomID})
	data, err := store.Get(context.Background(), key.URI())
	require.NoError(t, err)
	assert.Nil(t, data, "a peer is still present")

	r.Disconnect(context.Background(), b)
	data, err = store.Get(context.Background(), key.URI())
	require.NoError(t, err)
	assert.NotNil(t, data)
}

func TestAuthorizeGuardsJoin(t *testing.T) {
	r, registry := newRelay(Options{Authorize: func(_ context.Context, key room.Key) error {
		if key.Tenant != "org_1" {
			return errors.New("forbidden")
		}
		return nil
	}})
	a := &testPeer{id: "a"}
	send(t, r, a, Join{RoomID: "org_2/proj_1", CRDTType: CRDTType})
	msgs := a.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "forbidden", msgs[0].(JoinError).Message)
	assert.Empty(t, registry.Rooms(), "a refused join loads nothing")

	assert.IsType(t, JoinResponse{}, join(t, r, a)[0])
}

func TestSplitUpdate(t *testing.T) {
	small := SplitUpdate(roomID, []byte("abc"), 8)
	require.Len(t, small, 1)
	assert.Equal(t, [][]byte{[]byte("abc")}, small[0].(Update).Updates)

	update := bytes.Repeat([]byte("x"), 20)
	msgs := SplitUpdate(roomID, update, 8)
	require.Len(t, msgs, 4)
	header := msgs[0].(FragmentHeader)
	assert.Equal(t, 3, header.FragmentCount)
	assert.Equal(t, 20, header.TotalSizeBytes)
	var joined []byte
	for i, msg := range msgs[1:] {
		fragment := msg.(Fragment)
		assert.Equal(t, header.BatchID, fragment.BatchID)
		assert.Equal(t, i, fragment.Index)
		joined = append(joined, fragment.Bytes...)
	}
	assert.Equal(t, update, joined)
}

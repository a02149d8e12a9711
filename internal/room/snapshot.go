package room

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/rectangular-labs/workspacesync/internal/crdt"
)

// Snapshots are "WSS1" followed by the zstd-compressed full-state update.
var snapshotMagic = []byte("WSS1")

var ErrInvalidSnapshot = errors.New("invalid room snapshot")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("room: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(256<<20))
	if err != nil {
		panic("room: zstd decoder initialization failed: " + err.Error())
	}
}

type Hash [32]byte

// EncodeSnapshot serializes the full document state. The hash covers the
// uncompressed state so equal documents always hash equally.
func EncodeSnapshot(doc *crdt.Doc) ([]byte, Hash, error) {
	state, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return nil, Hash{}, err
	}
	hash := Hash(blake3.Sum256(state))
	out := append([]byte(nil), snapshotMagic...)
	out = zstdEncoder.EncodeAll(state, out)
	return out, hash, nil
}

// DecodeSnapshot rebuilds a document from a snapshot for the given client
// id. It also returns the state hash so an unchanged room is not rewritten.
func DecodeSnapshot(data []byte, client uint64) (*crdt.Doc, Hash, error) {
	if !bytes.HasPrefix(data, snapshotMagic) {
		return nil, Hash{}, fmt.Errorf("%w: bad magic", ErrInvalidSnapshot)
	}
	state, err := zstdDecoder.DecodeAll(data[len(snapshotMagic):], nil)
	if err != nil {
		return nil, Hash{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	doc := crdt.NewDoc(client)
	if len(state) > 0 {
		if err := doc.ApplyUpdate(state); err != nil {
			return nil, Hash{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
	}
	return doc, Hash(blake3.Sum256(state)), nil
}

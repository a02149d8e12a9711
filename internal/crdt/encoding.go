package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"

	"github.com/rectangular-labs/workspacesync/internal/codec"
)

// DecodeUpdate parses and validates an encoded update without applying it.
func DecodeUpdate(data []byte) ([]ChangeID, error) {
	_, ids, err := decodeChanges(data)
	return ids, err
}

func decodeChanges(data []byte) ([]*automerge.Change, []ChangeID, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: empty payload", ErrInvalidUpdate)
	}
	changes, err := automerge.LoadChanges(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if len(changes) == 0 {
		return nil, nil, fmt.Errorf("%w: no changes", ErrInvalidUpdate)
	}
	ids := make([]ChangeID, len(changes))
	for i, ch := range changes {
		client, err := parseActor(ch.ActorID())
		if err != nil {
			return nil, nil, fmt.Errorf("%w: change %d: %v", ErrInvalidUpdate, i, err)
		}
		seq := ch.ActorSeq()
		if seq == 0 {
			return nil, nil, fmt.Errorf("%w: change %d: missing sequence", ErrInvalidUpdate, i)
		}
		ids[i] = ChangeID{Client: client, Seq: seq}
	}
	return changes, ids, nil
}

func (d *Doc) EncodeStateVector() ([]byte, error) {
	return EncodeStateVector(d.StateVector())
}

func EncodeStateVector(sv StateVector) ([]byte, error) {
	if sv == nil {
		sv = StateVector{}
	}
	return codec.Marshal(map[uint64]uint64(sv))
}

// DecodeStateVector parses a version descriptor. Empty input is the empty
// vector, meaning the peer has seen nothing.
func DecodeStateVector(data []byte) (StateVector, error) {
	if len(data) == 0 {
		return StateVector{}, nil
	}
	var raw map[uint64]uint64
	if err := codec.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStateVector, err)
	}
	if raw == nil {
		raw = map[uint64]uint64{}
	}
	return StateVector(raw), nil
}

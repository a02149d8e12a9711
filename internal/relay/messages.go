// Package relay implements the room synchronization protocol spoken over a
// persistent connection: join with backfill, update fan-out, and
// fragmented uploads of updates larger than MaxUpdateBytes.
package relay

import (
	"errors"
	"fmt"

	"github.com/rectangular-labs/workspacesync/internal/codec"
)

// CRDTType names the replicated document format rooms speak.
const CRDTType = "tfs-oplog/v1"

type MessageType string

const (
	TypeJoin           MessageType = "join"
	TypeJoinResponse   MessageType = "join-response"
	TypeJoinError      MessageType = "join-error"
	TypeUpdate         MessageType = "update"
	TypeFragmentHeader MessageType = "fragment-header"
	TypeFragment       MessageType = "fragment"
	TypeUpdateError    MessageType = "update-error"
	TypeLeave          MessageType = "leave"
)

type Code string

const (
	CodePayloadTooLarge Code = "PayloadTooLarge"
	CodeFragmentTimeout Code = "FragmentTimeout"
	CodeInvalidUpdate   Code = "InvalidUpdate"
	CodeInvalidMessage  Code = "InvalidMessage"
	CodeUnknown         Code = "Unknown"
)

var ErrInvalidMessage = errors.New("invalid relay message")

// Message is one of the wire types below.
type Message interface {
	Type() MessageType
	Room() string
}

// Join asks to enter a room. Version is the client's encoded state
// vector; empty means the client has nothing.
type Join struct {
	RoomID   string `cbor:"room"`
	CRDTType string `cbor:"crdt"`
	Version  []byte `cbor:"version,omitempty"`
}

// JoinResponse carries the server's state vector so the client can send
// what the server lacks.
type JoinResponse struct {
	RoomID  string `cbor:"room"`
	Version []byte `cbor:"version"`
}

type JoinError struct {
	RoomID  string `cbor:"room"`
	Code    Code   `cbor:"code"`
	Message string `cbor:"message"`
}

type Update struct {
	RoomID   string   `cbor:"room"`
	CRDTType string   `cbor:"crdt"`
	Updates  [][]byte `cbor:"updates"`
}

type FragmentHeader struct {
	RoomID         string `cbor:"room"`
	BatchID        string `cbor:"batch"`
	FragmentCount  int    `cbor:"count"`
	TotalSizeBytes int    `cbor:"size"`
}

type Fragment struct {
	RoomID  string `cbor:"room"`
	BatchID string `cbor:"batch"`
	Index   int    `cbor:"index"`
	Bytes   []byte `cbor:"bytes"`
}

type UpdateError struct {
	RoomID  string `cbor:"room"`
	Code    Code   `cbor:"code"`
	Message string `cbor:"message"`
	BatchID string `cbor:"batch,omitempty"`
}

type Leave struct {
	RoomID string `cbor:"room"`
}

func (Join) Type() MessageType           { return TypeJoin }
func (JoinResponse) Type() MessageType   { return TypeJoinResponse }
func (JoinError) Type() MessageType      { return TypeJoinError }
func (Update) Type() MessageType         { return TypeUpdate }
func (FragmentHeader) Type() MessageType { return TypeFragmentHeader }
func (Fragment) Type() MessageType       { return TypeFragment }
func (UpdateError) Type() MessageType    { return TypeUpdateError }
func (Leave) Type() MessageType          { return TypeLeave }

func (m Join) Room() string           { return m.RoomID }
func (m JoinResponse) Room() string   { return m.RoomID }
func (m JoinError) Room() string      { return m.RoomID }
func (m Update) Room() string         { return m.RoomID }
func (m FragmentHeader) Room() string { return m.RoomID }
func (m Fragment) Room() string       { return m.RoomID }
func (m UpdateError) Room() string    { return m.RoomID }
func (m Leave) Room() string          { return m.RoomID }

type envelope struct {
	Type MessageType      `cbor:"t"`
	Body codec.RawMessage `cbor:"b"`
}

// Encode frames a message as a CBOR envelope {t: type, b: body}.
func Encode(msg Message) ([]byte, error) {
	body, err := codec.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(envelope{Type: msg.Type(), Body: body})
}

// Decode parses a frame produced by Encode.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := codec.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var msg Message
	var err error
	switch env.Type {
	case TypeJoin:
		msg, err = decodeBody[Join](env.Body)
	case TypeJoinResponse:
		msg, err = decodeBody[JoinResponse](env.Body)
	case TypeJoinError:
		msg, err = decodeBody[JoinError](env.Body)
	case TypeUpdate:
		msg, err = decodeBody[Update](env.Body)
	case TypeFragmentHeader:
		msg, err = decodeBody[FragmentHeader](env.Body)
	case TypeFragment:
		msg, err = decodeBody[Fragment](env.Body)
	case TypeUpdateError:
		msg, err = decodeBody[UpdateError](env.Body)
	case TypeLeave:
		msg, err = decodeBody[Leave](env.Body)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}
	return msg, nil
}

func decodeBody[T Message](body []byte) (T, error) {
	var msg T
	if len(body) == 0 {
		return msg, errors.New("empty body")
	}
	err := codec.Unmarshal(body, &msg)
	return msg, err
}

// mustEncode is for messages built by the server from valid values.
func mustEncode(msg Message) []byte {
	frame, err := Encode(msg)
	if err != nil {
		panic(fmt.Sprintf("relay: encode %s: %v", msg.Type(), err))
	}
	return frame
}

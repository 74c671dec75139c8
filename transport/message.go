// Package transport moves consensus and sync messages between nodes. Each
// wire message is a type byte followed by a msgpack-encoded envelope; the
// envelope payload carries the RLP encoding of the consensus type or a
// msgpack-encoded sync message, depending on the type byte.
package transport

import (
	"bytes"
	"errors"

	"github.com/hashicorp/go-msgpack/codec"
)

// Wire message types.
const (
	TypeProposal uint8 = iota + 1
	TypeVote
	TypeStatus
	TypeBlockRequest
	TypeBlockResponse
)

var ErrUnknownType = errors.New("unknown wire message type")

// Envelope is the framed unit on the wire. From identifies the sender so
// receivers can attribute messages without a reverse connection.
type Envelope struct {
	From    string
	Payload []byte
}

// Inbound is a received message handed to the node's dispatch loop.
type Inbound struct {
	From    string
	Type    uint8
	Payload []byte
}

// StatusMsg announces the sender's consensus position. Peers use it to
// detect that they have fallen behind.
type StatusMsg struct {
	Height uint64
	Round  uint32
	Step   uint8
}

// BlockRequestMsg asks a peer for a committed block at a height.
type BlockRequestMsg struct {
	Height uint64
}

// BlockResponseMsg returns a committed block with the certificate that
// decided it. Block and QC are RLP encodings.
type BlockResponseMsg struct {
	Height uint64
	Block  []byte
	QC     []byte
}

var msgpackHandle = &codec.MsgpackHandle{}

// EncodeMsg msgpack-encodes a sync message for use as an envelope payload.
func EncodeMsg(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMsg msgpack-decodes an envelope payload into v.
func DecodeMsg(data []byte, v interface{}) error {
	return codec.NewDecoder(bytes.NewReader(data), msgpackHandle).Decode(v)
}

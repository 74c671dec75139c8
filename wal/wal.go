// Package wal provides a write-ahead log for the consensus engine. Every
// message the engine acts on is logged before the action takes effect, so a
// crashed node can replay the log and resume without equivocating.
package wal

import (
	"errors"
	"io"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/crestchain/crest/types"
)

var (
	ErrWALClosed    = errors.New("wal is closed")
	ErrWALCorrupted = errors.New("wal is corrupted")
	ErrWALNotFound  = errors.New("wal file not found")
)

// MessageType identifies the kind of payload a WAL record carries.
type MessageType uint8

const (
	MsgTypeUnknown   MessageType = 0
	MsgTypeProposal  MessageType = 1
	MsgTypeVote      MessageType = 2
	MsgTypeQC        MessageType = 3
	MsgTypeEndHeight MessageType = 4
	MsgTypeTimeout   MessageType = 5
)

// Message is one WAL record. Height and Round are duplicated outside the
// payload so replay and checkpointing can filter without decoding Data.
type Message struct {
	Type   MessageType
	Height uint64
	Round  uint32
	Data   []byte
}

// Encode serializes the record for framing.
func (m *Message) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(m)
}

// Decode deserializes a framed record.
func (m *Message) Decode(data []byte) error {
	return rlp.DecodeBytes(data, m)
}

// WAL is the engine-facing interface. Write is buffered; WriteSync fsyncs
// before returning and is used for records whose loss could cause the node
// to sign twice.
type WAL interface {
	Write(msg *Message) error
	WriteSync(msg *Message) error
	FlushAndSync() error

	// SearchForEndHeight returns a Reader positioned just after the
	// EndHeight record for height, or found=false.
	SearchForEndHeight(height uint64) (Reader, bool, error)

	Start() error
	Stop() error
}

// Reader iterates WAL records in write order.
type Reader interface {
	Read() (*Message, error)
	Close() error
}

// NewProposalMessage wraps a proposal into a WAL record.
func NewProposalMessage(p *types.Proposal) (*Message, error) {
	data, err := rlp.EncodeToBytes(p)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeProposal, Height: p.Height, Round: p.Round, Data: data}, nil
}

// NewVoteMessage wraps a vote into a WAL record.
func NewVoteMessage(v *types.Vote) (*Message, error) {
	data, err := rlp.EncodeToBytes(v)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeVote, Height: v.Height, Round: v.Round, Data: data}, nil
}

// NewQCMessage wraps a quorum certificate into a WAL record.
func NewQCMessage(qc *types.QuorumCertificate) (*Message, error) {
	data, err := rlp.EncodeToBytes(qc)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeQC, Height: qc.Height, Round: qc.Round, Data: data}, nil
}

// NewEndHeightMessage marks that height committed and all its records are
// final. Replay for height+1 starts after this record.
func NewEndHeightMessage(height uint64) *Message {
	return &Message{Type: MsgTypeEndHeight, Height: height}
}

// TimeoutRecord is the payload of a MsgTypeTimeout record.
type TimeoutRecord struct {
	Height uint64
	Round  uint32
	Step   uint8
}

// NewTimeoutMessage wraps a fired timeout into a WAL record.
func NewTimeoutMessage(height uint64, round uint32, step uint8) (*Message, error) {
	data, err := rlp.EncodeToBytes(&TimeoutRecord{Height: height, Round: round, Step: step})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeTimeout, Height: height, Round: round, Data: data}, nil
}

// DecodeProposal decodes a proposal payload.
func DecodeProposal(data []byte) (*types.Proposal, error) {
	p := new(types.Proposal)
	if err := rlp.DecodeBytes(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeVote decodes a vote payload.
func DecodeVote(data []byte) (*types.Vote, error) {
	v := new(types.Vote)
	if err := rlp.DecodeBytes(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeQC decodes a quorum certificate payload.
func DecodeQC(data []byte) (*types.QuorumCertificate, error) {
	qc := new(types.QuorumCertificate)
	if err := rlp.DecodeBytes(data, qc); err != nil {
		return nil, err
	}
	return qc, nil
}

// DecodeTimeout decodes a timeout payload.
func DecodeTimeout(data []byte) (*TimeoutRecord, error) {
	tr := new(TimeoutRecord)
	if err := rlp.DecodeBytes(data, tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// NopWAL discards everything. Used by tests and non-validator nodes.
type NopWAL struct{}

func (w *NopWAL) Write(msg *Message) error                               { return nil }
func (w *NopWAL) WriteSync(msg *Message) error                           { return nil }
func (w *NopWAL) FlushAndSync() error                                    { return nil }
func (w *NopWAL) SearchForEndHeight(height uint64) (Reader, bool, error) { return nil, false, nil }
func (w *NopWAL) Start() error                                           { return nil }
func (w *NopWAL) Stop() error                                            { return nil }

var _ WAL = (*NopWAL)(nil)

// NopReader yields no records.
type NopReader struct{}

func (r *NopReader) Read() (*Message, error) { return nil, io.EOF }
func (r *NopReader) Close() error            { return nil }

var _ Reader = (*NopReader)(nil)

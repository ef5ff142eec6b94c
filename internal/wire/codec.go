// Package wire implements the canonical, order-sensitive message encoding
// required by spec.md §6: a protocol-version byte, a message-tag byte, then
// each message's fields in the exact declared order with no reordering.
//
// The primitive varint/fixed/length-delimited encoders come from
// google.golang.org/protobuf/encoding/protowire — the same module the
// teacher depends on for its gorums/gRPC wire format — but fields are
// appended and consumed strictly sequentially (not dispatched by protobuf
// field number) so that byte order is exactly the spec's declared field
// order rather than map/reflection-driven.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/relab/hotstuff2"
)

// ProtocolVersion is the version tag prefixing every message. Unknown tags
// are dropped by the receiver (spec.md §7, ErrProtocolVersionMismatch).
const ProtocolVersion = 1

// MessageTag discriminates the tagged Message variant on the wire.
type MessageTag byte

const (
	TagProposal MessageTag = 1
	TagVote     MessageTag = 2
	TagQC       MessageTag = 3
	TagNewView  MessageTag = 4
	TagTC       MessageTag = 5
)

// Proposal is the wire envelope for a proposed block: the block's fields
// plus the proposer's signature over them.
type Proposal struct {
	View         hotstuff2.View
	Height       hotstuff2.Height
	ParentHash   hotstuff2.Hash
	Proposer     hotstuff2.ID
	BodyDigest   hotstuff2.Hash
	JustifyQC    *hotstuff2.QuorumCert
	FastEligible bool
	Signature    hotstuff2.PartialSignature
}

// ToBlock converts the wire envelope into a core Block (dropping the
// proposer's signature, which is only meaningful on the wire).
func (p *Proposal) ToBlock() *hotstuff2.Block {
	return &hotstuff2.Block{
		ParentHash:   p.ParentHash,
		Height:       p.Height,
		View:         p.View,
		Proposer:     p.Proposer,
		BodyDigest:   p.BodyDigest,
		JustifyQC:    p.JustifyQC,
		FastEligible: p.FastEligible,
	}
}

// ProposalFromBlock builds a wire envelope from a block and its proposer
// signature.
func ProposalFromBlock(b *hotstuff2.Block, sig hotstuff2.PartialSignature) *Proposal {
	return &Proposal{
		View:         b.View,
		Height:       b.Height,
		ParentHash:   b.ParentHash,
		Proposer:     b.Proposer,
		BodyDigest:   b.BodyDigest,
		JustifyQC:    b.JustifyQC,
		FastEligible: b.FastEligible,
		Signature:    sig,
	}
}

func appendHash(b []byte, h hotstuff2.Hash) []byte {
	return protowire.AppendBytes(b, h[:])
}

func consumeHash(b []byte) (hotstuff2.Hash, []byte, error) {
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return hotstuff2.Hash{}, nil, protowire.ParseError(n)
	}
	var h hotstuff2.Hash
	if len(raw) != 32 {
		return h, nil, fmt.Errorf("wire: hash field has %d bytes, want 32", len(raw))
	}
	copy(h[:], raw)
	return h, b[n:], nil
}

func appendPartial(b []byte, p hotstuff2.PartialSignature) []byte {
	b = protowire.AppendVarint(b, uint64(p.Signer))
	b = protowire.AppendBytes(b, p.R)
	b = protowire.AppendBytes(b, p.S)
	return b
}

func consumePartial(b []byte) (hotstuff2.PartialSignature, []byte, error) {
	signer, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return hotstuff2.PartialSignature{}, nil, protowire.ParseError(n)
	}
	b = b[n:]
	r, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return hotstuff2.PartialSignature{}, nil, protowire.ParseError(n)
	}
	b = b[n:]
	s, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return hotstuff2.PartialSignature{}, nil, protowire.ParseError(n)
	}
	b = b[n:]
	return hotstuff2.PartialSignature{Signer: hotstuff2.ID(signer), R: append([]byte(nil), r...), S: append([]byte(nil), s...)}, b, nil
}

// appendAggregate writes the aggregate signature as its shares in the order
// they appear in agg.Shares (they are not sorted); the signer bitmap on the wire lets a decoder know how
// many/which shares to expect without repeating signer IDs redundantly, but
// we keep this module simple and self-describing by also carrying a share
// count.
func appendAggregate(b []byte, agg hotstuff2.AggregateSignature) []byte {
	b = protowire.AppendVarint(b, uint64(len(agg.Shares)))
	for _, s := range agg.Shares {
		b = appendPartial(b, s)
	}
	return b
}

func consumeAggregate(b []byte) (hotstuff2.AggregateSignature, []byte, error) {
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return hotstuff2.AggregateSignature{}, nil, protowire.ParseError(n)
	}
	b = b[n:]
	shares := make([]hotstuff2.PartialSignature, 0, count)
	for i := uint64(0); i < count; i++ {
		var p hotstuff2.PartialSignature
		var err error
		p, b, err = consumePartial(b)
		if err != nil {
			return hotstuff2.AggregateSignature{}, nil, err
		}
		shares = append(shares, p)
	}
	return hotstuff2.AggregateSignature{Shares: shares}, b, nil
}

func appendBitmap(b []byte, signers hotstuff2.SignerSet, n int) []byte {
	bitmapLen := (n + 7) / 8
	bitmap := make([]byte, bitmapLen)
	for id := range signers {
		if int(id) < n {
			bitmap[id/8] |= 1 << (id % 8)
		}
	}
	return protowire.AppendBytes(b, bitmap)
}

func consumeBitmap(b []byte) (hotstuff2.SignerSet, []byte, error) {
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, protowire.ParseError(n)
	}
	signers := hotstuff2.SignerSet{}
	for byteIdx, bits := range raw {
		for bit := 0; bit < 8; bit++ {
			if bits&(1<<bit) != 0 {
				signers[hotstuff2.ID(byteIdx*8+bit)] = struct{}{}
			}
		}
	}
	return signers, b[n:], nil
}

// EncodeQC appends a QC's fields in canonical order. n is the validator
// count, needed to size the signer bitmap.
func EncodeQC(b []byte, qc *hotstuff2.QuorumCert, n int) []byte {
	b = protowire.AppendVarint(b, uint64(qc.View))
	b = protowire.AppendVarint(b, uint64(qc.Phase))
	b = appendHash(b, qc.BlockHash)
	b = appendBitmap(b, qc.Signers, n)
	b = appendAggregate(b, qc.AggSig)
	return b
}

// EncodeQCMessage wraps a standalone QC broadcast (as opposed to a QC
// embedded inside a Proposal/NewView/TC) with the protocol-version and
// message-tag prefix so it round-trips through Decode.
func EncodeQCMessage(qc *hotstuff2.QuorumCert, n int) []byte {
	return EncodeMessage(TagQC, EncodeQC(nil, qc, n))
}

// DecodeQC consumes a QC from b, returning the remainder.
func DecodeQC(b []byte) (*hotstuff2.QuorumCert, []byte, error) {
	view, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, nil, protowire.ParseError(n)
	}
	b = b[n:]
	phase, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, nil, protowire.ParseError(n)
	}
	b = b[n:]
	hash, b, err := consumeHash(b)
	if err != nil {
		return nil, nil, err
	}
	signers, b, err := consumeBitmap(b)
	if err != nil {
		return nil, nil, err
	}
	agg, b, err := consumeAggregate(b)
	if err != nil {
		return nil, nil, err
	}
	qc := &hotstuff2.QuorumCert{
		View:      hotstuff2.View(view),
		Phase:     hotstuff2.Phase(phase),
		BlockHash: hash,
		Signers:   signers,
		AggSig:    agg,
	}
	return qc, b, nil
}

// EncodeMessage wraps a full message with the protocol-version and
// message-tag prefix bytes.
func EncodeMessage(tag MessageTag, body []byte) []byte {
	out := make([]byte, 0, len(body)+2)
	out = append(out, ProtocolVersion, byte(tag))
	out = append(out, body...)
	return out
}

// EncodeProposal serializes a Proposal message.
func EncodeProposal(p *Proposal, n int) []byte {
	var b []byte
	b = protowire.AppendVarint(b, uint64(p.View))
	b = protowire.AppendVarint(b, uint64(p.Height))
	b = appendHash(b, p.ParentHash)
	b = protowire.AppendVarint(b, uint64(p.Proposer))
	b = appendHash(b, p.BodyDigest)
	if p.JustifyQC != nil {
		qcBytes := EncodeQC(nil, p.JustifyQC, n)
		b = protowire.AppendBytes(b, qcBytes)
	} else {
		b = protowire.AppendBytes(b, nil)
	}
	if p.FastEligible {
		b = protowire.AppendVarint(b, 1)
	} else {
		b = protowire.AppendVarint(b, 0)
	}
	b = appendPartial(b, p.Signature)
	return EncodeMessage(TagProposal, b)
}

// DecodeProposal parses a Proposal body (without the 2-byte message prefix).
func DecodeProposal(b []byte) (*Proposal, error) {
	view, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]
	height, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]
	parent, b, err := consumeHash(b)
	if err != nil {
		return nil, err
	}
	proposer, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]
	bodyDigest, b, err := consumeHash(b)
	if err != nil {
		return nil, err
	}
	qcBytes, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]
	var qc *hotstuff2.QuorumCert
	if len(qcBytes) > 0 {
		qc, _, err = DecodeQC(qcBytes)
		if err != nil {
			return nil, err
		}
	}
	fastFlag, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]
	sig, _, err := consumePartial(b)
	if err != nil {
		return nil, err
	}
	return &Proposal{
		View:         hotstuff2.View(view),
		Height:       hotstuff2.Height(height),
		ParentHash:   parent,
		Proposer:     hotstuff2.ID(proposer),
		BodyDigest:   bodyDigest,
		JustifyQC:    qc,
		FastEligible: fastFlag != 0,
		Signature:    sig,
	}, nil
}

// EncodeVote serializes a Vote message.
func EncodeVote(v *hotstuff2.Vote) []byte {
	var b []byte
	b = protowire.AppendVarint(b, uint64(v.View))
	b = protowire.AppendVarint(b, uint64(v.Phase))
	b = appendHash(b, v.BlockHash)
	b = protowire.AppendVarint(b, uint64(v.VoterID))
	b = appendPartial(b, v.Partial)
	return EncodeMessage(TagVote, b)
}

// DecodeVote parses a Vote body.
func DecodeVote(b []byte) (*hotstuff2.Vote, error) {
	view, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]
	phase, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]
	hash, b, err := consumeHash(b)
	if err != nil {
		return nil, err
	}
	voter, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]
	partial, _, err := consumePartial(b)
	if err != nil {
		return nil, err
	}
	return &hotstuff2.Vote{
		View:      hotstuff2.View(view),
		Phase:     hotstuff2.Phase(phase),
		BlockHash: hash,
		VoterID:   hotstuff2.ID(voter),
		Partial:   partial,
	}, nil
}

// EncodeNewView serializes a NewView message.
func EncodeNewView(m *hotstuff2.NewViewMsg, n int) []byte {
	var b []byte
	b = protowire.AppendVarint(b, uint64(m.View))
	qcBytes := EncodeQC(nil, m.HighQC, n)
	b = protowire.AppendBytes(b, qcBytes)
	b = protowire.AppendVarint(b, uint64(m.Sender))
	b = appendPartial(b, m.Signature)
	return EncodeMessage(TagNewView, b)
}

// DecodeNewView parses a NewView body.
func DecodeNewView(b []byte) (*hotstuff2.NewViewMsg, error) {
	view, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]
	qcBytes, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]
	qc, _, err := DecodeQC(qcBytes)
	if err != nil {
		return nil, err
	}
	sender, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]
	sig, _, err := consumePartial(b)
	if err != nil {
		return nil, err
	}
	return &hotstuff2.NewViewMsg{
		View:      hotstuff2.View(view),
		HighQC:    qc,
		Sender:    hotstuff2.ID(sender),
		Signature: sig,
	}, nil
}

// EncodeTC serializes a TimeoutCert message.
func EncodeTC(tc *hotstuff2.TimeoutCert, n int) []byte {
	var b []byte
	b = protowire.AppendVarint(b, uint64(tc.View))
	b = appendBitmap(b, tc.Signers, n)
	qcBytes := EncodeQC(nil, tc.HighestQC, n)
	b = protowire.AppendBytes(b, qcBytes)
	b = appendAggregate(b, tc.AggSig)
	return EncodeMessage(TagTC, b)
}

// DecodeTC parses a TimeoutCert body.
func DecodeTC(b []byte) (*hotstuff2.TimeoutCert, error) {
	view, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]
	signers, b, err := consumeBitmap(b)
	if err != nil {
		return nil, err
	}
	qcBytes, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]
	qc, _, err := DecodeQC(qcBytes)
	if err != nil {
		return nil, err
	}
	agg, _, err := consumeAggregate(b)
	if err != nil {
		return nil, err
	}
	return &hotstuff2.TimeoutCert{
		View:      hotstuff2.View(view),
		Signers:   signers,
		HighestQC: qc,
		AggSig:    agg,
	}, nil
}

// Decode reads the protocol-version and message-tag prefix and dispatches
// to the matching decoder. Unknown tags or version mismatches return
// ErrProtocolVersionMismatch per spec.md §7.
func Decode(raw []byte) (tag MessageTag, value interface{}, err error) {
	if len(raw) < 2 {
		return 0, nil, fmt.Errorf("wire: message too short")
	}
	if raw[0] != ProtocolVersion {
		return 0, nil, hotstuff2.ErrProtocolVersionMismatch
	}
	tag = MessageTag(raw[1])
	body := raw[2:]
	switch tag {
	case TagProposal:
		v, err := DecodeProposal(body)
		return tag, v, err
	case TagVote:
		v, err := DecodeVote(body)
		return tag, v, err
	case TagQC:
		v, _, err := DecodeQC(body)
		return tag, v, err
	case TagNewView:
		v, err := DecodeNewView(body)
		return tag, v, err
	case TagTC:
		v, err := DecodeTC(body)
		return tag, v, err
	default:
		return tag, nil, hotstuff2.ErrProtocolVersionMismatch
	}
}

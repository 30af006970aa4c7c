package claim

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// ClaimRequest is a decoded claim.
type ClaimRequest struct {
	Amount uint64
}

// Encoding identifies an instruction wire format.
type Encoding uint8

const (
	// EncodingFixed is a bare little-endian u64 amount. Trailing bytes are
	// ignored.
	EncodingFixed Encoding = iota

	// EncodingTagged is a borsh enum: a one byte variant index followed by the
	// variant's fields. Variant 0 is Claim{amount: u64}.
	EncodingTagged

	// EncodingSighash is an Anchor instruction: the first eight bytes of
	// sha256("global:claim") followed by the borsh encoded arguments.
	EncodingSighash
)

func (e Encoding) String() string {
	switch e {
	case EncodingFixed:
		return "fixed"
	case EncodingTagged:
		return "tagged"
	case EncodingSighash:
		return "sighash"
	default:
		return "unknown"
	}
}

// ParseEncoding parses the configuration name of an encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "fixed", "raw":
		return EncodingFixed, nil
	case "tagged", "borsh":
		return EncodingTagged, nil
	case "sighash", "anchor":
		return EncodingSighash, nil
	default:
		return 0, errors.Errorf("unknown instruction encoding %q", s)
	}
}

// Tagged variant indexes.
const (
	TaggedClaim uint8 = 0
)

const amountSize = 8

// ClaimDiscriminator is the Anchor sighash of the claim instruction.
var ClaimDiscriminator = sighash("global:claim")

func sighash(name string) [8]byte {
	var d [8]byte
	h := sha256.Sum256([]byte(name))
	copy(d[:], h[:8])
	return d
}

// Decoder turns instruction data into a ClaimRequest.
type Decoder interface {
	Decode(data []byte) (ClaimRequest, error)
	Encode(req ClaimRequest) []byte
	Encoding() Encoding
}

// NewDecoder returns the decoder for enc.
func NewDecoder(enc Encoding) (Decoder, error) {
	switch enc {
	case EncodingFixed:
		return fixedDecoder{}, nil
	case EncodingTagged:
		return taggedDecoder{}, nil
	case EncodingSighash:
		return sighashDecoder{}, nil
	default:
		return nil, errors.Errorf("unknown instruction encoding %d", enc)
	}
}

// EncodeClaim encodes a claim of amount in the given wire format.
func EncodeClaim(enc Encoding, amount uint64) ([]byte, error) {
	d, err := NewDecoder(enc)
	if err != nil {
		return nil, err
	}
	return d.Encode(ClaimRequest{Amount: amount}), nil
}

func checkAmount(amount uint64) (ClaimRequest, error) {
	if amount == 0 {
		return ClaimRequest{}, ErrInvalidAmount
	}
	return ClaimRequest{Amount: amount}, nil
}

type fixedDecoder struct{}

func (fixedDecoder) Encoding() Encoding { return EncodingFixed }

func (fixedDecoder) Decode(data []byte) (ClaimRequest, error) {
	if len(data) < amountSize {
		return ClaimRequest{}, ErrTruncatedInstruction
	}
	return checkAmount(binary.LittleEndian.Uint64(data[:amountSize]))
}

func (fixedDecoder) Encode(req ClaimRequest) []byte {
	b := make([]byte, amountSize)
	binary.LittleEndian.PutUint64(b, req.Amount)
	return b
}

type taggedDecoder struct{}

func (taggedDecoder) Encoding() Encoding { return EncodingTagged }

// Decode requires the exact borsh length: borsh rejects unread bytes.
func (taggedDecoder) Decode(data []byte) (ClaimRequest, error) {
	if len(data) == 0 {
		return ClaimRequest{}, ErrMalformedInstruction
	}

	switch data[0] {
	case TaggedClaim:
		if len(data) != 1+amountSize {
			return ClaimRequest{}, ErrMalformedInstruction
		}
		return checkAmount(binary.LittleEndian.Uint64(data[1:]))
	default:
		return ClaimRequest{}, ErrMalformedInstruction
	}
}

func (taggedDecoder) Encode(req ClaimRequest) []byte {
	b := make([]byte, 1+amountSize)
	b[0] = TaggedClaim
	binary.LittleEndian.PutUint64(b[1:], req.Amount)
	return b
}

type sighashDecoder struct{}

func (sighashDecoder) Encoding() Encoding { return EncodingSighash }

// Decode follows Anchor, which ignores bytes after the declared arguments.
func (sighashDecoder) Decode(data []byte) (ClaimRequest, error) {
	if len(data) < len(ClaimDiscriminator)+amountSize {
		return ClaimRequest{}, ErrMalformedInstruction
	}
	var d [8]byte
	copy(d[:], data[:8])
	if d != ClaimDiscriminator {
		return ClaimRequest{}, ErrMalformedInstruction
	}
	return checkAmount(binary.LittleEndian.Uint64(data[8:16]))
}

func (sighashDecoder) Encode(req ClaimRequest) []byte {
	b := make([]byte, len(ClaimDiscriminator)+amountSize)
	copy(b, ClaimDiscriminator[:])
	binary.LittleEndian.PutUint64(b[8:], req.Amount)
	return b
}

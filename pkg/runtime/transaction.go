package runtime

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/svm"
)

// Transaction wire limits.
const (
	PacketDataSize = 1232
	MaxAccountKeys = 256
)

var (
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrSignatureFailure     = errors.New("transaction signature verification failure")
	ErrMissingSigner        = errors.New("missing signing keypair")
	ErrTransactionTooLarge  = errors.New("transaction too large")
	ErrInvalidAccountIndex  = errors.New("invalid account index")
	ErrInvalidProgramIDIdx  = errors.New("invalid program id index")
	ErrTooManyAccountKeys   = errors.New("too many account keys")
	ErrDuplicateAccountKeys = errors.New("duplicate account keys")
)

// MessageHeader describes the account types in a transaction.
type MessageHeader struct {
	// NumRequiredSignatures is the number of signatures required.
	NumRequiredSignatures uint8

	// NumReadonlySignedAccounts is the number of readonly signer accounts.
	NumReadonlySignedAccounts uint8

	// NumReadonlyUnsignedAccounts is the number of readonly non-signer accounts.
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction is an instruction whose accounts and program are
// indexes into the message's account keys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	AccountIndexes []uint8
	Data           []byte
}

// Message is the signed part of a transaction.
type Message struct {
	Header          MessageHeader
	AccountKeys     []types.Pubkey
	RecentBlockhash types.Hash
	Instructions    []CompiledInstruction
}

// Transaction is a message together with its signatures.
type Transaction struct {
	Signatures []types.Signature
	Message    Message
}

// NewTransaction compiles instructions into an unsigned transaction. The payer
// is always the first account and a writable signer.
func NewTransaction(payer types.Pubkey, blockhash types.Hash, instructions ...svm.Instruction) (*Transaction, error) {
	if len(instructions) == 0 {
		return nil, errors.Wrap(ErrInvalidTransaction, "no instructions")
	}

	type keyMeta struct {
		key      types.Pubkey
		signer   bool
		writable bool
		order    int
	}
	metas := map[types.Pubkey]*keyMeta{}
	add := func(key types.Pubkey, signer, writable bool) {
		m, ok := metas[key]
		if !ok {
			m = &keyMeta{key: key, order: len(metas)}
			metas[key] = m
		}
		m.signer = m.signer || signer
		m.writable = m.writable || writable
	}

	add(payer, true, true)
	for _, ix := range instructions {
		for _, a := range ix.Accounts {
			add(a.Pubkey, a.IsSigner, a.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}
	if len(metas) > MaxAccountKeys {
		return nil, ErrTooManyAccountKeys
	}

	ordered := make([]*keyMeta, 0, len(metas))
	for _, m := range metas {
		ordered = append(ordered, m)
	}
	class := func(m *keyMeta) int {
		switch {
		case m.key == payer:
			return 0
		case m.signer && m.writable:
			return 1
		case m.signer:
			return 2
		case m.writable:
			return 3
		default:
			return 4
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		ci, cj := class(ordered[i]), class(ordered[j])
		if ci != cj {
			return ci < cj
		}
		return ordered[i].order < ordered[j].order
	})

	var header MessageHeader
	keys := make([]types.Pubkey, len(ordered))
	index := make(map[types.Pubkey]uint8, len(ordered))
	for i, m := range ordered {
		keys[i] = m.key
		index[m.key] = uint8(i)
		if m.signer {
			header.NumRequiredSignatures++
			if !m.writable {
				header.NumReadonlySignedAccounts++
			}
		} else if !m.writable {
			header.NumReadonlyUnsignedAccounts++
		}
	}

	compiled := make([]CompiledInstruction, len(instructions))
	for i, ix := range instructions {
		idx := make([]uint8, len(ix.Accounts))
		for j, a := range ix.Accounts {
			idx[j] = index[a.Pubkey]
		}
		compiled[i] = CompiledInstruction{
			ProgramIDIndex: index[ix.ProgramID],
			AccountIndexes: idx,
			Data:           append([]byte(nil), ix.Data...),
		}
	}

	return &Transaction{
		Signatures: make([]types.Signature, header.NumRequiredSignatures),
		Message: Message{
			Header:          header,
			AccountKeys:     keys,
			RecentBlockhash: blockhash,
			Instructions:    compiled,
		},
	}, nil
}

// Sign signs the message with the given keypairs. Every required signer must
// be present.
func (tx *Transaction) Sign(signers ...*types.Keypair) error {
	msg := tx.Message.Serialize()
	n := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) != n {
		tx.Signatures = make([]types.Signature, n)
	}

	byKey := make(map[types.Pubkey]*types.Keypair, len(signers))
	for _, kp := range signers {
		byKey[kp.Public] = kp
	}
	for i := 0; i < n; i++ {
		kp, ok := byKey[tx.Message.AccountKeys[i]]
		if !ok {
			return errors.Wrapf(ErrMissingSigner, "%s", tx.Message.AccountKeys[i])
		}
		tx.Signatures[i] = kp.Sign(msg)
	}
	return nil
}

// Signature returns the first signature, the transaction's identity.
func (tx *Transaction) Signature() types.Signature {
	if len(tx.Signatures) == 0 {
		return types.Signature{}
	}
	return tx.Signatures[0]
}

// Sanitize checks structural consistency of the transaction.
func (tx *Transaction) Sanitize() error {
	m := &tx.Message
	h := m.Header
	nkeys := len(m.AccountKeys)

	if nkeys == 0 {
		return errors.Wrap(ErrInvalidTransaction, "no account keys")
	}
	if nkeys > MaxAccountKeys {
		return ErrTooManyAccountKeys
	}
	if h.NumRequiredSignatures == 0 || int(h.NumRequiredSignatures) > nkeys {
		return errors.Wrap(ErrInvalidTransaction, "bad signature count")
	}
	if h.NumReadonlySignedAccounts >= h.NumRequiredSignatures {
		return errors.Wrap(ErrInvalidTransaction, "payer must be writable")
	}
	if int(h.NumRequiredSignatures)+int(h.NumReadonlyUnsignedAccounts) > nkeys {
		return errors.Wrap(ErrInvalidTransaction, "bad readonly count")
	}
	if len(tx.Signatures) != int(h.NumRequiredSignatures) {
		return errors.Wrapf(ErrInvalidTransaction, "have %d signatures, need %d", len(tx.Signatures), h.NumRequiredSignatures)
	}
	if len(m.Instructions) == 0 {
		return errors.Wrap(ErrInvalidTransaction, "no instructions")
	}

	seen := make(map[types.Pubkey]struct{}, nkeys)
	for _, k := range m.AccountKeys {
		if _, ok := seen[k]; ok {
			return ErrDuplicateAccountKeys
		}
		seen[k] = struct{}{}
	}

	for _, ix := range m.Instructions {
		if int(ix.ProgramIDIndex) >= nkeys || ix.ProgramIDIndex == 0 {
			return ErrInvalidProgramIDIdx
		}
		for _, idx := range ix.AccountIndexes {
			if int(idx) >= nkeys {
				return ErrInvalidAccountIndex
			}
		}
	}
	return nil
}

// VerifySignatures checks every signature against the serialized message.
func (tx *Transaction) VerifySignatures() error {
	msg := tx.Message.Serialize()
	for i, sig := range tx.Signatures {
		if i >= len(tx.Message.AccountKeys) {
			return ErrSignatureFailure
		}
		if !sig.Verify(tx.Message.AccountKeys[i], msg) {
			return errors.Wrapf(ErrSignatureFailure, "signature %d", i)
		}
	}
	return nil
}

// IsSigner reports whether the account at index i signed.
func (m *Message) IsSigner(i int) bool {
	return i < int(m.Header.NumRequiredSignatures)
}

// IsWritable determines if an account is writable based on its position.
func (m *Message) IsWritable(i int) bool {
	h := m.Header
	numSigners := int(h.NumRequiredSignatures)
	if i < numSigners {
		return i < numSigners-int(h.NumReadonlySignedAccounts)
	}
	numWritableUnsigned := len(m.AccountKeys) - numSigners - int(h.NumReadonlyUnsignedAccounts)
	return i-numSigners < numWritableUnsigned
}

// Hash is the blake3 digest of the serialized message. Unsigned simulations
// are identified by it.
func (m *Message) Hash() types.Hash {
	return types.Hash(blake3.Sum256(m.Serialize()))
}

// Serialize encodes the message in the legacy wire format.
func (m *Message) Serialize() []byte {
	b := make([]byte, 0, 256)
	b = append(b, m.Header.NumRequiredSignatures, m.Header.NumReadonlySignedAccounts, m.Header.NumReadonlyUnsignedAccounts)
	b = appendCompactU16(b, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		b = append(b, k[:]...)
	}
	b = append(b, m.RecentBlockhash[:]...)
	b = appendCompactU16(b, len(m.Instructions))
	for _, ix := range m.Instructions {
		b = append(b, ix.ProgramIDIndex)
		b = appendCompactU16(b, len(ix.AccountIndexes))
		b = append(b, ix.AccountIndexes...)
		b = appendCompactU16(b, len(ix.Data))
		b = append(b, ix.Data...)
	}
	return b
}

// Serialize encodes the transaction in the legacy wire format.
func (tx *Transaction) Serialize() []byte {
	msg := tx.Message.Serialize()
	b := make([]byte, 0, 1+len(tx.Signatures)*64+len(msg))
	b = appendCompactU16(b, len(tx.Signatures))
	for _, s := range tx.Signatures {
		b = append(b, s[:]...)
	}
	return append(b, msg...)
}

// DeserializeTransaction decodes a legacy wire transaction.
func DeserializeTransaction(data []byte) (*Transaction, error) {
	if len(data) > PacketDataSize {
		return nil, ErrTransactionTooLarge
	}
	r := &reader{buf: data}

	tx := &Transaction{}
	nsigs := r.compactU16()
	for i := 0; i < nsigs && r.err == nil; i++ {
		var s types.Signature
		copy(s[:], r.bytes(64))
		tx.Signatures = append(tx.Signatures, s)
	}

	m := &tx.Message
	hdr := r.bytes(3)
	if r.err == nil {
		m.Header = MessageHeader{hdr[0], hdr[1], hdr[2]}
	}
	nkeys := r.compactU16()
	for i := 0; i < nkeys && r.err == nil; i++ {
		var k types.Pubkey
		copy(k[:], r.bytes(32))
		m.AccountKeys = append(m.AccountKeys, k)
	}
	copy(m.RecentBlockhash[:], r.bytes(32))

	nix := r.compactU16()
	for i := 0; i < nix && r.err == nil; i++ {
		var ix CompiledInstruction
		if b := r.bytes(1); r.err == nil {
			ix.ProgramIDIndex = b[0]
		}
		ix.AccountIndexes = append([]uint8(nil), r.bytes(r.compactU16())...)
		ix.Data = append([]byte(nil), r.bytes(r.compactU16())...)
		m.Instructions = append(m.Instructions, ix)
	}

	if r.err != nil {
		return nil, errors.Wrap(ErrInvalidTransaction, r.err.Error())
	}
	if r.off != len(data) {
		return nil, errors.Wrapf(ErrInvalidTransaction, "%d trailing bytes", len(data)-r.off)
	}
	return tx, nil
}

func appendCompactU16(b []byte, n int) []byte {
	v := uint16(n)
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = errors.New("unexpected end of data")
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) compactU16() int {
	var v uint32
	for i := 0; i < 3; i++ {
		b := r.bytes(1)
		if r.err != nil {
			return 0
		}
		v |= uint32(b[0]&0x7f) << (7 * i)
		if b[0]&0x80 == 0 {
			if v > 0xffff {
				r.err = errors.New("compact-u16 overflow")
				return 0
			}
			return int(v)
		}
	}
	r.err = errors.New("compact-u16 too long")
	return 0
}

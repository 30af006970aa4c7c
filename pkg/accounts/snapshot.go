package accounts

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
)

const snapshotVersion uint32 = 1

var snapshotMagic = []byte{'X', 'C', 'S', 'N'}

const (
	recordEnd     byte = 0
	recordAccount byte = 1
)

// SnapshotHeader describes a snapshot.
type SnapshotHeader struct {
	Version       uint32
	Slot          uint64
	AccountsCount uint64
	StateHash     types.Hash
}

// WriteSnapshot streams every account in db to w.
//
// Format:
//   - Magic (4 bytes): "XCSN"
//   - Version (4 bytes, little-endian)
//   - Slot (8 bytes, little-endian)
//   - zstd stream of records:
//   - 0x01 | pubkey (32) | size (4) | serialized account
//   - 0x00 | count (8) | state hash (32)
func WriteSnapshot(db DB, w io.Writer) (*SnapshotHeader, error) {
	header := &SnapshotHeader{
		Version: snapshotVersion,
		Slot:    db.GetSlot(),
	}

	prefix := make([]byte, 4+4+8)
	copy(prefix, snapshotMagic)
	binary.LittleEndian.PutUint32(prefix[4:], header.Version)
	binary.LittleEndian.PutUint64(prefix[8:], header.Slot)
	if _, err := w.Write(prefix); err != nil {
		return nil, errors.Wrap(err, "failed to write snapshot header")
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init zstd encoder")
	}
	bw := bufio.NewWriter(enc)

	var hashes []types.Hash
	err = db.Iterate(func(pubkey types.Pubkey, account *Account) error {
		data := account.Serialize()

		rec := make([]byte, 1+types.PubkeySize+4)
		rec[0] = recordAccount
		copy(rec[1:], pubkey[:])
		binary.LittleEndian.PutUint32(rec[1+types.PubkeySize:], uint32(len(data)))
		if _, err := bw.Write(rec); err != nil {
			return err
		}
		if _, err := bw.Write(data); err != nil {
			return err
		}

		hashes = append(hashes, ComputeAccountHash(pubkey, account))
		return nil
	})
	if err != nil {
		enc.Close()
		return nil, errors.Wrap(err, "failed to write accounts")
	}

	header.AccountsCount = uint64(len(hashes))
	header.StateHash = ComputeMerkleRoot(hashes)

	trailer := make([]byte, 1+8+types.HashSize)
	trailer[0] = recordEnd
	binary.LittleEndian.PutUint64(trailer[1:], header.AccountsCount)
	copy(trailer[9:], header.StateHash[:])
	if _, err := bw.Write(trailer); err != nil {
		enc.Close()
		return nil, errors.Wrap(err, "failed to write snapshot trailer")
	}

	if err := bw.Flush(); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finish zstd stream")
	}
	return header, nil
}

// ReadSnapshot verifies a snapshot and loads it into db in a single Apply.
// Accounts already in db that are absent from the snapshot are kept.
func ReadSnapshot(r io.Reader, db DB) (*SnapshotHeader, error) {
	prefix := make([]byte, 4+4+8)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, errors.Wrap(err, "failed to read snapshot header")
	}
	if !bytes.Equal(prefix[:4], snapshotMagic) {
		return nil, errors.Errorf("invalid snapshot magic: %q", prefix[:4])
	}

	header := &SnapshotHeader{
		Version: binary.LittleEndian.Uint32(prefix[4:]),
		Slot:    binary.LittleEndian.Uint64(prefix[8:]),
	}
	if header.Version != snapshotVersion {
		return nil, errors.Errorf("unsupported snapshot version: %d", header.Version)
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init zstd decoder")
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	var (
		entries []AccountEntry
		hashes  []types.Hash
	)
	for {
		tag, err := br.ReadByte()
		if err != nil {
			return nil, errors.Wrap(ErrCorrupted, "snapshot truncated")
		}

		if tag == recordEnd {
			trailer := make([]byte, 8+types.HashSize)
			if _, err := io.ReadFull(br, trailer); err != nil {
				return nil, errors.Wrap(ErrCorrupted, "snapshot trailer truncated")
			}
			header.AccountsCount = binary.LittleEndian.Uint64(trailer)
			copy(header.StateHash[:], trailer[8:])
			break
		}
		if tag != recordAccount {
			return nil, errors.Wrapf(ErrCorrupted, "unknown record tag %d", tag)
		}

		head := make([]byte, types.PubkeySize+4)
		if _, err := io.ReadFull(br, head); err != nil {
			return nil, errors.Wrap(ErrCorrupted, "account record truncated")
		}
		var pubkey types.Pubkey
		copy(pubkey[:], head)
		size := binary.LittleEndian.Uint32(head[types.PubkeySize:])
		if size > MaxAccountDataSize+64 {
			return nil, errors.Wrapf(ErrCorrupted, "account size %d exceeds maximum", size)
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(br, data); err != nil {
			return nil, errors.Wrap(ErrCorrupted, "account data truncated")
		}
		account, err := DeserializeAccount(data)
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupted, "account %s: %v", pubkey, err)
		}

		entries = append(entries, AccountEntry{Pubkey: pubkey, Account: account})
		hashes = append(hashes, ComputeAccountHash(pubkey, account))
	}

	if uint64(len(entries)) != header.AccountsCount {
		return nil, errors.Wrapf(ErrCorrupted, "expected %d accounts, read %d", header.AccountsCount, len(entries))
	}
	if ComputeMerkleRoot(hashes) != header.StateHash {
		return nil, errors.Wrap(ErrCorrupted, "state hash mismatch")
	}

	if err := db.Apply(entries); err != nil {
		return nil, err
	}
	if err := db.SetSlot(header.Slot); err != nil {
		return nil, err
	}
	if err := db.Commit(); err != nil {
		return nil, err
	}
	return header, nil
}

// CreateSnapshot writes a snapshot of db to path.
func CreateSnapshot(db DB, path string) (*SnapshotHeader, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create snapshot directory")
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create snapshot file")
	}

	header, err := WriteSnapshot(db, f)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, errors.Wrap(err, "failed to finalise snapshot")
	}
	return header, nil
}

// LoadSnapshot loads the snapshot at path into db.
func LoadSnapshot(path string, db DB) (*SnapshotHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, errors.Wrap(err, "failed to open snapshot")
	}
	defer f.Close()

	return ReadSnapshot(f, db)
}

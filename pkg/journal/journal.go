package journal

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/x1-custody/internal/types"
)

// Bucket names.
var (
	// bucketRecords stores seq -> Record.
	bucketRecords = []byte("records")

	// bucketSignatures maps signature -> seq.
	bucketSignatures = []byte("signatures")

	// bucketAddressSignatures maps address+seq -> SignatureInfo.
	bucketAddressSignatures = []byte("addr_sigs")

	// bucketMetadata stores journal metadata.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keySeq        = []byte("seq")
	keyOldestSeq  = []byte("oldest_seq")
	keyLatestSlot = []byte("latest_slot")
	keyRecords    = []byte("records")
	keyFailed     = []byte("failed")
)

// DefaultRetainRecords is the default number of records kept by pruning.
const DefaultRetainRecords = 1_000_000

// Config holds journal configuration.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync skips fsync after each write. Faster, unsafe on power loss.
	NoSync bool

	// ReadOnly opens the journal for queries only.
	ReadOnly bool

	// PruneEnabled starts a background pruner.
	PruneEnabled bool

	// RetainRecords is the number of most recent records kept by pruning.
	RetainRecords uint64

	// PruneInterval is how often the pruner runs.
	PruneInterval time.Duration
}

// DefaultConfig returns the default configuration for a journal at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		PruneEnabled:  true,
		RetainRecords: DefaultRetainRecords,
		PruneInterval: 10 * time.Minute,
	}
}

// Store is the journal interface used by the outer surfaces.
type Store interface {
	Put(rec *Record) error
	Get(signature types.Signature) (*Record, error)
	Has(signature types.Signature) bool
	GetStatuses(signatures []types.Signature) ([]*Status, error)
	GetSignaturesForAddress(address types.Pubkey, opts *SignatureQueryOptions) ([]SignatureInfo, error)
	LatestSlot() uint64
	Prune(keepRecords uint64) (uint64, error)
	GetStats() (*Stats, error)
	Close() error
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config
	log    *logrus.Entry

	mu         sync.RWMutex
	seq        uint64
	oldestSeq  uint64
	latestSlot uint64
	records    uint64
	failed     uint64

	pruneStop chan struct{}
	pruneWG   sync.WaitGroup

	closed bool
}

var _ Store = (*BoltStore)(nil)

// Open creates or opens a journal.
func Open(config Config) (*BoltStore, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create directory")
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	store := &BoltStore{
		db:        db,
		config:    config,
		log:       logrus.WithField("type", "journal"),
		pruneStop: make(chan struct{}),
	}

	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "init buckets")
		}
	}
	if err := store.loadCachedValues(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "load cached values")
	}

	if config.PruneEnabled && !config.ReadOnly && config.PruneInterval > 0 {
		store.startPruning()
	}
	return store, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketRecords,
			bucketSignatures,
			bucketAddressSignatures,
			bucketMetadata,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
}

func (s *BoltStore) loadCachedValues() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil
		}
		s.seq = DecodeSeqKey(meta.Get(keySeq))
		s.oldestSeq = DecodeSeqKey(meta.Get(keyOldestSeq))
		s.latestSlot = DecodeSeqKey(meta.Get(keyLatestSlot))
		s.records = DecodeSeqKey(meta.Get(keyRecords))
		s.failed = DecodeSeqKey(meta.Get(keyFailed))
		return nil
	})
}

func (s *BoltStore) startPruning() {
	s.pruneWG.Add(1)
	go func() {
		defer s.pruneWG.Done()
		ticker := time.NewTicker(s.config.PruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				pruned, err := s.Prune(s.config.RetainRecords)
				if err != nil {
					s.log.WithError(err).Warn("Journal prune failed")
				} else if pruned > 0 {
					s.log.WithField("pruned", pruned).Debug("Pruned journal")
				}
			case <-s.pruneStop:
				return
			}
		}
	}()
}

func (s *BoltStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Put journals a record and indexes it under each of its account keys. The
// record's Seq is assigned here.
func (s *BoltStore) Put(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	seq := s.seq + 1
	rec.Seq = seq

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return errors.Wrap(err, "encode record")
	}
	info := SignatureInfo{
		Signature: rec.Signature,
		Slot:      rec.Slot,
		Err:       rec.Err,
		Time:      rec.Time,
	}
	var infoBuf bytes.Buffer
	if err := gob.NewEncoder(&infoBuf).Encode(&info); err != nil {
		return errors.Wrap(err, "encode signature info")
	}

	latestSlot := s.latestSlot
	if rec.Slot > latestSlot {
		latestSlot = rec.Slot
	}
	failed := s.failed
	if rec.Err != nil {
		failed++
	}
	oldest := s.oldestSeq
	if oldest == 0 {
		oldest = seq
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		sigs := tx.Bucket(bucketSignatures)
		if sigs.Get(rec.Signature[:]) != nil {
			return ErrDuplicate
		}
		seqKey := EncodeSeqKey(seq)
		if err := tx.Bucket(bucketRecords).Put(seqKey, buf.Bytes()); err != nil {
			return err
		}
		if err := sigs.Put(rec.Signature[:], seqKey); err != nil {
			return err
		}

		addrSigs := tx.Bucket(bucketAddressSignatures)
		for _, addr := range rec.AccountKeys {
			if err := addrSigs.Put(EncodeAddressSeqKey(addr, seq), infoBuf.Bytes()); err != nil {
				return err
			}
		}

		meta := tx.Bucket(bucketMetadata)
		for k, v := range map[string]uint64{
			string(keySeq):        seq,
			string(keyOldestSeq):  oldest,
			string(keyLatestSlot): latestSlot,
			string(keyRecords):    s.records + 1,
			string(keyFailed):     failed,
		} {
			if err := meta.Put([]byte(k), EncodeSeqKey(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		rec.Seq = 0
		return err
	}

	s.seq = seq
	s.oldestSeq = oldest
	s.latestSlot = latestSlot
	s.records++
	s.failed = failed
	return nil
}

// Get retrieves a record by signature.
func (s *BoltStore) Get(signature types.Signature) (*Record, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		seqKey := tx.Bucket(bucketSignatures).Get(signature[:])
		if seqKey == nil {
			return ErrRecordNotFound
		}
		data := tx.Bucket(bucketRecords).Get(seqKey)
		if data == nil {
			return ErrRecordNotFound
		}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(&rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Has reports whether signature is journaled.
func (s *BoltStore) Has(signature types.Signature) bool {
	if s.isClosed() {
		return false
	}
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketSignatures).Get(signature[:]) != nil
		return nil
	})
	return found
}

// GetStatuses returns one status per signature, nil where the signature is
// unknown.
func (s *BoltStore) GetStatuses(signatures []types.Signature) ([]*Status, error) {
	out := make([]*Status, len(signatures))
	latest := s.LatestSlot()
	for i, sig := range signatures {
		rec, err := s.Get(sig)
		if errors.Is(err, ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		st := &Status{Signature: sig, Slot: rec.Slot, Err: rec.Err}
		if latest > rec.Slot {
			st.Confirmations = latest - rec.Slot
		}
		out[i] = st
	}
	return out, nil
}

// GetSignaturesForAddress returns the transactions naming address, newest
// first.
func (s *BoltStore) GetSignaturesForAddress(address types.Pubkey, opts *SignatureQueryOptions) ([]SignatureInfo, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if opts == nil {
		opts = &SignatureQueryOptions{}
	}
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	var results []SignatureInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		sigs := tx.Bucket(bucketSignatures)

		startSeq := ^uint64(0)
		if opts.Before != nil {
			k := sigs.Get(opts.Before[:])
			if k == nil {
				return errors.Wrapf(ErrRecordNotFound, "before signature %s", opts.Before)
			}
			startSeq = DecodeSeqKey(k) - 1
		}
		var untilSeq uint64
		if opts.Until != nil {
			k := sigs.Get(opts.Until[:])
			if k == nil {
				return errors.Wrapf(ErrRecordNotFound, "until signature %s", opts.Until)
			}
			untilSeq = DecodeSeqKey(k)
		}

		prefix := address[:]
		c := tx.Bucket(bucketAddressSignatures).Cursor()

		// Seek lands on the first key >= start; step back when it is past
		// this address or past the start sequence.
		start := EncodeAddressSeqKey(address, startSeq)
		k, v := c.Seek(start)
		if k == nil {
			k, v = c.Last()
		} else if !bytes.Equal(k, start) {
			k, v = c.Prev()
		}

		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			_, seq := DecodeAddressSeqKey(k)
			if seq <= untilSeq {
				break
			}
			var info SignatureInfo
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&info); err != nil {
				return errors.Wrap(err, "decode signature info")
			}
			results = append(results, info)
			if len(results) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// LatestSlot returns the highest slot journaled.
func (s *BoltStore) LatestSlot() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestSlot
}

// Prune removes all but the keepRecords most recent records and returns the
// number removed.
func (s *BoltStore) Prune(keepRecords uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.seq <= keepRecords {
		return 0, nil
	}
	cutoff := s.seq - keepRecords

	var pruned, prunedFailed uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		sigs := tx.Bucket(bucketSignatures)
		addrSigs := tx.Bucket(bucketAddressSignatures)

		var doomed [][]byte
		c := records.Cursor()
		for k, v := c.First(); k != nil && DecodeSeqKey(k) <= cutoff; k, v = c.Next() {
			var rec Record
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return errors.Wrapf(err, "decode record %d", DecodeSeqKey(k))
			}
			if err := sigs.Delete(rec.Signature[:]); err != nil {
				return err
			}
			for _, addr := range rec.AccountKeys {
				if err := addrSigs.Delete(EncodeAddressSeqKey(addr, rec.Seq)); err != nil {
					return err
				}
			}
			doomed = append(doomed, append([]byte(nil), k...))
			if rec.Err != nil {
				prunedFailed++
			}
		}
		// Deleting while iterating skips keys in bolt.
		for _, k := range doomed {
			if err := records.Delete(k); err != nil {
				return err
			}
		}
		pruned = uint64(len(doomed))

		meta := tx.Bucket(bucketMetadata)
		if err := meta.Put(keyOldestSeq, EncodeSeqKey(cutoff+1)); err != nil {
			return err
		}
		if err := meta.Put(keyRecords, EncodeSeqKey(s.records-pruned)); err != nil {
			return err
		}
		return meta.Put(keyFailed, EncodeSeqKey(s.failed-prunedFailed))
	})
	if err != nil {
		return 0, err
	}

	s.oldestSeq = cutoff + 1
	s.records -= pruned
	s.failed -= prunedFailed
	return pruned, nil
}

// GetStats returns journal statistics.
func (s *BoltStore) GetStats() (*Stats, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	stats := &Stats{
		Records:    s.records,
		Failed:     s.failed,
		LatestSlot: s.latestSlot,
		OldestSeq:  s.oldestSeq,
	}
	s.mu.RUnlock()

	err := s.db.View(func(tx *bolt.Tx) error {
		stats.DatabaseSize = tx.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close stops the pruner and closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.pruneStop)
	s.pruneWG.Wait()
	return s.db.Close()
}

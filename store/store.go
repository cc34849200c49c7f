package store

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/alecthomas/units"
	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru"
	"github.com/verdict-network/verdict/lib"
)

var (
	txPrefix        = lib.JoinLenPrefix([]byte("t/")) // transactions by hash
	noncePrefix     = lib.JoinLenPrefix([]byte("n/")) // (from, nonce) uniqueness
	countPrefix     = lib.JoinLenPrefix([]byte("c/")) // per sender transaction count
	statusPrefix    = lib.JoinLenPrefix([]byte("x/")) // status index: status / order / hash
	childPrefix     = lib.JoinLenPrefix([]byte("d/")) // transaction DAG adjacency: parent / child
	contractPrefix  = lib.JoinLenPrefix([]byte("s/")) // contract state snapshots
	validatorPrefix = lib.JoinLenPrefix([]byte("v/")) // validator registry
	sequenceKey     = lib.JoinLenPrefix([]byte("q/"), []byte("pending")) // admission order to PENDING

	_ lib.StoreI = &Store{} // enforce the Store interface
)

const (
	conflictRetries  = 32  // badger write conflicts retried before the store reports a failure
	sequenceLease    = 100 // pending sequence numbers leased per badger sequence allocation
	inMemoryMemTable = 16 * units.MiB
)

/*
The Store is the single source of truth of the consensus core, built on a single BadgerDB instance.

1. Transactions: JSON encoded, keyed by hash. Every mutation is one badger transaction that reads the row,
   applies the change, validates the status edge and rewrites the row together with its indexes. Badger's
   optimistic concurrency makes that update the per-hash critical section: concurrent writers of the same
   row conflict and are retried.

2. Indexes: status (ordered by admission sequence for PENDING and by finality timestamp for ACCEPTED and
   UNDETERMINED), (from, nonce) uniqueness, per sender counts and the parent -> child DAG of triggered
   transactions.

3. Contract state: the accepted and finalized post-state digests per contract, fronted by an LRU cache.

4. Validators: the registry that the validator pool snapshots at the start of a round.
*/

type Store struct {
	db        *badger.DB       // underlying database
	seq       *badger.Sequence // pending admission sequence
	contracts *lru.Cache       // contract state read cache
	log       lib.LoggerI      // logger
}

// New() creates a new instance of a StoreI either in memory or an actual disk DB
func New(config lib.StoreConfig, l lib.LoggerI) (*Store, lib.ErrorI) {
	if config.InMemory {
		return NewStoreInMemory(l)
	}
	opts := badger.DefaultOptions(filepath.Join(config.DataDirPath, config.DBName)).
		WithMemTableSize(config.MemTableSize)
	return open(opts, config.ContractCacheSize, l)
}

// NewStoreInMemory() creates a new instance of a mem DB
func NewStoreInMemory(l lib.LoggerI) (*Store, lib.ErrorI) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithMemTableSize(int64(inMemoryMemTable))
	return open(opts, lib.DefaultStoreConfig().ContractCacheSize, l)
}

func open(opts badger.Options, cacheSize int, l lib.LoggerI) (*Store, lib.ErrorI) {
	l = l.With("store")
	db, err := badger.Open(opts.WithLogger(&badgerLogger{l}))
	if err != nil {
		return nil, ErrOpenDB(err)
	}
	seq, err := db.GetSequence(sequenceKey, sequenceLease)
	if err != nil {
		_ = db.Close()
		return nil, ErrOpenDB(err)
	}
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		_ = db.Close()
		return nil, ErrOpenDB(err)
	}
	return &Store{db: db, seq: seq, contracts: cache, log: l}, nil
}

// Close() gracefully stops the database
func (s *Store) Close() lib.ErrorI {
	if err := s.seq.Release(); err != nil {
		s.log.Warnf("Releasing the pending sequence failed with err: %s", err.Error())
	}
	if err := s.db.Close(); err != nil {
		return ErrCloseDB(err)
	}
	return nil
}

// update() runs fn inside a read-write badger transaction, retrying on write conflicts
func (s *Store) update(fn func(txn *badger.Txn) lib.ErrorI) lib.ErrorI {
	var inner lib.ErrorI
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval, policy.MaxInterval = 2*time.Millisecond, 100*time.Millisecond
	err := backoff.Retry(func() error {
		inner = nil
		e := s.db.Update(func(txn *badger.Txn) error {
			if inner = fn(txn); inner != nil {
				return inner
			}
			return nil
		})
		switch {
		case e == nil:
			return nil
		case errors.Is(e, badger.ErrConflict):
			s.log.Debug("Write conflict, retrying")
			return e
		default:
			return backoff.Permanent(e)
		}
	}, backoff.WithMaxRetries(policy, conflictRetries))
	if inner != nil {
		return inner
	}
	if err != nil {
		return lib.ErrStateStoreFailure(err)
	}
	return nil
}

// view() runs fn inside a read-only badger transaction
func (s *Store) view(fn func(txn *badger.Txn) lib.ErrorI) lib.ErrorI {
	var inner lib.ErrorI
	if err := s.db.View(func(txn *badger.Txn) error {
		if inner = fn(txn); inner != nil {
			return inner
		}
		return nil
	}); err != nil && inner == nil {
		return lib.ErrStateStoreFailure(err)
	}
	return inner
}

// get() retrieves the value bytes of a key; a missing key returns nil
func get(txn *badger.Txn, key []byte) ([]byte, lib.ErrorI) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, ErrStoreGet(err)
	}
	bz, err := item.ValueCopy(nil)
	if err != nil {
		return nil, ErrStoreGet(err)
	}
	return bz, nil
}

// set() writes the value bytes of a key
func set(txn *badger.Txn, key, value []byte) lib.ErrorI {
	if err := txn.Set(key, value); err != nil {
		return ErrStoreSet(err)
	}
	return nil
}

// del() removes a key
func del(txn *badger.Txn, key []byte) lib.ErrorI {
	if err := txn.Delete(key); err != nil {
		return ErrStoreDelete(err)
	}
	return nil
}

// setJSON() writes the json encoding of a value
func setJSON(txn *badger.Txn, key []byte, value any) lib.ErrorI {
	bz, err := lib.MarshalJSON(value)
	if err != nil {
		return err
	}
	return set(txn, key, bz)
}

// iterate() calls cb for every key value pair under the prefix in lexicographical order
func iterate(txn *badger.Txn, prefix []byte, cb func(key, value []byte) lib.ErrorI) lib.ErrorI {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return ErrStoreGet(err)
		}
		if e := cb(item.KeyCopy(nil), value); e != nil {
			return e
		}
	}
	return nil
}

// badgerLogger routes badger's internal logging through the node logger
type badgerLogger struct{ log lib.LoggerI }

func (b *badgerLogger) Errorf(format string, args ...interface{})   { b.log.Errorf(format, args...) }
func (b *badgerLogger) Warningf(format string, args ...interface{}) { b.log.Warnf(format, args...) }
func (b *badgerLogger) Infof(format string, args ...interface{})    { b.log.Debugf(format, args...) }
func (b *badgerLogger) Debugf(format string, args ...interface{})   {}

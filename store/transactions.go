package store

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/verdict-network/verdict/lib"
)

/* This file implements the transaction table and its indexes */

func txKey(hash common.Hash) []byte { return lib.Append(txPrefix, hash[:]) }

func nonceKey(from common.Address, nonce uint64) []byte {
	return binary.BigEndian.AppendUint64(lib.Append(noncePrefix, from[:]), nonce)
}

func countKey(from common.Address) []byte { return lib.Append(countPrefix, from[:]) }

func childKey(parent, child common.Hash) []byte {
	return lib.Append(lib.Append(childPrefix, parent[:]), child[:])
}

// statusIndexPrefix() is the iteration prefix of one status
func statusIndexPrefix(status lib.TransactionStatus) []byte {
	return lib.Append(statusPrefix, lib.JoinLenPrefix([]byte(status)))
}

// statusKey() orders transactions of a status: PENDING by admission sequence, ACCEPTED and UNDETERMINED by
// the start of the finality window, anything else by hash
func statusKey(tx *lib.Transaction) []byte {
	var order uint64
	switch tx.Status {
	case lib.StatusPending:
		order = tx.PendingSequence
	case lib.StatusAccepted, lib.StatusUndetermined:
		if tx.TimestampAwaitingFinalization != nil {
			order = uint64(tx.TimestampAwaitingFinalization.UnixNano())
		}
	}
	return lib.Append(binary.BigEndian.AppendUint64(statusIndexPrefix(tx.Status), order), tx.Hash[:])
}

// nextSequence() returns the next admission sequence number to PENDING
func (s *Store) nextSequence() (uint64, lib.ErrorI) {
	n, err := s.seq.Next()
	if err != nil {
		return 0, ErrStoreSet(err)
	}
	return n + 1, nil
}

// getTx() reads a transaction inside a badger transaction; nil if not found
func getTx(txn *badger.Txn, hash common.Hash) (*lib.Transaction, lib.ErrorI) {
	bz, err := get(txn, txKey(hash))
	if err != nil || bz == nil {
		return nil, err
	}
	tx := new(lib.Transaction)
	if err = lib.UnmarshalJSON(bz, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// GetTransaction() gets a transaction by hash
func (s *Store) GetTransaction(hash common.Hash) (tx *lib.Transaction, err lib.ErrorI) {
	err = s.view(func(txn *badger.Txn) (e lib.ErrorI) {
		tx, e = getTx(txn, hash)
		return
	})
	if err == nil && tx == nil {
		err = lib.ErrTxNotFound(hash.Hex())
	}
	return
}

// InsertTransaction() admits a new transaction as PENDING
// NOTES:
// - the nonce must equal the number of transactions previously inserted for the sender
// - the hash and the (from, nonce) tuple must be unique
func (s *Store) InsertTransaction(tx *lib.Transaction) lib.ErrorI {
	if tx == nil {
		return lib.ErrInvalidArgument()
	}
	if tx.Hash == (common.Hash{}) {
		tx.Hash = tx.ComputeHash()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	seq, err := s.nextSequence()
	if err != nil {
		return err
	}
	tx.Status, tx.StatusHistory, tx.PendingSequence = lib.StatusPending, []lib.TransactionStatus{}, seq
	return s.update(func(txn *badger.Txn) lib.ErrorI {
		// reject duplicate hashes
		existing, e := get(txn, txKey(tx.Hash))
		if e != nil {
			return e
		}
		if existing != nil {
			return lib.ErrDuplicateTransaction(tx.Hash.Hex())
		}
		// reject duplicate (from, nonce)
		existing, e = get(txn, nonceKey(tx.FromAddress, tx.Nonce))
		if e != nil {
			return e
		}
		if existing != nil {
			return lib.ErrDuplicateTransaction(tx.Hash.Hex())
		}
		// the nonce must be the next one of the sender
		count, e := readCount(txn, tx.FromAddress)
		if e != nil {
			return e
		}
		if tx.Nonce != count {
			return lib.ErrNonceMismatch(count, tx.Nonce)
		}
		if e = set(txn, countKey(tx.FromAddress), binary.BigEndian.AppendUint64(nil, count+1)); e != nil {
			return e
		}
		if e = set(txn, nonceKey(tx.FromAddress, tx.Nonce), tx.Hash[:]); e != nil {
			return e
		}
		// link into the transaction DAG
		if tx.TriggeredByHash != nil {
			if e = set(txn, childKey(*tx.TriggeredByHash, tx.Hash), nil); e != nil {
				return e
			}
		}
		if e = set(txn, statusKey(tx), tx.Hash[:]); e != nil {
			return e
		}
		return setJSON(txn, txKey(tx.Hash), tx)
	})
}

func readCount(txn *badger.Txn, from common.Address) (uint64, lib.ErrorI) {
	bz, err := get(txn, countKey(from))
	if err != nil || len(bz) != 8 {
		return 0, err
	}
	return binary.BigEndian.Uint64(bz), nil
}

// Update() atomically reads, mutates and persists a transaction
// NOTES:
// - a status change must be a legal edge; it is appended to the status history
// - entering PENDING assigns a fresh admission sequence
// - FINALIZED and CANCELED transactions are immutable
func (s *Store) Update(hash common.Hash, fn func(tx *lib.Transaction) lib.ErrorI) (out *lib.Transaction, err lib.ErrorI) {
	err = s.update(func(txn *badger.Txn) lib.ErrorI {
		old, e := getTx(txn, hash)
		if e != nil {
			return e
		}
		if old == nil {
			return lib.ErrTxNotFound(hash.Hex())
		}
		if old.Status.IsTerminal() {
			return lib.ErrImmutable(hash.Hex(), old.Status)
		}
		next := old.Copy()
		if e = fn(next); e != nil {
			return e
		}
		// identity and content are immutable
		next.Hash, next.FromAddress, next.Nonce, next.TriggeredByHash = old.Hash, old.FromAddress, old.Nonce, old.TriggeredByHash
		if next.Status != old.Status {
			if e = lib.CheckTransition(old.Status, next.Status); e != nil {
				return e
			}
			next.StatusHistory = append(next.StatusHistory, next.Status)
			if next.Status == lib.StatusPending {
				if next.PendingSequence, e = s.nextSequence(); e != nil {
					return e
				}
			}
		}
		// maintain the status index
		if oldKey, newKey := statusKey(old), statusKey(next); string(oldKey) != string(newKey) {
			if e = del(txn, oldKey); e != nil {
				return e
			}
			if e = set(txn, newKey, next.Hash[:]); e != nil {
				return e
			}
		}
		out = next
		return setJSON(txn, txKey(hash), next)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStatus() moves a transaction along a legal edge
func (s *Store) UpdateStatus(hash common.Hash, status lib.TransactionStatus) lib.ErrorI {
	_, err := s.Update(hash, func(tx *lib.Transaction) lib.ErrorI {
		tx.Status = status
		return nil
	})
	return err
}

// SetResult() writes the status, the consensus data and (if not nil) the finality timestamp at once
func (s *Store) SetResult(hash common.Hash, status lib.TransactionStatus, cd *lib.ConsensusData, ts *time.Time) lib.ErrorI {
	_, err := s.Update(hash, func(tx *lib.Transaction) lib.ErrorI {
		tx.Status, tx.ConsensusData = status, cd
		if ts != nil {
			tx.TimestampAwaitingFinalization = ts
		}
		return nil
	})
	return err
}

// SetAppeal() sets the user appeal flag
func (s *Store) SetAppeal(hash common.Hash, appealed bool) lib.ErrorI {
	_, err := s.Update(hash, func(tx *lib.Transaction) lib.ErrorI {
		tx.Appealed = appealed
		return nil
	})
	return err
}

// SetAppealFailed() sets the failed validator appeal counter
func (s *Store) SetAppealFailed(hash common.Hash, count uint64) lib.ErrorI {
	_, err := s.Update(hash, func(tx *lib.Transaction) lib.ErrorI {
		tx.AppealFailed = count
		return nil
	})
	return err
}

// SetAppealUndetermined() sets the leader appeal marker
func (s *Store) SetAppealUndetermined(hash common.Hash, v bool) lib.ErrorI {
	_, err := s.Update(hash, func(tx *lib.Transaction) lib.ErrorI {
		tx.AppealUndetermined = v
		return nil
	})
	return err
}

// SetTimestampAwaitingFinalization() sets the start of the finality window
func (s *Store) SetTimestampAwaitingFinalization(hash common.Hash, ts *time.Time) lib.ErrorI {
	_, err := s.Update(hash, func(tx *lib.Transaction) lib.ErrorI {
		tx.TimestampAwaitingFinalization = ts
		return nil
	})
	return err
}

// TransactionsByStatus() returns the transactions of a status in index order
func (s *Store) TransactionsByStatus(status lib.TransactionStatus) (list []*lib.Transaction, err lib.ErrorI) {
	err = s.view(func(txn *badger.Txn) lib.ErrorI {
		return iterate(txn, statusIndexPrefix(status), func(_, value []byte) lib.ErrorI {
			tx, e := getTx(txn, common.BytesToHash(value))
			if e != nil {
				return e
			}
			if tx != nil {
				list = append(list, tx)
			}
			return nil
		})
	})
	return
}

// PendingTransactions() returns PENDING transactions in admission order
func (s *Store) PendingTransactions() ([]*lib.Transaction, lib.ErrorI) {
	return s.TransactionsByStatus(lib.StatusPending)
}

// InFlightTransactions() returns transactions left mid round (PROPOSING, COMMITTING, REVEALING)
func (s *Store) InFlightTransactions() (list []*lib.Transaction, err lib.ErrorI) {
	for _, status := range []lib.TransactionStatus{lib.StatusProposing, lib.StatusCommitting, lib.StatusRevealing} {
		txs, e := s.TransactionsByStatus(status)
		if e != nil {
			return nil, e
		}
		list = append(list, txs...)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].PendingSequence < list[j].PendingSequence })
	return
}

// AwaitingFinalization() returns ACCEPTED and UNDETERMINED transactions ordered by the start of their finality window
func (s *Store) AwaitingFinalization() ([]*lib.Transaction, lib.ErrorI) {
	accepted, err := s.TransactionsByStatus(lib.StatusAccepted)
	if err != nil {
		return nil, err
	}
	undetermined, err := s.TransactionsByStatus(lib.StatusUndetermined)
	if err != nil {
		return nil, err
	}
	list := append(accepted, undetermined...)
	sort.SliceStable(list, func(i, j int) bool { return unixNano(list[i]) < unixNano(list[j]) })
	return list, nil
}

func unixNano(tx *lib.Transaction) int64 {
	if tx.TimestampAwaitingFinalization == nil {
		return 0
	}
	return tx.TimestampAwaitingFinalization.UnixNano()
}

// TransactionCount() returns the number of transactions inserted for the sender (the next expected nonce)
func (s *Store) TransactionCount(from common.Address) (count uint64, err lib.ErrorI) {
	err = s.view(func(txn *badger.Txn) (e lib.ErrorI) {
		count, e = readCount(txn, from)
		return
	})
	return
}

// TriggeredTransactions() returns the children of a transaction in the DAG
func (s *Store) TriggeredTransactions(parent common.Hash) (children []common.Hash, err lib.ErrorI) {
	prefix := lib.Append(childPrefix, parent[:])
	err = s.view(func(txn *badger.Txn) lib.ErrorI {
		return iterate(txn, prefix, func(key, _ []byte) lib.ErrorI {
			children = append(children, common.BytesToHash(key[len(prefix):]))
			return nil
		})
	})
	return
}

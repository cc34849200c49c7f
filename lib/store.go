package lib

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

/* This file contains persistence module interfaces that are used throughout the app */

// StoreI defines the interface for the transaction, contract state and validator persistence
type StoreI interface {
	TxStoreI        // the transaction table and its indexes
	ContractStoreI  // contract state snapshots
	ValidatorStoreI // the validator registry
	Close() ErrorI  // gracefully stop the database
}

// TxStoreI defines the transaction operations; every write is a single atomic per-hash update
type TxStoreI interface {
	GetTransaction(hash common.Hash) (*Transaction, ErrorI)                                     // get a transaction by hash
	InsertTransaction(tx *Transaction) ErrorI                                                   // admit a new transaction as PENDING
	Update(hash common.Hash, fn func(tx *Transaction) ErrorI) (*Transaction, ErrorI)            // atomically read, mutate and persist (status edge validated)
	UpdateStatus(hash common.Hash, status TransactionStatus) ErrorI                             // move along a legal edge
	SetResult(hash common.Hash, status TransactionStatus, cd *ConsensusData, ts *time.Time) ErrorI // status + consensus data + timestamp at once
	SetAppeal(hash common.Hash, appealed bool) ErrorI                                           // user appeal flag
	SetAppealFailed(hash common.Hash, count uint64) ErrorI                                      // failed validator appeal counter
	SetAppealUndetermined(hash common.Hash, v bool) ErrorI                                      // leader appeal marker
	SetTimestampAwaitingFinalization(hash common.Hash, ts *time.Time) ErrorI                    // start of the finality window
	PendingTransactions() ([]*Transaction, ErrorI)                                              // PENDING in admission order
	InFlightTransactions() ([]*Transaction, ErrorI)                                             // PROPOSING, COMMITTING or REVEALING (crash leftovers)
	AwaitingFinalization() ([]*Transaction, ErrorI)                                             // ACCEPTED or UNDETERMINED ordered by timestamp
	TransactionsByStatus(status TransactionStatus) ([]*Transaction, ErrorI)                     // any status, index order
	TransactionCount(from common.Address) (uint64, ErrorI)                                      // the next expected nonce of the sender
	TriggeredTransactions(parent common.Hash) ([]common.Hash, ErrorI)                           // children of a parent in the transaction DAG
}

// ContractStoreI defines the contract snapshot operations
type ContractStoreI interface {
	ReadContractState(address common.Address) (*ContractState, ErrorI) // the latest accepted and finalized digests
	WriteAcceptedState(address common.Address, digest []byte) ErrorI    // emitted on ACCEPTED
	WriteFinalizedState(address common.Address, digest []byte) ErrorI   // committed on FINALIZED
}

// ValidatorStoreI defines the validator registry operations
type ValidatorStoreI interface {
	Validators() ([]*Validator, ErrorI)            // the full registry, ordered by address
	SetValidator(v *Validator) ErrorI              // register or restake
	DeleteValidator(address common.Address) ErrorI // unregister
}

// MirrorI is the fire-and-forget sink for finalized transactions
type MirrorI interface {
	Notify(n *FinalizedNotification) // must not block on acknowledgement
}

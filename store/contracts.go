package store

import (
	"bytes"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/verdict-network/verdict/lib"
)

func contractKey(address common.Address) []byte { return lib.Append(contractPrefix, address[:]) }

// ReadContractState() returns the latest accepted and finalized digests of a contract; unknown contracts have empty digests
func (s *Store) ReadContractState(address common.Address) (*lib.ContractState, lib.ErrorI) {
	if cached, ok := s.contracts.Get(address); ok {
		cp := *cached.(*lib.ContractState)
		return &cp, nil
	}
	state := &lib.ContractState{Address: address}
	if err := s.view(func(txn *badger.Txn) lib.ErrorI {
		bz, e := get(txn, contractKey(address))
		if e != nil || bz == nil {
			return e
		}
		return lib.UnmarshalJSON(bz, state)
	}); err != nil {
		return nil, err
	}
	cp := *state
	s.contracts.Add(address, &cp)
	return state, nil
}

// WriteAcceptedState() records the post-state digest of an ACCEPTED transaction
func (s *Store) WriteAcceptedState(address common.Address, digest []byte) lib.ErrorI {
	return s.writeContractState(address, func(state *lib.ContractState) {
		state.AcceptedDigest = bytes.Clone(digest)
	})
}

// WriteFinalizedState() commits the post-state digest of a FINALIZED transaction
func (s *Store) WriteFinalizedState(address common.Address, digest []byte) lib.ErrorI {
	return s.writeContractState(address, func(state *lib.ContractState) {
		state.FinalizedDigest = bytes.Clone(digest)
	})
}

func (s *Store) writeContractState(address common.Address, mutate func(state *lib.ContractState)) lib.ErrorI {
	var written *lib.ContractState
	err := s.update(func(txn *badger.Txn) lib.ErrorI {
		state := &lib.ContractState{Address: address}
		bz, e := get(txn, contractKey(address))
		if e != nil {
			return e
		}
		if bz != nil {
			if e = lib.UnmarshalJSON(bz, state); e != nil {
				return e
			}
		}
		mutate(state)
		written = state
		return setJSON(txn, contractKey(address), state)
	})
	if err != nil {
		// the cached copy may be stale
		s.contracts.Remove(address)
		return err
	}
	s.contracts.Add(address, written)
	return nil
}

package store

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/verdict-network/verdict/lib"
)

func validatorKey(address common.Address) []byte { return lib.Append(validatorPrefix, address[:]) }

// Validators() returns the full registry ordered by address
func (s *Store) Validators() (list []*lib.Validator, err lib.ErrorI) {
	err = s.view(func(txn *badger.Txn) lib.ErrorI {
		return iterate(txn, validatorPrefix, func(_, value []byte) lib.ErrorI {
			v := new(lib.Validator)
			if e := lib.UnmarshalJSON(value, v); e != nil {
				return e
			}
			list = append(list, v)
			return nil
		})
	})
	return
}

// SetValidator() registers or restakes a validator
func (s *Store) SetValidator(v *lib.Validator) lib.ErrorI {
	if v == nil {
		return lib.ErrInvalidArgument()
	}
	return s.update(func(txn *badger.Txn) lib.ErrorI {
		return setJSON(txn, validatorKey(v.Address), v)
	})
}

// DeleteValidator() unregisters a validator
func (s *Store) DeleteValidator(address common.Address) lib.ErrorI {
	return s.update(func(txn *badger.Txn) lib.ErrorI {
		bz, err := get(txn, validatorKey(address))
		if err != nil {
			return err
		}
		if bz == nil {
			return lib.ErrValidatorNotFound(address.Hex())
		}
		return del(txn, validatorKey(address))
	})
}

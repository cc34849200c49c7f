package lib

import (
	"bytes"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/btree"
)

/* This file implements the read-only snapshot of the validator registry taken at the start of a round */

// Validator is a registered node eligible for selection
type Validator struct {
	Address common.Address `json:"address"`
	Stake   uint64         `json:"stake"` // the only field consulted by selection
	Model   ModelConfig    `json:"model"`
}

// ModelConfig describes the execution backend of a validator
type ModelConfig struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Config   json.RawMessage `json:"config,omitempty"` // provider specific options, passed through to the runner
}

// NodeConfig() returns the identity recorded in the validator's receipts
func (v *Validator) NodeConfig() NodeConfig {
	return NodeConfig{Address: v.Address, Provider: v.Model.Provider, Model: v.Model.Model}
}

// validatorLess orders the pool by address
func validatorLess(a, b *Validator) bool { return bytes.Compare(a.Address[:], b.Address[:]) < 0 }

// ValidatorPool is an immutable, address ordered view of the validator set
// NOTES:
// - changes to the registry after NewValidatorPool() do not affect the view
// - iteration order is by address so every consumer observes the same ordering
type ValidatorPool struct {
	tree       *btree.BTreeG[*Validator]
	totalStake uint64
}

// NewValidatorPool() snapshots the validators; copies are taken and duplicates (by address) keep the last entry
func NewValidatorPool(validators []*Validator) *ValidatorPool {
	p := &ValidatorPool{tree: btree.NewG[*Validator](8, validatorLess)}
	for _, v := range validators {
		if v == nil {
			continue
		}
		cp := *v
		if old, replaced := p.tree.ReplaceOrInsert(&cp); replaced {
			p.totalStake -= old.Stake
		}
		p.totalStake += cp.Stake
	}
	return p
}

// Validators() returns the snapshot as a slice ordered by address
func (p *ValidatorPool) Validators() (list []*Validator) {
	list = make([]*Validator, 0, p.tree.Len())
	p.tree.Ascend(func(v *Validator) bool {
		cp := *v
		list = append(list, &cp)
		return true
	})
	return
}

// TotalStake() returns the sum of the stake in the snapshot
func (p *ValidatorPool) TotalStake() uint64 { return p.totalStake }

// Count() returns the number of validators in the snapshot
func (p *ValidatorPool) Count() int { return p.tree.Len() }

// Get() looks a validator up by address
func (p *ValidatorPool) Get(address common.Address) (*Validator, bool) {
	v, found := p.tree.Get(&Validator{Address: address})
	if !found {
		return nil, false
	}
	cp := *v
	return &cp, true
}

// Excluding() returns the validators whose address is not in the exclusion list, ordered by address
func (p *ValidatorPool) Excluding(exclude []common.Address) []*Validator {
	skip := make(map[common.Address]struct{}, len(exclude))
	for _, a := range exclude {
		skip[a] = struct{}{}
	}
	var out []*Validator
	p.tree.Ascend(func(v *Validator) bool {
		if _, excluded := skip[v.Address]; !excluded {
			cp := *v
			out = append(out, &cp)
		}
		return true
	})
	return out
}

// Filter() returns a new snapshot holding only the validators that satisfy keep
func (p *ValidatorPool) Filter(keep func(v *Validator) bool) *ValidatorPool {
	var kept []*Validator
	p.tree.Ascend(func(v *Validator) bool {
		if keep(v) {
			kept = append(kept, v)
		}
		return true
	})
	return NewValidatorPool(kept)
}

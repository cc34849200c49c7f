package election

import (
	"encoding/binary"
	"math/rand/v2"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/verdict-network/verdict/lib"
	"gonum.org/v1/gonum/stat/distuv"
)

/*
	VALIDATOR SELECTION:

		1) Seed: Keccak256(transaction hash + selection context); the context is the leader appeal count for initial
		rounds and the failed appeal count for validator appeals. Every node that replays the same transaction against
		the same pool draws the same committee.

		2) Stake weighted draws: 10*k indices are drawn with replacement from a categorical distribution over stake,
		then shuffled and scanned until k distinct validators are gathered.

		3) Ordering: the chosen subset is shuffled so the leader (position 0) is uniform within the committee.

	Pros:
	- selection probability is proportional to the validator's share of stake
	- bounded expected work: O(k) draws per batch
	- deterministic given (transaction, pool), which makes rounds reproducible
*/

const (
	drawsPerSeat = 10  // draws with replacement per requested seat
	maxBatches   = 100 // batches before the remaining seats are filled by descending stake
)

// seed tags keep initial and appeal selections of the same transaction independent
const (
	tagRound  = "round"
	tagAppeal = "appeal"
)

// RoundSeed() derives the selection seed of a (re)processed transaction
func RoundSeed(hash common.Hash, leaderAppealCount uint64) common.Hash {
	return seed(tagRound, hash, leaderAppealCount)
}

// AppealSeed() derives the selection seed of a validator appeal
func AppealSeed(hash common.Hash, appealFailed uint64) common.Hash {
	return seed(tagAppeal, hash, appealFailed)
}

func seed(tag string, hash common.Hash, n uint64) common.Hash {
	return crypto.Keccak256Hash([]byte(tag), hash[:], binary.BigEndian.AppendUint64(nil, n))
}

// newSource() converts a seed into a deterministic PCG source
func newSource(seed common.Hash) *rand.PCG {
	return rand.NewPCG(binary.BigEndian.Uint64(seed[:8]), binary.BigEndian.Uint64(seed[8:16]))
}

// SelectValidators() returns min(k, N) distinct validators drawn with probability proportional to stake, in random order
// NOTES:
// - zero stake validators are never selected
// - the first element is the leader; the remainder are the validators of the round
func SelectValidators(validators []*lib.Validator, k int, seed common.Hash) ([]*lib.Validator, lib.ErrorI) {
	// filter out the validators that can never be drawn
	eligible := make([]*lib.Validator, 0, len(validators))
	for _, v := range validators {
		if v != nil && v.Stake > 0 {
			eligible = append(eligible, v)
		}
	}
	if len(eligible) == 0 || k <= 0 {
		return nil, lib.ErrNoValidatorsAvailable()
	}
	src := newSource(seed)
	rng := rand.New(src)
	// if every validator is requested, only the ordering is random
	if k >= len(eligible) {
		out := append([]*lib.Validator(nil), eligible...)
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out, nil
	}
	// build the stake weighted distribution over the indices
	weights := make([]float64, len(eligible))
	for i, v := range eligible {
		weights[i] = float64(v.Stake)
	}
	categorical := distuv.NewCategorical(weights, src)
	chosen, dedupe := make([]*lib.Validator, 0, k), lib.NewDeDuplicator[int]()
	for batch := 0; batch < maxBatches && len(chosen) < k; batch++ {
		// draw with replacement
		draws := make([]int, drawsPerSeat*k)
		for i := range draws {
			draws[i] = int(categorical.Rand())
		}
		rng.Shuffle(len(draws), func(i, j int) { draws[i], draws[j] = draws[j], draws[i] })
		// scan until k distinct
		for _, idx := range draws {
			if dedupe.Found(idx) {
				continue
			}
			if chosen = append(chosen, eligible[idx]); len(chosen) == k {
				break
			}
		}
	}
	// extreme stake skew: fill the remaining seats by descending stake
	if len(chosen) < k {
		rest := make([]int, 0, len(eligible))
		for i := range eligible {
			if !dedupe.Found(i) {
				rest = append(rest, i)
			}
		}
		sort.SliceStable(rest, func(a, b int) bool { return eligible[rest[a]].Stake > eligible[rest[b]].Stake })
		for _, idx := range rest[:k-len(chosen)] {
			chosen = append(chosen, eligible[idx])
		}
	}
	rng.Shuffle(len(chosen), func(i, j int) { chosen[i], chosen[j] = chosen[j], chosen[i] })
	return chosen, nil
}

// AppealSize() returns how many fresh validators a validator appeal adds, given the current committee size
// (leader and validators) and the number of previously failed appeals
func AppealSize(current int, appealFailed uint64) int {
	var n int
	switch {
	case appealFailed == 0:
		n = current + 2
	case appealFailed == 1:
		n = 2*((current-2)/2) + 3
	default:
		n = 4*((current-3)/int(2*appealFailed-1)) + 3
	}
	if n < 1 {
		n = 1
	}
	return n
}

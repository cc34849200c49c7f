package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"github.com/verdict-network/verdict/election"
	"github.com/verdict-network/verdict/lib"
	"github.com/verdict-network/verdict/runner"
	"github.com/verdict-network/verdict/store"
)

var _ runner.Runner = &scriptedRunner{}

// call is a single validator execution: who validated whose proposal
type call struct {
	validator common.Address
	leader    common.Address
}

// scriptedRunner executes every node in process; the leader's digest is derived from its address
type scriptedRunner struct {
	mu             sync.Mutex
	vote           func(validator, leader common.Address) lib.Vote // nil means always AGREE
	down           map[common.Address]bool                         // nodes whose calls fail
	children       []lib.TriggeredTransaction                      // emitted by every leader
	leaderCalls    []common.Address
	validatorCalls []call
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{down: make(map[common.Address]bool)}
}

func digestOf(leader common.Address) lib.HexBytes { return lib.HexBytes(leader.Bytes()) }

func (s *scriptedRunner) RunAsLeader(ctx context.Context, req *runner.LeaderRequest) (*lib.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node := req.NodeConfig.Address
	s.leaderCalls = append(s.leaderCalls, node)
	if s.down[node] {
		return nil, errors.New("connection refused")
	}
	return &lib.Receipt{
		Vote:                lib.VoteAgree,
		ExecutionResult:     lib.ExecutionSuccess,
		PostStateDigest:     digestOf(node),
		PendingTransactions: s.children,
	}, nil
}

func (s *scriptedRunner) RunAsValidator(ctx context.Context, req *runner.ValidatorRequest) (*lib.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node, leader := req.NodeConfig.Address, req.LeaderReceipt.NodeConfig.Address
	s.validatorCalls = append(s.validatorCalls, call{validator: node, leader: leader})
	if s.down[node] {
		return nil, errors.New("connection refused")
	}
	vote := lib.VoteAgree
	if s.vote != nil {
		vote = s.vote(node, leader)
	}
	return &lib.Receipt{Vote: vote, ExecutionResult: lib.ExecutionSuccess, PostStateDigest: req.LeaderReceipt.PostStateDigest}, nil
}

func (s *scriptedRunner) IsAvailable(context.Context) bool { return true }

func (s *scriptedRunner) IsModelAvailable(context.Context, string, string) bool { return true }

// callsTo() counts the validator calls a node received
func (s *scriptedRunner) callsTo(node common.Address) (n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.validatorCalls {
		if c.validator == node {
			n++
		}
	}
	return
}

// reset() forgets the recorded calls
func (s *scriptedRunner) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderCalls, s.validatorCalls = nil, nil
}

// recordingMirror keeps every notification
type recordingMirror struct {
	mu    sync.Mutex
	notes []*lib.FinalizedNotification
}

func (r *recordingMirror) Notify(n *lib.FinalizedNotification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingMirror) received() []*lib.FinalizedNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*lib.FinalizedNotification(nil), r.notes...)
}

// runnerWithoutProviders() is a gateway that can't reach any runner
func runnerWithoutProviders() *runner.Gateway {
	return runner.NewGateway(runner.NewRegistry(nil), time.Second, 0, nil, lib.NewNullLogger())
}

// testEnv is a machine over an in-memory store and a scripted runner
type testEnv struct {
	store      *store.Store
	runner     *scriptedRunner
	mirror     *recordingMirror
	machine    *Machine
	config     lib.ConsensusConfig
	validators []*lib.Validator
}

const testFinalityWindow = 50 * time.Millisecond

var testContract = common.HexToAddress("0xc0ffee")

func newTestEnv(t *testing.T, poolSize, k int) *testEnv {
	s, err := store.NewStoreInMemory(lib.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	env := &testEnv{store: s, runner: newScriptedRunner(), mirror: &recordingMirror{}}
	for i := 0; i < poolSize; i++ {
		v := &lib.Validator{
			Address: common.HexToAddress(fmt.Sprintf("0x%x", 0x100+i)),
			Stake:   1,
			Model:   lib.ModelConfig{Provider: "openai", Model: "gpt-4o"},
		}
		require.NoError(t, s.SetValidator(v))
		env.validators = append(env.validators, v)
	}
	env.config = lib.DefaultConsensusConfig()
	env.config.NumInitialValidators = k
	env.config.FinalityWindowSeconds = testFinalityWindow.Seconds()
	gateway := runner.NewGateway(runner.NewRegistry(env.runner), time.Second, 0, nil, lib.NewNullLogger())
	env.machine = New(env.config, s, gateway, env.mirror, nil, lib.NewNullLogger())
	return env
}

// submit() admits a call to the test contract
func (e *testEnv) submit(t *testing.T, nonce uint64) *lib.Transaction {
	to := testContract
	tx := &lib.Transaction{
		FromAddress: common.HexToAddress("0xa11ce"),
		ToAddress:   &to,
		Type:        lib.TxTypeCall,
		Nonce:       nonce,
		Value:       uint256.NewInt(0),
		Data:        lib.HexBytes(fmt.Sprintf("call-%d", nonce)),
	}
	require.NoError(t, e.store.InsertTransaction(tx))
	return tx
}

// committee() reproduces the ordering the machine draws for a fresh rotation
func (e *testEnv) committee(t *testing.T, tx *lib.Transaction) []common.Address {
	selected, err := election.SelectValidators(e.validators, e.config.NumInitialValidators, election.RoundSeed(tx.Hash, tx.LeaderAppealCount))
	require.NoError(t, err)
	out := make([]common.Address, len(selected))
	for i, v := range selected {
		out[i] = v.Address
	}
	return out
}

func (e *testEnv) get(t *testing.T, hash common.Hash) *lib.Transaction {
	tx, err := e.store.GetTransaction(hash)
	require.NoError(t, err)
	return tx
}

func contains(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func cycles(n int, tail ...lib.TransactionStatus) (out []lib.TransactionStatus) {
	for i := 0; i < n; i++ {
		out = append(out, lib.StatusProposing, lib.StatusCommitting, lib.StatusRevealing)
	}
	return append(out, tail...)
}

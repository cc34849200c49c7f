package controller

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
	"github.com/verdict-network/verdict/consensus"
	"github.com/verdict-network/verdict/lib"
	"github.com/verdict-network/verdict/runner"
	"github.com/verdict-network/verdict/store"
)

var _ runner.Runner = &journalRunner{}

// journal is the ordered history of executions and finalizations across contracts
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, fmt.Sprintf(format, args...))
}

// index() returns the position of the first matching event or -1
func (j *journal) index(event string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, e := range j.events {
		if e == event {
			return i
		}
	}
	return -1
}

// journalRunner agrees with every proposal unless the transaction data is listed in disagree
type journalRunner struct {
	journal   *journal
	mu        sync.Mutex
	disagree  map[string]bool
	active    map[common.Address]int // leader executions in progress per contract
	maxActive int
	delay     time.Duration
}

func (r *journalRunner) RunAsLeader(ctx context.Context, req *runner.LeaderRequest) (*lib.Receipt, error) {
	contract := req.Transaction.ContractAddress()
	r.mu.Lock()
	r.active[contract]++
	if r.active[contract] > r.maxActive {
		r.maxActive = r.active[contract]
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active[contract]--
		r.mu.Unlock()
	}()
	r.journal.add("run %s", req.Transaction.Hash.Hex())
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(r.delay):
	}
	return &lib.Receipt{
		Vote:            lib.VoteAgree,
		ExecutionResult: lib.ExecutionSuccess,
		PostStateDigest: lib.HexBytes(req.Transaction.Data),
	}, nil
}

func (r *journalRunner) RunAsValidator(ctx context.Context, req *runner.ValidatorRequest) (*lib.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	vote := lib.VoteAgree
	if r.disagree[string(req.Transaction.Data)] {
		vote = lib.VoteDisagree
	}
	r.mu.Unlock()
	return &lib.Receipt{Vote: vote, ExecutionResult: lib.ExecutionSuccess, PostStateDigest: req.LeaderReceipt.PostStateDigest}, nil
}

func (r *journalRunner) IsAvailable(context.Context) bool { return true }

func (r *journalRunner) IsModelAvailable(context.Context, string, string) bool { return true }

func (r *journalRunner) maxConcurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxActive
}

// flakyProcessor fails the first Process calls the way a store hiccup would
type flakyProcessor struct {
	Processor
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyProcessor) Process(ctx context.Context, hash common.Hash) lib.ErrorI {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return lib.ErrStateStoreFailure(errors.New("disk full"))
	}
	return f.Processor.Process(ctx, hash)
}

func (f *flakyProcessor) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// journalMirror records finalizations in the journal
type journalMirror struct{ journal *journal }

func (m journalMirror) Notify(n *lib.FinalizedNotification) { m.journal.add("final %s", n.Hash.Hex()) }

const (
	testCrawl    = 20 * time.Millisecond
	testScan     = 10 * time.Millisecond
	testWindow   = 50 * time.Millisecond
	testDeadline = 5 * time.Second
)

var testSender = common.HexToAddress("0xa11ce")

// testEnv is a dispatcher driving a real machine over an in-memory store
type testEnv struct {
	store      *store.Store
	runner     *journalRunner
	journal    *journal
	machine    *consensus.Machine
	config     lib.ConsensusConfig
	dispatcher *Dispatcher
	nonce      uint64
}

func newTestEnv(t *testing.T, poolSize int, configure ...func(c *lib.ConsensusConfig)) *testEnv {
	s, err := store.NewStoreInMemory(lib.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	for i := 0; i < poolSize; i++ {
		require.NoError(t, s.SetValidator(&lib.Validator{
			Address: common.HexToAddress(fmt.Sprintf("0x%x", 0x100+i)),
			Stake:   1,
			Model:   lib.ModelConfig{Provider: "openai", Model: "gpt-4o"},
		}))
	}
	config := lib.DefaultConsensusConfig()
	config.NumInitialValidators = 3
	config.FinalityWindowSeconds = testWindow.Seconds()
	config.CrawlIntervalSeconds = testCrawl.Seconds()
	config.AppealIntervalSeconds = testScan.Seconds()
	for _, fn := range configure {
		fn(&config)
	}
	j := &journal{}
	r := &journalRunner{journal: j, disagree: make(map[string]bool), active: make(map[common.Address]int)}
	gateway := runner.NewGateway(runner.NewRegistry(r), time.Second, 0, nil, lib.NewNullLogger())
	machine := consensus.New(config, s, gateway, journalMirror{journal: j}, nil, lib.NewNullLogger())
	return &testEnv{
		store:      s,
		runner:     r,
		journal:    j,
		machine:    machine,
		config:     config,
		dispatcher: New(config, machine, s, nil, lib.NewNullLogger()),
	}
}

// submit() admits a call to the contract from the test sender
func (e *testEnv) submit(t *testing.T, contract common.Address, data string) *lib.Transaction {
	to := contract
	tx := &lib.Transaction{
		FromAddress: testSender,
		ToAddress:   &to,
		Type:        lib.TxTypeCall,
		Nonce:       e.nonce,
		Value:       uint256.NewInt(0),
		Data:        lib.HexBytes(data),
	}
	require.NoError(t, e.store.InsertTransaction(tx))
	e.nonce++
	return tx
}

func (e *testEnv) status(t *testing.T, hash common.Hash) lib.TransactionStatus {
	tx, err := e.store.GetTransaction(hash)
	require.NoError(t, err)
	return tx.Status
}

// waitFor() blocks until the transaction reaches the status
func (e *testEnv) waitFor(t *testing.T, hash common.Hash, status lib.TransactionStatus) {
	require.Eventually(t, func() bool {
		tx, err := e.store.GetTransaction(hash)
		return err == nil && tx.Status == status
	}, testDeadline, 5*time.Millisecond,
		"%s never reached %s", lib.ShortHash(hash), status)
}

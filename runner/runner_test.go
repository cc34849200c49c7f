package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/verdict-network/verdict/lib"
)

// fakeRunner is a scripted in-process Runner
type fakeRunner struct {
	leader    func(req *LeaderRequest) (*lib.Receipt, error)
	validator func(req *ValidatorRequest) (*lib.Receipt, error)
	available bool
	models    map[string]bool
	calls     atomic.Int64
}

func (f *fakeRunner) RunAsLeader(ctx context.Context, req *LeaderRequest) (*lib.Receipt, error) {
	f.calls.Add(1)
	return f.leader(req)
}

func (f *fakeRunner) RunAsValidator(ctx context.Context, req *ValidatorRequest) (*lib.Receipt, error) {
	f.calls.Add(1)
	return f.validator(req)
}

func (f *fakeRunner) IsAvailable(context.Context) bool { return f.available }

func (f *fakeRunner) IsModelAvailable(_ context.Context, _, model string) bool { return f.models[model] }

func newTestValidator() *lib.Validator {
	return &lib.Validator{
		Address: common.HexToAddress("0xbeef"),
		Stake:   1,
		Model:   lib.ModelConfig{Provider: "openai", Model: "gpt-4o"},
	}
}

func newTestGateway(r Runner, timeout time.Duration, retries uint64) *Gateway {
	registry := NewRegistry(nil)
	registry.Register("openai", r)
	return NewGateway(registry, timeout, retries, nil, lib.NewNullLogger())
}

func TestGatewayLeader(t *testing.T) {
	tests := []struct {
		name           string
		detail         string
		receipt        *lib.Receipt
		expectedVote   lib.Vote
		expectedDigest lib.HexBytes
	}{
		{
			name:           "success",
			detail:         "the leader always proposes",
			receipt:        &lib.Receipt{Vote: lib.VoteDisagree, ExecutionResult: lib.ExecutionSuccess, PostStateDigest: lib.HexBytes{1}},
			expectedVote:   lib.VoteAgree,
			expectedDigest: lib.HexBytes{1},
		},
		{
			name:         "execution error",
			detail:       "an execution error is proposed with an empty digest",
			receipt:      &lib.Receipt{Vote: lib.VoteAgree, ExecutionResult: lib.ExecutionError, PostStateDigest: lib.HexBytes{9}},
			expectedVote: lib.VoteAgree,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			v := newTestValidator()
			g := newTestGateway(&fakeRunner{leader: func(*LeaderRequest) (*lib.Receipt, error) { return test.receipt, nil }}, time.Second, 0)
			got, err := g.RunAsLeader(context.Background(), &lib.Transaction{}, &lib.ContractState{}, v)
			require.NoError(t, err, test.detail)
			require.Equal(t, test.expectedVote, got.Vote, test.detail)
			require.Equal(t, test.expectedDigest, got.PostStateDigest, test.detail)
			require.Equal(t, v.NodeConfig(), got.NodeConfig, test.detail)
		})
	}
}

func TestGatewayValidatorVote(t *testing.T) {
	leader := &lib.Receipt{Vote: lib.VoteAgree, ExecutionResult: lib.ExecutionSuccess, PostStateDigest: lib.HexBytes{1}}
	failed := &lib.Receipt{Vote: lib.VoteAgree, ExecutionResult: lib.ExecutionError}
	tests := []struct {
		name     string
		detail   string
		leader   *lib.Receipt
		receipt  *lib.Receipt
		expected lib.Vote
	}{
		{
			name:     "same digest",
			detail:   "a reproduced execution keeps the runner's AGREE",
			leader:   leader,
			receipt:  &lib.Receipt{Vote: lib.VoteAgree, ExecutionResult: lib.ExecutionSuccess, PostStateDigest: lib.HexBytes{1}},
			expected: lib.VoteAgree,
		},
		{
			name:     "different digest",
			detail:   "a different post-state digest is a DISAGREE",
			leader:   leader,
			receipt:  &lib.Receipt{Vote: lib.VoteAgree, ExecutionResult: lib.ExecutionSuccess, PostStateDigest: lib.HexBytes{2}},
			expected: lib.VoteDisagree,
		},
		{
			name:     "different result",
			detail:   "an execution error against a successful proposal is a DISAGREE",
			leader:   leader,
			receipt:  &lib.Receipt{Vote: lib.VoteAgree, ExecutionResult: lib.ExecutionError, PostStateDigest: lib.HexBytes{1}},
			expected: lib.VoteDisagree,
		},
		{
			name:     "both failed",
			detail:   "two execution errors match whatever digest the runner reports",
			leader:   failed,
			receipt:  &lib.Receipt{Vote: lib.VoteAgree, ExecutionResult: lib.ExecutionError, PostStateDigest: lib.HexBytes{7}},
			expected: lib.VoteAgree,
		},
		{
			name:     "runner disagrees",
			detail:   "a matching receipt may still DISAGREE",
			leader:   leader,
			receipt:  &lib.Receipt{Vote: lib.VoteDisagree, ExecutionResult: lib.ExecutionSuccess, PostStateDigest: lib.HexBytes{1}},
			expected: lib.VoteDisagree,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := newTestGateway(&fakeRunner{validator: func(*ValidatorRequest) (*lib.Receipt, error) { return test.receipt, nil }}, time.Second, 0)
			got, err := g.RunAsValidator(context.Background(), &lib.Transaction{}, &lib.ContractState{}, newTestValidator(), test.leader)
			require.NoError(t, err, test.detail)
			require.Equal(t, test.expected, got.Vote, test.detail)
		})
	}
}

func TestGatewayFailures(t *testing.T) {
	tests := []struct {
		name          string
		detail        string
		runner        *fakeRunner
		retries       uint64
		expectedCalls int64
	}{
		{
			name:   "malformed vote",
			detail: "a malformed receipt is not retried",
			runner: &fakeRunner{validator: func(*ValidatorRequest) (*lib.Receipt, error) {
				return &lib.Receipt{Vote: "MAYBE", ExecutionResult: lib.ExecutionSuccess}, nil
			}},
			retries:       3,
			expectedCalls: 1,
		},
		{
			name:   "duplicate output index",
			detail: "non-deterministic outputs must be keyed uniquely",
			runner: &fakeRunner{validator: func(*ValidatorRequest) (*lib.Receipt, error) {
				return &lib.Receipt{Vote: lib.VoteAgree, ExecutionResult: lib.ExecutionSuccess,
					NonDeterministicOutputs: []lib.NonDeterministicCall{{Index: 1}, {Index: 1}}}, nil
			}},
			retries:       3,
			expectedCalls: 1,
		},
		{
			name:   "unreachable",
			detail: "transport failures are retried up to the budget",
			runner: &fakeRunner{validator: func(*ValidatorRequest) (*lib.Receipt, error) {
				return nil, errors.New("connection refused")
			}},
			retries:       1,
			expectedCalls: 2,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := newTestGateway(test.runner, 10*time.Second, test.retries)
			_, err := g.RunAsValidator(context.Background(), &lib.Transaction{}, &lib.ContractState{}, newTestValidator(), &lib.Receipt{})
			require.True(t, lib.IsCode(err, lib.RunnerModule, lib.CodeRunnerUnavailable), test.detail)
			require.Equal(t, test.expectedCalls, test.runner.calls.Load(), test.detail)
		})
	}
}

func TestGatewayTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := &fakeRunner{validator: func(*ValidatorRequest) (*lib.Receipt, error) {
		<-block
		return nil, errors.New("unreachable")
	}}
	registry := NewRegistry(nil)
	registry.Register("openai", &ctxRunner{fakeRunner: r})
	g := NewGateway(registry, 20*time.Millisecond, 0, nil, lib.NewNullLogger())
	start := time.Now()
	_, err := g.RunAsValidator(context.Background(), &lib.Transaction{}, &lib.ContractState{}, newTestValidator(), &lib.Receipt{})
	require.True(t, lib.IsCode(err, lib.RunnerModule, lib.CodeRunnerUnavailable))
	require.Less(t, time.Since(start), time.Second)
}

// ctxRunner honors the context deadline the way a network client does
type ctxRunner struct{ *fakeRunner }

func (c *ctxRunner) RunAsValidator(ctx context.Context, req *ValidatorRequest) (*lib.Receipt, error) {
	done := make(chan struct{})
	var (
		receipt *lib.Receipt
		err     error
	)
	go func() {
		defer close(done)
		receipt, err = c.fakeRunner.RunAsValidator(ctx, req)
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return receipt, err
	}
}

func TestGatewayUnknownProvider(t *testing.T) {
	g := NewGateway(NewRegistry(nil), time.Second, 0, nil, lib.NewNullLogger())
	v := newTestValidator()
	_, err := g.RunAsLeader(context.Background(), &lib.Transaction{}, &lib.ContractState{}, v)
	require.True(t, lib.IsCode(err, lib.RunnerModule, lib.CodeRunnerUnavailable))
	require.False(t, g.Available(context.Background(), v))
}

func TestGatewayAvailable(t *testing.T) {
	v := newTestValidator()
	tests := []struct {
		name      string
		available bool
		models    map[string]bool
		expected  bool
	}{
		{name: "available", available: true, models: map[string]bool{"gpt-4o": true}, expected: true},
		{name: "runner down", available: false, models: map[string]bool{"gpt-4o": true}, expected: false},
		{name: "model missing", available: true, models: map[string]bool{}, expected: false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := newTestGateway(&fakeRunner{available: test.available, models: test.models}, time.Second, 0)
			require.Equal(t, test.expected, g.Available(context.Background(), v))
		})
	}
}

func TestRegistryDefault(t *testing.T) {
	def, special := &fakeRunner{}, &fakeRunner{}
	r := NewRegistry(def)
	r.Register("local", special)
	got, err := r.Get("local")
	require.NoError(t, err)
	require.Same(t, special, got)
	got, err = r.Get("anything")
	require.NoError(t, err)
	require.Same(t, def, got)
	_, err = NewRegistry(nil).Get("anything")
	require.True(t, lib.IsCode(err, lib.RunnerModule, lib.CodeUnknownProvider))
}

// jsonRPCRequest is the wire shape of a JSON-RPC 2.0 request
type jsonRPCRequest struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// rpcError is the wire shape of a JSON-RPC 2.0 error
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// newTestRunnerServer() serves the runner methods over JSON-RPC with the handler's results
func newTestRunnerServer(t *testing.T, handle func(method string, params json.RawMessage) (any, *rpcError)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := new(jsonRPCRequest)
		require.NoError(t, json.NewDecoder(r.Body).Decode(req))
		require.Equal(t, "2.0", req.Version)
		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestClient(t *testing.T) {
	leaderDigest := lib.HexBytes{0xaa}
	server := newTestRunnerServer(t, func(method string, params json.RawMessage) (any, *rpcError) {
		switch method {
		case MethodRunAsLeader:
			req := new(LeaderRequest)
			require.NoError(t, json.Unmarshal(params, req))
			require.Equal(t, "gpt-4o", req.NodeConfig.Model)
			return &lib.Receipt{Vote: lib.VoteAgree, ExecutionResult: lib.ExecutionSuccess, PostStateDigest: leaderDigest, GasUsed: 21}, nil
		case MethodRunAsValidator:
			req := new(ValidatorRequest)
			require.NoError(t, json.Unmarshal(params, req))
			// the validator replays the leader's digest
			vote := lib.VoteDisagree
			if string(req.LeaderReceipt.PostStateDigest) == string(leaderDigest) {
				vote = lib.VoteAgree
			}
			return &lib.Receipt{Vote: vote, ExecutionResult: lib.ExecutionSuccess, PostStateDigest: leaderDigest}, nil
		case MethodIsAvailable:
			return true, nil
		case MethodIsModelAvailable:
			q := new(ModelQuery)
			require.NoError(t, json.Unmarshal(params, q))
			return q.Model == "gpt-4o", nil
		}
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	})
	defer server.Close()
	c := NewClient(server.URL, nil)
	ctx := context.Background()
	v := newTestValidator()
	leader, err := c.RunAsLeader(ctx, &LeaderRequest{Transaction: &lib.Transaction{}, NodeConfig: v.NodeConfig()})
	require.NoError(t, err)
	require.Equal(t, leaderDigest, leader.PostStateDigest)
	require.Equal(t, uint64(21), leader.GasUsed)
	validator, err := c.RunAsValidator(ctx, &ValidatorRequest{LeaderRequest: LeaderRequest{Transaction: &lib.Transaction{}}, LeaderReceipt: leader})
	require.NoError(t, err)
	require.Equal(t, lib.VoteAgree, validator.Vote)
	require.True(t, c.IsAvailable(ctx))
	require.True(t, c.IsModelAvailable(ctx, "openai", "gpt-4o"))
	require.False(t, c.IsModelAvailable(ctx, "openai", "llama"))
}

func TestClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	c := NewClient(server.URL, nil)
	_, err := c.RunAsLeader(context.Background(), &LeaderRequest{})
	require.Error(t, err)
	require.False(t, c.IsAvailable(context.Background()))
}

func TestRegistryFromConfig(t *testing.T) {
	config := lib.DefaultRunnerConfig()
	config.RunnerURLs = map[string]string{"local": "http://localhost:4100/api"}
	r := NewRegistryFromConfig(config, time.Second)
	got, err := r.Get("local")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:4100/api", got.(*Client).url)
	got, err = r.Get("openai")
	require.NoError(t, err)
	require.Equal(t, config.DefaultRunnerURL, got.(*Client).url)
}

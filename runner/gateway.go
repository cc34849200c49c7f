package runner

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/verdict-network/verdict/lib"
)

const (
	RoleLeader    = "leader"
	RoleValidator = "validator"
)

// Gateway is the single entry point of the consensus core into the runners
// NOTES:
// - every call carries the per call deadline; transport failures are retried inside it
// - gateway level failures (unreachable, timed out, malformed) surface as ErrRunnerUnavailable
// - execution errors are not failures: they are reflected in the receipt and voted on normally
type Gateway struct {
	registry *Registry
	timeout  time.Duration
	retries  uint64
	metrics  *lib.Metrics
	log      lib.LoggerI
}

// NewGateway() creates a gateway over the registry
func NewGateway(registry *Registry, timeout time.Duration, retries uint64, metrics *lib.Metrics, log lib.LoggerI) *Gateway {
	return &Gateway{registry: registry, timeout: timeout, retries: retries, metrics: metrics, log: log.With("runner")}
}

// RunAsLeader() executes the transaction as the round leader; the leader always proposes, so its vote is AGREE
func (g *Gateway) RunAsLeader(ctx context.Context, tx *lib.Transaction, snapshot *lib.ContractState, v *lib.Validator) (*lib.Receipt, lib.ErrorI) {
	req := &LeaderRequest{Transaction: tx, ContractSnapshot: snapshot, NodeConfig: v.NodeConfig(), ModelConfig: v.Model}
	receipt, err := g.do(ctx, RoleLeader, v, func(ctx context.Context, r Runner) (*lib.Receipt, error) {
		return r.RunAsLeader(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	receipt.Vote = lib.VoteAgree
	if receipt.ExecutionResult == lib.ExecutionError {
		receipt.PostStateDigest = nil
	}
	return receipt, nil
}

// RunAsValidator() re-executes the transaction with the leader's non-deterministic outputs and returns the vote
// NOTES:
// - a receipt whose execution result or post-state digest differs from the leader's is a DISAGREE whatever the runner voted
// - a runner may still DISAGREE with a matching receipt
func (g *Gateway) RunAsValidator(ctx context.Context, tx *lib.Transaction, snapshot *lib.ContractState, v *lib.Validator, leader *lib.Receipt) (*lib.Receipt, lib.ErrorI) {
	req := &ValidatorRequest{
		LeaderRequest: LeaderRequest{Transaction: tx, ContractSnapshot: snapshot, NodeConfig: v.NodeConfig(), ModelConfig: v.Model},
		LeaderReceipt: leader,
	}
	receipt, err := g.do(ctx, RoleValidator, v, func(ctx context.Context, r Runner) (*lib.Receipt, error) {
		return r.RunAsValidator(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if receipt.ExecutionResult == lib.ExecutionError {
		receipt.PostStateDigest = nil
	}
	if receipt.Vote == lib.VoteAgree && !matches(receipt, leader) {
		g.log.Debugf("Validator %s computed a different result, voting %s", v.Address.Hex(), lib.VoteDisagree)
		receipt.Vote = lib.VoteDisagree
	}
	return receipt, nil
}

// matches() reports whether a validator reproduced the leader's execution
func matches(receipt, leader *lib.Receipt) bool {
	if leader == nil {
		return false
	}
	return receipt.ExecutionResult == leader.ExecutionResult && bytes.Equal(receipt.PostStateDigest, leader.PostStateDigest)
}

// Available() reports whether the validator's provider has a reachable runner serving its model
func (g *Gateway) Available(ctx context.Context, v *lib.Validator) bool {
	r, err := g.registry.Get(v.Model.Provider)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return r.IsAvailable(ctx) && r.IsModelAvailable(ctx, v.Model.Provider, v.Model.Model)
}

// do() runs a single node call under the per call deadline with retries and validates the result
func (g *Gateway) do(ctx context.Context, role string, v *lib.Validator, call func(context.Context, Runner) (*lib.Receipt, error)) (receipt *lib.Receipt, err lib.ErrorI) {
	start := time.Now()
	defer func() { g.metrics.ObserveRunnerCall(role, time.Since(start), err != nil) }()
	r, err := g.registry.Get(v.Model.Provider)
	if err != nil {
		return nil, lib.ErrRunnerUnavailable(err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), g.retries), ctx)
	e := backoff.Retry(func() error {
		got, e := call(ctx, r)
		if e != nil {
			g.log.Debugf("%s call for %s failed: %s", role, v.Address.Hex(), e.Error())
			return e
		}
		if e = validateReceipt(got); e != nil {
			return backoff.Permanent(e)
		}
		receipt = got
		return nil
	}, policy)
	if e != nil {
		if ctx.Err() != nil && !errors.Is(e, ctx.Err()) {
			e = errors.Join(e, ctx.Err())
		}
		return nil, lib.ErrRunnerUnavailable(e)
	}
	// the gateway stamps the identity of the node it called
	receipt.NodeConfig = v.NodeConfig()
	receipt.Abstained = false
	receipt.SortOutputs()
	return receipt, nil
}

// validateReceipt() rejects receipts the state machine cannot interpret
func validateReceipt(r *lib.Receipt) lib.ErrorI {
	switch {
	case r == nil:
		return lib.ErrMalformedReceipt("empty receipt")
	case r.Vote != lib.VoteAgree && r.Vote != lib.VoteDisagree:
		return lib.ErrMalformedReceipt("unknown vote " + string(r.Vote))
	case r.ExecutionResult != lib.ExecutionSuccess && r.ExecutionResult != lib.ExecutionError:
		return lib.ErrMalformedReceipt("unknown execution result " + string(r.ExecutionResult))
	}
	seen := make(map[uint32]struct{}, len(r.NonDeterministicOutputs))
	for _, o := range r.NonDeterministicOutputs {
		if _, dup := seen[o.Index]; dup {
			return lib.ErrMalformedReceipt("duplicate non-deterministic output index")
		}
		seen[o.Index] = struct{}{}
	}
	return nil
}

package runner

import (
	"context"

	"github.com/verdict-network/verdict/lib"
)

/*
	A Runner is an execution engine for intelligent contracts. Runners are plug-ins selected by the provider of the
	validator's model configuration; the consensus core depends only on this capability set.
*/

// Runner is the capability set of an execution engine
type Runner interface {
	// RunAsLeader() executes the transaction against the snapshot and proposes the result
	RunAsLeader(ctx context.Context, req *LeaderRequest) (*lib.Receipt, error)
	// RunAsValidator() re-executes the transaction replaying the leader's non-deterministic outputs and votes
	RunAsValidator(ctx context.Context, req *ValidatorRequest) (*lib.Receipt, error)
	// IsAvailable() reports whether the runner is reachable
	IsAvailable(ctx context.Context) bool
	// IsModelAvailable() reports whether the runner can serve the provider's model
	IsModelAvailable(ctx context.Context, provider, model string) bool
}

// LeaderRequest is the input of run_as_leader
type LeaderRequest struct {
	Transaction      *lib.Transaction   `json:"transaction"`
	ContractSnapshot *lib.ContractState `json:"contract_snapshot"`
	NodeConfig       lib.NodeConfig     `json:"node_config"`
	ModelConfig      lib.ModelConfig    `json:"model_config"`
}

// ValidatorRequest is the input of run_as_validator
type ValidatorRequest struct {
	LeaderRequest
	LeaderReceipt *lib.Receipt `json:"leader_receipt"`
}

// ModelQuery is the input of is_model_available
type ModelQuery struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

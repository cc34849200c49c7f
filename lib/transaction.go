package lib

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

/* This file defines the transaction lifecycle data model shared by every module of the consensus pipeline */

// TransactionStatus is a state of the per-transaction automaton
type TransactionStatus string

const (
	StatusPending      TransactionStatus = "PENDING"
	StatusCanceled     TransactionStatus = "CANCELED"
	StatusProposing    TransactionStatus = "PROPOSING"
	StatusCommitting   TransactionStatus = "COMMITTING"
	StatusRevealing    TransactionStatus = "REVEALING"
	StatusAccepted     TransactionStatus = "ACCEPTED"
	StatusFinalized    TransactionStatus = "FINALIZED"
	StatusUndetermined TransactionStatus = "UNDETERMINED"
)

// InFlight() is true for the statuses a transaction only passes through while a round is running
func (s TransactionStatus) InFlight() bool {
	return s == StatusProposing || s == StatusCommitting || s == StatusRevealing
}

// TransactionType distinguishes value transfers, deployments and contract calls
type TransactionType string

const (
	TxTypeTransfer TransactionType = "transfer"
	TxTypeDeploy   TransactionType = "deploy"
	TxTypeCall     TransactionType = "call"
)

// Vote is a node's verdict on the leader's proposed result
type Vote string

const (
	VoteAgree    Vote = "AGREE"
	VoteDisagree Vote = "DISAGREE"
)

// ExecutionResult is the outcome of running the contract
type ExecutionResult string

const (
	ExecutionSuccess ExecutionResult = "SUCCESS"
	ExecutionError   ExecutionResult = "ERROR"
)

// Transaction is addressed by the content hash of its fields
type Transaction struct {
	Hash                          common.Hash         `json:"hash"`
	FromAddress                   common.Address      `json:"from_address"`
	ToAddress                     *common.Address     `json:"to_address,omitempty"` // absent for deployments
	Type                          TransactionType     `json:"type"`
	Nonce                         uint64              `json:"nonce"`
	Value                         *uint256.Int        `json:"value"`
	Data                          HexBytes            `json:"data"`
	LeaderOnly                    bool                `json:"leader_only"`
	Status                        TransactionStatus   `json:"status"`
	ConsensusData                 *ConsensusData      `json:"consensus_data,omitempty"`
	TimestampAwaitingFinalization *time.Time          `json:"timestamp_awaiting_finalization,omitempty"`
	Appealed                      bool                `json:"appealed"`
	AppealFailed                  uint64              `json:"appeal_failed"`
	AppealUndetermined            bool                `json:"appeal_undetermined"`
	TriggeredByHash               *common.Hash        `json:"triggered_by_hash,omitempty"`
	LeaderAppealCount             uint64              `json:"leader_appeal_count"`
	PendingSequence               uint64              `json:"pending_sequence"`
	StatusHistory                 []TransactionStatus `json:"status_history"`
	CreatedAt                     time.Time           `json:"created_at"`
}

// hashable is the canonical set of content fields that identify a transaction
type hashable struct {
	From            common.Address  `json:"from"`
	To              *common.Address `json:"to"`
	Type            TransactionType `json:"type"`
	Nonce           uint64          `json:"nonce"`
	Value           string          `json:"value"`
	Data            HexBytes        `json:"data"`
	LeaderOnly      bool            `json:"leader_only"`
	TriggeredByHash *common.Hash    `json:"triggered_by_hash"`
}

// ComputeHash() returns keccak256 over the canonical json of the content fields
func (x *Transaction) ComputeHash() common.Hash {
	value := "0"
	if x.Value != nil {
		value = x.Value.Dec()
	}
	bz, _ := json.Marshal(hashable{
		From:            x.FromAddress,
		To:              x.ToAddress,
		Type:            x.Type,
		Nonce:           x.Nonce,
		Value:           value,
		Data:            x.Data,
		LeaderOnly:      x.LeaderOnly,
		TriggeredByHash: x.TriggeredByHash,
	})
	return crypto.Keccak256Hash(bz)
}

// ContractAddress() is the queue key of the transaction: the recipient, or the derived address of a deployment
func (x *Transaction) ContractAddress() common.Address {
	if x.ToAddress != nil {
		return *x.ToAddress
	}
	return crypto.CreateAddress(x.FromAddress, x.Nonce)
}

// Copy() returns a deep enough copy for callers that mutate the transaction
func (x *Transaction) Copy() *Transaction {
	if x == nil {
		return nil
	}
	cp := *x
	if x.Value != nil {
		cp.Value = new(uint256.Int).Set(x.Value)
	}
	cp.StatusHistory = append([]TransactionStatus(nil), x.StatusHistory...)
	cp.ConsensusData = x.ConsensusData.Copy()
	return &cp
}

// ConsensusData is the evidence of a round: the leader's proposal and every validator's verdict on it
type ConsensusData struct {
	LeaderReceipt     *Receipt        `json:"leader_receipt"`
	ValidatorReceipts []*Receipt      `json:"validator_receipts"`
	Votes             map[string]Vote `json:"votes"` // address (hex) -> vote
}

// NewConsensusData() builds the round evidence from the receipts, the leader's self vote included
func NewConsensusData(leader *Receipt, validators []*Receipt) *ConsensusData {
	cd := &ConsensusData{
		LeaderReceipt:     leader,
		ValidatorReceipts: validators,
		Votes:             make(map[string]Vote, len(validators)+1),
	}
	if leader != nil {
		cd.Votes[leader.NodeConfig.Address.Hex()] = leader.Vote
	}
	for _, r := range validators {
		cd.Votes[r.NodeConfig.Address.Hex()] = r.Vote
	}
	return cd
}

// Tally() returns the number of AGREE votes and the total number of votes
func (x *ConsensusData) Tally() (agree, total int) {
	if x == nil {
		return 0, 0
	}
	for _, v := range x.Votes {
		if v == VoteAgree {
			agree++
		}
	}
	return agree, len(x.Votes)
}

// Majority() is the strict majority rule: AGREE > total / 2
func (x *ConsensusData) Majority() bool {
	agree, total := x.Tally()
	return total > 0 && 2*agree > total
}

// Participants() returns the addresses of every node that voted, sorted
func (x *ConsensusData) Participants() []common.Address {
	if x == nil {
		return nil
	}
	out := make([]common.Address, 0, len(x.Votes))
	for a := range x.Votes {
		out = append(out, common.HexToAddress(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Merge() returns new evidence with the additional validator receipts appended to the existing ones
func (x *ConsensusData) Merge(receipts []*Receipt) *ConsensusData {
	validators := append(append([]*Receipt(nil), x.ValidatorReceipts...), receipts...)
	return NewConsensusData(x.LeaderReceipt, validators)
}

// Copy() returns a copy whose vote map and receipt slice may be mutated independently
func (x *ConsensusData) Copy() *ConsensusData {
	if x == nil {
		return nil
	}
	cp := &ConsensusData{
		LeaderReceipt:     x.LeaderReceipt,
		ValidatorReceipts: append([]*Receipt(nil), x.ValidatorReceipts...),
		Votes:             make(map[string]Vote, len(x.Votes)),
	}
	for k, v := range x.Votes {
		cp.Votes[k] = v
	}
	return cp
}

// Receipt is the structured result of a single node's execution of a transaction
type Receipt struct {
	Vote                    Vote                    `json:"vote"`
	ExecutionResult         ExecutionResult         `json:"execution_result"`
	PostStateDigest         HexBytes                `json:"post_state_digest"`
	NonDeterministicOutputs []NonDeterministicCall  `json:"non_deterministic_outputs"`
	NodeConfig              NodeConfig              `json:"node_config"`
	GasUsed                 uint64                  `json:"gas_used"`
	PendingTransactions     []TriggeredTransaction  `json:"pending_transactions,omitempty"`
	Abstained               bool                    `json:"abstained,omitempty"`
}

// NonDeterministicCall is the LLM or web response consumed by the call at Index
type NonDeterministicCall struct {
	Index  uint32          `json:"index"`
	Output json.RawMessage `json:"output"`
}

// SortOutputs() orders the non-deterministic outputs by call index
func (x *Receipt) SortOutputs() {
	sort.SliceStable(x.NonDeterministicOutputs, func(i, j int) bool {
		return x.NonDeterministicOutputs[i].Index < x.NonDeterministicOutputs[j].Index
	})
}

// TriggeredTransaction is a child transaction emitted by a contract-to-contract call
type TriggeredTransaction struct {
	ToAddress  *common.Address `json:"to_address,omitempty"`
	Type       TransactionType `json:"type"`
	Value      *uint256.Int    `json:"value,omitempty"`
	Data       HexBytes        `json:"data"`
	LeaderOnly bool            `json:"leader_only"`
}

// NodeConfig identifies the executing node
type NodeConfig struct {
	Address  common.Address `json:"address"`
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
}

// NewAbstainedReceipt() is recorded for a node whose runner call failed; it counts as DISAGREE
func NewAbstainedReceipt(node NodeConfig) *Receipt {
	return &Receipt{
		Vote:            VoteDisagree,
		ExecutionResult: ExecutionError,
		NodeConfig:      node,
		Abstained:       true,
	}
}

// ContractState is the snapshot of a contract: the digest after the latest accepted and finalized transactions
type ContractState struct {
	Address         common.Address `json:"address"`
	AcceptedDigest  HexBytes       `json:"accepted_digest"`
	FinalizedDigest HexBytes       `json:"finalized_digest"`
}

// FinalizedNotification is the fire-and-forget message sent to the external ledger mirror
type FinalizedNotification struct {
	Hash            common.Hash     `json:"hash"`
	FromAddress     common.Address  `json:"from_address"`
	ToAddress       *common.Address `json:"to_address,omitempty"`
	Calldata        HexBytes        `json:"calldata"`
	PostStateDigest HexBytes        `json:"post_state_digest"`
}

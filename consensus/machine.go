package consensus

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/verdict-network/verdict/election"
	"github.com/verdict-network/verdict/lib"
	"github.com/verdict-network/verdict/runner"
	"golang.org/x/sync/errgroup"
)

// Executor runs a transaction on a single node on behalf of the state machine
type Executor interface {
	RunAsLeader(ctx context.Context, tx *lib.Transaction, snapshot *lib.ContractState, v *lib.Validator) (*lib.Receipt, lib.ErrorI)
	RunAsValidator(ctx context.Context, tx *lib.Transaction, snapshot *lib.ContractState, v *lib.Validator, leader *lib.Receipt) (*lib.Receipt, lib.ErrorI)
	Available(ctx context.Context, v *lib.Validator) bool
}

var _ Executor = (*runner.Gateway)(nil)

// appeal metric labels
const (
	AppealValidator = "validator"
	AppealLeader    = "leader"

	OutcomeRejected  = "rejected"  // not enough fresh validators
	OutcomeFailed    = "failed"    // the outcome stood
	OutcomeSucceeded = "succeeded" // the outcome flipped or the leader selection restarted
)

/*
	TRANSACTION STATE MACHINE:

	PENDING -> PROPOSING -> COMMITTING -> REVEALING
	                                       ├─ ACCEPTED -> FINALIZED
	                                       ├─ ACCEPTED -> (validator appeal) -> COMMITTING ...
	                                       ├─ UNDETERMINED -> (leader appeal) -> PENDING
	                                       └─ PROPOSING (rotation)
	PENDING -> CANCELED

	Every entry point holds the per-hash lock for its whole duration and every status change is persisted
	through the store before the next step runs, so a crash leaves the transaction on a legal status that
	Process() can recover from.
*/

// Machine is the per transaction consensus automaton
type Machine struct {
	store   lib.StoreI          // the single source of truth
	exec    Executor            // the runner gateway
	mirror  lib.MirrorI         // sink of finalized transactions (optional)
	locks   *lib.HashLock       // per-hash critical section
	config  lib.ConsensusConfig // timings and sizing
	metrics *lib.Metrics        // telemetry
	log     lib.LoggerI         // logging
}

// New() creates the state machine
func New(c lib.ConsensusConfig, s lib.StoreI, e Executor, mirror lib.MirrorI, m *lib.Metrics, l lib.LoggerI) *Machine {
	return &Machine{
		store:   s,
		exec:    e,
		mirror:  mirror,
		locks:   lib.NewHashLock(),
		config:  c,
		metrics: m,
		log:     l.With("consensus"),
	}
}

// Locks() exposes the per-hash lock so schedulers can skip busy transactions
func (m *Machine) Locks() *lib.HashLock { return m.locks }

// Process() drives a transaction to a decision (ACCEPTED or UNDETERMINED)
// NOTES:
// - a PENDING transaction starts its first round
// - a transaction left in PROPOSING, COMMITTING or REVEALING (crash, interrupted round) restarts with a fresh selection
// - an interrupted validator appeal goes back to ACCEPTED with its evidence and stays appealed
// - any other status is a no-op
// - with an empty pool a PENDING transaction stays PENDING and ErrNoValidatorsAvailable is returned
func (m *Machine) Process(ctx context.Context, hash common.Hash) lib.ErrorI {
	m.locks.Lock(hash)
	defer m.locks.Unlock(hash)
	tx, err := m.store.GetTransaction(hash)
	if err != nil {
		return err
	}
	if tx.Status != lib.StatusPending && !tx.Status.InFlight() {
		m.log.Debugf("Transaction %s is %s, nothing to process", lib.ShortHash(hash), tx.Status)
		return nil
	}
	if tx.Status.InFlight() && tx.Appealed && tx.ConsensusData.Majority() {
		return m.resumeAppeal(tx)
	}
	// select before leaving PENDING so an empty pool keeps the transaction admitted
	order, err := m.selectCommittee(ctx, tx)
	if err != nil {
		m.log.Warnf("Selection for %s failed: %s", lib.ShortHash(hash), err.Error())
		return err
	}
	snapshot, err := m.store.ReadContractState(tx.ContractAddress())
	if err != nil {
		return err
	}
	if tx.Status == lib.StatusPending {
		err = m.setStatus(hash, lib.StatusProposing)
	} else {
		m.log.Infof("Restarting transaction %s interrupted in %s", lib.ShortHash(hash), tx.Status)
		err = m.restart(tx)
	}
	if err != nil {
		return err
	}
	cd, accepted, err := m.rotate(ctx, tx, snapshot, order)
	if err != nil {
		return err
	}
	return m.decide(tx, cd, accepted)
}

// ValidatorAppeal() re-opens the vote of an appealed ACCEPTED transaction with fresh validators
// NOTES:
// - the fresh validators never include a participant of the current consensus data
// - if the outcome stands the extra receipts are merged, appeal_failed increments and the original window is kept
// - if the outcome flips a new leader rotation starts, led by the fresh validators
// - if the pool can't supply enough fresh validators the appeal is rejected and the flag is cleared
func (m *Machine) ValidatorAppeal(ctx context.Context, hash common.Hash) lib.ErrorI {
	m.locks.Lock(hash)
	defer m.locks.Unlock(hash)
	tx, err := m.store.GetTransaction(hash)
	if err != nil {
		return err
	}
	if tx.Status != lib.StatusAccepted {
		return lib.ErrNotAppealable(tx.Status)
	}
	if !tx.Appealed {
		return nil
	}
	cd := tx.ConsensusData
	if cd == nil || cd.LeaderReceipt == nil {
		return lib.ErrMissingLeaderReceipt()
	}
	pool, err := m.pool(ctx)
	if err != nil {
		return err
	}
	// the leader counts towards the current committee
	size := election.AppealSize(len(cd.Participants()), tx.AppealFailed)
	candidates := pool.Excluding(cd.Participants())
	if len(candidates) < size {
		return m.rejectAppeal(tx, size, len(candidates))
	}
	fresh, err := election.SelectValidators(candidates, size, election.AppealSeed(hash, tx.AppealFailed))
	if err != nil || len(fresh) < size {
		return m.rejectAppeal(tx, size, len(fresh))
	}
	snapshot, err := m.store.ReadContractState(tx.ContractAddress())
	if err != nil {
		return err
	}
	m.log.Infof("Validator appeal of %s with %d fresh validators", lib.ShortHash(hash), size)
	if err = m.setStatus(hash, lib.StatusCommitting); err != nil {
		return err
	}
	receipts := m.fanOut(ctx, tx, snapshot, fresh, cd.LeaderReceipt)
	if e := ctx.Err(); e != nil {
		return ErrRoundInterrupted(e)
	}
	if err = m.setStatus(hash, lib.StatusRevealing); err != nil {
		return err
	}
	merged := cd.Merge(receipts)
	if merged.Majority() {
		_, err = m.store.Update(hash, func(t *lib.Transaction) lib.ErrorI {
			t.Status, t.ConsensusData, t.Appealed = lib.StatusAccepted, merged, false
			t.AppealFailed++
			return nil
		})
		if err != nil {
			return err
		}
		m.metrics.ObserveTransition(lib.StatusAccepted)
		m.metrics.ObserveAppeal(AppealValidator, OutcomeFailed)
		m.log.Infof("Validator appeal of %s failed, outcome stands (%d failed appeal(s))", lib.ShortHash(hash), tx.AppealFailed+1)
		return nil
	}
	// the outcome flipped: the leader's proposal is rejected and a new rotation starts
	m.metrics.ObserveAppeal(AppealValidator, OutcomeSucceeded)
	m.log.Infof("Validator appeal of %s succeeded, rotating leaders", lib.ShortHash(hash))
	_, err = m.store.Update(hash, func(t *lib.Transaction) lib.ErrorI {
		t.Status, t.Appealed, t.AppealFailed, t.AppealUndetermined = lib.StatusProposing, false, 0, false
		return nil
	})
	if err != nil {
		return err
	}
	m.metrics.ObserveTransition(lib.StatusProposing)
	order := append(fresh, m.formerParticipants(pool, cd)...)
	next, accepted, err := m.rotate(ctx, tx, snapshot, order)
	if err != nil {
		return err
	}
	return m.decide(tx, next, accepted)
}

// LeaderAppeal() sends an appealed UNDETERMINED transaction back to PENDING for a fresh selection
func (m *Machine) LeaderAppeal(hash common.Hash) lib.ErrorI {
	m.locks.Lock(hash)
	defer m.locks.Unlock(hash)
	tx, err := m.store.GetTransaction(hash)
	if err != nil {
		return err
	}
	if tx.Status != lib.StatusUndetermined {
		return lib.ErrNotAppealable(tx.Status)
	}
	if !tx.Appealed {
		return nil
	}
	_, err = m.store.Update(hash, func(t *lib.Transaction) lib.ErrorI {
		t.Status, t.AppealUndetermined, t.Appealed = lib.StatusPending, true, false
		t.TimestampAwaitingFinalization = nil
		// a new seed draws a new committee
		t.LeaderAppealCount++
		return nil
	})
	if err != nil {
		return err
	}
	m.metrics.ObserveTransition(lib.StatusPending)
	m.metrics.ObserveAppeal(AppealLeader, OutcomeSucceeded)
	m.log.Infof("Leader appeal of %s, back to PENDING", lib.ShortHash(hash))
	return nil
}

// Finalize() commits an ACCEPTED transaction whose finality window elapsed without an appeal
// NOTES:
// - the post-state digest is committed, triggered children are inserted as PENDING and the mirror is notified
// - finalizing a FINALIZED transaction is a no-op
func (m *Machine) Finalize(hash common.Hash) lib.ErrorI {
	m.locks.Lock(hash)
	defer m.locks.Unlock(hash)
	tx, err := m.store.GetTransaction(hash)
	if err != nil {
		return err
	}
	switch {
	case tx.Status == lib.StatusFinalized:
		return nil
	case tx.Status != lib.StatusAccepted:
		return lib.ErrWrongStatus(lib.StatusAccepted, tx.Status)
	case tx.Appealed || !m.windowElapsed(tx, time.Now()):
		return lib.ErrFinalityWindowOpen()
	case !tx.ConsensusData.Majority():
		return lib.ErrConsensusNotReached()
	case tx.ConsensusData.LeaderReceipt == nil:
		return lib.ErrMissingLeaderReceipt()
	}
	leader := tx.ConsensusData.LeaderReceipt
	if err = m.store.WriteFinalizedState(tx.ContractAddress(), leader.PostStateDigest); err != nil {
		return err
	}
	if err = m.insertChildren(tx, leader.PendingTransactions); err != nil {
		return err
	}
	if err = m.setStatus(hash, lib.StatusFinalized); err != nil {
		return err
	}
	m.metrics.ObserveFinalized()
	m.log.Infof("Transaction %s FINALIZED", lib.ShortHash(hash))
	if m.mirror != nil {
		to := tx.ContractAddress()
		m.mirror.Notify(&lib.FinalizedNotification{
			Hash:            tx.Hash,
			FromAddress:     tx.FromAddress,
			ToAddress:       &to,
			Calldata:        tx.Data,
			PostStateDigest: leader.PostStateDigest,
		})
	}
	return nil
}

// RequestAppeal() flags an ACCEPTED or UNDETERMINED transaction for appeal; the appeal window worker acts on it
func (m *Machine) RequestAppeal(hash common.Hash) lib.ErrorI {
	_, err := m.store.Update(hash, func(t *lib.Transaction) lib.ErrorI {
		if t.Status != lib.StatusAccepted && t.Status != lib.StatusUndetermined {
			return lib.ErrNotAppealable(t.Status)
		}
		t.Appealed = true
		return nil
	})
	return err
}

// Cancel() withdraws a PENDING transaction that is not being processed
func (m *Machine) Cancel(hash common.Hash) lib.ErrorI {
	if !m.locks.TryLock(hash) {
		tx, err := m.store.GetTransaction(hash)
		if err != nil {
			return err
		}
		return lib.ErrNotCancelable(tx.Status)
	}
	defer m.locks.Unlock(hash)
	tx, err := m.store.GetTransaction(hash)
	if err != nil {
		return err
	}
	if tx.Status != lib.StatusPending {
		return lib.ErrNotCancelable(tx.Status)
	}
	if err = m.setStatus(hash, lib.StatusCanceled); err != nil {
		return err
	}
	m.log.Infof("Transaction %s CANCELED", lib.ShortHash(hash))
	return nil
}

// FinalityDue() reports whether the worker should finalize the transaction now
func (m *Machine) FinalityDue(tx *lib.Transaction, now time.Time) bool {
	return tx.Status == lib.StatusAccepted && !tx.Appealed && m.windowElapsed(tx, now)
}

func (m *Machine) windowElapsed(tx *lib.Transaction, now time.Time) bool {
	ts := tx.TimestampAwaitingFinalization
	return ts != nil && now.Sub(*ts) >= m.config.FinalityWindow()
}

// rotate() runs rounds over the ordering until one reaches a majority or every node has led
// NOTES:
// - the transaction must be PROPOSING
// - the former leader joins the validators of the next round
// - leader only transactions run without validators
func (m *Machine) rotate(ctx context.Context, tx *lib.Transaction, snapshot *lib.ContractState, order []*lib.Validator) (cd *lib.ConsensusData, accepted bool, err lib.ErrorI) {
	for i, leader := range order {
		var validators []*lib.Validator
		if !tx.LeaderOnly {
			validators = append(append(validators, order[i+1:]...), order[:i]...)
		}
		if cd, err = m.round(ctx, tx, snapshot, leader, validators); err != nil {
			return nil, false, err
		}
		if accepted = cd.Majority(); accepted {
			m.metrics.ObserveRound(false)
			return
		}
		// a canceled context makes every node abstain, which is not a verdict
		if e := ctx.Err(); e != nil {
			return nil, false, ErrRoundInterrupted(e)
		}
		last := i == len(order)-1
		m.metrics.ObserveRound(!last)
		if last {
			break
		}
		agree, total := cd.Tally()
		m.log.Infof("No majority for %s with leader %s (%d/%d), rotating", lib.ShortHash(tx.Hash), leader.Address.Hex(), agree, total)
		if err = m.setStatus(tx.Hash, lib.StatusProposing); err != nil {
			return nil, false, err
		}
	}
	return cd, false, nil
}

// round() runs PROPOSING, COMMITTING and REVEALING for a single leader and returns the tally input
func (m *Machine) round(ctx context.Context, tx *lib.Transaction, snapshot *lib.ContractState, leader *lib.Validator, validators []*lib.Validator) (*lib.ConsensusData, lib.ErrorI) {
	// PROPOSING
	leaderReceipt, err := m.exec.RunAsLeader(ctx, tx, snapshot, leader)
	proposed := err == nil
	if !proposed {
		m.log.Warnf("Leader %s failed on %s: %s", leader.Address.Hex(), lib.ShortHash(tx.Hash), err.Error())
		leaderReceipt = lib.NewAbstainedReceipt(leader.NodeConfig())
	}
	if err = m.setStatus(tx.Hash, lib.StatusCommitting); err != nil {
		return nil, err
	}
	// COMMITTING: without a proposal there is nothing to validate
	var receipts []*lib.Receipt
	if proposed {
		receipts = m.fanOut(ctx, tx, snapshot, validators, leaderReceipt)
	}
	if err = m.setStatus(tx.Hash, lib.StatusRevealing); err != nil {
		return nil, err
	}
	// REVEALING
	return lib.NewConsensusData(leaderReceipt, receipts), nil
}

// fanOut() calls every validator exactly once, concurrently; a failed call is an abstention
func (m *Machine) fanOut(ctx context.Context, tx *lib.Transaction, snapshot *lib.ContractState, validators []*lib.Validator, leader *lib.Receipt) []*lib.Receipt {
	receipts := make([]*lib.Receipt, len(validators))
	var g errgroup.Group
	if m.config.MaxConcurrentRunnerCalls > 0 {
		g.SetLimit(m.config.MaxConcurrentRunnerCalls)
	}
	for i, v := range validators {
		g.Go(func() error {
			r, err := m.exec.RunAsValidator(ctx, tx, snapshot, v, leader)
			if err != nil {
				m.log.Warnf("Validator %s abstains on %s: %s", v.Address.Hex(), lib.ShortHash(tx.Hash), err.Error())
				r = lib.NewAbstainedReceipt(v.NodeConfig())
			}
			receipts[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return receipts
}

// decide() persists the outcome of a rotation and starts the finality window
func (m *Machine) decide(tx *lib.Transaction, cd *lib.ConsensusData, accepted bool) lib.ErrorI {
	now, status := time.Now(), lib.StatusUndetermined
	if accepted {
		status = lib.StatusAccepted
	}
	if err := m.store.SetResult(tx.Hash, status, cd, &now); err != nil {
		return err
	}
	m.metrics.ObserveTransition(status)
	m.metrics.ObserveProcessing(now.Sub(tx.CreatedAt))
	agree, total := cd.Tally()
	if !accepted {
		m.log.Warnf("Transaction %s UNDETERMINED (%d/%d): %s", lib.ShortHash(tx.Hash), agree, total, lib.ErrConsensusNotReached().Error())
		return nil
	}
	m.log.Infof("Transaction %s ACCEPTED (%d/%d)", lib.ShortHash(tx.Hash), agree, total)
	return m.store.WriteAcceptedState(tx.ContractAddress(), cd.LeaderReceipt.PostStateDigest)
}

// restart() walks an interrupted transaction along legal edges back to PROPOSING
func (m *Machine) restart(tx *lib.Transaction) lib.ErrorI {
	var path []lib.TransactionStatus
	switch tx.Status {
	case lib.StatusProposing:
		path = []lib.TransactionStatus{lib.StatusCommitting, lib.StatusRevealing, lib.StatusProposing}
	case lib.StatusCommitting:
		path = []lib.TransactionStatus{lib.StatusRevealing, lib.StatusProposing}
	case lib.StatusRevealing:
		path = []lib.TransactionStatus{lib.StatusProposing}
	}
	for _, status := range path {
		if err := m.setStatus(tx.Hash, status); err != nil {
			return err
		}
	}
	return nil
}

// resumeAppeal() walks an interrupted validator appeal back to ACCEPTED; the appeal window worker reruns it
func (m *Machine) resumeAppeal(tx *lib.Transaction) lib.ErrorI {
	m.log.Infof("Validator appeal of %s interrupted in %s, back to ACCEPTED", lib.ShortHash(tx.Hash), tx.Status)
	var path []lib.TransactionStatus
	switch tx.Status {
	case lib.StatusProposing:
		path = []lib.TransactionStatus{lib.StatusCommitting, lib.StatusRevealing, lib.StatusAccepted}
	case lib.StatusCommitting:
		path = []lib.TransactionStatus{lib.StatusRevealing, lib.StatusAccepted}
	case lib.StatusRevealing:
		path = []lib.TransactionStatus{lib.StatusAccepted}
	}
	for _, status := range path {
		if err := m.setStatus(tx.Hash, status); err != nil {
			return err
		}
	}
	return nil
}

// pool() snapshots the registry, keeping the validators whose runner serves their model
func (m *Machine) pool(ctx context.Context) (*lib.ValidatorPool, lib.ErrorI) {
	validators, err := m.store.Validators()
	if err != nil {
		return nil, err
	}
	return lib.NewValidatorPool(validators).Filter(func(v *lib.Validator) bool {
		return m.exec.Available(ctx, v)
	}), nil
}

// selectCommittee() draws the ordering of a fresh rotation; the first validator leads
func (m *Machine) selectCommittee(ctx context.Context, tx *lib.Transaction) ([]*lib.Validator, lib.ErrorI) {
	pool, err := m.pool(ctx)
	if err != nil {
		return nil, err
	}
	return election.SelectValidators(pool.Validators(), m.config.NumInitialValidators, election.RoundSeed(tx.Hash, tx.LeaderAppealCount))
}

// formerParticipants() returns the validators then the leader of the evidence that are still in the pool
func (m *Machine) formerParticipants(pool *lib.ValidatorPool, cd *lib.ConsensusData) (out []*lib.Validator) {
	for _, r := range append(append([]*lib.Receipt(nil), cd.ValidatorReceipts...), cd.LeaderReceipt) {
		if v, found := pool.Get(r.NodeConfig.Address); found {
			out = append(out, v)
		}
	}
	return
}

// rejectAppeal() clears the appeal flag when the pool is too small, keeping the original window
func (m *Machine) rejectAppeal(tx *lib.Transaction, wanted, available int) lib.ErrorI {
	m.log.Warnf("Validator appeal of %s rejected: %d fresh validators needed, %d available", lib.ShortHash(tx.Hash), wanted, available)
	m.metrics.ObserveAppeal(AppealValidator, OutcomeRejected)
	return m.store.SetAppeal(tx.Hash, false)
}

// insertChildren() admits the transactions triggered by a finalized parent as PENDING
func (m *Machine) insertChildren(parent *lib.Transaction, triggered []lib.TriggeredTransaction) lib.ErrorI {
	if len(triggered) == 0 {
		return nil
	}
	// children admitted by an interrupted finalization are not admitted twice
	existing, err := m.store.TriggeredTransactions(parent.Hash)
	if err != nil {
		return err
	}
	from, parentHash := parent.ContractAddress(), parent.Hash
	for _, t := range triggered[min(len(existing), len(triggered)):] {
		nonce, e := m.store.TransactionCount(from)
		if e != nil {
			return e
		}
		child := &lib.Transaction{
			FromAddress:     from,
			Type:            t.Type,
			Nonce:           nonce,
			Value:           t.Value,
			Data:            t.Data,
			LeaderOnly:      t.LeaderOnly,
			TriggeredByHash: &parentHash,
		}
		if t.ToAddress != nil {
			to := *t.ToAddress
			child.ToAddress = &to
		}
		if e = m.store.InsertTransaction(child); e != nil {
			return e
		}
		m.log.Infof("Transaction %s triggered %s", lib.ShortHash(parentHash), lib.ShortHash(child.Hash))
	}
	return nil
}

// setStatus() moves a transaction along a legal edge
func (m *Machine) setStatus(hash common.Hash, status lib.TransactionStatus) lib.ErrorI {
	if err := m.store.UpdateStatus(hash, status); err != nil {
		return err
	}
	m.metrics.ObserveTransition(status)
	m.log.Debugf("Transaction %s -> %s", lib.ShortHash(hash), status)
	return nil
}

package controller

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/verdict-network/verdict/consensus"
	"github.com/verdict-network/verdict/lib"
)

// Processor is the transaction state machine as driven by the dispatcher
type Processor interface {
	Process(ctx context.Context, hash common.Hash) lib.ErrorI
	ValidatorAppeal(ctx context.Context, hash common.Hash) lib.ErrorI
	LeaderAppeal(hash common.Hash) lib.ErrorI
	Finalize(hash common.Hash) lib.ErrorI
	Cancel(hash common.Hash) lib.ErrorI
	RequestAppeal(hash common.Hash) lib.ErrorI
	FinalityDue(tx *lib.Transaction, now time.Time) bool
	Locks() *lib.HashLock
}

var _ Processor = (*consensus.Machine)(nil)

// Dispatcher owns the two periodic loops of the consensus core
// NOTES:
// - the crawler groups PENDING transactions by contract into FIFO queues and runs one task per queue
// - a task holds its contract until the transaction is FINALIZED, UNDETERMINED or CANCELED so one contract observes a single linear history
// - the appeal window worker finalizes due transactions and runs appeals
// - errors never leave the dispatcher: they are logged and the transaction keeps its durable status
type Dispatcher struct {
	machine Processor
	store   lib.TxStoreI
	config  lib.ConsensusConfig
	metrics *lib.Metrics
	log     lib.LoggerI

	mu        sync.Mutex                  // guards queues and appealing
	queues    map[common.Address]*queue   // per contract FIFO queues, owned by the crawler
	appealing map[common.Hash]struct{}    // validator appeals in progress

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// queue is the FIFO of one contract
type queue struct {
	entries  []entry
	queued   map[common.Hash]struct{}
	running  bool      // a task is draining the queue
	starved  bool      // the head found no validator to run it
	progress time.Time // the last time the queue was created or decided a transaction
}

type entry struct {
	hash     common.Hash
	enqueued time.Time
}

// New() creates a dispatcher; nothing runs until Start()
func New(c lib.ConsensusConfig, machine Processor, store lib.TxStoreI, m *lib.Metrics, l lib.LoggerI) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		machine:   machine,
		store:     store,
		config:    c,
		metrics:   m,
		log:       l.With("dispatcher"),
		queues:    make(map[common.Address]*queue),
		appealing: make(map[common.Hash]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start() launches the crawler and the appeal window worker
func (d *Dispatcher) Start() {
	d.log.Infof("Starting dispatcher (crawl every %s, appeal scan every %s)", d.config.CrawlInterval(), d.config.AppealInterval())
	d.wg.Add(2)
	go d.loop(d.config.CrawlInterval(), d.Crawl)
	go d.loop(d.config.AppealInterval(), d.ScanAppeals)
}

// Stop() cancels every loop, task and appeal and waits for them to return
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	d.log.Info("Dispatcher stopped")
}

// loop() runs fn now and then once per interval until the dispatcher stops
func (d *Dispatcher) loop(interval time.Duration, fn func()) {
	defer d.wg.Done()
	timer := lib.NewTimer()
	defer lib.StopTimer(timer)
	for {
		func() {
			defer lib.CatchPanic(d.log)
			fn()
		}()
		lib.ResetTimer(timer, interval)
		select {
		case <-d.ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// Crawl() enqueues PENDING transactions and orphaned rounds, then starts or expires the contract queues
func (d *Dispatcher) Crawl() {
	if d.ctx.Err() != nil {
		return
	}
	// rounds interrupted by a crash are not locked by anyone and were admitted before any PENDING transaction
	inFlight, err := d.store.InFlightTransactions()
	if err != nil {
		d.log.Errorf("Reading in flight transactions failed: %s", err.Error())
		return
	}
	pending, err := d.store.PendingTransactions()
	if err != nil {
		d.log.Errorf("Reading pending transactions failed: %s", err.Error())
		return
	}
	now, locks := time.Now(), d.machine.Locks()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tx := range inFlight {
		if !locks.Held(tx.Hash) {
			d.enqueue(tx, now)
		}
	}
	for _, tx := range pending {
		d.enqueue(tx, now)
	}
	interval := d.config.CrawlInterval()
	for address, q := range d.queues {
		if q.running {
			continue
		}
		idle := now.Sub(q.progress) >= interval
		if len(q.entries) == 0 {
			if idle {
				delete(d.queues, address)
			}
			continue
		}
		// a starved queue that made no progress for a whole crawl interval expires its old entries;
		// any other failure is retried as is
		if q.starved && idle {
			d.expire(address, q, now.Add(-interval))
			if len(q.entries) == 0 {
				delete(d.queues, address)
				continue
			}
		}
		d.launch(address, q)
	}
	d.updateMetrics()
}

// ScanAppeals() is one pass of the appeal window worker over ACCEPTED and UNDETERMINED transactions
func (d *Dispatcher) ScanAppeals() {
	if d.ctx.Err() != nil {
		return
	}
	txs, err := d.store.AwaitingFinalization()
	if err != nil {
		d.log.Errorf("Reading transactions awaiting finalization failed: %s", err.Error())
		return
	}
	now, locks := time.Now(), d.machine.Locks()
	for _, tx := range txs {
		// the hash lock makes finalization and appeals mutually exclusive
		if locks.Held(tx.Hash) {
			continue
		}
		switch {
		case d.machine.FinalityDue(tx, now):
			if err = d.machine.Finalize(tx.Hash); err != nil {
				d.log.Warnf("Finalizing %s failed: %s", lib.ShortHash(tx.Hash), err.Error())
			}
		case tx.Appealed && tx.Status == lib.StatusAccepted:
			d.validatorAppeal(tx.Hash)
		case tx.Appealed && tx.Status == lib.StatusUndetermined:
			if err = d.machine.LeaderAppeal(tx.Hash); err != nil {
				d.log.Warnf("Leader appeal of %s failed: %s", lib.ShortHash(tx.Hash), err.Error())
			}
		}
	}
}

// Cancel() withdraws a PENDING transaction and removes it from its queue
func (d *Dispatcher) Cancel(hash common.Hash) lib.ErrorI {
	if err := d.machine.Cancel(hash); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		q.remove(hash)
	}
	d.updateMetrics()
	return nil
}

// Appeal() flags an ACCEPTED or UNDETERMINED transaction; the appeal window worker picks it up on its next scan
func (d *Dispatcher) Appeal(hash common.Hash) lib.ErrorI {
	if err := d.machine.RequestAppeal(hash); err != nil {
		return err
	}
	d.log.Infof("Appeal requested for %s", lib.ShortHash(hash))
	return nil
}

// Stats is a point in time view of the dispatcher
type Stats struct {
	Queues  int `json:"queues"`  // contracts with a queue
	Queued  int `json:"queued"`  // transactions waiting in any queue
	Running int `json:"running"` // contract tasks in progress
	Appeals int `json:"appeals"` // validator appeals in progress
}

// Stats() returns the current queue sizes
func (d *Dispatcher) Stats() (s Stats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.Queues, s.Appeals = len(d.queues), len(d.appealing)
	for _, q := range d.queues {
		s.Queued += len(q.entries)
		if q.running {
			s.Running++
		}
	}
	return
}

// enqueue() appends a transaction to its contract's queue unless already queued; callers hold mu
func (d *Dispatcher) enqueue(tx *lib.Transaction, now time.Time) {
	address := tx.ContractAddress()
	q, ok := d.queues[address]
	if !ok {
		q = &queue{queued: make(map[common.Hash]struct{}), progress: now}
		d.queues[address] = q
	}
	if _, dup := q.queued[tx.Hash]; dup {
		return
	}
	q.entries = append(q.entries, entry{hash: tx.Hash, enqueued: now})
	q.queued[tx.Hash] = struct{}{}
}

// expire() cancels the PENDING entries queued before the cutoff; callers hold mu
func (d *Dispatcher) expire(address common.Address, q *queue, cutoff time.Time) {
	var expired int
	for _, e := range append([]entry(nil), q.entries...) {
		if e.enqueued.After(cutoff) {
			continue
		}
		if err := d.machine.Cancel(e.hash); err != nil {
			d.log.Debugf("Expired entry %s kept: %s", lib.ShortHash(e.hash), err.Error())
			continue
		}
		q.remove(e.hash)
		expired++
	}
	if expired > 0 {
		d.log.Warnf("Canceled %d expired transaction(s) queued for %s", expired, address.Hex())
		d.metrics.ObserveExpired(expired)
	}
}

// launch() starts the single task of a contract; callers hold mu
func (d *Dispatcher) launch(address common.Address, q *queue) {
	q.running = true
	d.wg.Add(1)
	go d.drain(address, q)
}

// drain() processes a contract's queue strictly serially until it is empty or a transaction can't progress
func (d *Dispatcher) drain(address common.Address, q *queue) {
	defer d.wg.Done()
	defer lib.CatchPanic(d.log)
	for {
		d.mu.Lock()
		if len(q.entries) == 0 || d.ctx.Err() != nil {
			q.running = false
			d.updateMetrics()
			d.mu.Unlock()
			return
		}
		head := q.entries[0].hash
		d.mu.Unlock()
		if err := d.settle(head); err != nil {
			d.log.Warnf("Queue of %s paused at %s: %s", address.Hex(), lib.ShortHash(head), err.Error())
			d.mu.Lock()
			q.running, q.starved = false, lib.IsCode(err, lib.ConsensusModule, lib.CodeNoValidatorsAvailable)
			d.updateMetrics()
			d.mu.Unlock()
			return
		}
		d.mu.Lock()
		q.remove(head)
		q.progress, q.starved = time.Now(), false
		d.updateMetrics()
		d.mu.Unlock()
	}
}

// settle() processes a transaction and waits until it releases its contract
func (d *Dispatcher) settle(hash common.Hash) lib.ErrorI {
	if err := d.machine.Process(d.ctx, hash); err != nil {
		return err
	}
	timer := lib.NewTimer()
	defer lib.StopTimer(timer)
	for {
		tx, err := d.store.GetTransaction(hash)
		if err != nil {
			return err
		}
		switch {
		case tx.Status == lib.StatusAccepted:
			// finality or an appeal is pending
		case tx.Status.InFlight():
			// an appeal is running, or the round that owned it was interrupted
			if !d.machine.Locks().Held(hash) {
				if err = d.machine.Process(d.ctx, hash); err != nil {
					return err
				}
				continue
			}
		default:
			return nil
		}
		lib.ResetTimer(timer, d.config.AppealInterval())
		select {
		case <-d.ctx.Done():
			return lib.ErrDispatcherStopped()
		case <-timer.C:
		}
	}
}

// validatorAppeal() runs an appeal in the background; at most one per transaction
func (d *Dispatcher) validatorAppeal(hash common.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.appealing[hash]; busy {
		return
	}
	d.appealing[hash] = struct{}{}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.appealing, hash)
			d.mu.Unlock()
		}()
		defer lib.CatchPanic(d.log)
		if err := d.machine.ValidatorAppeal(d.ctx, hash); err != nil {
			d.log.Warnf("Validator appeal of %s failed: %s", lib.ShortHash(hash), err.Error())
		}
	}()
}

// updateMetrics() publishes the queue gauges; callers hold mu
func (d *Dispatcher) updateMetrics() {
	var queued, running int
	for _, q := range d.queues {
		queued += len(q.entries)
		if q.running {
			running++
		}
	}
	d.metrics.UpdateDispatcher(queued, running)
}

// remove() drops a transaction from the queue
func (q *queue) remove(hash common.Hash) {
	if _, ok := q.queued[hash]; !ok {
		return
	}
	delete(q.queued, hash)
	for i, e := range q.entries {
		if e.hash == hash {
			q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
			return
		}
	}
}

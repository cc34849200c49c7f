package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"github.com/verdict-network/verdict/lib"
)

const (
	// Method is the JSON-RPC method the external ledger serves
	Method = "consensus_finalized"

	callTimeout   = 5 * time.Second
	retryInterval = 100 * time.Millisecond
	maxRetries    = 5
)

var _ lib.MirrorI = &RPCMirror{}

// Notification is the wire form of a finalized transaction; the id lets the ledger ignore redelivery
type Notification struct {
	ID string `json:"id"`
	*lib.FinalizedNotification
}

// RPCMirror forwards finalized transactions to an external ledger over JSON-RPC
// NOTES:
// - Notify() never blocks: when the backlog is full the notification is dropped and logged
// - delivery is retried with backoff and then given up on; the ledger is not a consensus participant
type RPCMirror struct {
	client *rpc.Client
	queue  chan *Notification
	retry  func() backoff.BackOff
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    lib.LoggerI
}

// New() dials the ledger; with http endpoints no connection is made until the first call
func New(config lib.MirrorConfig, l lib.LoggerI) (*RPCMirror, lib.ErrorI) {
	ctx, cancel := context.WithCancel(context.Background())
	client, err := rpc.DialContext(ctx, config.MirrorURL)
	if err != nil {
		cancel()
		return nil, ErrMirrorDial(config.MirrorURL, err)
	}
	size := config.MirrorQueueSize
	if size <= 0 {
		size = 1
	}
	return &RPCMirror{
		client: client,
		queue:  make(chan *Notification, size),
		retry: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = retryInterval
			return backoff.WithMaxRetries(policy, maxRetries)
		},
		ctx:    ctx,
		cancel: cancel,
		log:    l.With("mirror"),
	}, nil
}

// Start() begins delivering queued notifications
func (m *RPCMirror) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.ctx.Done():
				return
			case n := <-m.queue:
				m.deliver(n)
			}
		}
	}()
}

// Stop() abandons pending notifications and closes the client
func (m *RPCMirror) Stop() {
	m.cancel()
	m.wg.Wait()
	m.client.Close()
	if n := len(m.queue); n > 0 {
		m.log.Warnf("Stopped with %d undelivered notification(s)", n)
	}
}

// Notify() queues a finalized transaction for delivery
func (m *RPCMirror) Notify(n *lib.FinalizedNotification) {
	select {
	case m.queue <- &Notification{ID: uuid.NewString(), FinalizedNotification: n}:
	default:
		m.log.Errorf("Backlog full, dropped notification of %s", lib.ShortHash(n.Hash))
	}
}

// Pending() returns the number of notifications waiting for delivery
func (m *RPCMirror) Pending() int { return len(m.queue) }

func (m *RPCMirror) deliver(n *Notification) {
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(m.ctx, callTimeout)
		defer cancel()
		return m.client.CallContext(ctx, nil, Method, n)
	}, backoff.WithContext(m.retry(), m.ctx))
	if err != nil {
		m.log.Errorf("Delivery of %s (%s) failed: %s", lib.ShortHash(n.Hash), n.ID, err.Error())
		return
	}
	m.log.Debugf("Delivered %s", lib.ShortHash(n.Hash))
}

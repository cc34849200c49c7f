package rpc

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"github.com/verdict-network/verdict/consensus"
	"github.com/verdict-network/verdict/controller"
	"github.com/verdict-network/verdict/lib"
	"github.com/verdict-network/verdict/runner"
	"github.com/verdict-network/verdict/store"
)

// newTestNode() serves the admin router over an in-memory store; the dispatcher loops are never started
func newTestNode(t *testing.T) (*store.Store, *Client) {
	s, err := store.NewStoreInMemory(lib.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	gateway := runner.NewGateway(runner.NewRegistry(nil), time.Second, 0, nil, lib.NewNullLogger())
	machine := consensus.New(lib.DefaultConsensusConfig(), s, gateway, nil, nil, lib.NewNullLogger())
	dispatcher := controller.New(lib.DefaultConsensusConfig(), machine, s, nil, lib.NewNullLogger())
	server := httptest.NewServer(NewServer(dispatcher, s, lib.DefaultRPCConfig(), lib.NewNullLogger()).Handler())
	t.Cleanup(server.Close)
	return s, NewClient(server.URL)
}

func insert(t *testing.T, s *store.Store, nonce uint64) *lib.Transaction {
	to := common.HexToAddress("0xc0ffee")
	tx := &lib.Transaction{
		FromAddress: common.HexToAddress("0xa11ce"),
		ToAddress:   &to,
		Type:        lib.TxTypeCall,
		Nonce:       nonce,
		Value:       uint256.NewInt(7),
		Data:        lib.HexBytes("call"),
	}
	require.NoError(t, s.InsertTransaction(tx))
	return tx
}

// accept() walks a transaction through a round to ACCEPTED
func accept(t *testing.T, s *store.Store, hash common.Hash) {
	for _, status := range []lib.TransactionStatus{lib.StatusProposing, lib.StatusCommitting, lib.StatusRevealing} {
		require.NoError(t, s.UpdateStatus(hash, status))
	}
	now := time.Now()
	leader := &lib.Receipt{Vote: lib.VoteAgree, ExecutionResult: lib.ExecutionSuccess}
	require.NoError(t, s.SetResult(hash, lib.StatusAccepted, lib.NewConsensusData(leader, nil), &now))
}

func TestQueries(t *testing.T) {
	s, client := newTestNode(t)
	pending, accepted := insert(t, s, 0), insert(t, s, 1)
	accept(t, s, accepted.Hash)

	health, err := client.Health()
	require.NoError(t, err)
	require.Equal(t, SoftwareVersion, health.Version)
	require.Zero(t, health.Running)

	got, err := client.Transaction(pending.Hash.Hex())
	require.NoError(t, err)
	require.Equal(t, pending.Hash, got.Hash)
	require.Equal(t, lib.StatusPending, got.Status)
	require.Equal(t, uint64(7), got.Value.Uint64())

	list, err := client.Pending()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, pending.Hash, list[0].Hash)

	list, err = client.Awaiting()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, accepted.Hash, list[0].Hash)
}

func TestQueryErrors(t *testing.T) {
	_, client := newTestNode(t)
	tests := []struct {
		name   string
		hash   string
		module lib.ErrorModule
		code   lib.ErrorCode
	}{
		{name: "malformed hash", hash: "0x1234", module: lib.RPCModule, code: lib.CodeInvalidRequest},
		{name: "unknown hash", hash: common.HexToHash("0xdead").Hex(), module: lib.StoreModule, code: lib.CodeTxNotFound},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := client.Transaction(test.hash)
			require.Error(t, err)
			require.True(t, lib.IsCode(err, test.module, test.code), err.Error())
		})
	}
}

func TestAppealAndCancel(t *testing.T) {
	s, client := newTestNode(t)
	pending, accepted := insert(t, s, 0), insert(t, s, 1)
	accept(t, s, accepted.Hash)
	tests := []struct {
		name    string
		call    func(hash string) lib.ErrorI
		hash    common.Hash
		wantErr lib.ErrorCode
		module  lib.ErrorModule
		check   func(t *testing.T, tx *lib.Transaction)
	}{
		{
			name: "appeal an accepted transaction",
			call: client.Appeal,
			hash: accepted.Hash,
			check: func(t *testing.T, tx *lib.Transaction) {
				require.True(t, tx.Appealed)
				require.Equal(t, lib.StatusAccepted, tx.Status)
			},
		},
		{
			name:    "appeal a pending transaction",
			call:    client.Appeal,
			hash:    pending.Hash,
			wantErr: lib.CodeNotAppealable,
			module:  lib.ConsensusModule,
		},
		{
			name:    "cancel an accepted transaction",
			call:    client.Cancel,
			hash:    accepted.Hash,
			wantErr: lib.CodeNotCancelable,
			module:  lib.DispatcherModule,
		},
		{
			name: "cancel a pending transaction",
			call: client.Cancel,
			hash: pending.Hash,
			check: func(t *testing.T, tx *lib.Transaction) {
				require.Equal(t, lib.StatusCanceled, tx.Status)
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.call(test.hash.Hex())
			if test.wantErr != 0 {
				require.True(t, lib.IsCode(err, test.module, test.wantErr), "unexpected error %v", err)
				return
			}
			require.NoError(t, err)
			tx, e := s.GetTransaction(test.hash)
			require.NoError(t, e)
			test.check(t, tx)
		})
	}
}

func TestMalformedBody(t *testing.T) {
	s, _ := newTestNode(t)
	server := httptest.NewServer(NewServer(nil, s, lib.DefaultRPCConfig(), lib.NewNullLogger()).Handler())
	defer server.Close()
	resp, err := http.Post(server.URL+CancelRoutePath, ApplicationJSON, strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

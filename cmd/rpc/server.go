package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/alecthomas/units"
	"github.com/ethereum/go-ethereum/common"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"github.com/verdict-network/verdict/controller"
	"github.com/verdict-network/verdict/lib"
)

const (
	colon = ":"

	SoftwareVersion = "0.1.0-alpha"
	ContentType     = "Content-Type"
	ApplicationJSON = "application/json; charset=utf-8"
)

// Dispatcher is the part of the dispatcher the admin surface drives
type Dispatcher interface {
	Cancel(hash common.Hash) lib.ErrorI
	Appeal(hash common.Hash) lib.ErrorI
	Stats() controller.Stats
}

var _ Dispatcher = (*controller.Dispatcher)(nil)

// Server is the admin RPC of a node: transaction queries plus appeal and cancel requests
type Server struct {
	dispatcher Dispatcher
	store      lib.TxStoreI
	config     lib.RPCConfig
	server     *http.Server
	logger     lib.LoggerI
}

// NewServer constructs the admin RPC server
func NewServer(dispatcher Dispatcher, store lib.TxStoreI, config lib.RPCConfig, logger lib.LoggerI) *Server {
	return &Server{
		dispatcher: dispatcher,
		store:      store,
		config:     config,
		logger:     logger.With("rpc"),
	}
}

// Start() serves the admin router in the background
func (s *Server) Start() {
	s.server = &http.Server{Addr: colon + s.config.AdminPort, Handler: s.Handler()}
	s.logger.Infof("Starting admin RPC server at 0.0.0.0:%s", s.config.AdminPort)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal(err.Error())
		}
	}()
}

// Stop() gracefully shuts the server down
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout())
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error(err.Error())
	}
}

// Handler() wraps the router with the CORS policy and the request timeout
func (s *Server) Handler() http.Handler {
	cor := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS", "POST"},
	})
	return cor.Handler(http.TimeoutHandler(createRouter(s), s.timeout(), ErrServerTimeout().Error()))
}

func (s *Server) timeout() time.Duration {
	if s.config.TimeoutS <= 0 {
		return time.Second
	}
	return time.Duration(s.config.TimeoutS) * time.Second
}

// HealthResponse is the body of the health route
type HealthResponse struct {
	Version string `json:"version"`
	controller.Stats
}

func (s *Server) Health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	write(w, HealthResponse{Version: SoftwareVersion, Stats: s.dispatcher.Stats()}, http.StatusOK)
}

func (s *Server) Transaction(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	hash, err := lib.ParseHash(p.ByName("hash"))
	if err != nil {
		writeError(w, ErrInvalidRequest(err))
		return
	}
	tx, err := s.store.GetTransaction(hash)
	if err != nil {
		writeError(w, err)
		return
	}
	write(w, tx, http.StatusOK)
}

func (s *Server) Pending(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.list(w, s.store.PendingTransactions)
}

func (s *Server) Awaiting(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.list(w, s.store.AwaitingFinalization)
}

func (s *Server) Appeal(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.hashHandler(w, r, s.dispatcher.Appeal)
}

func (s *Server) Cancel(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.hashHandler(w, r, s.dispatcher.Cancel)
}

// list() writes a transaction listing; an empty listing is an empty array
func (s *Server) list(w http.ResponseWriter, query func() ([]*lib.Transaction, lib.ErrorI)) {
	txs, err := query()
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []*lib.Transaction{}
	}
	write(w, txs, http.StatusOK)
}

// hashHandler() decodes a hash request and applies the callback to it
func (s *Server) hashHandler(w http.ResponseWriter, r *http.Request, callback func(hash common.Hash) lib.ErrorI) {
	ptr := new(hashRequest)
	if !unmarshal(w, r, ptr) {
		return
	}
	hash, err := lib.ParseHash(ptr.Hash)
	if err != nil {
		writeError(w, ErrInvalidRequest(err))
		return
	}
	if err = callback(hash); err != nil {
		writeError(w, err)
		return
	}
	write(w, ptr, http.StatusOK)
}

// hashRequest is the body of the appeal and cancel routes
type hashRequest struct {
	Hash string `json:"hash"`
}

// unmarshal reads request body and unmarshals it into ptr
func unmarshal(w http.ResponseWriter, r *http.Request, ptr any) bool {
	defer func() { _ = r.Body.Close() }()
	bz, err := io.ReadAll(io.LimitReader(r.Body, int64(units.MB)))
	if err != nil {
		writeError(w, ErrInvalidRequest(err))
		return false
	}
	if err = json.Unmarshal(bz, ptr); err != nil {
		writeError(w, ErrInvalidRequest(err))
		return false
	}
	return true
}

// writeError() maps an error to its http status
func writeError(w http.ResponseWriter, err lib.ErrorI) {
	code := http.StatusInternalServerError
	switch {
	case lib.IsCode(err, lib.RPCModule, lib.CodeInvalidRequest):
		code = http.StatusBadRequest
	case lib.IsCode(err, lib.StoreModule, lib.CodeTxNotFound):
		code = http.StatusNotFound
	case lib.IsCode(err, lib.ConsensusModule, lib.CodeNotAppealable),
		lib.IsCode(err, lib.DispatcherModule, lib.CodeNotCancelable),
		lib.IsCode(err, lib.StoreModule, lib.CodeImmutable):
		code = http.StatusConflict
	}
	write(w, err, code)
}

// write marshaled payload to w
func write(w http.ResponseWriter, payload any, code int) {
	w.Header().Set(ContentType, ApplicationJSON)
	w.WriteHeader(code)
	bz, _ := json.MarshalIndent(payload, "", "  ")
	_, _ = w.Write(bz)
}

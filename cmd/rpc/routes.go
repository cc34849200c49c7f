package rpc

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/verdict-network/verdict/lib"
)

// Admin RPC Paths
const (
	HealthRoutePath   = "/v1/health"
	TxByHashRoutePath = "/v1/query/tx/:hash"
	PendingRoutePath  = "/v1/query/pending"
	AwaitingRoutePath = "/v1/query/awaiting"
	AppealRoutePath   = "/v1/tx/appeal"
	CancelRoutePath   = "/v1/tx/cancel"
)

const (
	HealthRouteName   = "health"
	TxByHashRouteName = "tx-by-hash"
	PendingRouteName  = "pending"
	AwaitingRouteName = "awaiting"
	AppealRouteName   = "appeal"
	CancelRouteName   = "cancel"
)

// routes contains the method and path for a command
type routes map[string]struct {
	Method string
	Path   string
}

// routePaths is a mapping from route names to their corresponding HTTP methods and paths.
var routePaths = routes{
	HealthRouteName:   {Method: http.MethodGet, Path: HealthRoutePath},
	TxByHashRouteName: {Method: http.MethodGet, Path: TxByHashRoutePath},
	PendingRouteName:  {Method: http.MethodGet, Path: PendingRoutePath},
	AwaitingRouteName: {Method: http.MethodGet, Path: AwaitingRoutePath},
	AppealRouteName:   {Method: http.MethodPost, Path: AppealRoutePath},
	CancelRouteName:   {Method: http.MethodPost, Path: CancelRoutePath},
}

// httpRouteHandlers is a custom type that maps strings to httprouter handle functions
type httpRouteHandlers map[string]httprouter.Handle

// createRouter initializes and returns a new HTTP router with the admin route handlers
func createRouter(s *Server) *httprouter.Router {
	var r = httpRouteHandlers{
		HealthRouteName:   s.Health,
		TxByHashRouteName: s.Transaction,
		PendingRouteName:  s.Pending,
		AwaitingRouteName: s.Awaiting,
		AppealRouteName:   s.Appeal,
		CancelRouteName:   s.Cancel,
	}
	router := httprouter.New()
	for name, handler := range r {
		path := routePaths[name]
		router.Handle(path.Method, path.Path, logHandler{path: path.Path, h: handler, log: s.logger}.Handle)
	}
	return router
}

// logHandler logs every admin call at debug level
type logHandler struct {
	path string
	h    httprouter.Handle
	log  lib.LoggerI
}

func (h logHandler) Handle(resp http.ResponseWriter, req *http.Request, p httprouter.Params) {
	h.log.Debugf("%s %s", req.Method, h.path)
	h.h(resp, req, p)
}

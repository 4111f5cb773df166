// Package api serves the HTTP interface of a shard node: ledger queries,
// transaction submission, backups, recent logs, operator docs, metrics and
// a websocket feed of committed ledger events.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	abci "github.com/tendermint/tendermint/abci/types"
	"go.uber.org/zap"

	"shareledger.dev/ysl/internal/docs"
	"shareledger.dev/ysl/internal/logger"
	"shareledger.dev/ysl/internal/metrics"
	"shareledger.dev/ysl/internal/store"
	"shareledger.dev/ysl/internal/tendermint"
)

// Ledger answers ABCI queries against committed state.
type Ledger interface {
	Query(req abci.RequestQuery) abci.ResponseQuery
	Height() int64
}

// Broadcaster submits raw transactions to consensus.
type Broadcaster interface {
	BroadcastTxSync(ctx context.Context, tx []byte) (tendermint.TxResult, error)
}

// Service handles API requests
type Service struct {
	shard       string
	ledger      Ledger
	store       *store.Store
	logs        *logger.Logger
	broadcaster Broadcaster
	docs        *docs.Service
	metrics     *metrics.Metrics
	hub         *Hub
	log         *zap.Logger
	maxBackups  int
}

// Option configures a Service.
type Option func(*Service)

func WithBroadcaster(b Broadcaster) Option { return func(s *Service) { s.broadcaster = b } }

func WithDocs(d *docs.Service) Option { return func(s *Service) { s.docs = d } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithHub(h *Hub) Option { return func(s *Service) { s.hub = h } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

func WithMaxBackups(n int) Option { return func(s *Service) { s.maxBackups = n } }

// NewService creates a new API service
func NewService(shard string, ledger Ledger, st *store.Store, logs *logger.Logger, opts ...Option) *Service {
	s := &Service{
		shard:  shard,
		ledger: ledger,
		store:  st,
		logs:   logs,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the handler for every endpoint.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.HandleHealth)
	mux.HandleFunc("GET /api/version", s.HandleVersion)
	mux.HandleFunc("GET /api/state", s.HandleState)
	mux.HandleFunc("GET /api/exchange_rate", s.HandleExchangeRate)
	mux.HandleFunc("GET /api/balance/{holder}", s.HandleBalance)
	mux.HandleFunc("GET /api/request/{holder}", s.HandleRedeemRequest)
	mux.HandleFunc("GET /api/preview/{op}/{amount}", s.HandlePreview)
	mux.HandleFunc("GET /api/distributions", s.HandleDistributions)
	mux.HandleFunc("POST /api/tx", s.HandleSubmitTx)
	mux.HandleFunc("POST /api/backups", s.HandleBackup)
	mux.HandleFunc("GET /api/backups/export", s.HandleExport)
	mux.HandleFunc("GET /api/logs", s.HandleLogs)
	mux.HandleFunc("GET /api/docs", s.HandleDocsList)
	mux.HandleFunc("GET /api/docs/{name}", s.HandleDoc)
	if s.hub != nil {
		mux.HandleFunc("GET /api/events", s.hub.ServeWS)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// writeJSON writes a JSON response
func (s *Service) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Service) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

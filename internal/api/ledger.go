package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	abci "github.com/tendermint/tendermint/abci/types"
	"go.uber.org/zap"

	abciapp "shareledger.dev/ysl/internal/abci"
	"shareledger.dev/ysl/internal/types"
	"shareledger.dev/ysl/internal/vault"
)

const maxTxBytes = 64 << 10

// relayQuery runs an ABCI query and writes its JSON value.
func (s *Service) relayQuery(w http.ResponseWriter, path string) {
	resp := s.ledger.Query(abci.RequestQuery{Path: path})
	if resp.Code != abciapp.CodeTypeOK {
		s.writeError(w, queryStatus(resp), resp.Log)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Ledger-Height", strconv.FormatInt(resp.Height, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Value)
}

func queryStatus(resp abci.ResponseQuery) int {
	switch {
	case resp.Codespace == abciapp.Codespace && resp.Code == abciapp.CodeTypeUnknownQuery:
		return http.StatusNotFound
	case resp.Codespace == vault.Codespace && resp.Code == vault.ErrNoRedemptionRequest.ABCICode():
		return http.StatusNotFound
	case resp.Codespace == abciapp.Codespace || resp.Codespace == vault.Codespace:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// @Title: Get Ledger State
// @Route: GET /api/state
// @Description: Full committed state of the shard ledger
// @Response: LedgerState object
func (s *Service) HandleState(w http.ResponseWriter, r *http.Request) {
	s.relayQuery(w, "/state")
}

// @Title: Get Exchange Rate
// @Route: GET /api/exchange_rate
// @Description: Assets per 10^6 shares, the 1e18-scaled rate and the totals behind them
// @Response: {"rate": "...", "rate_scaled": "...", "total_assets": "...", ...}
func (s *Service) HandleExchangeRate(w http.ResponseWriter, r *http.Request) {
	s.relayQuery(w, "/exchange_rate")
}

// @Title: Get Balance
// @Route: GET /api/balance/{holder}
// @Description: Shares of a holder and their value in assets
// @Response: {"holder": "...", "shares": "...", "assets": "..."}
func (s *Service) HandleBalance(w http.ResponseWriter, r *http.Request) {
	s.relayQuery(w, "/balance/"+r.PathValue("holder"))
}

// @Title: Get Redemption Request
// @Route: GET /api/request/{holder}
// @Description: Open redemption request of a holder and whether its cooldown is over
// @Response: {"holder": "...", "request": {...}, "can_execute": false, "unlocks_at": "..."}
func (s *Service) HandleRedeemRequest(w http.ResponseWriter, r *http.Request) {
	s.relayQuery(w, "/request/"+r.PathValue("holder"))
}

// @Title: Preview Operation
// @Route: GET /api/preview/{op}/{amount}
// @Description: Previews deposit, mint, redeem or withdraw at the current rate
// @Response: {"op": "...", "amount": "...", "result": "..."}
func (s *Service) HandlePreview(w http.ResponseWriter, r *http.Request) {
	s.relayQuery(w, fmt.Sprintf("/preview/%s/%s", r.PathValue("op"), r.PathValue("amount")))
}

// @Title: List Distributions
// @Route: GET /api/distributions?limit=n
// @Description: Applied yield distributions of this shard, newest first
// @Response: Array of Distribution objects
func (s *Service) HandleDistributions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	history, err := s.store.Distributions(s.shard, limit)
	if err != nil {
		s.log.Error("list distributions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to read distributions")
		return
	}
	if history == nil {
		history = []types.Distribution{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

// @Title: Submit Transaction
// @Route: POST /api/tx
// @Description: Broadcasts a signed transaction; returns once CheckTx accepted it
// @Response: {"hash": "..."}
func (s *Service) HandleSubmitTx(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Transaction submission disabled")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxTxBytes+1))
	if err != nil || len(body) > maxTxBytes {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var stx types.SignedTransaction
	if err := json.Unmarshal(body, &stx); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid signed transaction")
		return
	}
	if !stx.Verify() {
		s.writeError(w, http.StatusBadRequest, "Invalid signature")
		return
	}
	tx, err := stx.GetTransaction()
	if err != nil || !tx.Type.Known() {
		s.writeError(w, http.StatusBadRequest, "Unknown transaction")
		return
	}

	res, err := s.broadcaster.BroadcastTxSync(r.Context(), body)
	if err != nil {
		s.log.Warn("broadcast failed", zap.String("id", tx.ID), zap.String("type", string(tx.Type)), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.log.Info("transaction submitted", zap.String("id", tx.ID), zap.String("type", string(tx.Type)), zap.String("hash", res.Hash))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"hash": res.Hash, "id": tx.ID})
}

// @Title: Create Backup
// @Route: POST /api/backups
// @Description: Writes a timestamped copy of the ledger database
// @Response: {"status": "ok", "path": "..."}
func (s *Service) HandleBackup(w http.ResponseWriter, r *http.Request) {
	backupPath, err := s.store.BackupCurrent(s.maxBackups)
	if err != nil {
		s.log.Error("create backup", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to save backup")
		return
	}
	s.log.Info("created backup", zap.String("path", backupPath))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "path": backupPath})
}

// @Title: Download Database
// @Route: GET /api/backups/export
// @Description: Downloads a consistent copy of the ledger database
// @Response: application/octet-stream file download
func (s *Service) HandleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.Export()
	if err != nil {
		s.log.Error("export database", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to export database")
		return
	}
	filename := fmt.Sprintf("ysl-%s-%s.db", s.shard, time.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	w.Write(data)
}

// @Title: Recent Logs
// @Route: GET /api/logs?n=50
// @Description: Most recent node log entries, newest first
// @Response: [{"timestamp": "...", "level": "...", "text": "..."}]
func (s *Service) HandleLogs(w http.ResponseWriter, r *http.Request) {
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid n")
			return
		}
		n = parsed
	}
	s.writeJSON(w, http.StatusOK, s.logs.GetRecent(n))
}

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marginvault/config"
	"marginvault/native/conversion"
	"marginvault/native/ledger"
	"marginvault/observability/metrics"
	"marginvault/storage"
	"marginvault/venue/sim"
)

// traderSet bundles the per-market engine components.
type traderSet struct {
	market    conversion.Market
	factory   [20]byte
	wrapper   *conversion.Wrapper
	unwrapper *conversion.Unwrapper
	adapter   *conversion.LiquidationAdapter
	venue     *sim.Venue
}

type server struct {
	logger       *slog.Logger
	state        *storage.State
	journal      *storage.Journal
	margin       *ledger.Engine
	registry     *conversion.HandlerRegistry
	traders      map[string]*traderSet
	venueHandler [20]byte
	metrics      *metrics.ConversionMetrics
	tracker      *conversion.FreezeTracker
}

func newServer(logger *slog.Logger, state *storage.State, journal *storage.Journal, margin *ledger.Engine, registry *conversion.HandlerRegistry, traders map[string]*traderSet, venueHandler [20]byte) *server {
	return &server{
		logger:       logger,
		state:        state,
		journal:      journal,
		margin:       margin,
		registry:     registry,
		traders:      traders,
		venueHandler: venueHandler,
		metrics:      metrics.Conversion(),
		tracker:      conversion.NewFreezeTracker(state),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/vaults", s.handleRegisterVault)
		r.Get("/vaults/{vault}/status", s.handleVaultStatus)
		r.Get("/vaults/{vault}/positions/{sub}", s.handlePosition)
		r.Get("/vaults/{vault}/positions/{sub}/health", s.handlePositionHealth)
		r.Post("/markets/{id}/wrap", s.handleWrap)
		r.Post("/markets/{id}/unwrap", s.handleUnwrap)
		r.Post("/markets/{id}/liquidations", s.handlePrepareLiquidation)
		r.Get("/conversions/{key}", s.handleConversion)
		r.Post("/conversions/{key}/execute", s.handleExecute)
		r.Post("/conversions/{key}/cancel", s.handleCancel)
		r.Post("/conversions/{key}/fail", s.handleFail)
		r.Post("/conversions/{key}/retry", s.handleRetry)
		r.Post("/conversions/{key}/settle-liquidation", s.handleSettleLiquidation)
		r.Get("/journal", s.handleJournal)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseKey(raw string) ([32]byte, error) {
	var key [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil || len(decoded) != len(key) {
		return key, fmt.Errorf("malformed conversion key %q", raw)
	}
	copy(key[:], decoded)
	return key, nil
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", raw)
	}
	return v, nil
}

func (s *server) updateGauges() {
	depth := 0.0
	withdrawals := 0.0
	for _, ts := range s.traders {
		depth += float64(ts.venue.PendingDeposits())
		withdrawals += float64(ts.venue.PendingWithdrawals())
	}
	s.metrics.SetVenueQueueDepth("deposit", depth)
	s.metrics.SetVenueQueueDepth("withdrawal", withdrawals)
	s.metrics.SetJournalEntries(float64(s.journal.Seq()))
	if frozen, err := s.state.FreezeCount(); err == nil {
		s.metrics.SetFrozenAccounts(float64(frozen))
	}
}

type registerVaultRequest struct {
	Market string `json:"market"`
	Vault  string `json:"vault"`
	Owner  string `json:"owner"`
}

func (s *server) handleRegisterVault(w http.ResponseWriter, r *http.Request) {
	var req registerVaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ts, ok := s.traders[req.Market]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown market %q", req.Market))
		return
	}
	vault, err := config.DecodeAddress(req.Vault)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	owner, err := config.DecodeAddress(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := ts.wrapper.RegisterVault(ts.factory, vault, owner); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"vault": req.Vault})
}

func (s *server) handleVaultStatus(w http.ResponseWriter, r *http.Request) {
	vault, err := config.DecodeAddress(chi.URLParam(r, "vault"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	frozen, err := s.tracker.IsVaultFrozen(vault)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	entries, err := s.state.FreezeByVault(vault)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type freezeView struct {
		SubAccount    uint64 `json:"subAccount"`
		Reason        string `json:"reason"`
		PendingAmount string `json:"pendingAmount"`
		OutputToken   string `json:"outputToken"`
	}
	views := make([]freezeView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, freezeView{
			SubAccount:    entry.SubAccount,
			Reason:        entry.Reason.String(),
			PendingAmount: entry.PendingAmount.String(),
			OutputToken:   entry.OutputToken,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"frozen": frozen, "freezes": views})
}

func (s *server) handlePosition(w http.ResponseWriter, r *http.Request) {
	vault, err := config.DecodeAddress(chi.URLParam(r, "vault"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sub, err := strconv.ParseUint(chi.URLParam(r, "sub"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	balances, err := s.state.BalancesByPosition(vault, sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make(map[string]string, len(balances))
	for token, balance := range balances {
		out[token] = balance.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"frozen": s.tracker.IsFrozen(vault, sub), "balances": out})
}

func (s *server) handlePositionHealth(w http.ResponseWriter, r *http.Request) {
	vault, err := config.DecodeAddress(chi.URLParam(r, "vault"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sub, err := strconv.ParseUint(chi.URLParam(r, "sub"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	collateralized := s.margin.CheckCollateralized(vault, sub) == nil
	liquidatable := s.margin.CheckLiquidatable(vault, sub) == nil
	writeJSON(w, http.StatusOK, map[string]bool{
		"collateralized": collateralized,
		"liquidatable":   liquidatable,
	})
}

type initiateRequest struct {
	Caller          string `json:"caller"`
	Vault           string `json:"vault"`
	SubAccount      uint64 `json:"subAccount"`
	Token           string `json:"token"`
	InputAmount     string `json:"inputAmount"`
	OutputMinAmount string `json:"outputMinAmount"`
	ExecutionFee    string `json:"executionFee"`
}

func (s *server) decodeInitiate(r *http.Request) (*traderSet, [20]byte, [20]byte, initiateRequest, *big.Int, *big.Int, *big.Int, error) {
	var req initiateRequest
	zero := [20]byte{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, zero, zero, req, nil, nil, nil, err
	}
	ts, ok := s.traders[chi.URLParam(r, "id")]
	if !ok {
		return nil, zero, zero, req, nil, nil, nil, fmt.Errorf("unknown market %q", chi.URLParam(r, "id"))
	}
	caller, err := config.DecodeAddress(req.Caller)
	if err != nil {
		return nil, zero, zero, req, nil, nil, nil, err
	}
	vault, err := config.DecodeAddress(req.Vault)
	if err != nil {
		return nil, zero, zero, req, nil, nil, nil, err
	}
	input, err := parseAmount(req.InputAmount)
	if err != nil {
		return nil, zero, zero, req, nil, nil, nil, err
	}
	outputMin, err := parseAmount(req.OutputMinAmount)
	if err != nil {
		return nil, zero, zero, req, nil, nil, nil, err
	}
	fee, err := parseAmount(req.ExecutionFee)
	if err != nil {
		return nil, zero, zero, req, nil, nil, nil, err
	}
	return ts, caller, vault, req, input, outputMin, fee, nil
}

func (s *server) handleWrap(w http.ResponseWriter, r *http.Request) {
	ts, caller, vault, req, input, outputMin, fee, err := s.decodeInitiate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := ts.wrapper.Initiate(caller, vault, req.SubAccount, req.Token, input, outputMin, fee, fee)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.metrics.ObserveInitiated("deposit")
	s.updateGauges()
	writeJSON(w, http.StatusAccepted, map[string]string{"key": hex.EncodeToString(key[:])})
}

func (s *server) handleUnwrap(w http.ResponseWriter, r *http.Request) {
	ts, caller, vault, req, input, outputMin, fee, err := s.decodeInitiate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := ts.unwrapper.Initiate(caller, vault, req.SubAccount, req.Token, input, outputMin, fee, fee)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.metrics.ObserveInitiated("withdrawal")
	s.updateGauges()
	writeJSON(w, http.StatusAccepted, map[string]string{"key": hex.EncodeToString(key[:])})
}

func (s *server) handleConversion(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pending, ok := s.state.PendingGet(key)
	if !ok {
		writeError(w, http.StatusNotFound, conversion.ErrUnknownKey)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":             hex.EncodeToString(pending.Key[:]),
		"vault":           hex.EncodeToString(pending.Vault[:]),
		"subAccount":      pending.SubAccount,
		"reason":          pending.Reason.String(),
		"inputToken":      pending.InputToken,
		"inputAmount":     pending.InputAmount.String(),
		"outputToken":     pending.OutputToken,
		"outputMinAmount": pending.OutputMinAmount.String(),
		"escrowedAmount":  pending.EscrowedAmount.String(),
		"createdAtBlock":  pending.CreatedAtBlock,
		"retryable":       pending.Retryable,
		"fromLiquidation": pending.FromLiquidation,
	})
}

// venueFor locates the trader set whose venue currently queues the key.
func (s *server) venueFor(key [32]byte) (*traderSet, bool, bool) {
	for _, ts := range s.traders {
		if _, ok := ts.venue.DepositRequestFor(key); ok {
			return ts, true, true
		}
		if _, ok := ts.venue.WithdrawalRequestFor(key); ok {
			return ts, false, true
		}
	}
	return nil, false, false
}

// traderForPending routes a settled or retryable record back to its market by
// the market-token side of the conversion.
func (s *server) traderForPending(pending *conversion.PendingConversion) (*traderSet, bool) {
	marketToken := pending.OutputToken
	if pending.Reason == conversion.FreezeReasonWithdrawal {
		marketToken = pending.InputToken
	}
	for _, ts := range s.traders {
		if ts.market.MarketToken == marketToken {
			return ts, true
		}
	}
	return nil, false
}

type executeRequest struct {
	ActualOutput string `json:"actualOutput"`
	OtherAmount  string `json:"otherAmount,omitempty"`
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	output, err := parseAmount(req.ActualOutput)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ts, isDeposit, ok := s.venueFor(key)
	if !ok {
		writeError(w, http.StatusNotFound, conversion.ErrUnknownKey)
		return
	}
	if isDeposit {
		err = ts.venue.ExecuteDeposit(key, output)
	} else {
		other := big.NewInt(0)
		if strings.TrimSpace(req.OtherAmount) != "" {
			if other, err = parseAmount(req.OtherAmount); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		err = ts.venue.ExecuteWithdrawal(key, output, other)
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.metrics.ObserveResolved(kindLabel(isDeposit), "executed")
	s.updateGauges()
	writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ts, isDeposit, ok := s.venueFor(key)
	if !ok {
		writeError(w, http.StatusNotFound, conversion.ErrUnknownKey)
		return
	}
	if isDeposit {
		err = ts.venue.CancelDeposit(key)
	} else {
		err = ts.venue.CancelWithdrawal(key)
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.metrics.ObserveResolved(kindLabel(isDeposit), "cancelled")
	s.updateGauges()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (s *server) handleFail(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ts, isDeposit, ok := s.venueFor(key)
	if !ok {
		writeError(w, http.StatusNotFound, conversion.ErrUnknownKey)
		return
	}
	if isDeposit {
		err = ts.venue.FailDeposit(key, req.Reason)
	} else {
		err = ts.venue.FailWithdrawal(key, req.Reason)
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.metrics.ObserveResolved(kindLabel(isDeposit), "failed")
	s.updateGauges()
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (s *server) handleRetry(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pending, ok := s.state.PendingGet(key)
	if !ok {
		writeError(w, http.StatusNotFound, conversion.ErrUnknownKey)
		return
	}
	ts, ok := s.traderForPending(pending)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no market serves token %q", pending.OutputToken))
		return
	}
	if pending.Reason == conversion.FreezeReasonDeposit {
		err = ts.wrapper.RetryResolution(s.venueHandler, key)
	} else {
		err = ts.unwrapper.RetryResolution(s.venueHandler, key)
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.metrics.IncRetry()
	s.updateGauges()
	writeJSON(w, http.StatusOK, map[string]string{"status": "retried"})
}

type prepareLiquidationRequest struct {
	Caller          string `json:"caller"`
	Vault           string `json:"vault"`
	SubAccount      uint64 `json:"subAccount"`
	InputAmount     string `json:"inputAmount"`
	OutputToken     string `json:"outputToken"`
	OutputMinAmount string `json:"outputMinAmount"`
	ExecutionFee    string `json:"executionFee"`
}

func (s *server) handlePrepareLiquidation(w http.ResponseWriter, r *http.Request) {
	var req prepareLiquidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ts, ok := s.traders[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown market %q", chi.URLParam(r, "id")))
		return
	}
	caller, err := config.DecodeAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	vault, err := config.DecodeAddress(req.Vault)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	input, err := parseAmount(req.InputAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	outputMin, err := parseAmount(req.OutputMinAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fee, err := parseAmount(req.ExecutionFee)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := ts.adapter.PrepareForLiquidation(caller, vault, req.SubAccount, input, req.OutputToken, outputMin, fee, fee)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.metrics.ObserveLiquidation("prepared")
	s.metrics.ObserveInitiated("withdrawal")
	s.updateGauges()
	writeJSON(w, http.StatusAccepted, map[string]string{"key": hex.EncodeToString(key[:])})
}

type settleLiquidationRequest struct {
	Caller     string `json:"caller"`
	Vault      string `json:"vault"`
	SubAccount uint64 `json:"subAccount"`
	MinOutput  string `json:"minOutput,omitempty"`
}

func (s *server) handleSettleLiquidation(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req settleLiquidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := config.DecodeAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	vault, err := config.DecodeAddress(req.Vault)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var minOutput *big.Int
	if strings.TrimSpace(req.MinOutput) != "" {
		if minOutput, err = parseAmount(req.MinOutput); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	pending, ok := s.state.PendingGet(key)
	if !ok {
		writeError(w, http.StatusNotFound, conversion.ErrUnknownKey)
		return
	}
	ts, ok := s.traderForPending(pending)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no market serves token %q", pending.InputToken))
		return
	}
	ctx := conversion.AccountContext{Vault: vault, SubAccount: req.SubAccount}
	output, err := ts.adapter.SettleLiquidation(caller, ctx, key, minOutput)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.metrics.ObserveLiquidation("settled")
	s.updateGauges()
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled", "output": output.String()})
}

func (s *server) handleJournal(w http.ResponseWriter, r *http.Request) {
	from, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	to, _ := strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)
	entries, err := s.journal.Entries(from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func kindLabel(isDeposit bool) string {
	if isDeposit {
		return "deposit"
	}
	return "withdrawal"
}

// Package web exposes the HTTP surface: broker account linking, market
// data reads, trade submission, the analysis orchestrator and SSE streams
// for live quotes and rolling candles.
//
// User identity comes from the X-User-ID header set by the fronting auth
// proxy; this layer performs no credential checks of its own.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradebridge/internal/broker"
	"tradebridge/internal/domain"
	"tradebridge/internal/services/orchestrator"
	"tradebridge/internal/storage/journal"
)

const (
	journalPollInterval = 2 * time.Second
	sseHeartbeat        = 30 * time.Second
)

// Market is the market data surface the server exposes.
type Market interface {
	ListActives(ctx context.Context, userID string, kind domain.Kind, at string) ([]domain.ActiveSummary, error)
	ListActivesAll(ctx context.Context, userID string) ([]domain.ActiveSummary, error)
	GetCandles(ctx context.Context, userID string, q domain.CandleQuery) ([]domain.Candle, error)
	ListBalances(ctx context.Context, userID string) ([]domain.Balance, error)
	ResetDemoBalance(ctx context.Context, userID string) error
	Positions(ctx context.Context, userID string) ([]broker.Position, error)
	PositionsHistory(ctx context.Context, userID string) ([]broker.Position, error)
	SellPosition(ctx context.Context, userID string, externalID int64) (bool, error)
	CurrentQuote(ctx context.Context, userID string, activeID int) (domain.QuoteTick, error)
}

// Streams is the live streaming surface.
type Streams interface {
	StreamQuote(ctx context.Context, userID string, activeID int) (<-chan domain.QuoteEvent, error)
	StreamRollingCandle(ctx context.Context, userID string, activeID, windowSeconds int) (<-chan domain.CandleEvent, error)
}

// Buyer submits option purchases.
type Buyer interface {
	Buy(ctx context.Context, userID string, req domain.BuyRequest) (domain.TradeResult, error)
}

// BrokerAuth handles credential-based broker calls.
type BrokerAuth interface {
	Login(ctx context.Context, data broker.LoginData) broker.Response
	Register(ctx context.Context, data broker.RegisterData) broker.Response
}

// UserLinker persists the broker link on the account.
type UserLinker interface {
	SetBrokerSSID(ctx context.Context, id, ssid string) error
}

// Orchestrate dispatches analysis requests.
type Orchestrate interface {
	Handle(ctx context.Context, userID string, req orchestrator.Request) (orchestrator.Response, error)
}

// JournalReader replays persisted automation outcomes.
type JournalReader interface {
	EntriesAfter(index uint64) ([]journal.EntryRecord, error)
}

// Server wires the HTTP endpoints.
type Server struct {
	addr     string
	gateway  BrokerAuth
	users    UserLinker
	market   Market
	streams  Streams
	buyer    Buyer
	orch     Orchestrate
	journal  JournalReader
	imageDir string
	logger   *zap.Logger
}

// NewServer creates the web server. journal and imageDir may be empty.
func NewServer(addr string, gateway BrokerAuth, users UserLinker, market Market, streams Streams, buyer Buyer, orch Orchestrate, jrnl JournalReader, imageDir string, logger *zap.Logger) *Server {
	return &Server{
		addr:     addr,
		gateway:  gateway,
		users:    users,
		market:   market,
		streams:  streams,
		buyer:    buyer,
		orch:     orch,
		journal:  jrnl,
		imageDir: imageDir,
		logger:   logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/broker/login", s.handleBrokerLogin)
	mux.HandleFunc("POST /api/broker/register", s.handleBrokerRegister)
	mux.HandleFunc("GET /api/actives", s.handleActives)
	mux.HandleFunc("POST /api/candles", s.handleCandles)
	mux.HandleFunc("GET /api/balances", s.handleBalances)
	mux.HandleFunc("POST /api/balances/reset-demo", s.handleResetDemo)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/positions/history", s.handlePositionsHistory)
	mux.HandleFunc("POST /api/positions/sell", s.handleSellPosition)
	mux.HandleFunc("GET /api/quote", s.handleQuote)
	mux.HandleFunc("POST /api/buy", s.handleBuy)
	mux.HandleFunc("POST /api/orchestrate", s.handleOrchestrate)
	mux.HandleFunc("GET /api/stream/quote", s.handleQuoteStream)
	mux.HandleFunc("GET /api/stream/candle", s.handleCandleStream)
	mux.HandleFunc("GET /api/journal/stream", s.handleJournalStream)
	if s.imageDir != "" {
		mux.Handle("GET /img/", http.StripPrefix("/img/", http.FileServer(http.Dir(s.imageDir))))
	}
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated), errors.Is(err, domain.ErrSessionInvalid):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrInstrumentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnsupportedCapability):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody[T any](r *http.Request) (T, error) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return v, errors.Wrap(domain.ErrInvalidArgument, "malformed request body")
	}
	return v, nil
}

func (s *Server) handleBrokerLogin(w http.ResponseWriter, r *http.Request) {
	data, err := decodeBody[broker.LoginData](r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := s.gateway.Login(r.Context(), data)
	s.persistSSID(r, resp.SSID)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBrokerRegister(w http.ResponseWriter, r *http.Request) {
	data, err := decodeBody[broker.RegisterData](r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := s.gateway.Register(r.Context(), data)
	s.persistSSID(r, resp.SSID)
	s.writeJSON(w, http.StatusOK, resp)
}

// persistSSID stores a freshly issued broker credential on the account.
// Persistence failure is logged but never fails the login itself.
func (s *Server) persistSSID(r *http.Request, ssid string) {
	if ssid == "" {
		return
	}
	userID := s.userID(r)
	if userID == "" {
		return
	}
	if err := s.users.SetBrokerSSID(r.Context(), userID, ssid); err != nil {
		s.logger.Warn("persisting broker ssid failed",
			zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Server) handleActives(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")

	var (
		list []domain.ActiveSummary
		err  error
	)
	if kind == "" || kind == "all" {
		list, err = s.market.ListActivesAll(r.Context(), s.userID(r))
	} else {
		list, err = s.market.ListActives(r.Context(), s.userID(r), domain.Kind(kind), r.URL.Query().Get("at"))
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

type candleRequest struct {
	ActiveID           int    `json:"activeId"`
	Size               int    `json:"size"`
	From               string `json:"from"`
	To                 string `json:"to"`
	Count              int    `json:"count"`
	Backoff            int    `json:"backoff"`
	OnlyClosed         *bool  `json:"onlyClosed"`
	Kind               string `json:"kind"`
	FromID             int64  `json:"fromId"`
	ToID               int64  `json:"toId"`
	SplitNormalization bool   `json:"splitNormalization"`
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[candleRequest](r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	candles, err := s.market.GetCandles(r.Context(), s.userID(r), domain.CandleQuery{
		ActiveID:           req.ActiveID,
		Size:               req.Size,
		From:               req.From,
		To:                 req.To,
		Count:              req.Count,
		Backoff:            req.Backoff,
		OnlyClosed:         req.OnlyClosed,
		Kind:               req.Kind,
		FromID:             req.FromID,
		ToID:               req.ToID,
		SplitNormalization: req.SplitNormalization,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, candles)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.market.ListBalances(r.Context(), s.userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handleResetDemo(w http.ResponseWriter, r *http.Request) {
	if err := s.market.ResetDemoBalance(r.Context(), s.userID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.market.Positions(r.Context(), s.userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handlePositionsHistory(w http.ResponseWriter, r *http.Request) {
	positions, err := s.market.PositionsHistory(r.Context(), s.userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

type sellPositionRequest struct {
	ExternalID int64 `json:"externalId"`
}

func (s *Server) handleSellPosition(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[sellPositionRequest](r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sold, err := s.market.SellPosition(r.Context(), s.userID(r), req.ExternalID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"sold": sold})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	activeID, err := strconv.Atoi(r.URL.Query().Get("activeId"))
	if err != nil {
		s.writeError(w, errors.Wrap(domain.ErrInvalidArgument, "activeId must be an integer"))
		return
	}

	quote, err := s.market.CurrentQuote(r.Context(), s.userID(r), activeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, quote)
}

type buyRequest struct {
	Instrument string `json:"instrument"`
	Direction  string `json:"direction"`
	Amount     string `json:"amount"`
	// pointer so an explicit zero is distinguishable from an omitted field
	Expiration  *float64 `json:"expiration"`
	BalanceID   int      `json:"balanceId"`
	BalanceType string   `json:"balanceType"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[buyRequest](r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.writeError(w, errors.Wrapf(domain.ErrInvalidArgument, "unparseable amount %q", req.Amount))
		return
	}

	var hint float64
	if req.Expiration != nil {
		hint = *req.Expiration
	}

	result, err := s.buyer.Buy(r.Context(), s.userID(r), domain.BuyRequest{
		Instrument:     req.Instrument,
		Direction:      domain.Direction(req.Direction),
		Amount:         amount,
		ExpirationHint: hint,
		HasExpiration:  req.Expiration != nil,
		Balance: domain.BalanceSelector{
			BalanceID:   req.BalanceID,
			BalanceType: domain.BalanceType(req.BalanceType),
		},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[orchestrator.Request](r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.orch.Handle(r.Context(), s.userID(r), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuoteStream(w http.ResponseWriter, r *http.Request) {
	activeID, err := strconv.Atoi(r.URL.Query().Get("activeId"))
	if err != nil {
		s.writeError(w, errors.Wrap(domain.ErrInvalidArgument, "activeId must be an integer"))
		return
	}

	events, err := s.streams.StreamQuote(r.Context(), s.userID(r), activeID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	serveSSE(w, "quote", events)
}

func (s *Server) handleCandleStream(w http.ResponseWriter, r *http.Request) {
	activeID, err := strconv.Atoi(r.URL.Query().Get("activeId"))
	if err != nil {
		s.writeError(w, errors.Wrap(domain.ErrInvalidArgument, "activeId must be an integer"))
		return
	}
	window, err := strconv.Atoi(r.URL.Query().Get("window"))
	if err != nil {
		s.writeError(w, errors.Wrap(domain.ErrInvalidArgument, "window must be an integer"))
		return
	}

	events, err := s.streams.StreamRollingCandle(r.Context(), s.userID(r), activeID, window)
	if err != nil {
		s.writeError(w, err)
		return
	}

	serveSSE(w, "candle", events)
}

// serveSSE drains the channel into an event-stream response until the
// source closes. Stream services close the channel on context cancellation,
// so client disconnects end the loop.
func serveSSE[T any](w http.ResponseWriter, event string, events <-chan T) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\n", event)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

// handleJournalStream replays automation outcomes over SSE, polling the WAL
// for fresh entries.
func (s *Server) handleJournalStream(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "journal not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	poll := time.NewTicker(journalPollInterval)
	defer poll.Stop()

	lastIndex := uint64(0)
	send := func() error {
		records, err := s.journal.EntriesAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, record := range records {
			payload, err := json.Marshal(record.Entry)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "event: automation\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			lastIndex = record.Index
		}
		return nil
	}

	if err := send(); err != nil {
		http.Error(w, "failed to load journal", http.StatusInternalServerError)
		s.logger.Warn("journal stream initial load failed", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-poll.C:
			if err := send(); err != nil {
				s.logger.Warn("journal stream poll failed", zap.Error(err))
			}
		}
	}
}

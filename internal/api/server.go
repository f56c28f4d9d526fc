package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "XCMFlow/internal/errors"
	"XCMFlow/internal/monitor"
	"XCMFlow/internal/observability/metrics"
	"XCMFlow/internal/orchestrator"
	"XCMFlow/internal/xcm"
	"XCMFlow/pkg/logger"
)

// maxBatchSize caps how many transfers one batch request may carry.
const maxBatchSize = 10

// Server exposes the engine over REST.
type Server struct {
	addr   string
	engine *orchestrator.Orchestrator
	log    *slog.Logger
}

// NewServer constructs the API server.
func NewServer(addr string, engine *orchestrator.Orchestrator) *Server {
	return &Server{addr: addr, engine: engine, log: logger.Named("api")}
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api server listening", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler builds the route table. Exposed separately for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/transfers", s.instrument("/api/v1/transfers", s.handleTransfers))
	mux.HandleFunc("/api/v1/transfers/", s.instrument("/api/v1/transfers/{id}", s.handleTransferByID))
	mux.HandleFunc("/api/v1/transfers/batch", s.instrument("/api/v1/transfers/batch", s.handleBatch))
	mux.HandleFunc("/api/v1/fees/estimate", s.instrument("/api/v1/fees/estimate", s.handleEstimateFees))
	mux.HandleFunc("/api/v1/routes", s.instrument("/api/v1/routes", s.handleRoutes))
	mux.HandleFunc("/api/v1/health", s.instrument("/api/v1/health", s.handleHealth))
	mux.HandleFunc("/api/v1/analytics", s.instrument("/api/v1/analytics", s.handleAnalytics))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// instrument records request metrics around a handler.
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// transferRequest is the submission body. Big integers travel as strings.
type transferRequest struct {
	SourceChain      string    `json:"source_chain"`
	DestinationChain string    `json:"destination_chain"`
	Asset            xcm.Asset `json:"asset"`
	Amount           string    `json:"amount"`
	Sender           string    `json:"sender"`
	Recipient        string    `json:"recipient"`
	RouteID          string    `json:"route_id,omitempty"`
	FeeCeiling       string    `json:"fee_ceiling,omitempty"`
	Priority         string    `json:"priority,omitempty"`
}

func (r transferRequest) toParams() (xcm.TransferParams, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(r.Amount), 10)
	if !ok {
		return xcm.TransferParams{}, xerrors.New(xerrors.CodeInvalidArgument,
			"amount must be a base-10 integer string")
	}
	params := xcm.TransferParams{
		SourceChain:      r.SourceChain,
		DestinationChain: r.DestinationChain,
		Asset:            r.Asset,
		Amount:           amount,
		Sender:           r.Sender,
		Recipient:        r.Recipient,
		RouteID:          r.RouteID,
		Priority:         xcm.Priority(r.Priority),
	}
	if r.FeeCeiling != "" {
		ceiling, ok := new(big.Int).SetString(strings.TrimSpace(r.FeeCeiling), 10)
		if !ok {
			return xcm.TransferParams{}, xerrors.New(xerrors.CodeInvalidArgument,
				"fee_ceiling must be a base-10 integer string")
		}
		params.FeeCeiling = ceiling
	}
	return params, nil
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitTransfer(w, r)
	case http.MethodGet:
		s.handleListTransfers(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "only GET and POST are supported")
	}
}

func (s *Server) handleSubmitTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	params, err := req.toParams()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	id, err := s.engine.ExecuteTransfer(r.Context(), params)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"transaction_id": id})
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := monitor.ListOptions{
		SourceChain:      query.Get("source_chain"),
		DestinationChain: query.Get("destination_chain"),
		Status:           monitor.Status(query.Get("status")),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = limit
	}

	var (
		transfers []*monitor.Transaction
		err       error
	)
	if query.Get("scope") == "completed" {
		transfers, err = s.engine.CompletedTransactions(r.Context(), opts)
	} else {
		transfers, err = s.engine.ActiveTransactions(r.Context(), opts)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transfers": transfers,
		"count":     len(transfers),
	})
}

func (s *Server) handleTransferByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/transfers/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	tx, err := s.engine.TransactionStatus(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// batchResult is the per-item outcome of a batch submission.
type batchResult struct {
	Index         int    `json:"index"`
	TransactionID string `json:"transaction_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	var req struct {
		Transfers []transferRequest `json:"transfers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.Transfers) == 0 {
		writeError(w, http.StatusBadRequest, "transfers list is empty")
		return
	}
	if len(req.Transfers) > maxBatchSize {
		writeError(w, http.StatusBadRequest,
			"batch size exceeds the maximum of "+strconv.Itoa(maxBatchSize))
		return
	}

	results := make([]batchResult, 0, len(req.Transfers))
	succeeded := 0
	for i, item := range req.Transfers {
		result := batchResult{Index: i}
		params, err := item.toParams()
		if err == nil {
			result.TransactionID, err = s.engine.ExecuteTransfer(r.Context(), params)
		}
		if err != nil {
			result.Error = err.Error()
		} else {
			succeeded++
		}
		results = append(results, result)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":   results,
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
	})
}

func (s *Server) handleEstimateFees(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	params, err := req.toParams()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	estimate, err := s.engine.EstimateFees(r.Context(), params)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"base_fee":     estimate.BaseFee.String(),
		"delivery_fee": estimate.DeliveryFee.String(),
		"total_fee":    estimate.TotalFee.String(),
		"fee_asset":    estimate.FeeAsset,
		"confidence":   estimate.Confidence,
		"timestamp":    estimate.Timestamp,
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	var req struct {
		SourceChain      string `json:"source_chain"`
		DestinationChain string `json:"destination_chain"`
		Asset            string `json:"asset"`
		Priority         string `json:"priority,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	analysis, err := s.engine.AnalyzeRoutes(req.SourceChain, req.DestinationChain,
		req.Asset, xcm.Priority(req.Priority))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"best":         analysis.BestRoute,
		"alternatives": analysis.Alternatives,
		"rankings":     analysis.Rankings,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	health := s.engine.HealthStatus()
	connected := 0
	for _, ok := range health {
		if ok {
			connected++
		}
	}
	status := "ok"
	code := http.StatusOK
	if connected == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	} else if connected < len(health) {
		status = "partial"
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"chains": health,
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Metrics(r.Context()))
}

// writeEngineError maps unified error codes onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeValidationFailed:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeRouteNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeConnectionFailure:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", slog.Any("error", err))
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    string(xerrors.CodeOf(err)),
			"message": err.Error(),
		},
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": message},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

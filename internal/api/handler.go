// Package api provides the HTTP handlers for option trading, holdings,
// margin and account administration.
//
// All monetary values are shopspring/decimal, never float64.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/contract"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/options"
)

// Handler serves the lifecycle manager over HTTP.
type Handler struct {
	mgr *options.Manager
}

// NewHandler creates the HTTP handlers.
func NewHandler(mgr *options.Manager) *Handler {
	return &Handler{mgr: mgr}
}

// Register mounts every route under r, which is expected to be the /api/v1
// sub-router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/quotes/{symbol}", h.GetQuote)
	r.Get("/quotes/{symbol}/option", h.GetOptionQuote)

	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Post("/options", h.OpenOption)
		r.Get("/options", h.ListOptions)
		r.Post("/options/{positionID}/close", h.CloseOption)

		r.Post("/holdings/buy", h.BuyHolding)
		r.Post("/holdings/sell", h.SellHolding)

		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/margin", h.GetMargin)
		r.Post("/margin/process", h.ProcessMarginCalls)
		r.Get("/margin-calls", h.ListMarginCalls)
		r.Get("/transactions", h.ListTransactions)

		r.Post("/deposit", h.Deposit)
		r.Post("/reset", h.Reset)
	})

	r.Post("/settlement/run", h.RunSettlement)
}

// --- Request types ---

// OpenOptionRequest is the JSON body for opening a position. Either
// Contract (an option symbol) or the individual terms must be given.
type OpenOptionRequest struct {
	Contract   string          `json:"contract,omitempty"` // e.g. AAPL260116C00150000
	Underlying string          `json:"underlying,omitempty"`
	Kind       string          `json:"kind,omitempty"`       // call | put
	Strike     decimal.Decimal `json:"strike"`
	Expiration string          `json:"expiration,omitempty"` // YYYY-MM-DD
	Side       string          `json:"side"`                 // long | short
	Quantity   int64           `json:"quantity"`
	Secured    bool            `json:"secured"`
}

// CloseOptionRequest is the JSON body for closing a position. Zero or
// missing quantity closes it in full.
type CloseOptionRequest struct {
	Quantity int64 `json:"quantity"`
}

// HoldingTradeRequest is the JSON body for buying or selling a holding.
type HoldingTradeRequest struct {
	Symbol   string          `json:"symbol"`
	Class    string          `json:"class"` // equity (default) | crypto
	Quantity decimal.Decimal `json:"quantity"`
}

// DepositRequest is the JSON body for a deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (req OpenOptionRequest) toOpen(accountID string) (options.OpenRequest, error) {
	out := options.OpenRequest{
		AccountID: accountID,
		Side:      model.Side(strings.ToLower(strings.TrimSpace(req.Side))),
		Quantity:  req.Quantity,
		Secured:   req.Secured,
	}
	if req.Contract != "" {
		c, err := contract.Parse(req.Contract)
		if err != nil {
			return out, err
		}
		out.Underlying, out.Kind, out.Strike, out.Expiration = c.Underlying, c.Kind, c.Strike, c.Expiration
		return out, nil
	}

	kind, err := model.ParseOptionKind(req.Kind)
	if err != nil {
		return out, fmt.Errorf("%w: %v", options.ErrInvalidInput, err)
	}
	exp, err := parseDate(req.Expiration)
	if err != nil {
		return out, err
	}
	out.Underlying, out.Kind, out.Strike, out.Expiration = req.Underlying, kind, req.Strike, exp
	return out, nil
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(model.DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: expiration must be YYYY-MM-DD", options.ErrInvalidInput)
	}
	return t, nil
}

// --- Quotes ---

// GetQuote handles GET /api/v1/quotes/{symbol}?class=equity|crypto
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	inst, price, err := h.mgr.Quote(r.Context(), chi.URLParam(r, "symbol"),
		model.AssetClass(strings.ToLower(r.URL.Query().Get("class"))))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("%s at %s", inst, price.StringFixed(2)),
		"symbol":  inst.Symbol,
		"class":   inst.Class,
		"price":   price,
	})
}

// GetOptionQuote handles GET /api/v1/quotes/{symbol}/option
// The symbol is either an option contract, or an underlying with the
// kind, strike and expiration query parameters.
func (h *Handler) GetOptionQuote(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	q := r.URL.Query()

	var (
		kind   model.OptionKind
		strike decimal.Decimal
		exp    time.Time
		err    error
	)
	if c, perr := contract.Parse(symbol); perr == nil {
		symbol, kind, strike, exp = c.Underlying, c.Kind, c.Strike, c.Expiration
	} else {
		if kind, err = model.ParseOptionKind(q.Get("kind")); err != nil {
			writeError(w, fmt.Errorf("%w: %v", options.ErrInvalidInput, err))
			return
		}
		if strike, err = decimal.NewFromString(q.Get("strike")); err != nil {
			writeError(w, fmt.Errorf("%w: strike must be a number", options.ErrInvalidInput))
			return
		}
		if exp, err = parseDate(q.Get("expiration")); err != nil {
			writeError(w, err)
			return
		}
	}

	quote, err := h.mgr.QuoteOption(r.Context(), symbol, kind, strike, exp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		options.Result
		Contract string `json:"contract"`
		Quote    any    `json:"quote"`
	}{
		Result:   options.Result{Success: true, Message: "theoretical price " + quote.Price.StringFixed(2)},
		Contract: contract.Format(quote.Underlying, kind, strike, exp),
		Quote:    quote,
	})
}

// --- Options ---

// OpenOption handles POST /api/v1/accounts/{accountID}/options
func (h *Handler) OpenOption(w http.ResponseWriter, r *http.Request) {
	var body OpenOptionRequest
	if !decode(w, r, &body) {
		return
	}
	req, err := body.toOpen(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.mgr.TradeOption(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// CloseOption handles POST /api/v1/accounts/{accountID}/options/{positionID}/close
func (h *Handler) CloseOption(w http.ResponseWriter, r *http.Request) {
	var body CloseOptionRequest
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	res, err := h.mgr.ClosePosition(r.Context(), options.CloseRequest{
		AccountID:  chi.URLParam(r, "accountID"),
		PositionID: chi.URLParam(r, "positionID"),
		Quantity:   body.Quantity,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListOptions handles GET /api/v1/accounts/{accountID}/options?status=open
func (h *Handler) ListOptions(w http.ResponseWriter, r *http.Request) {
	status := model.PositionStatus(strings.ToLower(r.URL.Query().Get("status")))
	views, err := h.mgr.ListPositions(r.Context(), chi.URLParam(r, "accountID"), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if views == nil {
		views = []model.PositionView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   fmt.Sprintf("%d position(s)", len(views)),
		"positions": views,
	})
}

// --- Holdings ---

// BuyHolding handles POST /api/v1/accounts/{accountID}/holdings/buy
func (h *Handler) BuyHolding(w http.ResponseWriter, r *http.Request) {
	h.tradeHolding(w, r, h.mgr.BuyHolding)
}

// SellHolding handles POST /api/v1/accounts/{accountID}/holdings/sell
func (h *Handler) SellHolding(w http.ResponseWriter, r *http.Request) {
	h.tradeHolding(w, r, h.mgr.SellHolding)
}

func (h *Handler) tradeHolding(w http.ResponseWriter, r *http.Request,
	trade func(context.Context, options.HoldingRequest) (*options.HoldingResult, error)) {
	var body HoldingTradeRequest
	if !decode(w, r, &body) {
		return
	}
	res, err := trade(r.Context(), options.HoldingRequest{
		AccountID: chi.URLParam(r, "accountID"),
		Symbol:    body.Symbol,
		Class:     model.AssetClass(strings.ToLower(body.Class)),
		Quantity:  body.Quantity,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Account ---

// GetPortfolio handles GET /api/v1/accounts/{accountID}/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := h.mgr.Portfolio(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		options.Result
		*model.Portfolio
	}{options.Result{Success: true, Message: "portfolio"}, pf})
}

// GetMargin handles GET /api/v1/accounts/{accountID}/margin
func (h *Handler) GetMargin(w http.ResponseWriter, r *http.Request) {
	st, err := h.mgr.MarginStatus(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		options.Result
		*model.MarginStatus
	}{options.Result{Success: true, Message: "utilization " + st.UtilizationPercentage.StringFixed(2) + "%"}, st})
}

// ProcessMarginCalls handles POST /api/v1/accounts/{accountID}/margin/process
func (h *Handler) ProcessMarginCalls(w http.ResponseWriter, r *http.Request) {
	res, err := h.mgr.ProcessMarginCalls(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = statusFor(res.Code)
	}
	writeJSON(w, status, res)
}

// ListMarginCalls handles GET /api/v1/accounts/{accountID}/margin-calls
func (h *Handler) ListMarginCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := h.mgr.MarginCalls(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if calls == nil {
		calls = []model.MarginCall{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("%d margin call(s)", len(calls)),
		"margin_calls": calls,
	})
}

// ListTransactions handles GET /api/v1/accounts/{accountID}/transactions?limit=50
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", options.ErrInvalidInput))
			return
		}
		limit = n
	}
	txs, err := h.mgr.Transactions(r.Context(), chi.URLParam(r, "accountID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("%d transaction(s)", len(txs)),
		"transactions": txs,
	})
}

// Deposit handles POST /api/v1/accounts/{accountID}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var body DepositRequest
	if !decode(w, r, &body) {
		return
	}
	res, err := h.mgr.Deposit(r.Context(), chi.URLParam(r, "accountID"), body.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Reset handles POST /api/v1/accounts/{accountID}/reset
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	res, err := h.mgr.ResetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RunSettlement handles POST /api/v1/settlement/run
func (h *Handler) RunSettlement(w http.ResponseWriter, r *http.Request) {
	report, err := h.mgr.SettleExpired(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", options.ErrInvalidInput))
		return false
	}
	return true
}

func statusFor(code options.Code) int {
	switch code {
	case options.CodeInvalidInput:
		return http.StatusBadRequest
	case options.CodePricingUnavailable:
		return http.StatusServiceUnavailable
	case options.CodeInsufficientFunds, options.CodeInsufficientMargin,
		options.CodeInsufficientCollateral, options.CodeLimitExceeded:
		return http.StatusUnprocessableEntity
	case options.CodeNotFound:
		return http.StatusNotFound
	case options.CodeConflict, options.CodeInconsistentState:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	res := options.Failure(err)
	if res.Code == options.CodeInternal {
		slog.Error("request failed", "err", err)
		res.Message = "internal error"
	}
	writeJSON(w, statusFor(res.Code), res)
}

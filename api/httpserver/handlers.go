package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/exchange"
	"github.com/cloudx-io/adexchange/registry"
)

// AuthorityHeader names the party a request acts for.
const AuthorityHeader = "X-Authority"

const maxBodyBytes = 64 * 1024

var errMissingAuthority = errors.New("missing " + AuthorityHeader + " header")

// ExchangeHandler exposes the exchange operations under /v1.
type ExchangeHandler struct {
	ex  *exchange.Exchange
	log *zap.Logger
}

func NewExchangeHandler(ex *exchange.Exchange, log *zap.Logger) *ExchangeHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExchangeHandler{ex: ex, log: log}
}

func (h *ExchangeHandler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/protocol", h.handleInitialize)
		r.Get("/protocol", h.handleGetConfig)
		r.Put("/protocol/paused", h.handleSetPaused)
		r.Post("/tokens/{address}/mint", h.handleMint)
		r.Get("/tokens/{address}", h.handleBalance)

		r.Post("/publishers", h.handleRegisterPublisher)
		r.Get("/publishers/{publisher}", h.handleGetPublisher)
		r.Post("/bidders", h.handleRegisterBidder)
		r.Get("/bidders/{bidder}", h.handleGetBidder)

		r.Post("/asks", h.handlePlaceAsk)
		r.Get("/asks/{publisher}/{requestID}", h.handleGetAsk)
		r.Post("/asks/{publisher}/{requestID}/delegate", h.handleDelegateAsk)
		r.Post("/asks/{publisher}/{requestID}/process", h.handleProcessAuction)
		r.Post("/asks/{publisher}/{requestID}/undelegate", h.handleUndelegateAuction)
		r.Post("/asks/{publisher}/{requestID}/results", h.handleProcessResults)
		r.Post("/asks/{publisher}/{requestID}/settle", h.handleSettle)

		r.Post("/bids", h.handlePlaceBid)
		r.Get("/bids/{bidder}/{creativeID}", h.handleGetBid)
		r.Post("/bids/{bidder}/{creativeID}/delegate", h.handleDelegateBid)

		r.Get("/vault", h.handleGetVault)
	})
}

type initializeRequest struct {
	PlatformFeePercentage uint8  `json:"platform_fee_percentage"`
	PublisherRevShare     uint8  `json:"publisher_rev_share"`
	TokenMint             string `json:"token_mint"`
}

func (h *ExchangeHandler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	authority, ok := h.authority(w, r)
	if !ok {
		return
	}
	var req initializeRequest
	if !h.decode(w, r, &req) {
		return
	}
	fees := core.FeeSchedule{PlatformFeePercentage: req.PlatformFeePercentage, PublisherRevShare: req.PublisherRevShare}
	cfg, err := h.ex.Initialize(r.Context(), authority, fees, req.TokenMint)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (h *ExchangeHandler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.ex.Config(r.Context())
	h.respond(w, http.StatusOK, cfg, err)
}

func (h *ExchangeHandler) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	authority, ok := h.authority(w, r)
	if !ok {
		return
	}
	var req struct {
		Paused bool `json:"paused"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.ex.SetPaused(r.Context(), authority, req.Paused); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *ExchangeHandler) handleMint(w http.ResponseWriter, r *http.Request) {
	authority, ok := h.authority(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	address := chi.URLParam(r, "address")
	if err := h.ex.MintTokens(r.Context(), authority, address, req.Amount); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeBalance(w, r, address)
}

func (h *ExchangeHandler) handleBalance(w http.ResponseWriter, r *http.Request) {
	h.writeBalance(w, r, chi.URLParam(r, "address"))
}

func (h *ExchangeHandler) writeBalance(w http.ResponseWriter, r *http.Request, address string) {
	balance, err := h.ex.Balance(r.Context(), address)
	h.respond(w, http.StatusOK, map[string]any{"address": address, "balance": balance}, err)
}

type profileRequest struct {
	Name           string `json:"name"`
	Domain         string `json:"domain"`
	PaymentAddress string `json:"payment_address,omitempty"`
}

func (h *ExchangeHandler) handleRegisterPublisher(w http.ResponseWriter, r *http.Request) {
	authority, ok := h.authority(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if !h.decode(w, r, &req) {
		return
	}
	publisher, err := h.ex.RegisterPublisher(r.Context(), registry.PublisherParams{
		Authority:      authority,
		Name:           req.Name,
		Domain:         req.Domain,
		PaymentAddress: req.PaymentAddress,
	})
	h.respond(w, http.StatusCreated, publisher, err)
}

func (h *ExchangeHandler) handleGetPublisher(w http.ResponseWriter, r *http.Request) {
	publisher, err := h.ex.Publisher(r.Context(), chi.URLParam(r, "publisher"))
	h.respond(w, http.StatusOK, publisher, err)
}

func (h *ExchangeHandler) handleRegisterBidder(w http.ResponseWriter, r *http.Request) {
	authority, ok := h.authority(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if !h.decode(w, r, &req) {
		return
	}
	bidder, err := h.ex.RegisterBidder(r.Context(), registry.BidderParams{
		Authority: authority,
		Name:      req.Name,
		Domain:    req.Domain,
	})
	h.respond(w, http.StatusCreated, bidder, err)
}

func (h *ExchangeHandler) handleGetBidder(w http.ResponseWriter, r *http.Request) {
	bidder, err := h.ex.Bidder(r.Context(), chi.URLParam(r, "bidder"))
	h.respond(w, http.StatusOK, bidder, err)
}

type placeAskRequest struct {
	RequestID  core.ID `json:"request_id"`
	FloorPrice uint64  `json:"floor_price"`
}

func (h *ExchangeHandler) handlePlaceAsk(w http.ResponseWriter, r *http.Request) {
	authority, ok := h.authority(w, r)
	if !ok {
		return
	}
	var req placeAskRequest
	if !h.decode(w, r, &req) {
		return
	}
	ask, err := h.ex.PlaceAsk(r.Context(), authority, req.RequestID, req.FloorPrice)
	h.respond(w, http.StatusCreated, ask, err)
}

func (h *ExchangeHandler) handleGetAsk(w http.ResponseWriter, r *http.Request) {
	publisher, requestID, ok := h.askParams(w, r)
	if !ok {
		return
	}
	view, err := h.ex.Ask(r.Context(), publisher, requestID)
	h.respond(w, http.StatusOK, view, err)
}

func (h *ExchangeHandler) handleDelegateAsk(w http.ResponseWriter, r *http.Request) {
	authority, ok := h.authority(w, r)
	if !ok {
		return
	}
	publisher, requestID, ok := h.askParams(w, r)
	if !ok {
		return
	}
	if authority != publisher {
		h.writeError(w, fmt.Errorf("%w: only the publisher may delegate its ask", core.ErrUnauthorized))
		return
	}
	handles, err := h.ex.DelegateAsk(r.Context(), publisher, requestID)
	h.respond(w, http.StatusOK, map[string]any{"handles": handles}, err)
}

func (h *ExchangeHandler) handleProcessAuction(w http.ResponseWriter, r *http.Request) {
	authority, ok := h.authority(w, r)
	if !ok {
		return
	}
	publisher, requestID, ok := h.askParams(w, r)
	if !ok {
		return
	}
	outcome, err := h.ex.ProcessAuction(r.Context(), authority, publisher, requestID)
	h.respond(w, http.StatusOK, outcome, err)
}

func (h *ExchangeHandler) handleUndelegateAuction(w http.ResponseWriter, r *http.Request) {
	authority, ok := h.authority(w, r)
	if !ok {
		return
	}
	publisher, requestID, ok := h.askParams(w, r)
	if !ok {
		return
	}
	if err := h.ex.UndelegateAuction(r.Context(), authority, publisher, requestID); err != nil {
		h.writeError(w, err)
		return
	}
	view, err := h.ex.Ask(r.Context(), publisher, requestID)
	h.respond(w, http.StatusOK, view, err)
}

func (h *ExchangeHandler) handleProcessResults(w http.ResponseWriter, r *http.Request) {
	authority, ok := h.authority(w, r)
	if !ok {
		return
	}
	publisher, requestID, ok := h.askParams(w, r)
	if !ok {
		return
	}
	split, err := h.ex.ProcessResults(r.Context(), authority, publisher, requestID)
	h.respond(w, http.StatusOK, split, err)
}

func (h *ExchangeHandler) handleSettle(w http.ResponseWriter, r *http.Request) {
	authority, ok := h.authority(w, r)
	if !ok {
		return
	}
	publisher, requestID, ok := h.askParams(w, r)
	if !ok {
		return
	}
	if err := h.ex.Settle(r.Context(), authority, publisher, requestID); err != nil {
		h.writeError(w, err)
		return
	}
	view, err := h.ex.Ask(r.Context(), publisher, requestID)
	h.respond(w, http.StatusOK, view, err)
}

type placeBidRequest struct {
	Publisher   string  `json:"publisher"`
	RequestID   core.ID `json:"request_id"`
	Amount      uint64  `json:"amount"`
	CreativeID  core.ID `json:"creative_id"`
	FromAccount string  `json:"from_account,omitempty"`
}

func (h *ExchangeHandler) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	authority, ok := h.authority(w, r)
	if !ok {
		return
	}
	var req placeBidRequest
	if !h.decode(w, r, &req) {
		return
	}
	bid, err := h.ex.PlaceBid(r.Context(), exchange.BidParams{
		Bidder:      authority,
		Publisher:   req.Publisher,
		RequestID:   req.RequestID,
		Amount:      req.Amount,
		CreativeID:  req.CreativeID,
		FromAccount: req.FromAccount,
	})
	h.respond(w, http.StatusCreated, bid, err)
}

func (h *ExchangeHandler) handleGetBid(w http.ResponseWriter, r *http.Request) {
	bidder, creativeID, ok := h.bidParams(w, r)
	if !ok {
		return
	}
	bid, err := h.ex.Bid(r.Context(), bidder, creativeID)
	h.respond(w, http.StatusOK, bid, err)
}

func (h *ExchangeHandler) handleDelegateBid(w http.ResponseWriter, r *http.Request) {
	authority, ok := h.authority(w, r)
	if !ok {
		return
	}
	bidder, creativeID, ok := h.bidParams(w, r)
	if !ok {
		return
	}
	if authority != bidder {
		h.writeError(w, fmt.Errorf("%w: only the bidder may delegate its bid", core.ErrUnauthorized))
		return
	}
	handle, err := h.ex.DelegateBid(r.Context(), bidder, creativeID)
	h.respond(w, http.StatusOK, handle, err)
}

func (h *ExchangeHandler) handleGetVault(w http.ResponseWriter, r *http.Request) {
	vault, err := h.ex.Vault(r.Context())
	h.respond(w, http.StatusOK, vault, err)
}

func (h *ExchangeHandler) authority(w http.ResponseWriter, r *http.Request) (string, bool) {
	authority := r.Header.Get(AuthorityHeader)
	if authority == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: errMissingAuthority.Error(), Code: "missing_authority"})
		return "", false
	}
	return authority, true
}

func (h *ExchangeHandler) askParams(w http.ResponseWriter, r *http.Request) (string, core.ID, bool) {
	requestID, err := core.ParseID(chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeError(w, err)
		return "", core.ID{}, false
	}
	return chi.URLParam(r, "publisher"), requestID, true
}

func (h *ExchangeHandler) bidParams(w http.ResponseWriter, r *http.Request) (string, core.ID, bool) {
	creativeID, err := core.ParseID(chi.URLParam(r, "creativeID"))
	if err != nil {
		h.writeError(w, err)
		return "", core.ID{}, false
	}
	return chi.URLParam(r, "bidder"), creativeID, true
}

func (h *ExchangeHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Code: "invalid_body"})
		return false
	}
	return true
}

func (h *ExchangeHandler) respond(w http.ResponseWriter, code int, v any, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, code, v)
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// StatusFor maps an exchange error to its HTTP status.
func StatusFor(err error) int {
	switch core.KindOf(err) {
	case core.KindAuthorization:
		return http.StatusForbidden
	case core.KindState, core.KindConsistency:
		return http.StatusConflict
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindArithmetic:
		return http.StatusUnprocessableEntity
	case core.KindPaused, core.KindUnavailable:
		return http.StatusServiceUnavailable
	case core.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *ExchangeHandler) writeError(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	body := errorBody{Error: err.Error(), Code: core.CodeOf(err), Retryable: core.IsRetryable(err)}
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
		body.Error = http.StatusText(code)
	}
	if body.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

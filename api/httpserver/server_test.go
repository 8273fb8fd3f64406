package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudx-io/adexchange/config"
	"github.com/cloudx-io/adexchange/core"
	"github.com/cloudx-io/adexchange/delegation"
	"github.com/cloudx-io/adexchange/enclave"
	"github.com/cloudx-io/adexchange/exchange"
	"github.com/cloudx-io/adexchange/ledger"
	"github.com/cloudx-io/adexchange/metrics"
	"github.com/cloudx-io/adexchange/store"
)

var testRequestID = core.ID{0x5e, 0x11}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := store.NewMemoryStore()
	coord := delegation.NewCoordinator(s, enclave.NewRuntime(nil, nil))
	ex := exchange.New(s, coord)

	reg := prometheus.NewRegistry()
	srv := New(config.HTTPConfig{ListenAddr: "127.0.0.1:0", GracefulShutdownDuration: time.Second},
		Options{Metrics: metrics.New(reg), Gatherer: reg},
		NewExchangeHandler(ex, nil))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path, authority string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		assert.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	assert.NoError(t, err)
	if authority != "" {
		req.Header.Set(AuthorityHeader, authority)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	assert.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	return resp, data
}

func mustCall(t *testing.T, ts *httptest.Server, method, path, authority string, body any, want int) []byte {
	t.Helper()
	resp, data := call(t, ts, method, path, authority, body)
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, want, data)
	}
	return data
}

func setupMarket(t *testing.T, ts *httptest.Server) {
	t.Helper()
	mustCall(t, ts, http.MethodPost, "/v1/protocol", "admin",
		map[string]any{"platform_fee_percentage": 10, "publisher_rev_share": 80, "token_mint": "usdc"}, http.StatusCreated)
	mustCall(t, ts, http.MethodPost, "/v1/publishers", "publisher_a",
		map[string]any{"name": "Publisher A", "domain": "news.example"}, http.StatusCreated)
	for _, bidder := range []string{"bidder_a", "bidder_b"} {
		mustCall(t, ts, http.MethodPost, "/v1/bidders", bidder,
			map[string]any{"name": bidder, "domain": bidder + ".example"}, http.StatusCreated)
		mustCall(t, ts, http.MethodPost, "/v1/tokens/"+bidder+"/mint", "admin",
			map[string]any{"amount": 1000}, http.StatusOK)
	}
	mustCall(t, ts, http.MethodPost, "/v1/asks", "publisher_a",
		map[string]any{"request_id": testRequestID.String(), "floor_price": 100}, http.StatusCreated)
}

func TestServer_AuctionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	setupMarket(t, ts)
	ask := fmt.Sprintf("/v1/asks/publisher_a/%s", testRequestID)

	for i, bid := range []struct {
		bidder string
		amount uint64
	}{{"bidder_a", 150}, {"bidder_b", 120}} {
		creative := core.ID{byte(i + 1)}
		mustCall(t, ts, http.MethodPost, "/v1/bids", bid.bidder, map[string]any{
			"publisher":   "publisher_a",
			"request_id":  testRequestID.String(),
			"amount":      bid.amount,
			"creative_id": creative.String(),
		}, http.StatusCreated)
		mustCall(t, ts, http.MethodPost, fmt.Sprintf("/v1/bids/%s/%s/delegate", bid.bidder, creative), bid.bidder, nil, http.StatusOK)
	}
	mustCall(t, ts, http.MethodPost, ask+"/delegate", "publisher_a", nil, http.StatusOK)

	var outcome exchange.Outcome
	assert.NoError(t, json.Unmarshal(mustCall(t, ts, http.MethodPost, ask+"/process", "publisher_a", nil, http.StatusOK), &outcome))
	check.Equal(t, uint64(120), outcome.ClearingPrice)
	assert.NotNil(t, outcome.Winner)
	check.Equal(t, "bidder_a", outcome.Winner.Owner)

	mustCall(t, ts, http.MethodPost, ask+"/undelegate", "publisher_a", nil, http.StatusOK)

	var split core.FeeSplit
	assert.NoError(t, json.Unmarshal(mustCall(t, ts, http.MethodPost, ask+"/results", "publisher_a", nil, http.StatusOK), &split))
	check.Equal(t, core.FeeSplit{PlatformFee: 12, PublisherPayment: 96}, split)

	var view exchange.AskView
	assert.NoError(t, json.Unmarshal(mustCall(t, ts, http.MethodPost, ask+"/settle", "publisher_a", nil, http.StatusOK), &view))
	check.True(t, view.Record.IsSettled)
	check.Equal(t, core.RequestCompleted, view.Request.Status)

	var vault ledger.Vault
	assert.NoError(t, json.Unmarshal(mustCall(t, ts, http.MethodGet, "/v1/vault", "", nil, http.StatusOK), &vault))
	check.Equal(t, uint64(174), vault.TotalBalance)
	check.Equal(t, uint64(12), vault.FeeBalance)
	check.Equal(t, uint64(0), vault.PendingSettlements)
}

func TestServer_ErrorStatuses(t *testing.T) {
	ts := newTestServer(t)
	setupMarket(t, ts)
	ask := fmt.Sprintf("/v1/asks/publisher_a/%s", testRequestID)

	tests := []struct {
		name      string
		method    string
		path      string
		authority string
		body      any
		want      int
		code      string
	}{
		{"missing authority", http.MethodPost, "/v1/asks", "", map[string]any{"floor_price": 1}, http.StatusUnauthorized, "missing_authority"},
		{"malformed body", http.MethodPost, "/v1/asks", "publisher_a", map[string]any{"floor": "x"}, http.StatusBadRequest, "invalid_body"},
		{"bad request id", http.MethodGet, "/v1/asks/publisher_a/xyz", "", nil, http.StatusBadRequest, "invalid_id"},
		{"unknown ask", http.MethodGet, fmt.Sprintf("/v1/asks/publisher_a/%s", core.ID{0x01}), "", nil, http.StatusNotFound, "not_found"},
		{"duplicate ask", http.MethodPost, "/v1/asks", "publisher_a", map[string]any{"request_id": testRequestID.String(), "floor_price": 1}, http.StatusConflict, "already_exists"},
		{"delegate for someone else", http.MethodPost, ask + "/delegate", "bidder_a", nil, http.StatusForbidden, "unauthorized_access"},
		{"undelegate without authority", http.MethodPost, ask + "/undelegate", "", nil, http.StatusUnauthorized, "missing_authority"},
		{"undelegate for someone else", http.MethodPost, ask + "/undelegate", "bidder_a", nil, http.StatusForbidden, "unauthorized_access"},
		{"process undelegated ask", http.MethodPost, ask + "/process", "publisher_a", nil, http.StatusConflict, "account_not_delegated"},
		{"settle unbooked", http.MethodPost, ask + "/settle", "publisher_a", nil, http.StatusConflict, "auction_not_booked"},
		{"pause without authority", http.MethodPut, "/v1/protocol/paused", "publisher_a", map[string]any{"paused": true}, http.StatusForbidden, "unauthorized_access"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := call(t, ts, tt.method, tt.path, tt.authority, tt.body)
			check.Equal(t, tt.want, resp.StatusCode)
			var body errorBody
			assert.NoError(t, json.Unmarshal(data, &body))
			check.Equal(t, tt.code, body.Code)
		})
	}
}

func TestServer_Paused(t *testing.T) {
	ts := newTestServer(t)
	setupMarket(t, ts)

	mustCall(t, ts, http.MethodPut, "/v1/protocol/paused", "admin", map[string]any{"paused": true}, http.StatusOK)
	resp, data := call(t, ts, http.MethodPost, "/v1/asks", "publisher_a",
		map[string]any{"request_id": core.ID{0x02}.String(), "floor_price": 1})
	check.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	check.Equal(t, "", resp.Header.Get("Retry-After"))
	check.True(t, strings.Contains(string(data), "protocol_paused"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrUnauthorized, http.StatusForbidden},
		{core.ErrAlreadySettled, http.StatusConflict},
		{core.ErrInvalidAmount, http.StatusBadRequest},
		{core.ErrOverflow, http.StatusUnprocessableEntity},
		{core.ErrDigestMismatch, http.StatusConflict},
		{core.ErrProtocolPaused, http.StatusServiceUnavailable},
		{core.ErrSecondaryUnavailable, http.StatusServiceUnavailable},
		{core.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", core.ErrRequestExpired), http.StatusConflict},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		check.Equal(t, tt.want, StatusFor(tt.err))
	}
}

func TestWriteError_RetryAfter(t *testing.T) {
	h := NewExchangeHandler(nil, nil)

	rec := httptest.NewRecorder()
	h.writeError(rec, fmt.Errorf("delegate: %w", core.ErrSecondaryUnavailable))
	check.Equal(t, http.StatusServiceUnavailable, rec.Code)
	check.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	h.writeError(rec, io.ErrUnexpectedEOF)
	check.Equal(t, http.StatusInternalServerError, rec.Code)
	check.False(t, strings.Contains(rec.Body.String(), "unexpected EOF"))
}

func TestServer_HealthAndDrain(t *testing.T) {
	ts := newTestServer(t)

	mustCall(t, ts, http.MethodGet, "/livez", "", nil, http.StatusOK)
	mustCall(t, ts, http.MethodGet, "/readyz", "", nil, http.StatusOK)

	data := mustCall(t, ts, http.MethodGet, "/drain", "", nil, http.StatusOK)
	check.True(t, strings.Contains(string(data), `"draining"`))
	mustCall(t, ts, http.MethodGet, "/readyz", "", nil, http.StatusServiceUnavailable)
	data = mustCall(t, ts, http.MethodGet, "/drain", "", nil, http.StatusOK)
	check.True(t, strings.Contains(string(data), "already draining"))

	mustCall(t, ts, http.MethodGet, "/undrain", "", nil, http.StatusOK)
	mustCall(t, ts, http.MethodGet, "/readyz", "", nil, http.StatusOK)
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t)
	mustCall(t, ts, http.MethodGet, "/v1/vault", "", nil, http.StatusConflict)

	data := mustCall(t, ts, http.MethodGet, "/metrics", "", nil, http.StatusOK)
	check.True(t, strings.Contains(string(data), "adexchange_api_requests_processed_total"))
	check.True(t, strings.Contains(string(data), `method="GET /v1/vault"`))
}

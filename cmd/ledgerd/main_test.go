package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fides/pkg/anchor"
	"fides/pkg/ledger"
	"fides/pkg/metrics"
	"fides/pkg/models"
	"fides/pkg/payment"
	"fides/pkg/store"
	"fides/pkg/stream"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	led, err := ledger.New(context.Background(), ledger.NullStore{})
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	s := &Server{
		chain:               led,
		payments:            payment.New(led, nil),
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		Cache:               store.NewMemoryCache(),
		AuthMode:            "off",
		MaxRequestBodyBytes: 1 << 20,
		DecisionCacheTTL:    time.Second,
	}
	s.wireNotify(led)
	s.ResetChain = func(ctx context.Context) (*ledger.Ledger, *payment.Authorizer, error) {
		fresh, err := ledger.New(ctx, ledger.NullStore{})
		if err != nil {
			return nil, nil, err
		}
		return fresh, payment.New(fresh, nil), nil
	}
	return s
}

func decisionBody(t *testing.T, id, prev string, overrides map[string]any) []byte {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	rec := map[string]any{
		"decision_id":          id,
		"authority_id":         "br-gov-treasury",
		"deciders_id":          []string{"maria.santos"},
		"act_type":             "grant",
		"currency":             "BRL",
		"maximum_value":        json.Number("10000.00"),
		"beneficiary":          "br-company-123",
		"legal_basis":          "Lei 14.133/2021, Art. 75",
		"decision_date":        now.Add(-time.Hour).Format(time.RFC3339),
		"record_timestamp":     now.Format(time.RFC3339),
		"previous_record_hash": prev,
	}
	for k, v := range overrides {
		rec[k] = v
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal decision: %v", err)
	}
	return raw
}

func doJSON(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAppendAndGetDecision(t *testing.T) {
	s := newTestServer(t)
	r := newRouter(s)

	w := doJSON(t, r, http.MethodPost, "/dr", decisionBody(t, "dr-001", models.GenesisHash, nil))
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /dr = %d, body %s", w.Code, w.Body.String())
	}
	var res models.AppendResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode append result: %v", err)
	}
	if res.Height != 1 || res.ID != "dr-001" {
		t.Fatalf("unexpected append result %+v", res)
	}

	w = doJSON(t, r, http.MethodGet, "/dr/dr-001", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /dr/dr-001 = %d", w.Code)
	}
	var view models.DecisionView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.DecisionID != "dr-001" || view.Revoked {
		t.Fatalf("unexpected view %+v", view)
	}
	// Derived flags stay out of the body while false, so a client rehashing
	// the response reproduces the stored record hash.
	if bytes.Contains(w.Body.Bytes(), []byte(`"revoked"`)) {
		t.Fatalf("unrevoked view must omit the revoked flag: %s", w.Body.String())
	}
	if h, err := models.HashRecord(w.Body.Bytes()); err != nil || h != res.Hash {
		t.Fatalf("rehashed GET body = %s (err %v), appended hash %s", h, err, res.Hash)
	}

	// second read is served from cache and must agree
	w = doJSON(t, r, http.MethodGet, "/dr/dr-001", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cached GET = %d", w.Code)
	}
}

func TestGetDecisionNotFound(t *testing.T) {
	s := newTestServer(t)
	r := newRouter(s)
	w := doJSON(t, r, http.MethodGet, "/dr/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != "DR_NOT_FOUND" {
		t.Fatalf("code = %q", body.Error.Code)
	}
}

func TestAppendDecisionStaleTip(t *testing.T) {
	s := newTestServer(t)
	r := newRouter(s)
	if w := doJSON(t, r, http.MethodPost, "/dr", decisionBody(t, "dr-001", models.GenesisHash, nil)); w.Code != 201 {
		t.Fatalf("seed = %d", w.Code)
	}
	w := doJSON(t, r, http.MethodPost, "/dr", decisionBody(t, "dr-002", models.GenesisHash, nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("stale tip status = %d, want 409", w.Code)
	}
}

func TestMutationForbidden(t *testing.T) {
	s := newTestServer(t)
	r := newRouter(s)
	for _, method := range []string{http.MethodPut, http.MethodPatch, http.MethodDelete} {
		w := doJSON(t, r, method, "/dr/dr-001", []byte(`{}`))
		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s status = %d, want 405", method, w.Code)
		}
		if got := w.Body.String(); !bytes.Contains([]byte(got), []byte("MUTATION_FORBIDDEN")) {
			t.Fatalf("%s body = %s", method, got)
		}
	}
}

func TestRevocationThenPaymentDenied(t *testing.T) {
	s := newTestServer(t)
	r := newRouter(s)
	w := doJSON(t, r, http.MethodPost, "/dr", decisionBody(t, "dr-001", models.GenesisHash, nil))
	if w.Code != 201 {
		t.Fatalf("seed = %d", w.Code)
	}
	var res models.AppendResult
	_ = json.Unmarshal(w.Body.Bytes(), &res)

	now := time.Now().UTC().Truncate(time.Second)
	rev, _ := json.Marshal(map[string]any{
		"revocation_id":        "rr-001",
		"target_decision_id":   "dr-001",
		"revocation_type":      "voluntary",
		"revocation_reason":    "decision superseded by updated budget allocation for the fiscal period",
		"revoker_authority":    "original_decider",
		"revoker_id":           []string{"maria.santos"},
		"revocation_date":      now.Format(time.RFC3339),
		"record_timestamp":     now.Format(time.RFC3339),
		"previous_record_hash": res.Hash,
	})
	if w := doJSON(t, r, http.MethodPost, "/rr", rev); w.Code != 201 {
		t.Fatalf("POST /rr = %d, body %s", w.Code, w.Body.String())
	}

	pay, _ := json.Marshal(map[string]any{
		"payment_id":          "pay-001",
		"decision_id":         "dr-001",
		"payment_amount":      json.Number("100.00"),
		"payment_currency":    "BRL",
		"payment_beneficiary": "br-company-123",
		"request_timestamp":   now.Format(time.RFC3339),
	})
	w = doJSON(t, r, http.MethodPost, "/payment", pay)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /payment = %d", w.Code)
	}
	var decision models.PaymentDecision
	if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if decision.Authorized || decision.Reason != models.ReasonRevoked {
		t.Fatalf("decision = %+v, want REVOKED denial", decision)
	}
}

func TestPaymentExecuteAuthorized(t *testing.T) {
	s := newTestServer(t)
	r := newRouter(s)
	if w := doJSON(t, r, http.MethodPost, "/dr", decisionBody(t, "dr-001", models.GenesisHash, nil)); w.Code != 201 {
		t.Fatalf("seed = %d", w.Code)
	}
	now := time.Now().UTC().Truncate(time.Second)
	pay, _ := json.Marshal(map[string]any{
		"payment_id":          "pay-001",
		"decision_id":         "dr-001",
		"payment_amount":      json.Number("250.00"),
		"payment_currency":    "BRL",
		"payment_beneficiary": "br-company-123",
		"request_timestamp":   now.Format(time.RFC3339),
	})
	w := doJSON(t, r, http.MethodPost, "/payment", pay)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /payment = %d, body %s", w.Code, w.Body.String())
	}
	if s.ledger().Height() != 2 {
		t.Fatalf("height = %d, want 2", s.ledger().Height())
	}

	// authorize is pure and must not grow the chain
	w = doJSON(t, r, http.MethodPost, "/payment/authorize", pay)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /payment/authorize = %d", w.Code)
	}
	if s.ledger().Height() != 2 {
		t.Fatalf("authorize grew the chain to %d", s.ledger().Height())
	}

	w = doJSON(t, r, http.MethodGet, "/payment?decision_id=dr-001", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /payment = %d", w.Code)
	}
	var payments []models.PaymentEntry
	if err := json.Unmarshal(w.Body.Bytes(), &payments); err != nil {
		t.Fatalf("payment list must decode as a JSON array: %v", err)
	}
	if len(payments) != 1 || payments[0].PaymentID != "pay-001" {
		t.Fatalf("payments = %+v", payments)
	}
}

func TestPaymentDenialCarriesRejectionReason(t *testing.T) {
	s := newTestServer(t)
	r := newRouter(s)
	now := time.Now().UTC().Truncate(time.Second)
	pay, _ := json.Marshal(map[string]any{
		"payment_id":          "pay-001",
		"decision_id":         "dr-missing",
		"payment_amount":      json.Number("100.00"),
		"payment_currency":    "BRL",
		"payment_beneficiary": "br-company-123",
		"request_timestamp":   now.Format(time.RFC3339),
	})
	w := doJSON(t, r, http.MethodPost, "/payment/authorize", pay)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /payment/authorize = %d", w.Code)
	}
	var body struct {
		Authorized      bool   `json:"authorized"`
		RejectionReason string `json:"rejection_reason"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Authorized || body.RejectionReason != models.ReasonDRNotFound {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestChainEndpoints(t *testing.T) {
	s := newTestServer(t)
	r := newRouter(s)
	if w := doJSON(t, r, http.MethodPost, "/dr", decisionBody(t, "dr-001", models.GenesisHash, nil)); w.Code != 201 {
		t.Fatalf("seed = %d", w.Code)
	}

	w := doJSON(t, r, http.MethodGet, "/chain/height", nil)
	var height struct {
		Height int `json:"height"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &height)
	if w.Code != 200 || height.Height != 1 {
		t.Fatalf("height endpoint: code %d body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/chain/state", nil)
	var state struct {
		Height    int    `json:"height"`
		StateHash string `json:"state_hash"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &state)
	if state.Height != 1 || state.StateHash == models.GenesisHash {
		t.Fatalf("state endpoint: %+v", state)
	}

	w = doJSON(t, r, http.MethodGet, "/chain/verify", nil)
	var verify ledger.VerifyResult
	_ = json.Unmarshal(w.Body.Bytes(), &verify)
	if w.Code != 200 || !verify.Valid {
		t.Fatalf("verify endpoint: code %d body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/chain/hash", nil)
	var hash struct {
		Hash   string `json:"hash"`
		Height int    `json:"height"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &hash)
	if w.Code != 200 || hash.Height != 1 || hash.Hash != state.StateHash {
		t.Fatalf("hash endpoint: code %d body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/dr?since=0&limit=10", nil)
	var list struct {
		Records []ledger.Record `json:"records"`
		Height  int             `json:"height"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Records) != 1 || list.Height != 1 {
		t.Fatalf("list endpoint: %s", w.Body.String())
	}
}

func TestAnchorEndpointsDisabled(t *testing.T) {
	s := newTestServer(t)
	r := newRouter(s)

	w := doJSON(t, r, http.MethodGet, "/anchor/status", nil)
	var status struct {
		Enabled bool `json:"enabled"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &status)
	if w.Code != 200 || status.Enabled {
		t.Fatalf("anchor status: code %d body %s", w.Code, w.Body.String())
	}

	if w := doJSON(t, r, http.MethodGet, "/anchor", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /anchor = %d, want 503", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/anchor", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("POST /anchor = %d, want 503", w.Code)
	}
}

type stubMedium struct {
	category string
	name     string
}

func (m *stubMedium) Category() string { return m.category }
func (m *stubMedium) Name() string     { return m.name }
func (m *stubMedium) Publish(ctx context.Context, a models.Anchor) (string, error) {
	return m.name + ":" + a.AnchorID, nil
}

func TestAnchorListIsBareArray(t *testing.T) {
	s := newTestServer(t)
	pub, err := anchor.NewPublisher(s.ledger(), nil, []anchor.Medium{
		&stubMedium{category: "message_bus", name: "bus"},
		&stubMedium{category: "transparency_portal", name: "portal"},
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Anchors = pub
	r := newRouter(s)

	if w := doJSON(t, r, http.MethodPost, "/anchor", nil); w.Code != http.StatusCreated {
		t.Fatalf("POST /anchor = %d, body %s", w.Code, w.Body.String())
	}
	w := doJSON(t, r, http.MethodGet, "/anchor", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /anchor = %d", w.Code)
	}
	var anchors []models.Anchor
	if err := json.Unmarshal(w.Body.Bytes(), &anchors); err != nil {
		t.Fatalf("anchor list must decode as a JSON array: %v, body %s", err, w.Body.String())
	}
	if len(anchors) != 1 || len(anchors[0].Media) != 2 {
		t.Fatalf("anchors = %+v", anchors)
	}
}

func TestTestResetGatedAndWorking(t *testing.T) {
	s := newTestServer(t)
	r := newRouter(s)
	if w := doJSON(t, r, http.MethodPost, "/_test/reset", nil); w.Code != http.StatusNotFound {
		t.Fatalf("reset without gate = %d, want 404", w.Code)
	}

	s.TestEndpoints = true
	r = newRouter(s)
	if w := doJSON(t, r, http.MethodPost, "/dr", decisionBody(t, "dr-001", models.GenesisHash, nil)); w.Code != 201 {
		t.Fatalf("seed = %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/_test/reset", nil); w.Code != http.StatusOK {
		t.Fatalf("reset = %d", w.Code)
	}
	if h := s.ledger().Height(); h != 0 {
		t.Fatalf("height after reset = %d, want 0", h)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	r := newRouter(s)
	w := doJSON(t, r, http.MethodGet, "/healthz", nil)
	if w.Code != 200 {
		t.Fatalf("healthz = %d", w.Code)
	}
}

func TestNotifyPublishesStreamEvent(t *testing.T) {
	s := newTestServer(t)
	r := newRouter(s)
	sub := s.Events.Subscribe(4)
	defer s.Events.Unsubscribe(sub)

	if w := doJSON(t, r, http.MethodPost, "/dr", decisionBody(t, "dr-001", models.GenesisHash, nil)); w.Code != 201 {
		t.Fatalf("seed = %d", w.Code)
	}
	select {
	case evt := <-sub:
		if evt.Type != stream.EventRecordAccepted {
			t.Fatalf("event type = %q", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no stream event after accepted record")
	}
}

func TestExplorerChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bitcoin/mainnet/tx/abc123" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"confirmations": 9})
	}))
	defer srv.Close()

	c := &explorerChecker{Client: srv.Client(), BaseURL: srv.URL}
	n, err := c.Confirmations(context.Background(), "bitcoin", "mainnet", "abc123")
	if err != nil {
		t.Fatalf("Confirmations: %v", err)
	}
	if n != 9 {
		t.Fatalf("confirmations = %d, want 9", n)
	}
}

func TestExplorerCheckerUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := &explorerChecker{Client: srv.Client(), BaseURL: srv.URL}
	if _, err := c.Confirmations(context.Background(), "bitcoin", "mainnet", "zzz"); err == nil {
		t.Fatal("expected error from 404 explorer response")
	}
}

package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fides/pkg/models"
	"fides/pkg/sigver"
)

// Client is a thin SDK over the ledgerd HTTP API for registering decisions,
// revocations and payments and for reading chain state.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Signer holds one decider's ed25519 key material.
type Signer struct {
	SignerID   string
	PrivateKey ed25519.PrivateKey
}

func NewSignerFromBase64(signerID, privateKeyB64 string) (Signer, error) {
	privBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(privateKeyB64))
	if err != nil {
		return Signer{}, fmt.Errorf("decode private key: %w", err)
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return Signer{}, fmt.Errorf("invalid private key length: got=%d want=%d", len(privBytes), ed25519.PrivateKeySize)
	}
	if signerID == "" {
		return Signer{}, fmt.Errorf("signer id is required")
	}
	return Signer{SignerID: signerID, PrivateKey: ed25519.PrivateKey(privBytes)}, nil
}

// SignRecord appends signer's signature over the canonical record bytes with
// the signatures field excluded, the exact payload the ledger verifies. The
// returned JSON carries all previous signatures plus the new one.
func SignRecord(raw json.RawMessage, signer Signer, now time.Time) (json.RawMessage, error) {
	if len(signer.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer key missing")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var record map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	stripped, err := models.WithoutField(raw, "signatures")
	if err != nil {
		return nil, fmt.Errorf("signature payload: %w", err)
	}
	payload, err := models.Canonicalize(stripped)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	sig := models.Signature{
		SignerID:  signer.SignerID,
		PublicKey: base64.StdEncoding.EncodeToString(signer.PrivateKey.Public().(ed25519.PublicKey)),
		Algorithm: sigver.AlgEd25519,
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(signer.PrivateKey, payload)),
		SignedAt:  now.UTC().Format(time.RFC3339),
	}
	var sigs []models.Signature
	if existing, ok := record["signatures"]; ok {
		b, _ := json.Marshal(existing)
		_ = json.Unmarshal(b, &sigs)
	}
	sigs = append(sigs, sig)
	record["signatures"] = sigs
	return json.Marshal(record)
}

// ChainState is the height/state-hash pair reported by the ledger.
type ChainState struct {
	Height    int    `json:"height"`
	StateHash string `json:"state_hash"`
}

// VerifyResult mirrors the ledger's chain verification report.
type VerifyResult struct {
	Valid   bool `json:"valid"`
	BreakAt *int `json:"break_at,omitempty"`
}

// ExecuteResult is the response for an authorized payment execute.
type ExecuteResult struct {
	Authorized bool                 `json:"authorized"`
	Record     *models.AppendResult `json:"record,omitempty"`
}

func (c *Client) SubmitDecision(ctx context.Context, record json.RawMessage) (models.AppendResult, error) {
	var out models.AppendResult
	err := c.doJSON(ctx, http.MethodPost, "/dr", record, http.StatusCreated, &out)
	return out, err
}

func (c *Client) GetDecision(ctx context.Context, decisionID string) (models.DecisionView, error) {
	var out models.DecisionView
	err := c.doJSON(ctx, http.MethodGet, "/dr/"+decisionID, nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) SubmitRevocation(ctx context.Context, record json.RawMessage) (models.AppendResult, error) {
	var out models.AppendResult
	err := c.doJSON(ctx, http.MethodPost, "/rr", record, http.StatusCreated, &out)
	return out, err
}

// AuthorizePayment runs the pure authorization rules; nothing is appended.
func (c *Client) AuthorizePayment(ctx context.Context, p models.PaymentEntry) (models.PaymentDecision, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return models.PaymentDecision{}, err
	}
	var out models.PaymentDecision
	err = c.doJSON(ctx, http.MethodPost, "/payment/authorize", body, http.StatusOK, &out)
	return out, err
}

// ExecutePayment authorizes and appends. A denial comes back with a 200 and
// Authorized=false; only an authorized append returns a record.
func (c *Client) ExecutePayment(ctx context.Context, p models.PaymentEntry) (ExecuteResult, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return ExecuteResult{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/payment", body)
	if err != nil {
		return ExecuteResult{}, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return ExecuteResult{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ExecuteResult{}, err
	}
	switch resp.StatusCode {
	case http.StatusCreated:
		var out ExecuteResult
		if err := json.Unmarshal(raw, &out); err != nil {
			return ExecuteResult{}, fmt.Errorf("decode execute response: %w", err)
		}
		return out, nil
	case http.StatusOK:
		var decision models.PaymentDecision
		if err := json.Unmarshal(raw, &decision); err != nil {
			return ExecuteResult{}, fmt.Errorf("decode denial: %w", err)
		}
		return ExecuteResult{Authorized: decision.Authorized}, nil
	default:
		return ExecuteResult{}, statusError(resp.StatusCode, raw)
	}
}

func (c *Client) State(ctx context.Context) (ChainState, error) {
	var out ChainState
	err := c.doJSON(ctx, http.MethodGet, "/chain/state", nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) VerifyChain(ctx context.Context) (VerifyResult, error) {
	var out VerifyResult
	err := c.doJSON(ctx, http.MethodGet, "/chain/verify", nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, wantStatus int, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != wantStatus {
		return statusError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)
	return req, nil
}

func (c *Client) applyAuth(req *http.Request) {
	token := strings.TrimSpace(c.AuthToken)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// Error carries the protocol error body from a rejected request.
type Error struct {
	Status int
	Code   string
	Detail string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ledgerd status=%d code=%s: %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("ledgerd status=%d: %s", e.Status, e.Detail)
}

func statusError(status int, raw []byte) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &body)
	detail := body.Error.Message
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}
	return &Error{Status: status, Code: body.Error.Code, Detail: detail}
}

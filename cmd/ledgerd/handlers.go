package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"fides/pkg/httpx"
	"fides/pkg/ledger"
	"fides/pkg/models"
	"fides/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

func (s *Server) handleAppendDecision(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	if err := s.checkSignerRegistry(r.Context(), body); err != nil {
		s.reject(w, err)
		return
	}
	res, err := s.ledger().AppendDecision(r.Context(), body)
	if err != nil {
		s.reject(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

// checkSignerRegistry cross-checks each embedded signer key against the
// external key registry when one is configured. Keys must be registered,
// active, and byte-identical to the registered material.
func (s *Server) checkSignerRegistry(ctx context.Context, raw []byte) error {
	if s.SignerRegistry == nil {
		return nil
	}
	var dr models.DecisionRecord
	if err := json.Unmarshal(raw, &dr); err != nil {
		return models.ValidationError("MALFORMED_JSON", "", "record is not valid JSON: %v", err)
	}
	for _, sig := range dr.Signatures {
		rec, err := s.SignerRegistry.GetKey(ctx, sig.SignerID)
		if err != nil {
			return models.SignatureError("SIGNER_KEY_LOOKUP_FAILED", "signatures", "registry lookup for %s failed: %v", sig.SignerID, err)
		}
		if rec == nil || rec.Status != "active" {
			return models.SignatureError("SIGNER_KEY_REVOKED", "signatures", "signer %s has no active registered key", sig.SignerID)
		}
		if base64.StdEncoding.EncodeToString(rec.PublicKey) != sig.PublicKey {
			return models.SignatureError("SIGNER_KEY_MISMATCH", "signatures", "signer %s key does not match registry", sig.SignerID)
		}
	}
	return nil
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "decision_id")
	if cached, err := s.Cache.Get(r.Context(), decisionCacheKey(id)); err == nil && cached != "" {
		var view models.DecisionView
		if err := json.Unmarshal([]byte(cached), &view); err == nil {
			httpx.WriteJSON(w, http.StatusOK, view)
			return
		}
	}
	view, _, ok := s.ledger().GetDecision(id)
	if !ok {
		s.reject(w, models.NotFoundError("DR_NOT_FOUND", "decision %s is not on the chain", id))
		return
	}
	if b, err := json.Marshal(view); err == nil {
		_ = s.Cache.Set(r.Context(), decisionCacheKey(id), string(b), s.DecisionCacheTTL)
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	since := queryInt(r, "since", 0)
	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	records := s.ledger().Records()
	out := make([]ledger.Record, 0, limit)
	for _, rec := range records {
		if rec.Seq < since {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"records": out,
		"height":  len(records),
	})
}

func (s *Server) handleAppendRevocation(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	res, err := s.ledger().AppendRevocation(r.Context(), body)
	if err != nil {
		s.reject(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

func (s *Server) handlePaymentAuthorize(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodePayment(w, r)
	if !ok {
		return
	}
	decision, err := s.authorizer().Authorize(r.Context(), p)
	if err != nil {
		s.reject(w, err)
		return
	}
	s.recordPaymentOutcome(decision)
	httpx.WriteJSON(w, http.StatusOK, decision)
}

func (s *Server) handlePaymentExecute(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodePayment(w, r)
	if !ok {
		return
	}
	decision, res, err := s.authorizer().Execute(r.Context(), p)
	if err != nil {
		s.reject(w, err)
		return
	}
	s.recordPaymentOutcome(decision)
	if !decision.Authorized {
		httpx.WriteJSON(w, http.StatusOK, decision)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"authorized": true,
		"record":     res,
	})
}

func (s *Server) decodePayment(w http.ResponseWriter, r *http.Request) (*models.PaymentEntry, bool) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return nil, false
	}
	var p models.PaymentEntry
	if err := json.Unmarshal(body, &p); err != nil {
		s.reject(w, models.ValidationError("MALFORMED_JSON", "", "payment is not valid JSON: %v", err))
		return nil, false
	}
	return &p, true
}

func (s *Server) recordPaymentOutcome(d models.PaymentDecision) {
	s.Metrics.IncPaymentOutcome(d.Authorized, d.Reason)
	if !d.Authorized {
		s.Metrics.IncRejection(d.Reason)
	}
}

func (s *Server) handleChainHeight(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"height": s.ledger().Height()})
}

func (s *Server) handleChainState(w http.ResponseWriter, r *http.Request) {
	height, stateHash := s.ledger().State()
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"height":     height,
		"state_hash": stateHash,
	})
}

func (s *Server) handleChainHash(w http.ResponseWriter, r *http.Request) {
	height, stateHash := s.ledger().State()
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"hash":   stateHash,
		"height": height,
	})
}

// handleListPayments returns the executed payment entries, optionally filtered
// by decision_id. Denied payments never reach the chain and are absent here.
func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	decisionID := r.URL.Query().Get("decision_id")
	out := make([]json.RawMessage, 0)
	for _, rec := range s.ledger().Records() {
		if rec.Type != models.TypePayment {
			continue
		}
		if decisionID != "" && rec.DecisionID != decisionID {
			continue
		}
		out = append(out, rec.Raw)
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleChainVerify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res := s.ledger().VerifyChain()
	s.Metrics.ObserveVerifyLatency(time.Since(start))
	s.Events.Publish(stream.NewEvent(stream.EventChainVerified, map[string]interface{}{
		"valid":  res.Valid,
		"height": s.ledger().Height(),
	}))
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleListAnchors(w http.ResponseWriter, r *http.Request) {
	if s.Anchors == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "anchoring disabled")
		return
	}
	anchors, err := s.Anchors.Anchors(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "anchor log unavailable")
		return
	}
	since := queryInt(r, "since", 0)
	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	out := make([]models.Anchor, 0, limit)
	for _, a := range anchors {
		if a.Seq < since {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	// Bare array: consumers treat a JSON object here as a single anchor.
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleAnchorStatus(w http.ResponseWriter, r *http.Request) {
	if s.Anchors == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"enabled": false,
		})
		return
	}
	st := s.Anchors.Status()
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":              true,
		"healthy":              st.Healthy,
		"last_anchor_at":       st.LastAnchorAt,
		"last_anchor_height":   st.LastAnchorHeight,
		"consecutive_failures": st.ConsecutiveFailures,
		"records_since_anchor": st.RecordsSinceAnchor,
	})
}

func (s *Server) handleForceAnchor(w http.ResponseWriter, r *http.Request) {
	if s.Anchors == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "anchoring disabled")
		return
	}
	a, err := s.Anchors.PublishNow(r.Context())
	if err != nil {
		s.reject(w, err)
		return
	}
	s.Metrics.IncAnchors()
	s.Events.Publish(stream.NewEvent(stream.EventAnchorPublished, map[string]interface{}{
		"anchor_id":    a.AnchorID,
		"chain_height": a.ChainHeight,
		"state_hash":   a.StateHash,
	}))
	httpx.WriteJSON(w, http.StatusCreated, a)
}

// handleTestReset drops all chain state. Routed only when
// FIDES_TEST_ENDPOINTS=true, which production hardening rejects.
func (s *Server) handleTestReset(w http.ResponseWriter, r *http.Request) {
	if s.ResetChain == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "reset unavailable")
		return
	}
	fresh, payments, err := s.ResetChain(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, fmt.Sprintf("reset failed: %v", err))
		return
	}
	s.wireNotify(fresh)
	s.mu.Lock()
	s.chain = fresh
	s.payments = payments
	s.mu.Unlock()
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) reject(w http.ResponseWriter, err error) {
	s.Metrics.IncRejection(models.CodeOf(err))
	httpx.WriteProtocolError(w, err)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

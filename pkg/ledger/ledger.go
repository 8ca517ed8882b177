package ledger

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/shopspring/decimal"

	"fides/pkg/models"
)

// Record is the chain envelope shared by all record variants. Raw holds the
// exact JSON the hash was computed over; for payment entries it includes the
// previous_record_hash stamped at append time.
type Record struct {
	Seq        int             `json:"seq"`
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	DecisionID string          `json:"decision_id"`
	Hash       string          `json:"hash"`
	PrevHash   string          `json:"previous_record_hash"`
	Timestamp  string          `json:"record_timestamp"`
	Raw        json.RawMessage `json:"record"`
}

// Store persists accepted chain records. A write failure aborts the append
// with no in-memory state change.
type Store interface {
	AppendRecord(ctx context.Context, rec Record) error
	LoadRecords(ctx context.Context) ([]Record, error)
}

// NullStore keeps the chain in memory only.
type NullStore struct{}

func (NullStore) AppendRecord(ctx context.Context, rec Record) error { return nil }
func (NullStore) LoadRecords(ctx context.Context) ([]Record, error)  { return nil, nil }

// SignatureVerifier gates decision records on their multi-signer attestations.
type SignatureVerifier interface {
	VerifyRecord(raw json.RawMessage, signers []string, sigs []models.Signature) error
}

// AttestationVerifier gates records on their external timestamp proof.
// Implementations may perform slow external lookups; the ledger always calls
// them before taking the chain lock.
type AttestationVerifier interface {
	Verify(ctx context.Context, att *models.Attestation, recordHash, recordTimestamp string) error
}

// RevocationChecker validates revoker authority against the target decision.
type RevocationChecker interface {
	Authorize(ctx context.Context, rr *models.RevocationRecord, target *models.DecisionRecord) error
}

// Ledger is the single authoritative hash chain. Every append runs inside one
// critical section covering {read tip, validate prev hash, persist, update
// height and state hash}; failed appends leave no trace.
type Ledger struct {
	mu           sync.RWMutex
	records      []Record
	decisions    map[string]*models.DecisionRecord
	decisionRaw  map[string]json.RawMessage
	payments     map[string]decimal.Decimal // decision_id -> executed total
	revokedBy    map[string]string          // decision_id -> revocation_id
	recordIDs    map[string]struct{}
	lastAnchored int

	store      Store
	signatures SignatureVerifier
	attest     AttestationVerifier
	revocation RevocationChecker

	// Notify, when set, observes every accepted record outside the lock.
	Notify func(Record)
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(l *Ledger) { l.signatures = v }
}

func WithAttestationVerifier(v AttestationVerifier) Option {
	return func(l *Ledger) { l.attest = v }
}

func WithRevocationChecker(c RevocationChecker) Option {
	return func(l *Ledger) { l.revocation = c }
}

// New builds a ledger over store, replaying any previously persisted records.
func New(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		store = NullStore{}
	}
	l := &Ledger{
		decisions:   map[string]*models.DecisionRecord{},
		decisionRaw: map[string]json.RawMessage{},
		payments:    map[string]decimal.Decimal{},
		revokedBy:   map[string]string{},
		recordIDs:   map[string]struct{}{},
		store:       store,
	}
	for _, opt := range opts {
		opt(l)
	}
	existing, err := store.LoadRecords(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range existing {
		if err := l.index(rec); err != nil {
			return nil, err
		}
		l.records = append(l.records, rec)
	}
	return l, nil
}

// index rebuilds derived lookups from a replayed record. Replay trusts the
// store; integrity is still checkable via VerifyChain.
func (l *Ledger) index(rec Record) error {
	l.recordIDs[rec.ID] = struct{}{}
	switch rec.Type {
	case models.TypeDecision:
		var dr models.DecisionRecord
		if err := json.Unmarshal(rec.Raw, &dr); err != nil {
			return err
		}
		l.decisions[dr.DecisionID] = &dr
		l.decisionRaw[dr.DecisionID] = rec.Raw
	case models.TypeRevocation:
		l.revokedBy[rec.DecisionID] = rec.ID
	case models.TypePayment:
		var p models.PaymentEntry
		if err := json.Unmarshal(rec.Raw, &p); err != nil {
			return err
		}
		amount, err := models.ParseAmount(p.PaymentAmount.String())
		if err != nil {
			return err
		}
		l.payments[p.DecisionID] = l.total(p.DecisionID).Add(amount)
	}
	return nil
}

func (l *Ledger) total(decisionID string) decimal.Decimal {
	if t, ok := l.payments[decisionID]; ok {
		return t
	}
	return decimal.Zero
}

func (l *Ledger) tipHashLocked() string {
	if len(l.records) == 0 {
		return models.GenesisHash
	}
	return l.records[len(l.records)-1].Hash
}

// Height is the number of accepted chain records. Rejected submissions never
// count.
func (l *Ledger) Height() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// StateHash is the hash of the latest record, or the genesis hash for an
// empty chain. Height and StateHash are read under the same lock and are
// always mutually consistent.
func (l *Ledger) StateHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tipHashLocked()
}

// State returns height and state hash as one consistent snapshot.
func (l *Ledger) State() (int, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records), l.tipHashLocked()
}

// Records returns a copy of the chain.
func (l *Ledger) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// GetDecision returns the stored decision plus its derived status flags. The
// stored fields are immutable; revoked/pending-anchor are computed views.
func (l *Ledger) GetDecision(id string) (models.DecisionView, json.RawMessage, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	dr, ok := l.decisions[id]
	if !ok {
		return models.DecisionView{}, nil, false
	}
	view := models.DecisionView{DecisionRecord: *dr}
	if rid, revoked := l.revokedBy[id]; revoked {
		view.Revoked = true
		view.RevokedBy = rid
	}
	return view, l.decisionRaw[id], true
}

// IsRevoked reports whether a later revocation record targets the decision.
func (l *Ledger) IsRevoked(decisionID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rid, ok := l.revokedBy[decisionID]
	return rid, ok
}

// ExecutedTotal is the decimal sum of accepted payment entries for a decision.
func (l *Ledger) ExecutedTotal(decisionID string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total(decisionID)
}

// VerifyResult reports chain integrity; BreakAt is the index of the first
// record whose linkage or hash fails.
type VerifyResult struct {
	Valid   bool `json:"valid"`
	BreakAt *int `json:"break_at,omitempty"`
}

// VerifyChain re-walks the full chain, checking linkage against the genesis
// hash and recomputing every record hash from its canonical bytes.
func (l *Ledger) VerifyChain() VerifyResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	prev := models.GenesisHash
	for i, rec := range l.records {
		if rec.PrevHash != prev {
			at := i
			return VerifyResult{Valid: false, BreakAt: &at}
		}
		computed, err := models.HashRecord(rec.Raw)
		if err != nil || computed != rec.Hash {
			at := i
			return VerifyResult{Valid: false, BreakAt: &at}
		}
		prev = rec.Hash
	}
	return VerifyResult{Valid: true}
}

// SinceLastAnchor reports accepted records since MarkAnchored, for the
// publisher's 100-record cadence rule.
func (l *Ledger) SinceLastAnchor() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records) - l.lastAnchored
}

// MarkAnchored records the height covered by the latest anchor.
func (l *Ledger) MarkAnchored(height int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if height > l.lastAnchored {
		l.lastAnchored = height
	}
}

func (l *Ledger) notify(rec Record) {
	if l.Notify != nil {
		l.Notify(rec)
	}
}

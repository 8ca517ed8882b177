// Package payment decides and executes payments against registered decision
// records. Authorization is a pure read; execution serializes per decision so
// concurrent payments can never overspend the authorized maximum.
package payment

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fides/pkg/models"
)

// Chain is the ledger surface the authorizer needs.
type Chain interface {
	GetDecision(id string) (models.DecisionView, json.RawMessage, bool)
	ExecutedTotal(decisionID string) decimal.Decimal
	AppendPayment(ctx context.Context, p *models.PaymentEntry) (models.AppendResult, error)
}

// OutcomeSink receives every execute outcome, accepted or denied. Denied
// outcomes never touch the chain; they live only in this side audit trail.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, p *models.PaymentEntry, d models.PaymentDecision) error
}

// Authorizer evaluates the payment rules in their fixed short-circuit order.
type Authorizer struct {
	chain Chain
	sink  OutcomeSink
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*decisionLock
}

// decisionLock serializes executes for one decision. Entries are
// reference-counted so the arena only holds decisions with an execute in
// flight.
type decisionLock struct {
	sync.Mutex
	refs int
}

// New builds an Authorizer. sink may be nil.
func New(chain Chain, sink OutcomeSink) *Authorizer {
	return &Authorizer{
		chain: chain,
		sink:  sink,
		now:   time.Now,
		locks: map[string]*decisionLock{},
	}
}

// Authorize runs the rule chain without side effects. The first failing rule
// wins; a denial is a result, not an error. Errors are reserved for malformed
// requests.
func (a *Authorizer) Authorize(ctx context.Context, p *models.PaymentEntry) (models.PaymentDecision, error) {
	if err := p.ValidatePayment(); err != nil {
		return models.PaymentDecision{}, err
	}
	view, _, ok := a.chain.GetDecision(p.DecisionID)
	if !ok {
		return deny(models.ReasonDRNotFound), nil
	}
	if view.Revoked {
		return deny(models.ReasonRevoked), nil
	}

	requestTS, err := models.ParseTimestamp(p.RequestTimestamp)
	if err != nil {
		return models.PaymentDecision{}, err
	}
	decisionDate, err := models.ParseTimestamp(view.DecisionDate)
	if err != nil {
		return models.PaymentDecision{}, err
	}
	if requestTS.Before(decisionDate) {
		return deny(models.ReasonBeforeDecision), nil
	}
	if p.PaymentCurrency != view.Currency {
		return deny(models.ReasonCurrencyMismatch), nil
	}
	if p.PaymentBeneficiary != view.Beneficiary {
		return deny(models.ReasonBeneficiaryMismatch), nil
	}
	if view.IsSDR && view.MaximumTerm != "" {
		term, err := models.ParseTimestamp(view.MaximumTerm)
		if err != nil {
			return models.PaymentDecision{}, err
		}
		if requestTS.After(term) {
			return deny(models.ReasonSDRExpired), nil
		}
	}

	amount, err := models.ParseAmount(p.PaymentAmount.String())
	if err != nil || !amount.IsPositive() {
		return deny(models.ReasonInvalidAmount), nil
	}
	maxValue, err := models.ParseAmount(view.MaximumValue.String())
	if err != nil {
		return models.PaymentDecision{}, err
	}
	if a.chain.ExecutedTotal(p.DecisionID).Add(amount).GreaterThan(maxValue) {
		return deny(models.ReasonMaximumValueExceeded), nil
	}
	return models.PaymentDecision{Authorized: true}, nil
}

// Execute authorizes and, if authorized, appends the payment. The
// per-decision lock serializes competing executes so the accumulation check
// and the append are atomic for that decision; the lock is taken before the
// chain lock and never the other way around.
func (a *Authorizer) Execute(ctx context.Context, p *models.PaymentEntry) (models.PaymentDecision, *models.AppendResult, error) {
	lock := a.acquireDecision(p.DecisionID)
	defer a.releaseDecision(p.DecisionID, lock)

	decision, err := a.Authorize(ctx, p)
	if err != nil {
		return models.PaymentDecision{}, nil, err
	}
	if !decision.Authorized {
		a.record(ctx, p, decision)
		return decision, nil, nil
	}
	res, err := a.chain.AppendPayment(ctx, p)
	if err != nil {
		return models.PaymentDecision{}, nil, err
	}
	a.record(ctx, p, decision)
	return decision, &res, nil
}

func (a *Authorizer) record(ctx context.Context, p *models.PaymentEntry, d models.PaymentDecision) {
	if a.sink == nil {
		return
	}
	if err := a.sink.RecordOutcome(ctx, p, d); err != nil {
		log.Printf("payment: outcome audit write failed for %s: %v", p.PaymentID, err)
	}
}

func (a *Authorizer) acquireDecision(decisionID string) *decisionLock {
	a.mu.Lock()
	lock, ok := a.locks[decisionID]
	if !ok {
		lock = &decisionLock{}
		a.locks[decisionID] = lock
	}
	lock.refs++
	a.mu.Unlock()
	lock.Lock()
	return lock
}

func (a *Authorizer) releaseDecision(decisionID string, lock *decisionLock) {
	lock.Unlock()
	a.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(a.locks, decisionID)
	}
	a.mu.Unlock()
}

func deny(reason string) models.PaymentDecision {
	return models.PaymentDecision{Authorized: false, Reason: reason, RejectionReason: reason}
}

package ledger

import (
	"context"
	"encoding/json"

	"fides/pkg/models"
)

// AppendDecision validates and appends a decision record. Signature and
// attestation checks run before the chain lock; the critical section covers
// only the tip comparison, persistence, and index update.
func (l *Ledger) AppendDecision(ctx context.Context, raw json.RawMessage) (models.AppendResult, error) {
	var dr models.DecisionRecord
	if err := json.Unmarshal(raw, &dr); err != nil {
		return models.AppendResult{}, models.ValidationError("MALFORMED_RECORD", "", "decision record is not valid JSON")
	}
	if err := dr.ValidateDecision(); err != nil {
		return models.AppendResult{}, err
	}
	if l.signatures != nil {
		if err := l.signatures.VerifyRecord(raw, dr.SignerSet(), dr.Signatures); err != nil {
			return models.AppendResult{}, err
		}
	}
	if l.attest != nil {
		attested, err := attestedHash(raw)
		if err != nil {
			return models.AppendResult{}, err
		}
		if err := l.attest.Verify(ctx, dr.Attestation, attested, dr.RecordTimestamp); err != nil {
			return models.AppendResult{}, err
		}
	}
	hash, err := models.HashRecord(raw)
	if err != nil {
		return models.AppendResult{}, models.ValidationError("CANONICALIZATION_FAILED", "", err.Error())
	}

	l.mu.Lock()
	if _, dup := l.decisions[dr.DecisionID]; dup {
		l.mu.Unlock()
		return models.AppendResult{}, models.ValidationError("DUPLICATE_DECISION", "decision_id", "decision_id already registered")
	}
	if dr.PreviousRecordHash != l.tipHashLocked() {
		l.mu.Unlock()
		return models.AppendResult{}, models.ChainIntegrityError("PREVIOUS_HASH_MISMATCH",
			"previous_record_hash does not match the current chain tip")
	}
	rec := Record{
		Seq:        len(l.records),
		Type:       models.TypeDecision,
		ID:         dr.DecisionID,
		DecisionID: dr.DecisionID,
		Hash:       hash,
		PrevHash:   dr.PreviousRecordHash,
		Timestamp:  dr.RecordTimestamp,
		Raw:        raw,
	}
	if err := l.commitLocked(ctx, rec); err != nil {
		l.mu.Unlock()
		return models.AppendResult{}, err
	}
	l.decisions[dr.DecisionID] = &dr
	l.decisionRaw[dr.DecisionID] = raw
	l.mu.Unlock()

	l.notify(rec)
	return models.AppendResult{ID: dr.DecisionID, Height: rec.Seq + 1, Hash: hash}, nil
}

// AppendRevocation validates revoker authority against the target decision
// and appends the revocation. The target itself is never mutated; revoked
// status is derived at read time.
func (l *Ledger) AppendRevocation(ctx context.Context, raw json.RawMessage) (models.AppendResult, error) {
	var rr models.RevocationRecord
	if err := json.Unmarshal(raw, &rr); err != nil {
		return models.AppendResult{}, models.ValidationError("MALFORMED_RECORD", "", "revocation record is not valid JSON")
	}
	if err := rr.ValidateRevocation(); err != nil {
		return models.AppendResult{}, err
	}

	view, _, ok := l.GetDecision(rr.TargetDecisionID)
	if !ok {
		return models.AppendResult{}, models.NotFoundError("TARGET_NOT_FOUND", "target decision record does not exist")
	}
	if view.Revoked {
		return models.AppendResult{}, models.ValidationError("ALREADY_REVOKED", "target_decision_id", "target decision is already revoked")
	}
	if l.revocation != nil {
		target := view.DecisionRecord
		if err := l.revocation.Authorize(ctx, &rr, &target); err != nil {
			return models.AppendResult{}, err
		}
	}
	hash, err := models.HashRecord(raw)
	if err != nil {
		return models.AppendResult{}, models.ValidationError("CANONICALIZATION_FAILED", "", err.Error())
	}

	l.mu.Lock()
	if _, revoked := l.revokedBy[rr.TargetDecisionID]; revoked {
		l.mu.Unlock()
		return models.AppendResult{}, models.ValidationError("ALREADY_REVOKED", "target_decision_id", "target decision is already revoked")
	}
	if rr.PreviousRecordHash != l.tipHashLocked() {
		l.mu.Unlock()
		return models.AppendResult{}, models.ChainIntegrityError("PREVIOUS_HASH_MISMATCH",
			"previous_record_hash does not match the current chain tip")
	}
	rec := Record{
		Seq:        len(l.records),
		Type:       models.TypeRevocation,
		ID:         rr.RevocationID,
		DecisionID: rr.TargetDecisionID,
		Hash:       hash,
		PrevHash:   rr.PreviousRecordHash,
		Timestamp:  rr.RecordTimestamp,
		Raw:        raw,
	}
	if err := l.commitLocked(ctx, rec); err != nil {
		l.mu.Unlock()
		return models.AppendResult{}, err
	}
	l.revokedBy[rr.TargetDecisionID] = rr.RevocationID
	l.mu.Unlock()

	l.notify(rec)
	return models.AppendResult{ID: rr.RevocationID, Height: rec.Seq + 1, Hash: hash}, nil
}

// AppendPayment appends an authorized payment entry. The previous_record_hash
// is stamped from the live tip inside the critical section, so concurrent
// executes against different decisions serialize cleanly without clients
// racing for the tip. Callers hold the per-decision execute lock and have
// already authorized the amount.
func (l *Ledger) AppendPayment(ctx context.Context, p *models.PaymentEntry) (models.AppendResult, error) {
	l.mu.Lock()
	if _, dup := l.recordIDs[p.PaymentID]; dup {
		l.mu.Unlock()
		return models.AppendResult{}, models.ValidationError("DUPLICATE_PAYMENT", "payment_id", "payment_id already recorded")
	}
	p.PreviousRecordHash = l.tipHashLocked()
	raw, err := json.Marshal(p)
	if err != nil {
		l.mu.Unlock()
		return models.AppendResult{}, models.ValidationError("CANONICALIZATION_FAILED", "", err.Error())
	}
	hash, err := models.HashRecord(raw)
	if err != nil {
		l.mu.Unlock()
		return models.AppendResult{}, models.ValidationError("CANONICALIZATION_FAILED", "", err.Error())
	}
	amount, err := models.ParseAmount(p.PaymentAmount.String())
	if err != nil {
		l.mu.Unlock()
		return models.AppendResult{}, models.ValidationError("INVALID_AMOUNT", "payment_amount", err.Error())
	}
	rec := Record{
		Seq:        len(l.records),
		Type:       models.TypePayment,
		ID:         p.PaymentID,
		DecisionID: p.DecisionID,
		Hash:       hash,
		PrevHash:   p.PreviousRecordHash,
		Timestamp:  p.RequestTimestamp,
		Raw:        raw,
	}
	if err := l.commitLocked(ctx, rec); err != nil {
		l.mu.Unlock()
		return models.AppendResult{}, err
	}
	l.payments[p.DecisionID] = l.total(p.DecisionID).Add(amount)
	l.mu.Unlock()

	l.notify(rec)
	return models.AppendResult{ID: p.PaymentID, Height: rec.Seq + 1, Hash: hash}, nil
}

// commitLocked persists then indexes a record. Store failure aborts with no
// memory mutation, so a crashed write can simply be retried.
func (l *Ledger) commitLocked(ctx context.Context, rec Record) error {
	if err := l.store.AppendRecord(ctx, rec); err != nil {
		return models.ChainIntegrityError("STORE_WRITE_FAILED", err.Error())
	}
	l.records = append(l.records, rec)
	l.recordIDs[rec.ID] = struct{}{}
	return nil
}

// attestedHash is the hash the external attestation covers: the record minus
// its signatures and minus the attestation itself, which cannot contain its
// own imprint.
func attestedHash(raw json.RawMessage) (string, error) {
	stripped, err := models.WithoutField(raw, "signatures")
	if err != nil {
		return "", models.ValidationError("CANONICALIZATION_FAILED", "", err.Error())
	}
	stripped, err = models.WithoutField(stripped, "timestamp_attestation")
	if err != nil {
		return "", models.ValidationError("CANONICALIZATION_FAILED", "", err.Error())
	}
	return models.HashRecord(stripped)
}

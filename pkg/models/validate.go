package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MaxRegistrationDelay is the longest permitted gap between decision_date and
// record_timestamp for ordinary decision records. Exactly 72h is accepted.
const MaxRegistrationDelay = 72 * time.Hour

const (
	minDeciders            = 1
	minFormalJustification = 100
	minRevocationReason    = 50
	reinforcedMultiplier   = 2
)

// ParseTimestamp parses an ISO-8601 timestamp and requires an explicit UTC
// "Z" suffix, per the canonical serialization rules.
func ParseTimestamp(s string) (time.Time, error) {
	if !strings.HasSuffix(s, "Z") {
		return time.Time{}, ValidationError("TIMESTAMP_FORMAT", "", "timestamp %q must use UTC Z suffix", s)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, ValidationError("TIMESTAMP_FORMAT", "", "invalid timestamp %q", s)
	}
	return t.UTC(), nil
}

// ParseAmount parses a monetary JSON number into a decimal. Monetary values
// are never handled as binary floats.
func ParseAmount(n string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(n)
	if err != nil {
		return decimal.Zero, ValidationError("AMOUNT_FORMAT", "", "invalid amount %q", n)
	}
	return d, nil
}

// ValidateDecision checks every intrinsic DR/SDR rule that does not require
// ledger state: required fields, timestamp sanity, the 72h registration delay
// and the special-regime constraints.
func (dr *DecisionRecord) ValidateDecision() error {
	for _, req := range []struct{ field, value string }{
		{"decision_id", dr.DecisionID},
		{"authority_id", dr.AuthorityID},
		{"act_type", dr.ActType},
		{"currency", dr.Currency},
		{"beneficiary", dr.Beneficiary},
		{"legal_basis", dr.LegalBasis},
		{"decision_date", dr.DecisionDate},
		{"record_timestamp", dr.RecordTimestamp},
		{"previous_record_hash", dr.PreviousRecordHash},
	} {
		if strings.TrimSpace(req.value) == "" {
			return ValidationError("MISSING_FIELD", req.field, "required field missing")
		}
	}
	if len(dr.DecidersID) < minDeciders {
		return ValidationError("MISSING_FIELD", "deciders_id", "at least %d decider required", minDeciders)
	}
	if seen := duplicated(dr.DecidersID); seen != "" {
		return ValidationError("DUPLICATE_DECIDER", "deciders_id", "decider %q listed twice", seen)
	}
	maxValue, err := ParseAmount(dr.MaximumValue.String())
	if err != nil {
		return ValidationError("AMOUNT_FORMAT", "maximum_value", "invalid maximum_value %q", dr.MaximumValue.String())
	}
	if !maxValue.IsPositive() {
		return ValidationError("AMOUNT_NOT_POSITIVE", "maximum_value", "maximum_value must be > 0")
	}
	decisionDate, err := ParseTimestamp(dr.DecisionDate)
	if err != nil {
		return ValidationError("TIMESTAMP_FORMAT", "decision_date", "invalid decision_date %q", dr.DecisionDate)
	}
	recordTS, err := ParseTimestamp(dr.RecordTimestamp)
	if err != nil {
		return ValidationError("TIMESTAMP_FORMAT", "record_timestamp", "invalid record_timestamp %q", dr.RecordTimestamp)
	}
	if recordTS.Before(decisionDate) {
		return ValidationError("RECORD_BEFORE_DECISION", "record_timestamp", "record_timestamp precedes decision_date")
	}
	lateRegistration := dr.IsSDR && dr.ExceptionType == "late_registration"
	if !lateRegistration && recordTS.Sub(decisionDate) > MaxRegistrationDelay {
		return ValidationError("REGISTRATION_DELAY_EXCEEDED", "record_timestamp",
			"registration delay %s exceeds 72h and record is not a late_registration SDR", recordTS.Sub(decisionDate))
	}
	if dr.IsSDR {
		return dr.validateSDR(decisionDate)
	}
	return nil
}

func (dr *DecisionRecord) validateSDR(decisionDate time.Time) error {
	termDays, ok := SDRTermLimits[dr.ExceptionType]
	if !ok {
		return ValidationError("INVALID_EXCEPTION_TYPE", "exception_type",
			"exception_type %q is not a recognized special regime", dr.ExceptionType)
	}
	if len(dr.FormalJustification) < minFormalJustification {
		return ValidationError("JUSTIFICATION_TOO_SHORT", "formal_justification",
			"formal_justification must be at least %d characters", minFormalJustification)
	}
	if len(dr.ReinforcedDeciders) < reinforcedMultiplier*minDeciders {
		return ValidationError("INSUFFICIENT_DECIDERS", "reinforced_deciders",
			"special decisions require at least %d deciders", reinforcedMultiplier*minDeciders)
	}
	if strings.TrimSpace(dr.OversightAuthority) == "" {
		return ValidationError("MISSING_FIELD", "oversight_authority", "special decisions require an oversight authority")
	}
	if dr.ExceptionType == "late_registration" {
		return nil
	}
	if strings.TrimSpace(dr.MaximumTerm) == "" {
		return ValidationError("MISSING_FIELD", "maximum_term", "special decisions require maximum_term")
	}
	term, err := ParseTimestamp(dr.MaximumTerm)
	if err != nil {
		return ValidationError("TIMESTAMP_FORMAT", "maximum_term", "invalid maximum_term %q", dr.MaximumTerm)
	}
	limit := decisionDate.Add(time.Duration(termDays) * 24 * time.Hour)
	if term.After(limit) {
		return ValidationError("TERM_EXCEEDS_LIMIT", "maximum_term",
			"maximum_term exceeds the %dd limit for %s", termDays, dr.ExceptionType)
	}
	return nil
}

// SignerSet returns the ids that must each carry exactly one signature:
// reinforced deciders for SDRs, ordinary deciders otherwise.
func (dr *DecisionRecord) SignerSet() []string {
	if dr.IsSDR && len(dr.ReinforcedDeciders) > 0 {
		return dr.ReinforcedDeciders
	}
	return dr.DecidersID
}

// ValidateRevocation checks the intrinsic RR rules. Authority verification
// against the target decision happens in the revocation checker.
func (rr *RevocationRecord) ValidateRevocation() error {
	for _, req := range []struct{ field, value string }{
		{"revocation_id", rr.RevocationID},
		{"target_decision_id", rr.TargetDecisionID},
		{"record_timestamp", rr.RecordTimestamp},
		{"previous_record_hash", rr.PreviousRecordHash},
	} {
		if strings.TrimSpace(req.value) == "" {
			return ValidationError("MISSING_FIELD", req.field, "required field missing")
		}
	}
	if _, ok := RevocationTypes[rr.RevocationType]; !ok {
		return ValidationError("INVALID_REVOCATION_TYPE", "revocation_type",
			"revocation_type %q is not recognized", rr.RevocationType)
	}
	if _, ok := RevokerAuthorities[rr.RevokerAuthority]; !ok {
		return ValidationError("INVALID_REVOKER_AUTHORITY", "revoker_authority",
			"revoker_authority %q is not recognized", rr.RevokerAuthority)
	}
	if len(rr.RevokerID) == 0 {
		return ValidationError("MISSING_FIELD", "revoker_id", "at least one revoker required")
	}
	if len(rr.RevocationReason) < minRevocationReason {
		return ValidationError("REASON_TOO_SHORT", "revocation_reason",
			"revocation_reason must be at least %d characters", minRevocationReason)
	}
	if _, err := ParseTimestamp(rr.RecordTimestamp); err != nil {
		return ValidationError("TIMESTAMP_FORMAT", "record_timestamp", "invalid record_timestamp %q", rr.RecordTimestamp)
	}
	return nil
}

// ValidatePayment checks the intrinsic payment fields. Ledger-dependent rules
// (existence, revocation, accumulation) live in the payment authorizer.
func (p *PaymentEntry) ValidatePayment() error {
	for _, req := range []struct{ field, value string }{
		{"payment_id", p.PaymentID},
		{"decision_id", p.DecisionID},
		{"payment_currency", p.PaymentCurrency},
		{"payment_beneficiary", p.PaymentBeneficiary},
		{"request_timestamp", p.RequestTimestamp},
	} {
		if strings.TrimSpace(req.value) == "" {
			return ValidationError("MISSING_FIELD", req.field, "required field missing")
		}
	}
	if _, err := ParseTimestamp(p.RequestTimestamp); err != nil {
		return ValidationError("TIMESTAMP_FORMAT", "request_timestamp", "invalid request_timestamp %q", p.RequestTimestamp)
	}
	if _, err := ParseAmount(p.PaymentAmount.String()); err != nil {
		return ValidationError("AMOUNT_FORMAT", "payment_amount", "invalid payment_amount %q", p.PaymentAmount.String())
	}
	return nil
}

func duplicated(ids []string) string {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return id
		}
		seen[id] = struct{}{}
	}
	return ""
}

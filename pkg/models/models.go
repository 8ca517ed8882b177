package models

import "encoding/json"

// Record type tags used on the chain envelope.
const (
	TypeDecision   = "decision_record"
	TypeRevocation = "revocation_record"
	TypePayment    = "payment_entry"
)

// GenesisHash is the previous_record_hash of the first chain entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// DecisionRecord is the foundational authorization entity. When IsSDR is set
// the special-regime fields (ExceptionType through OversightAuthority) apply.
type DecisionRecord struct {
	DecisionID          string       `json:"decision_id"`
	AuthorityID         string       `json:"authority_id"`
	DecidersID          []string     `json:"deciders_id"`
	ActType             string       `json:"act_type"`
	Currency            string       `json:"currency"`
	MaximumValue        json.Number  `json:"maximum_value"`
	Beneficiary         string       `json:"beneficiary"`
	LegalBasis          string       `json:"legal_basis"`
	DecisionDate        string       `json:"decision_date"`
	RecordTimestamp     string       `json:"record_timestamp"`
	PreviousRecordHash  string       `json:"previous_record_hash"`
	Signatures          []Signature  `json:"signatures,omitempty"`
	Attestation         *Attestation `json:"timestamp_attestation,omitempty"`
	IsSDR               bool         `json:"is_sdr,omitempty"`
	ExceptionType       string       `json:"exception_type,omitempty"`
	FormalJustification string       `json:"formal_justification,omitempty"`
	MaximumTerm         string       `json:"maximum_term,omitempty"`
	ReinforcedDeciders  []string     `json:"reinforced_deciders,omitempty"`
	OversightAuthority  string       `json:"oversight_authority,omitempty"`
}

// DecisionView is a DecisionRecord plus derived, never-stored status flags.
type DecisionView struct {
	DecisionRecord
	Revoked       bool   `json:"revoked,omitempty"`
	RevokedBy     string `json:"revoked_by,omitempty"`
	Expired       bool   `json:"expired,omitempty"`
	PendingAnchor bool   `json:"pending_anchor,omitempty"`
}

// RevocationRecord nullifies future payment eligibility of a target decision.
// It never deletes or mutates the target.
type RevocationRecord struct {
	RevocationID       string   `json:"revocation_id"`
	TargetDecisionID   string   `json:"target_decision_id"`
	RevocationType     string   `json:"revocation_type"`
	RevocationReason   string   `json:"revocation_reason"`
	RevokerAuthority   string   `json:"revoker_authority"`
	RevokerID          []string `json:"revoker_id"`
	CourtOrder         string   `json:"court_order,omitempty"`
	RevocationDate     string   `json:"revocation_date"`
	RecordTimestamp    string   `json:"record_timestamp"`
	PreviousRecordHash string   `json:"previous_record_hash"`
}

// PaymentEntry is a payment against an existing decision. The chain stamps
// previous_record_hash at append time; clients do not supply it.
type PaymentEntry struct {
	PaymentID          string      `json:"payment_id"`
	DecisionID         string      `json:"decision_id"`
	PaymentAmount      json.Number `json:"payment_amount"`
	PaymentCurrency    string      `json:"payment_currency"`
	PaymentBeneficiary string      `json:"payment_beneficiary"`
	RequestTimestamp   string      `json:"request_timestamp"`
	PreviousRecordHash string      `json:"previous_record_hash,omitempty"`
}

// Signature is one decider's attestation over the canonical record bytes
// (signatures field excluded).
type Signature struct {
	SignerID  string `json:"signer_id"`
	PublicKey string `json:"public_key"`
	Algorithm string `json:"algorithm"`
	Signature string `json:"signature"`
	SignedAt  string `json:"signed_at"`
}

// Attestation binds a record to a point in time via an external proof.
type Attestation struct {
	Method  string          `json:"method"`
	Proof   json.RawMessage `json:"proof"`
	Sources []string        `json:"sources,omitempty"`
}

// RFC3161Proof is the proof payload for method=rfc3161.
type RFC3161Proof struct {
	TSAURL         string `json:"tsa_url"`
	TSACertificate string `json:"tsa_certificate"`
	TimestampToken string `json:"timestamp_token"`
	HashAlgorithm  string `json:"hash_algorithm"`
	MessageImprint string `json:"message_imprint"`
	GenTime        string `json:"gen_time,omitempty"`
}

// BlockchainProof is the proof payload for method=blockchain.
type BlockchainProof struct {
	Chain                string   `json:"chain"`
	Network              string   `json:"network"`
	BlockNumber          int64    `json:"block_number"`
	BlockHash            string   `json:"block_hash"`
	TransactionID        string   `json:"transaction_id"`
	MerkleProof          []string `json:"merkle_proof"`
	DataHash             string   `json:"data_hash"`
	ConfirmationsAtRecord int     `json:"confirmations_at_record"`
}

// Anchor is a periodic external publication of chain state. Never mutated.
type Anchor struct {
	AnchorID    string      `json:"anchor_id"`
	Seq         int         `json:"seq"`
	Timestamp   string      `json:"timestamp"`
	ChainHeight int         `json:"chain_height"`
	StateHash   string      `json:"state_hash"`
	Media       []AnchorRef `json:"media"`
}

// AnchorRef records one external medium the anchor was published to.
type AnchorRef struct {
	Category  string `json:"category"`
	Name      string `json:"name"`
	Reference string `json:"reference,omitempty"`
}

// AppendResult is returned for accepted chain records.
type AppendResult struct {
	ID     string `json:"id"`
	Height int    `json:"height"`
	Hash   string `json:"hash"`
}

// PaymentDecision is the outcome of payment authorization. A denial is an
// ordinary result with a stable reason code, not an error. The code is
// emitted under both reason and rejection_reason; auditing clients read the
// latter.
type PaymentDecision struct {
	Authorized      bool   `json:"authorized"`
	Reason          string `json:"reason,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

// Payment authorization reason codes, in evaluation order. Auditors depend on
// these being stable strings.
const (
	ReasonDRNotFound           = "DR_NOT_FOUND"
	ReasonRevoked              = "REVOKED"
	ReasonBeforeDecision       = "BEFORE_DECISION"
	ReasonCurrencyMismatch     = "CURRENCY_MISMATCH"
	ReasonBeneficiaryMismatch  = "BENEFICIARY_MISMATCH"
	ReasonSDRExpired           = "SDR_EXPIRED"
	ReasonMaximumValueExceeded = "MAXIMUM_VALUE_EXCEEDED"
	ReasonInvalidAmount        = "INVALID_AMOUNT"
)

// Revocation enumerations.
var (
	RevocationTypes = map[string]struct{}{
		"voluntary":  {},
		"oversight":  {},
		"judicial":   {},
		"superseded": {},
	}
	RevokerAuthorities = map[string]struct{}{
		"original_decider":      {},
		"hierarchical_superior": {},
		"oversight_authority":   {},
		"judicial_authority":    {},
	}
)

// SDRTermLimits maps exception_type to its maximum term in days.
// late_registration carries no term cap; it waives the registration delay rule.
var SDRTermLimits = map[string]int{
	"public_calamity":   90,
	"health_emergency":  30,
	"essential_service": 15,
	"national_security": 180,
	"late_registration": 0,
}

package attest

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"fides/pkg/models"
)

// Methods accepted in v0.3. ntp_consensus was removed from the protocol and
// is rejected unconditionally.
const (
	MethodRFC3161    = "rfc3161"
	MethodBlockchain = "blockchain"
	methodNTP        = "ntp_consensus"
)

// GenTimeTolerance bounds how far the attested time may drift from the
// verification instant.
const GenTimeTolerance = 24 * time.Hour

// DefaultMinConfirmations is the per-chain confirmation floor.
var DefaultMinConfirmations = map[string]int{
	"bitcoin":  6,
	"ethereum": 12,
}

// ConfirmationChecker looks up live confirmation counts for a transaction.
// Implementations are expected to be slow; the verifier runs them with
// retry/backoff and always before any ledger lock is taken.
type ConfirmationChecker interface {
	Confirmations(ctx context.Context, chain, network, transactionID string) (int, error)
}

// Verifier validates timestamp attestations. The zero value verifies proof
// shape and imprint offline with the default confirmation floors.
type Verifier struct {
	Now                 func() time.Time
	MinConfirmations    map[string]int
	DomesticTSASuffixes []string
	Checker             ConfirmationChecker
	CheckerRetries      int
	CheckerRetryDelay   time.Duration
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now().UTC()
}

func (v *Verifier) minConfirmations(chain string) (int, bool) {
	m := v.MinConfirmations
	if m == nil {
		m = DefaultMinConfirmations
	}
	n, ok := m[chain]
	return n, ok
}

// Verify validates the single attestation carried by a record. recordHash is
// the canonical SHA-256 of the record; recordTimestamp is the record's own
// claimed timestamp, used when the proof does not carry an explicit gen_time.
func (v *Verifier) Verify(ctx context.Context, att *models.Attestation, recordHash, recordTimestamp string) error {
	if att == nil {
		return models.AttestationError("MISSING_ATTESTATION", "timestamp_attestation", "record carries no timestamp attestation")
	}
	switch att.Method {
	case MethodRFC3161:
		return v.verifyRFC3161(att.Proof, recordHash, recordTimestamp)
	case MethodBlockchain:
		return v.verifyBlockchain(ctx, att.Proof, recordHash)
	case methodNTP:
		return models.AttestationError("METHOD_DEPRECATED", "method", "ntp_consensus was deprecated in v0.3 and is rejected")
	default:
		return models.AttestationError("METHOD_UNKNOWN", "method", "attestation method %q is not supported", att.Method)
	}
}

func (v *Verifier) verifyRFC3161(raw json.RawMessage, recordHash, recordTimestamp string) error {
	var proof models.RFC3161Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return models.AttestationError("PROOF_MALFORMED", "proof", "rfc3161 proof is not valid JSON")
	}
	for _, req := range []struct{ field, value string }{
		{"tsa_url", proof.TSAURL},
		{"tsa_certificate", proof.TSACertificate},
		{"timestamp_token", proof.TimestampToken},
		{"hash_algorithm", proof.HashAlgorithm},
		{"message_imprint", proof.MessageImprint},
	} {
		if strings.TrimSpace(req.value) == "" {
			return models.AttestationError("PROOF_FIELD_MISSING", req.field, "rfc3161 proof requires %s", req.field)
		}
	}
	if !strings.EqualFold(proof.HashAlgorithm, "SHA-256") {
		return models.AttestationError("HASH_ALGORITHM", "hash_algorithm", "rfc3161 imprint must use SHA-256, got %q", proof.HashAlgorithm)
	}
	if !strings.EqualFold(proof.MessageImprint, recordHash) {
		return models.AttestationError("IMPRINT_MISMATCH", "message_imprint", "message_imprint does not match the canonical record hash")
	}
	if err := v.checkTSAJurisdiction(proof.TSAURL); err != nil {
		return err
	}
	attested := proof.GenTime
	if attested == "" {
		attested = recordTimestamp
	}
	genTime, err := models.ParseTimestamp(attested)
	if err != nil {
		return models.AttestationError("GEN_TIME_INVALID", "gen_time", "attested time %q is not a valid timestamp", attested)
	}
	drift := v.now().Sub(genTime)
	if drift < 0 {
		drift = -drift
	}
	if drift > GenTimeTolerance {
		return models.AttestationError("GEN_TIME_STALE", "gen_time", "attested time is outside the ±24h verification window")
	}
	return nil
}

func (v *Verifier) checkTSAJurisdiction(tsaURL string) error {
	u, err := url.Parse(tsaURL)
	if err != nil || u.Host == "" {
		return models.AttestationError("TSA_URL_INVALID", "tsa_url", "tsa_url %q is not a valid URL", tsaURL)
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range v.DomesticTSASuffixes {
		suffix = strings.ToLower(strings.TrimSpace(suffix))
		if suffix == "" {
			continue
		}
		if host == strings.TrimPrefix(suffix, ".") || strings.HasSuffix(host, suffix) {
			return models.AttestationError("TSA_NOT_EXTERNAL", "tsa_url",
				"TSA %q belongs to the record-issuing jurisdiction", host)
		}
	}
	return nil
}

func (v *Verifier) verifyBlockchain(ctx context.Context, raw json.RawMessage, recordHash string) error {
	var proof models.BlockchainProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return models.AttestationError("PROOF_MALFORMED", "proof", "blockchain proof is not valid JSON")
	}
	for _, req := range []struct{ field, value string }{
		{"chain", proof.Chain},
		{"network", proof.Network},
		{"block_hash", proof.BlockHash},
		{"transaction_id", proof.TransactionID},
		{"data_hash", proof.DataHash},
	} {
		if strings.TrimSpace(req.value) == "" {
			return models.AttestationError("PROOF_FIELD_MISSING", req.field, "blockchain proof requires %s", req.field)
		}
	}
	if proof.BlockNumber <= 0 {
		return models.AttestationError("PROOF_FIELD_MISSING", "block_number", "blockchain proof requires block_number")
	}
	if proof.MerkleProof == nil {
		return models.AttestationError("PROOF_FIELD_MISSING", "merkle_proof", "blockchain proof requires merkle_proof")
	}
	if !strings.EqualFold(proof.DataHash, recordHash) {
		return models.AttestationError("DATA_HASH_MISMATCH", "data_hash", "data_hash does not match the canonical record hash")
	}
	minConf, known := v.minConfirmations(strings.ToLower(proof.Chain))
	if !known {
		return models.AttestationError("CHAIN_UNKNOWN", "chain", "no confirmation policy for chain %q", proof.Chain)
	}
	confirmations := proof.ConfirmationsAtRecord
	if v.Checker != nil {
		live, err := v.lookupConfirmations(ctx, proof)
		if err != nil {
			return models.AttestationError("CONFIRMATION_LOOKUP_FAILED", "confirmations_at_record",
				"confirmation lookup failed after retries: %v", err)
		}
		confirmations = live
	}
	if confirmations < minConf {
		return models.AttestationError("INSUFFICIENT_CONFIRMATIONS", "confirmations_at_record",
			"%s requires ≥%d confirmations, got %d", proof.Chain, minConf, confirmations)
	}
	return nil
}

// lookupConfirmations retries the external checker with doubling backoff.
// External failures surface as AttestationError, never as a generic fault.
func (v *Verifier) lookupConfirmations(ctx context.Context, proof models.BlockchainProof) (int, error) {
	retries := v.CheckerRetries
	if retries < 0 {
		retries = 0
	}
	delay := v.CheckerRetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		n, err := v.Checker.Confirmations(ctx, proof.Chain, proof.Network, proof.TransactionID)
		if err == nil {
			return n, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

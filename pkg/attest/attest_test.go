package attest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"fides/pkg/models"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const testHash = "c7d8e9f0a1b2c3d4e5f6789012345678901234567890abcdef1234567890abcd"

func fixedVerifier() *Verifier {
	return &Verifier{
		Now:                 func() time.Time { return testNow },
		DomesticTSASuffixes: []string{".gov.br"},
	}
}

func rfc3161Att(mutate func(map[string]interface{})) *models.Attestation {
	proof := map[string]interface{}{
		"tsa_url":         "https://freetsa.org/tsr",
		"tsa_certificate": "MIIFqDCCA5CgAwIBAgIJANK...",
		"timestamp_token": "MIIKzAYJKoZIhvcNAQcCoII...",
		"hash_algorithm":  "SHA-256",
		"message_imprint": testHash,
	}
	if mutate != nil {
		mutate(proof)
	}
	raw, _ := json.Marshal(proof)
	return &models.Attestation{Method: MethodRFC3161, Proof: raw, Sources: []string{"FreeTSA"}}
}

func blockchainAtt(mutate func(map[string]interface{})) *models.Attestation {
	proof := map[string]interface{}{
		"chain":                   "bitcoin",
		"network":                 "mainnet",
		"block_number":            878000,
		"block_hash":              "00000000000000000001a2b3c4d5e6f7890123456789abcdef0123456789abcd",
		"transaction_id":          "abcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890",
		"merkle_proof":            []string{"1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"},
		"data_hash":               testHash,
		"confirmations_at_record": 6,
	}
	if mutate != nil {
		mutate(proof)
	}
	raw, _ := json.Marshal(proof)
	return &models.Attestation{Method: MethodBlockchain, Proof: raw, Sources: []string{"blockstream.info"}}
}

func recordTS() string { return testNow.Add(-time.Hour).Format("2006-01-02T15:04:05Z") }

func TestNTPConsensusRejected(t *testing.T) {
	att := &models.Attestation{Method: "ntp_consensus", Proof: json.RawMessage(`{"ntp_servers":["time.google.com"]}`)}
	err := fixedVerifier().Verify(context.Background(), att, testHash, recordTS())
	if models.CodeOf(err) != "METHOD_DEPRECATED" {
		t.Fatalf("ntp_consensus must be rejected citing deprecation: %v", err)
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	att := &models.Attestation{Method: "carrier_pigeon", Proof: json.RawMessage(`{}`)}
	err := fixedVerifier().Verify(context.Background(), att, testHash, recordTS())
	if models.CodeOf(err) != "METHOD_UNKNOWN" {
		t.Fatalf("unknown method: %v", err)
	}
}

func TestMissingAttestationRejected(t *testing.T) {
	err := fixedVerifier().Verify(context.Background(), nil, testHash, recordTS())
	if models.CodeOf(err) != "MISSING_ATTESTATION" {
		t.Fatalf("missing attestation: %v", err)
	}
}

func TestRFC3161Valid(t *testing.T) {
	if err := fixedVerifier().Verify(context.Background(), rfc3161Att(nil), testHash, recordTS()); err != nil {
		t.Fatalf("valid rfc3161 attestation rejected: %v", err)
	}
}

func TestRFC3161FieldSpecificErrors(t *testing.T) {
	for _, field := range []string{"tsa_url", "tsa_certificate", "timestamp_token", "hash_algorithm", "message_imprint"} {
		att := rfc3161Att(func(p map[string]interface{}) { delete(p, field) })
		err := fixedVerifier().Verify(context.Background(), att, testHash, recordTS())
		var pe *models.Error
		if !errors.As(err, &pe) || pe.Code != "PROOF_FIELD_MISSING" || pe.Field != field {
			t.Fatalf("missing %s should produce a field-specific error, got %v", field, err)
		}
	}
}

func TestRFC3161ImprintMismatch(t *testing.T) {
	att := rfc3161Att(func(p map[string]interface{}) {
		p["message_imprint"] = "0000000000000000000000000000000000000000000000000000000000000000"
	})
	err := fixedVerifier().Verify(context.Background(), att, testHash, recordTS())
	if models.CodeOf(err) != "IMPRINT_MISMATCH" {
		t.Fatalf("imprint mismatch: %v", err)
	}
}

func TestRFC3161StaleGenTime(t *testing.T) {
	att := rfc3161Att(func(p map[string]interface{}) {
		p["gen_time"] = testNow.Add(-25 * time.Hour).Format("2006-01-02T15:04:05Z")
	})
	err := fixedVerifier().Verify(context.Background(), att, testHash, recordTS())
	if models.CodeOf(err) != "GEN_TIME_STALE" {
		t.Fatalf("stale gen_time: %v", err)
	}

	att = rfc3161Att(func(p map[string]interface{}) {
		p["gen_time"] = testNow.Add(-23 * time.Hour).Format("2006-01-02T15:04:05Z")
	})
	if err := fixedVerifier().Verify(context.Background(), att, testHash, recordTS()); err != nil {
		t.Fatalf("23h drift is within tolerance: %v", err)
	}
}

func TestRFC3161DomesticTSARejected(t *testing.T) {
	att := rfc3161Att(func(p map[string]interface{}) {
		p["tsa_url"] = "https://tsa.receita.gov.br/tsr"
	})
	err := fixedVerifier().Verify(context.Background(), att, testHash, recordTS())
	if models.CodeOf(err) != "TSA_NOT_EXTERNAL" {
		t.Fatalf("domestic TSA must be rejected: %v", err)
	}
}

func TestBlockchainValid(t *testing.T) {
	if err := fixedVerifier().Verify(context.Background(), blockchainAtt(nil), testHash, recordTS()); err != nil {
		t.Fatalf("valid blockchain attestation rejected: %v", err)
	}
}

func TestBlockchainInsufficientConfirmations(t *testing.T) {
	att := blockchainAtt(func(p map[string]interface{}) { p["confirmations_at_record"] = 2 })
	err := fixedVerifier().Verify(context.Background(), att, testHash, recordTS())
	if models.CodeOf(err) != "INSUFFICIENT_CONFIRMATIONS" {
		t.Fatalf("2 bitcoin confirmations must be rejected: %v", err)
	}

	att = blockchainAtt(func(p map[string]interface{}) {
		p["chain"] = "ethereum"
		p["confirmations_at_record"] = 11
	})
	err = fixedVerifier().Verify(context.Background(), att, testHash, recordTS())
	if models.CodeOf(err) != "INSUFFICIENT_CONFIRMATIONS" {
		t.Fatalf("11 ethereum confirmations must be rejected: %v", err)
	}
}

func TestBlockchainDataHashMismatch(t *testing.T) {
	att := blockchainAtt(func(p map[string]interface{}) {
		p["data_hash"] = "1111111111111111111111111111111111111111111111111111111111111111"
	})
	err := fixedVerifier().Verify(context.Background(), att, testHash, recordTS())
	if models.CodeOf(err) != "DATA_HASH_MISMATCH" {
		t.Fatalf("data hash mismatch: %v", err)
	}
}

func TestBlockchainUnknownChain(t *testing.T) {
	att := blockchainAtt(func(p map[string]interface{}) { p["chain"] = "dogecoin" })
	err := fixedVerifier().Verify(context.Background(), att, testHash, recordTS())
	if models.CodeOf(err) != "CHAIN_UNKNOWN" {
		t.Fatalf("unknown chain: %v", err)
	}
}

type fakeChecker struct {
	fails int
	conf  int
	calls int
}

func (f *fakeChecker) Confirmations(ctx context.Context, chain, network, txID string) (int, error) {
	f.calls++
	if f.calls <= f.fails {
		return 0, fmt.Errorf("lookup timeout")
	}
	return f.conf, nil
}

func TestCheckerRetriesThenSucceeds(t *testing.T) {
	checker := &fakeChecker{fails: 2, conf: 8}
	v := fixedVerifier()
	v.Checker = checker
	v.CheckerRetries = 3
	v.CheckerRetryDelay = time.Millisecond
	if err := v.Verify(context.Background(), blockchainAtt(nil), testHash, recordTS()); err != nil {
		t.Fatalf("checker should succeed on third attempt: %v", err)
	}
	if checker.calls != 3 {
		t.Fatalf("expected 3 lookup calls, got %d", checker.calls)
	}
}

func TestCheckerPersistentFailureIsAttestationError(t *testing.T) {
	v := fixedVerifier()
	v.Checker = &fakeChecker{fails: 10}
	v.CheckerRetries = 1
	v.CheckerRetryDelay = time.Millisecond
	err := v.Verify(context.Background(), blockchainAtt(nil), testHash, recordTS())
	if k, ok := models.KindOf(err); !ok || k != models.KindAttestation {
		t.Fatalf("persistent lookup failure must surface as AttestationError: %v", err)
	}
}

// The live checker result overrides the recorded confirmation count.
func TestCheckerOverridesRecordedConfirmations(t *testing.T) {
	v := fixedVerifier()
	v.Checker = &fakeChecker{conf: 3}
	err := v.Verify(context.Background(), blockchainAtt(nil), testHash, recordTS())
	if models.CodeOf(err) != "INSUFFICIENT_CONFIRMATIONS" {
		t.Fatalf("live confirmations below floor must reject: %v", err)
	}
}

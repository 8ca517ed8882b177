package sigver

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"time"

	"fides/pkg/models"
)

// Allowed signature algorithms. Anything else fails closed.
const (
	AlgEd25519   = "Ed25519"
	AlgECDSAP256 = "ECDSA-P256"
	AlgECDSAP384 = "ECDSA-P384"
	AlgRSAPSS    = "RSA-PSS"
)

// MaxClockSkew is tolerated when checking that signed_at is not in the future.
const MaxClockSkew = 5 * time.Minute

// Verifier validates multi-signer attestations over canonical record bytes.
// Now is injectable for tests; the zero value uses the wall clock.
type Verifier struct {
	Now func() time.Time
}

func (v *Verifier) now() time.Time {
	if v != nil && v.Now != nil {
		return v.Now()
	}
	return time.Now().UTC()
}

// VerifyRecord confirms that every id in signers carries exactly one valid
// signature over canonicalize(record without the signatures field). Any
// missing signer, duplicate, mismatch, disallowed algorithm or cryptographic
// failure rejects the whole record.
func (v *Verifier) VerifyRecord(raw json.RawMessage, signers []string, sigs []models.Signature) error {
	if len(signers) == 0 {
		return models.SignatureError("NO_SIGNERS", "deciders_id", "record declares no signers")
	}
	stripped, err := models.WithoutField(raw, "signatures")
	if err != nil {
		return models.SignatureError("PAYLOAD", "", "cannot derive signature payload: %v", err)
	}
	payload, err := models.Canonicalize(stripped)
	if err != nil {
		return models.SignatureError("PAYLOAD", "", "cannot canonicalize signature payload: %v", err)
	}

	bySigner := make(map[string]models.Signature, len(sigs))
	for _, sig := range sigs {
		if _, dup := bySigner[sig.SignerID]; dup {
			return models.SignatureError("DUPLICATE_SIGNATURE", "signatures", "signer %q appears twice", sig.SignerID)
		}
		bySigner[sig.SignerID] = sig
	}
	required := make(map[string]struct{}, len(signers))
	for _, id := range signers {
		required[id] = struct{}{}
	}
	for id := range bySigner {
		if _, ok := required[id]; !ok {
			return models.SignatureError("UNEXPECTED_SIGNER", "signatures", "signer %q is not a declared decider", id)
		}
	}
	for _, id := range signers {
		sig, ok := bySigner[id]
		if !ok {
			return models.SignatureError("MISSING_SIGNATURE", "signatures", "decider %q has no signature", id)
		}
		if err := v.verifyOne(payload, sig); err != nil {
			return err
		}
	}
	return nil
}

func (v *Verifier) verifyOne(payload []byte, sig models.Signature) error {
	signedAt, err := models.ParseTimestamp(sig.SignedAt)
	if err != nil {
		return models.SignatureError("SIGNED_AT_INVALID", "signed_at", "signer %q: invalid signed_at", sig.SignerID)
	}
	if signedAt.After(v.now().Add(MaxClockSkew)) {
		return models.SignatureError("SIGNED_AT_FUTURE", "signed_at", "signer %q: signed_at is in the future", sig.SignerID)
	}
	keyBytes, err := base64.StdEncoding.DecodeString(sig.PublicKey)
	if err != nil {
		return models.SignatureError("KEY_INVALID", "public_key", "signer %q: public key is not base64", sig.SignerID)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return models.SignatureError("SIGNATURE_INVALID", "signature", "signer %q: signature is not base64", sig.SignerID)
	}

	switch sig.Algorithm {
	case AlgEd25519:
		if len(keyBytes) != ed25519.PublicKeySize {
			return models.SignatureError("KEY_INVALID", "public_key", "signer %q: ed25519 key must be %d bytes", sig.SignerID, ed25519.PublicKeySize)
		}
		if !ed25519.Verify(ed25519.PublicKey(keyBytes), payload, sigBytes) {
			return models.SignatureError("BAD_SIGNATURE", "signature", "signer %q: ed25519 verification failed", sig.SignerID)
		}
	case AlgECDSAP256, AlgECDSAP384:
		pub, err := parseECDSAKey(keyBytes, sig.Algorithm)
		if err != nil {
			return models.SignatureError("KEY_INVALID", "public_key", "signer %q: %v", sig.SignerID, err)
		}
		digest := digestFor(sig.Algorithm, payload)
		if !ecdsa.VerifyASN1(pub, digest, sigBytes) {
			return models.SignatureError("BAD_SIGNATURE", "signature", "signer %q: ecdsa verification failed", sig.SignerID)
		}
	case AlgRSAPSS:
		pub, err := parseRSAKey(keyBytes)
		if err != nil {
			return models.SignatureError("KEY_INVALID", "public_key", "signer %q: %v", sig.SignerID, err)
		}
		digest := sha256.Sum256(payload)
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
		if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sigBytes, opts); err != nil {
			return models.SignatureError("BAD_SIGNATURE", "signature", "signer %q: rsa-pss verification failed", sig.SignerID)
		}
	default:
		return models.SignatureError("ALGORITHM_NOT_ALLOWED", "algorithm", "signer %q: algorithm %q is not on the allow-list", sig.SignerID, sig.Algorithm)
	}
	return nil
}

func parseECDSAKey(der []byte, alg string) (*ecdsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errNotECDSA
	}
	want := elliptic.P256()
	if alg == AlgECDSAP384 {
		want = elliptic.P384()
	}
	if pub.Curve != want {
		return nil, errWrongCurve
	}
	return pub, nil
}

func parseRSAKey(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errNotRSA
	}
	return pub, nil
}

func digestFor(alg string, payload []byte) []byte {
	if alg == AlgECDSAP384 {
		sum := sha512.Sum384(payload)
		return sum[:]
	}
	sum := sha256.Sum256(payload)
	return sum[:]
}

var (
	errNotECDSA   = keyError("public key is not ECDSA")
	errNotRSA     = keyError("public key is not RSA")
	errWrongCurve = keyError("public key curve does not match declared algorithm")
)

type keyError string

func (e keyError) Error() string { return string(e) }

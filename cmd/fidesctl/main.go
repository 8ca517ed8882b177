package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"fides/pkg/httpx"
	"fides/pkg/models"
	"fides/pkg/sigver"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "hash-record":
		return hashRecord(args[1:], out)
	case "sign-record":
		return signRecord(args[1:], out)
	case "verify-chain":
		return verifyChain(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "fidesctl commands:")
	fmt.Fprintln(out, "  gen-key --out-private private.key --out-public public.key")
	fmt.Fprintln(out, "  hash-record --record record.json")
	fmt.Fprintln(out, "  sign-record --record record.json --private private.key --signer <decider-id> --out record.signed.json")
	fmt.Fprintln(out, "  verify-chain --url http://localhost:8080 [--token <bearer>]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outPriv := fs.String("out-private", "private.key", "private key output")
	outPub := fs.String("out-public", "public.key", "public key output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(*outPriv, []byte(base64.StdEncoding.EncodeToString(priv)), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*outPub, []byte(base64.StdEncoding.EncodeToString(pub)), 0o600); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s and %s\n", *outPriv, *outPub)
	return nil
}

func hashRecord(args []string, out io.Writer) error {
	fs := newFlagSet("hash-record")
	recordPath := fs.String("record", "", "record file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *recordPath == "" {
		return errors.New("record required")
	}
	raw, err := os.ReadFile(*recordPath)
	if err != nil {
		return fmt.Errorf("read record: %w", err)
	}
	hash, err := models.HashRecord(raw)
	if err != nil {
		return fmt.Errorf("hash record: %w", err)
	}
	fmt.Fprintln(out, hash)
	return nil
}

// signRecord appends one signer's ed25519 signature over the canonical record
// bytes with the signatures field excluded, matching what the ledger verifies
// on append.
func signRecord(args []string, out io.Writer) error {
	fs := newFlagSet("sign-record")
	recordPath := fs.String("record", "", "record json path")
	privatePath := fs.String("private", "", "base64 private key path")
	signer := fs.String("signer", "", "signer id, must appear in deciders_id")
	outPath := fs.String("out", "record.signed.json", "output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *recordPath == "" || *privatePath == "" || *signer == "" {
		return errors.New("record, private, signer required")
	}
	raw, err := os.ReadFile(*recordPath)
	if err != nil {
		return fmt.Errorf("read record: %w", err)
	}
	var record map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&record); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	pkRaw, err := os.ReadFile(*privatePath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	privBytes, err := base64.StdEncoding.DecodeString(string(pkRaw))
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return fmt.Errorf("decode private key: invalid size %d", len(privBytes))
	}
	priv := ed25519.PrivateKey(privBytes)

	stripped, err := models.WithoutField(raw, "signatures")
	if err != nil {
		return fmt.Errorf("signature payload: %w", err)
	}
	payload, err := models.Canonicalize(stripped)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}
	sig := models.Signature{
		SignerID:  *signer,
		PublicKey: base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey)),
		Algorithm: sigver.AlgEd25519,
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload)),
		SignedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	var sigs []models.Signature
	if existing, ok := record["signatures"]; ok {
		b, _ := json.Marshal(existing)
		_ = json.Unmarshal(b, &sigs)
	}
	sigs = append(sigs, sig)
	record["signatures"] = sigs

	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode signed record: %w", err)
	}
	if err := os.WriteFile(*outPath, encoded, 0o600); err != nil {
		return fmt.Errorf("write signed record: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", *outPath)
	return nil
}

// verifyChain asks a running ledgerd to rewalk its chain and reports the
// result, exiting non-zero on a detected break.
func verifyChain(args []string, out io.Writer) error {
	fs := newFlagSet("verify-chain")
	baseURL := fs.String("url", "http://localhost:8080", "ledgerd base url")
	token := fs.String("token", "", "bearer token")
	timeoutMS := fs.Int("timeout-ms", 5000, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client := &http.Client{Timeout: time.Millisecond * time.Duration(*timeoutMS)}
	var headers map[string]string
	if *token != "" {
		headers = map[string]string{"Authorization": "Bearer " + *token}
	}
	status, body, err := httpx.RequestJSON(context.Background(), client, http.MethodGet, *baseURL+"/chain/verify", nil, headers, 1, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("verify request: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("ledgerd returned %d", status)
	}
	var res struct {
		Valid   bool `json:"valid"`
		BreakAt *int `json:"break_at"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("decode verify response: %w", err)
	}
	if !res.Valid {
		if res.BreakAt != nil {
			return fmt.Errorf("chain integrity failure at seq %d", *res.BreakAt)
		}
		return errors.New("chain integrity failure")
	}
	fmt.Fprintln(out, "chain ok")
	return nil
}

package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCanonicalizeSortsKeysRecursively(t *testing.T) {
	raw := json.RawMessage(`{"zebra":1,"apple":2,"outer":{"zebra":1,"apple":2}}`)
	canon, err := Canonicalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(canon) != `{"apple":2,"outer":{"apple":2,"zebra":1},"zebra":1}` {
		t.Fatalf("unexpected canonical form: %s", canon)
	}
}

func TestCanonicalizeKeyOrderIndependent(t *testing.T) {
	a := json.RawMessage(`{"decision_id":"d-1","maximum_value":50000.00,"deciders_id":["CPF-111","CPF-222"]}`)
	b := json.RawMessage(`{"deciders_id":["CPF-111","CPF-222"],"maximum_value":50000.0,"decision_id":"d-1"}`)
	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical forms differ:\n%s\n%s", ca, cb)
	}
}

func TestCanonicalizeNumberNormalization(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"v":10000.00}`, `{"v":10000.0}`},
		{`{"v":10000.0}`, `{"v":10000.0}`},
		{`{"v":10000}`, `{"v":10000}`},
		{`{"v":50000.01}`, `{"v":50000.01}`},
		{`{"v":1e2}`, `{"v":100.0}`},
		{`{"v":0.5}`, `{"v":0.5}`},
	}
	for _, tc := range cases {
		canon, err := Canonicalize(json.RawMessage(tc.in))
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if string(canon) != tc.want {
			t.Fatalf("%s: got %s want %s", tc.in, canon, tc.want)
		}
	}
}

func TestCanonicalizeIntegerAndFloatStayDistinct(t *testing.T) {
	hInt, err := HashRecord(json.RawMessage(`{"maximum_value":10000}`))
	if err != nil {
		t.Fatal(err)
	}
	hFloat, err := HashRecord(json.RawMessage(`{"maximum_value":10000.00}`))
	if err != nil {
		t.Fatal(err)
	}
	if hInt == hFloat {
		t.Fatal("integer and float literals must hash differently")
	}
	hFloatShort, err := HashRecord(json.RawMessage(`{"maximum_value":10000.0}`))
	if err != nil {
		t.Fatal(err)
	}
	if hFloat != hFloatShort {
		t.Fatalf("float spellings must collapse: %s vs %s", hFloat, hFloatShort)
	}
}

func TestCanonicalizePreservesArrayOrderAndUnicode(t *testing.T) {
	raw := json.RawMessage(`{"deciders_id":["CPF-111","CPF-222","CPF-333"],"beneficiary":"Construtora São João"}`)
	canon, err := Canonicalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	s := string(canon)
	if !strings.Contains(s, `["CPF-111","CPF-222","CPF-333"]`) {
		t.Fatalf("array order not preserved: %s", s)
	}
	if !strings.Contains(s, "São João") {
		t.Fatalf("non-ASCII text must not be escaped: %s", s)
	}
	if strings.ContainsAny(s, " \n\t") {
		t.Fatalf("canonical form must contain no whitespace: %q", s)
	}
}

func TestCanonicalizeDropsComputedFields(t *testing.T) {
	withExtras := json.RawMessage(`{"a":1,"hash":"deadbeef","_comment":"fixture note","nested":{"b":2,"computed_fields":{"x":1}}}`)
	plain := json.RawMessage(`{"a":1,"nested":{"b":2}}`)
	h1, err := HashRecord(withExtras)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashRecord(plain)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("dropped fields must not affect the hash: %s vs %s", h1, h2)
	}
}

func TestHashRecordShape(t *testing.T) {
	h, err := HashRecord(json.RawMessage(`{"decision_id":"d-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 64 {
		t.Fatalf("hash must be 64 hex chars, got %d", len(h))
	}
	if strings.ToLower(h) != h {
		t.Fatalf("hash must be lowercase: %s", h)
	}
	again, err := HashRecord(json.RawMessage(`{"decision_id":"d-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if h != again {
		t.Fatal("hash must be deterministic")
	}
	other, err := HashRecord(json.RawMessage(`{"decision_id":"d-2"}`))
	if err != nil {
		t.Fatal(err)
	}
	if h == other {
		t.Fatal("different records must hash differently")
	}
}

func TestCanonicalizeEdgeValues(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{}`, `{}`},
		{`{"items":[]}`, `{"items":[]}`},
		{`{"value":null}`, `{"value":null}`},
		{`{"is_sdr":true,"revoked":false}`, `{"is_sdr":true,"revoked":false}`},
		{`{"l1":{"l2":{"l3":{"value":42}}}}`, `{"l1":{"l2":{"l3":{"value":42}}}}`},
	}
	for _, tc := range cases {
		canon, err := Canonicalize(json.RawMessage(tc.in))
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if string(canon) != tc.want {
			t.Fatalf("%s: got %s want %s", tc.in, canon, tc.want)
		}
	}
}

func TestWithoutAndWithField(t *testing.T) {
	raw := json.RawMessage(`{"a":1,"signatures":[{"signer_id":"x"}]}`)
	stripped, err := WithoutField(raw, "signatures")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(stripped), "signatures") {
		t.Fatalf("field not removed: %s", stripped)
	}
	stamped, err := WithField(stripped, "previous_record_hash", GenesisHash)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(stamped, &m); err != nil {
		t.Fatal(err)
	}
	if m["previous_record_hash"] != GenesisHash {
		t.Fatalf("field not stamped: %v", m)
	}
}

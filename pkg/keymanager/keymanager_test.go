package keymanager

import (
	"bytes"
	"testing"
)

func seed32() []byte {
	return bytes.Repeat([]byte{0xAB}, 32)
}

func TestFromSeed_Deterministic(t *testing.T) {
	a, err := FromSeed(seed32())
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	b, err := FromSeed(seed32())
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	if a.PublicKeyHex() != b.PublicKeyHex() {
		t.Fatalf("same seed produced different public keys: %s vs %s", a.PublicKeyHex(), b.PublicKeyHex())
	}
	if len(a.PublicKeyHex()) != PublicKeyHexLen {
		t.Fatalf("public key hex length = %d, want %d", len(a.PublicKeyHex()), PublicKeyHexLen)
	}
}

func TestSignVerify_RoundTrip(t *testing.T) {
	km, err := FromSeed(seed32())
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	msg := []byte("hello gef")
	sig := km.Sign(msg)

	if !VerifyDetached(msg, sig, km.PublicKeyHex()) {
		t.Fatal("expected verification to succeed")
	}
}

func TestVerifyDetached_TamperedDataFails(t *testing.T) {
	km, err := FromSeed(seed32())
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	sig := km.Sign([]byte("original"))
	if VerifyDetached([]byte("tampered"), sig, km.PublicKeyHex()) {
		t.Fatal("expected verification to fail on tampered data")
	}
}

func TestVerifyDetached_NeverPanics(t *testing.T) {
	cases := []struct{ data, sig, pub string }{
		{"x", "not-base64!!", "00"},
		{"x", "", ""},
		{"x", "AAAA", "zz"},
	}
	for _, c := range cases {
		if VerifyDetached([]byte(c.data), c.sig, c.pub) {
			t.Fatalf("expected failure for malformed input %+v", c)
		}
	}
}

func TestFromPassphrase_DifferentInfoDifferentKey(t *testing.T) {
	a, err := FromPassphrase([]byte("correct horse"), []byte("ledger-a"))
	if err != nil {
		t.Fatalf("FromPassphrase: %v", err)
	}
	b, err := FromPassphrase([]byte("correct horse"), []byte("ledger-b"))
	if err != nil {
		t.Fatalf("FromPassphrase: %v", err)
	}
	if a.PublicKeyHex() == b.PublicKeyHex() {
		t.Fatal("expected different ledger info to derive different keys")
	}
}

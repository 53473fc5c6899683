package twofa

import (
	"strings"
	"testing"
)

func TestGenerateCodesShape(t *testing.T) {
	plain, hashed, err := GenerateCodes("a-1", 10)
	if err != nil {
		t.Fatalf("GenerateCodes: %v", err)
	}
	if len(plain) != 10 || len(hashed) != 10 {
		t.Fatalf("expected 10 codes, got %d plain / %d hashed", len(plain), len(hashed))
	}

	seen := make(map[string]bool)
	for i, code := range plain {
		if len(code) != 9 || code[4] != '-' {
			t.Fatalf("unexpected format %q", code)
		}
		for _, r := range Canonicalize(code) {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("code %q uses symbol outside the alphabet", code)
			}
		}
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true

		if hashed[i].Used() {
			t.Fatal("fresh codes must be unused")
		}
		if hashed[i].Hash != HashCode("a-1", Canonicalize(code)) {
			t.Fatalf("hash mismatch for %q", code)
		}
	}
}

func TestCanonicalize(t *testing.T) {
	cases := map[string]string{
		"abcd-efgh":    "ABCDEFGH",
		" ABCD EFGH ":  "ABCDEFGH",
		"AbCd-EfGh":    "ABCDEFGH",
		"ABCDEFGH":     "ABCDEFGH",
		"a-b-c-d-e-f-": "ABCDEF",
	}
	for in, want := range cases {
		if got := Canonicalize(in); got != want {
			t.Fatalf("Canonicalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHashCodeIsAccountSalted(t *testing.T) {
	a := HashCode("a-1", "ABCDEFGH")
	b := HashCode("a-2", "ABCDEFGH")
	if a == b {
		t.Fatal("equal codes on different accounts must not share a hash")
	}
	if a != HashCode("a-1", "ABCDEFGH") {
		t.Fatal("hash must be deterministic")
	}
}

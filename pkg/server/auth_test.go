package server

import (
	"strings"
	"testing"
)

func TestOperatorSecretRoundTrip(t *testing.T) {
	hash, err := HashOperatorSecret("hunter2")
	if err != nil {
		t.Fatalf("HashOperatorSecret: %v", err)
	}
	if !strings.HasPrefix(hash, "argon2id$") {
		t.Errorf("unexpected hash format: %q", hash)
	}
	if !VerifyOperatorSecret("hunter2", hash) {
		t.Error("correct secret rejected")
	}
	if VerifyOperatorSecret("hunter3", hash) {
		t.Error("wrong secret accepted")
	}
	if VerifyOperatorSecret("", hash) {
		t.Error("empty secret accepted")
	}
}

func TestHashesAreSalted(t *testing.T) {
	h1, err := HashOperatorSecret("same")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := HashOperatorSecret("same")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h2 {
		t.Error("two hashes of the same secret should use different salts")
	}
	if !VerifyOperatorSecret("same", h1) || !VerifyOperatorSecret("same", h2) {
		t.Error("both hashes should verify")
	}
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"",
		"argon2id",
		"argon2id$onlyone",
		"bcrypt$c2FsdA$a2V5",
		"argon2id$!!!$a2V5",
		"argon2id$c2FsdA$!!!",
	} {
		if VerifyOperatorSecret("x", encoded) {
			t.Errorf("malformed hash %q accepted", encoded)
		}
	}
}

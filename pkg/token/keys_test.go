package token

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateKeys(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "sonar.key")
	pubPath := filepath.Join(dir, "sonar.pub")

	priv1, pub1, err := LoadOrGenerateKeys(privPath, pubPath)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := os.Stat(privPath); err != nil {
		t.Fatalf("private key file: %v", err)
	}
	if _, err := os.Stat(pubPath); err != nil {
		t.Fatalf("public key file: %v", err)
	}

	// Second call loads the same pair instead of regenerating.
	priv2, pub2, err := LoadOrGenerateKeys(privPath, pubPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(priv1, priv2) || !bytes.Equal(pub1, pub2) {
		t.Error("reload returned a different keypair")
	}

	// A token signed with the loaded key verifies with the loaded public key.
	s := NewSigner(priv2, 0)
	raw, err := s.IssueControlToken("op1", "alice", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Verify(raw, pub2); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestLoadOrGenerateKeysPermissions(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "sonar.key")
	pubPath := filepath.Join(dir, "sonar.pub")
	if _, _, err := LoadOrGenerateKeys(privPath, pubPath); err != nil {
		t.Fatalf("generate: %v", err)
	}
	info, err := os.Stat(privPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("private key mode = %o, want 0600", perm)
	}
}

func TestLoadPublicKeyRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.pub")
	if err := os.WriteFile(path, []byte("not a pem"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadPublicKey(path); err == nil {
		t.Error("expected error for non-PEM input")
	}
	if _, err := LoadPublicKey(filepath.Join(dir, "missing.pub")); err == nil {
		t.Error("expected error for missing file")
	}
}

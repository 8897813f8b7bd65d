package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
)

// LoadOrGenerateKeys loads the ed25519 signing keypair from PEM files, or
// generates and writes a fresh pair when neither file exists. The private
// key stays with the coordination service; the public key file is what
// gets distributed to voice servers and token consumers.
func LoadOrGenerateKeys(privPath, pubPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	priv, err := loadPrivateKey(privPath)
	if err == nil {
		pub, err := LoadPublicKey(pubPath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("loaded signing keypair", "private", privPath, "public", pubPath)
		return priv, pub, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}

	slog.Info("generating signing keypair")
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("token: generate keypair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("token: marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		return nil, nil, fmt.Errorf("token: write private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("token: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(pubPath, pubPEM, 0644); err != nil { //nolint:gosec // public key is not secret
		return nil, nil, fmt.Errorf("token: write public key: %w", err)
	}

	slog.Info("signing keypair generated", "private", privPath, "public", pubPath)
	return priv, pub, nil
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from server config
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("token: %s: no PEM block", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("token: parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("token: %s: not an ed25519 private key", path)
	}
	return priv, nil
}

// LoadPublicKey reads an ed25519 public key from a PEM file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from config
	if err != nil {
		return nil, fmt.Errorf("token: read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("token: %s: no PEM block", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("token: parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("token: %s: not an ed25519 public key", path)
	}
	return pub, nil
}

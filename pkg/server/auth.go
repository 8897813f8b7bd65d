package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Operator connections carry no signed token; deployments that do not run
// the control plane on a trusted network set an argon2id-hashed shared
// secret that operators must present at registration.

const operatorHashPrefix = "argon2id"

// HashOperatorSecret derives an argon2id hash suitable for
// Config.OperatorSecretHash.
func HashOperatorSecret(secret string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("server: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)
	return operatorHashPrefix + "$" +
		base64.RawStdEncoding.EncodeToString(salt) + "$" +
		base64.RawStdEncoding.EncodeToString(key), nil
}

// VerifyOperatorSecret checks a presented secret against a stored hash in
// constant time.
func VerifyOperatorSecret(secret, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != operatorHashPrefix {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)
	return subtle.ConstantTimeCompare(got, want) == 1
}

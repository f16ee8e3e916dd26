package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	pbkdf2KeyLen     = 32
	saltLen          = 16
)

// HashPassword derives a PBKDF2-SHA256 hash for storage in configuration,
// encoded as pbkdf2_sha256:{salt_b64}:{hash_b64}:{iterations}.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "generating salt")
	}
	hash := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return fmt.Sprintf("pbkdf2_sha256:%s:%s:%d",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
		pbkdf2Iterations), nil
}

// VerifyPassword checks a plaintext password against a stored hash in
// constant time. Two encodings are accepted: the current
// pbkdf2_sha256:{salt_b64}:{hash_b64}:{iterations} and the legacy
// sha256:{salt}:{hex} form with the salt as a literal string and a fixed
// iteration count.
func VerifyPassword(password, encoded string) (bool, error) {
	switch {
	case strings.HasPrefix(encoded, "pbkdf2_sha256:"):
		parts := strings.Split(encoded, ":")
		if len(parts) != 4 {
			return false, errors.New("malformed password hash")
		}
		salt, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return false, errors.Wrap(err, "decoding salt")
		}
		expected, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			return false, errors.Wrap(err, "decoding hash")
		}
		iterations, err := strconv.Atoi(parts[3])
		if err != nil || iterations <= 0 {
			return false, errors.New("malformed iteration count")
		}
		actual := pbkdf2.Key([]byte(password), salt, iterations, len(expected), sha256.New)
		return hmac.Equal(actual, expected), nil

	case strings.HasPrefix(encoded, "sha256:"):
		parts := strings.SplitN(encoded, ":", 3)
		if len(parts) != 3 {
			return false, errors.New("malformed password hash")
		}
		expected, err := hex.DecodeString(parts[2])
		if err != nil {
			return false, errors.Wrap(err, "decoding hash")
		}
		actual := pbkdf2.Key([]byte(password), []byte(parts[1]), pbkdf2Iterations, len(expected), sha256.New)
		return hmac.Equal(actual, expected), nil
	}

	return false, errors.New("unsupported password hash format")
}

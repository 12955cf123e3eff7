package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Alphabets for RandomString
const (
	Alphanumeric      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	UpperAlphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

const (
	// Algorithm is the algorithm tag of encoded hashes
	Algorithm = "pbkdf2_sha256"
	// DefaultIterations is the PBKDF2 iteration count used when a Hasher has none configured
	DefaultIterations = 100000
	// SecretLength is the length of generated device secrets
	SecretLength = 8

	saltLength = 12
	keyLength  = sha256.Size
)

// ErrMalformedHash is returned by Verify for hashes which are not in the expected encoding
var ErrMalformedHash = errors.New("malformed credential hash")

// RandomString returns a string of length n with characters drawn uniformly from alphabet,
// using a cryptographically secure source.
func RandomString(n int, alphabet string) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("cannot read random: %w", err)
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}

// GenerateSecret returns a new random 8-character mixed-case alphanumeric secret
func GenerateSecret() (string, error) {
	return RandomString(SecretLength, Alphanumeric)
}

// Hasher hashes secrets with salted PBKDF2-SHA256
type Hasher struct {
	iterations int
}

// NewHasher returns a hasher with the given iteration count. Zero selects DefaultIterations.
func NewHasher(iterations int) *Hasher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Hasher{iterations: iterations}
}

// Hash returns the encoded hash of secret with a fresh random salt
func (h *Hasher) Hash(secret string) (string, error) {
	salt, err := RandomString(saltLength, Alphanumeric)
	if err != nil {
		return "", err
	}
	return encode(secret, salt, h.iterations), nil
}

// Verify returns true if secret matches the encoded hash. The iteration count is taken
// from the hash, so hashes created with a different configuration still verify.
func Verify(secret, encoded string) (bool, error) {
	parts := strings.SplitN(encoded, "$", 4)
	if len(parts) != 4 || parts[0] != Algorithm {
		return false, ErrMalformedHash
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false, ErrMalformedHash
	}
	expected := encode(secret, parts[2], iterations)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(encoded)) == 1, nil
}

func encode(secret, salt string, iterations int) string {
	key := pbkdf2.Key([]byte(secret), []byte(salt), iterations, keyLength, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s", Algorithm, iterations, salt, base64.StdEncoding.EncodeToString(key))
}

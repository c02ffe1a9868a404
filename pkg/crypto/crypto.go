package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// ErrInvalidLength is returned when a non-positive token size is requested.
var ErrInvalidLength = errors.New("crypto: token length must be positive")

// randReader is swapped in tests to simulate entropy failures.
var randReader io.Reader = rand.Reader

// RandomBytes fills a buffer of the requested length from the system CSPRNG.
func RandomBytes(length int) ([]byte, error) {
	if length <= 0 {
		return nil, ErrInvalidLength
	}
	buffer := make([]byte, length)
	if _, err := io.ReadFull(randReader, buffer); err != nil {
		return nil, err
	}
	return buffer, nil
}

// GenerateHexToken returns a random lower-case hex token of the requested byte length.
// The output is twice as long as length.
func GenerateHexToken(length int) (string, error) {
	buffer, err := RandomBytes(length)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer), nil
}

// HashToken returns the hex encoded SHA-256 digest of token.
func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}

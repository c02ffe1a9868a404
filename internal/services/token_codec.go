package services

import (
	"fmt"

	"github.com/charlesng35/activator/pkg/crypto"
)

// activationTokenBytes yields a 64 character hex plaintext.
const activationTokenBytes = 32

// TokenCodec generates activation secrets and derives their lookup digest.
type TokenCodec interface {
	Generate() (plainSecret, hashedSecret string, err error)
	Hash(plainSecret string) string
}

type hexTokenCodec struct {
	size int
}

// NewTokenCodec returns the default codec: random hex plaintext, SHA-256 digest.
func NewTokenCodec() TokenCodec {
	return hexTokenCodec{size: activationTokenBytes}
}

func (c hexTokenCodec) Generate() (string, string, error) {
	plain, err := crypto.GenerateHexToken(c.size)
	if err != nil {
		return "", "", fmt.Errorf("token codec: generate: %w", err)
	}
	return plain, c.Hash(plain), nil
}

func (hexTokenCodec) Hash(plain string) string {
	return crypto.HashToken(plain)
}

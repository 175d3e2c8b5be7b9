// Package credential seals account secrets at rest with NaCl secretbox.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	nonceSize    = 24
	sealedPrefix = "sb1:"
)

var (
	ErrEmptyKey = errors.New("credential key is empty")
	ErrCorrupt  = errors.New("sealed credential is corrupt")
	ErrWrongKey = errors.New("sealed credential cannot be opened with this key")
)

type Sealer struct {
	key [32]byte
}

// NewSealer derives a 32 byte key from the configured passphrase.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrEmptyKey
	}
	return &Sealer{key: sha256.Sum256([]byte(passphrase))}, nil
}

// Seal returns "sb1:" + base64(nonce || box).
func (s *Sealer) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

func (s *Sealer) Open(sealed string) (string, error) {
	if len(sealed) < len(sealedPrefix) || sealed[:len(sealedPrefix)] != sealedPrefix {
		return "", ErrCorrupt
	}
	data, err := base64.StdEncoding.DecodeString(sealed[len(sealedPrefix):])
	if err != nil || len(data) < nonceSize+secretbox.Overhead {
		return "", ErrCorrupt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrWrongKey
	}
	return string(plain), nil
}

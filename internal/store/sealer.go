// Package store provides remote mirrors for the persisted session record.
// Each backend keeps a local spool file that the session manager reads, and
// pushes every save or clear to the remote so other machines can pull it.
package store

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealVersion = "v1"
	saltSize    = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	// ErrSealed is returned when a sealed record is read without a passphrase.
	ErrSealed = errors.New("store: record is sealed and no passphrase is configured")
	// ErrUnseal is returned when a sealed record cannot be opened with the configured passphrase.
	ErrUnseal = errors.New("store: unable to open sealed record")
)

// Sealer encrypts the session record with a key derived from a passphrase.
// A nil Sealer passes records through unchanged.
type Sealer struct {
	passphrase []byte
}

// NewSealer returns a sealer for passphrase, or nil when the passphrase is empty.
func NewSealer(passphrase string) *Sealer {
	if passphrase == "" {
		return nil
	}
	return &Sealer{passphrase: []byte(passphrase)}
}

// Enabled reports whether records are sealed.
func (s *Sealer) Enabled() bool {
	return s != nil && len(s.passphrase) > 0
}

// Seal wraps plain in a JSON envelope holding the salt, nonce, and ciphertext.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	if !s.Enabled() {
		return plain, nil
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("store: seal salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return nil, fmt.Errorf("store: seal cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("store: seal nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plain, []byte(sealVersion))

	envelope := []byte(`{}`)
	envelope, _ = sjson.SetBytes(envelope, "sealed", sealVersion)
	envelope, _ = sjson.SetBytes(envelope, "salt", base64.StdEncoding.EncodeToString(salt))
	envelope, _ = sjson.SetBytes(envelope, "nonce", base64.StdEncoding.EncodeToString(nonce))
	envelope, err = sjson.SetBytes(envelope, "data", base64.StdEncoding.EncodeToString(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("store: seal envelope: %w", err)
	}
	return envelope, nil
}

// Open reverses Seal. Records that were never sealed are returned as-is.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	if !s.Enabled() {
		return nil, ErrSealed
	}
	envelope := gjson.ParseBytes(data)
	if version := envelope.Get("sealed").String(); version != sealVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrUnseal, version)
	}
	salt, errSalt := base64.StdEncoding.DecodeString(envelope.Get("salt").String())
	nonce, errNonce := base64.StdEncoding.DecodeString(envelope.Get("nonce").String())
	ciphertext, errData := base64.StdEncoding.DecodeString(envelope.Get("data").String())
	if err := errors.Join(errSalt, errNonce, errData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrUnseal)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(sealVersion))
	if err != nil {
		return nil, ErrUnseal
	}
	return plain, nil
}

func (s *Sealer) key(salt []byte) []byte {
	return argon2.IDKey(s.passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// IsSealed reports whether data is a sealed envelope.
func IsSealed(data []byte) bool {
	return gjson.ValidBytes(data) && gjson.GetBytes(data, "sealed").Exists()
}

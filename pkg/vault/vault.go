// Package vault encrypts partner credentials at rest.
//
// Envelopes have the shape "v1:<nonceHex>:<ciphertextHex>". The key is derived once from
// the configured passphrase with scrypt and used with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/leadroute/leadroute/pkg/models"
	"golang.org/x/crypto/scrypt"
)

const (
	Version = "v1"

	keySalt   = "leadroute-partner-credentials"
	keyLength = 32
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1

	devPassphrasePrefix = "leadroute-dev-only-credential-key-"
)

var (
	ErrInvalidEnvelope    = errors.New("invalid credential envelope")
	ErrDecryptFailed      = errors.New("credential decryption failed")
	ErrPassphraseRequired = errors.New("vault passphrase is required in production")
)

// Vault encrypts and decrypts credential strings. It is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New derives the encryption key from the passphrase.
func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}

	key, err := scrypt.Key([]byte(passphrase), []byte(keySalt), scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("failed to derive vault key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())

	_, err := rand.Read(nonce)
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), []byte(Version))

	return Version + ":" + hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt opens an envelope. Malformed, tampered or foreign-key envelopes return an error, never a panic.
func (v *Vault) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 || parts[0] != Version {
		return "", ErrInvalidEnvelope
	}

	nonce, err := hex.DecodeString(parts[1])
	if err != nil || len(nonce) != v.aead.NonceSize() {
		return "", ErrInvalidEnvelope
	}

	sealed, err := hex.DecodeString(parts[2])
	if err != nil || len(sealed) < v.aead.Overhead() {
		return "", ErrInvalidEnvelope
	}

	plaintext, err := v.aead.Open(nil, nonce, sealed, []byte(Version))
	if err != nil {
		return "", ErrDecryptFailed
	}

	return string(plaintext), nil
}

// EncryptCredential seals the JSON encoding of a credential.
func (v *Vault) EncryptCredential(credential models.Credential) (string, error) {
	raw, err := json.Marshal(credential)
	if err != nil {
		return "", fmt.Errorf("failed to encode credential: %w", err)
	}

	return v.Encrypt(string(raw))
}

// DecryptCredential opens an envelope produced by EncryptCredential. An empty envelope is an empty credential.
func (v *Vault) DecryptCredential(envelope string) (models.Credential, error) {
	var credential models.Credential

	if envelope == "" {
		return credential, nil
	}

	plaintext, err := v.Decrypt(envelope)
	if err != nil {
		return credential, err
	}

	err = json.Unmarshal([]byte(plaintext), &credential)
	if err != nil {
		return models.Credential{}, ErrDecryptFailed
	}

	return credential, nil
}

// ResolvePassphrase returns the passphrase to use for the environment. Outside production an
// unset passphrase falls back to a host-scoped development key.
func ResolvePassphrase(logger *slog.Logger, environment, passphrase string) (string, error) {
	if passphrase != "" {
		return passphrase, nil
	}

	if strings.EqualFold(environment, "production") {
		return "", ErrPassphraseRequired
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}

	logger.Warn("vault passphrase not set, using development-only key; credentials encrypted now will not be readable in production",
		"environment", environment)

	return devPassphrasePrefix + host, nil
}

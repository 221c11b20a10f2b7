// Package crypto verifies proposer signatures, signs governance node
// requests and keeps the node's API secret encrypted at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1
)

// sealedSecret is the on-disk format for an encrypted secret.
type sealedSecret struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SecretConfig tells LoadSecret where to find a secret.
type SecretConfig struct {
	// Raw is used as-is when non-empty.
	Raw string
	// EncryptedPath is a file produced by EncryptSecret.
	EncryptedPath string
	Password      string
}

// EncryptSecret seals secret with a password using PBKDF2-HMAC-SHA256 key
// derivation and AES-256-GCM. It returns the JSON blob to write to disk.
func EncryptSecret(secret, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if secret == "" {
		return nil, errors.New("crypto: secret must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := sealedSecret{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, []byte(secret), nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// DecryptSecret opens a blob produced by EncryptSecret.
func DecryptSecret(sealed []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}

	var stored sealedSecret
	if err := json.Unmarshal(sealed, &stored); err != nil {
		return "", fmt.Errorf("crypto: parsing sealed secret: %w", err)
	}
	if stored.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return string(plaintext), nil
}

// LoadSecret resolves a secret: Raw wins, then EncryptedPath. Both empty
// yields an empty secret and no error.
func LoadSecret(cfg SecretConfig) (string, error) {
	if cfg.Raw != "" {
		return cfg.Raw, nil
	}
	if cfg.EncryptedPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(cfg.EncryptedPath)
	if err != nil {
		return "", fmt.Errorf("crypto: reading sealed secret: %w", err)
	}
	return DecryptSecret(data, cfg.Password)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

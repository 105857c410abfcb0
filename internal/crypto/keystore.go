// Package crypto seals exchange API secrets at rest with a password.
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
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	sealedVersion    = 1
)

// ErrWrongPassword is returned when a sealed secret fails authentication.
var ErrWrongPassword = errors.New("crypto: wrong password or corrupted secret")

// ErrNoSecret is returned by LoadSecret when neither source is set.
var ErrNoSecret = errors.New("crypto: no secret configured")

// sealedSecret is the on-disk JSON form. Byte fields are base64.
type sealedSecret struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SecretSource describes where LoadSecret finds a secret.
type SecretSource struct {
	// Plain is used as-is when set.
	Plain string
	// SealedPath is a file written by Seal, opened with Password.
	SealedPath string
	Password   string
}

// Seal encrypts secret with a key derived from password
// (PBKDF2-HMAC-SHA256, AES-256-GCM) and returns indented JSON.
func Seal(secret, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if secret == "" {
		return nil, errors.New("crypto: secret must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	enc := base64.StdEncoding
	return json.MarshalIndent(sealedSecret{
		Version:    sealedVersion,
		Salt:       enc.EncodeToString(salt),
		Nonce:      enc.EncodeToString(nonce),
		Ciphertext: enc.EncodeToString(gcm.Seal(nil, nonce, []byte(secret), nil)),
	}, "", "  ")
}

// Open reverses Seal.
func Open(sealed []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}

	var s sealedSecret
	if err := json.Unmarshal(sealed, &s); err != nil {
		return "", fmt.Errorf("crypto: parse sealed secret: %w", err)
	}
	if s.Version != sealedVersion {
		return "", fmt.Errorf("crypto: unsupported sealed secret version %d", s.Version)
	}

	enc := base64.StdEncoding
	salt, err := enc.DecodeString(s.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decode salt: %w", err)
	}
	nonce, err := enc.DecodeString(s.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decode nonce: %w", err)
	}
	ciphertext, err := enc.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decode ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto: nonce length %d: %w", len(nonce), ErrWrongPassword)
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	return string(plain), nil
}

// SealToFile seals secret and writes it to path with owner-only permissions.
func SealToFile(path, secret, password string) error {
	data, err := Seal(secret, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("crypto: write %s: %w", path, err)
	}
	return nil
}

// LoadSecret resolves src. A plain value wins over a sealed file.
func LoadSecret(src SecretSource) (string, error) {
	if v := strings.TrimSpace(src.Plain); v != "" {
		return v, nil
	}
	if src.SealedPath == "" {
		return "", ErrNoSecret
	}
	data, err := os.ReadFile(src.SealedPath)
	if err != nil {
		return "", fmt.Errorf("crypto: read sealed secret: %w", err)
	}
	return Open(data, src.Password)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create GCM: %w", err)
	}
	return gcm, nil
}

// Package secret encrypts small secrets (TOTP seeds, phone numbers, recovery
// codes) before they reach the record store.
//
// Tokens have the text form hex(iv) ":" hex(ciphertext). A fresh IV is drawn
// for every Encrypt call, so equal plaintexts never produce equal tokens.
package secret

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Mode selects the block cipher mode
type Mode string

const (
	// ModeGCM is AES-256-GCM. Tampered tokens fail to decrypt.
	ModeGCM Mode = "gcm"
	// ModeCBC is AES-256-CBC with PKCS#7 padding and no integrity tag.
	// A tampered token may decrypt to garbage instead of failing.
	ModeCBC Mode = "cbc"
)

const (
	// KeySize is the AES-256 key length in bytes
	KeySize = 32

	tokenSeparator = ":"
	hkdfSalt       = "mfacore/secret-cipher/v1"
	hkdfInfo       = "aes-256 data-at-rest key"
)

var (
	ErrMalformedToken = errors.New("malformed encrypted token")
	ErrInvalidKey     = errors.New("invalid key length: must be 32 bytes for AES-256")
	ErrUnknownMode    = errors.New("unknown cipher mode")
)

// CryptoError reports a failure to encrypt or decrypt a secret. A record whose
// secret fails to decrypt cannot be recovered without re-enrollment.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("secret %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Cipher encrypts and decrypts secrets with a single deployment-wide key
type Cipher struct {
	mode  Mode
	block cipher.Block
	aead  cipher.AEAD
}

// New creates a Cipher for a 32-byte key
func New(key []byte, mode Mode) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, &CryptoError{Op: "init", Err: ErrInvalidKey}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Op: "init", Err: fmt.Errorf("failed to create AES cipher block: %w", err)}
	}

	c := &Cipher{mode: mode, block: block}
	switch mode {
	case ModeGCM:
		c.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, &CryptoError{Op: "init", Err: fmt.Errorf("failed to create GCM cipher: %w", err)}
		}
	case ModeCBC:
	default:
		return nil, &CryptoError{Op: "init", Err: fmt.Errorf("%w: %q", ErrUnknownMode, mode)}
	}

	return c, nil
}

// NewFromPassphrase derives the key with DeriveKey and creates a Cipher
func NewFromPassphrase(passphrase string, mode Mode) (*Cipher, error) {
	key, err := DeriveKey(passphrase)
	if err != nil {
		return nil, err
	}
	return New(key, mode)
}

// Mode returns the cipher mode
func (c *Cipher) Mode() Mode {
	return c.mode
}

// Encrypt encrypts plaintext and returns the token text
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	var iv, ciphertext []byte

	switch c.mode {
	case ModeGCM:
		iv = make([]byte, c.aead.NonceSize())
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return "", &CryptoError{Op: "encrypt", Err: fmt.Errorf("failed to generate nonce: %w", err)}
		}
		ciphertext = c.aead.Seal(nil, iv, plaintext, nil)
	default:
		iv = make([]byte, aes.BlockSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return "", &CryptoError{Op: "encrypt", Err: fmt.Errorf("failed to generate IV: %w", err)}
		}
		padded := pkcs7Pad(plaintext, aes.BlockSize)
		ciphertext = make([]byte, len(padded))
		cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, padded)
	}

	return hex.EncodeToString(iv) + tokenSeparator + hex.EncodeToString(ciphertext), nil
}

// Decrypt splits the token, rebuilds the cipher with the stored IV and returns
// the plaintext. Any malformed token yields a *CryptoError.
func (c *Cipher) Decrypt(token string) ([]byte, error) {
	ivHex, ctHex, ok := strings.Cut(token, tokenSeparator)
	if !ok || ivHex == "" || ctHex == "" || strings.Contains(ctHex, tokenSeparator) {
		return nil, &CryptoError{Op: "decrypt", Err: ErrMalformedToken}
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("%w: iv: %v", ErrMalformedToken, err)}
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("%w: ciphertext: %v", ErrMalformedToken, err)}
	}

	switch c.mode {
	case ModeGCM:
		if len(iv) != c.aead.NonceSize() {
			return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("%w: nonce length %d", ErrMalformedToken, len(iv))}
		}
		plaintext, err := c.aead.Open(nil, iv, ciphertext, nil)
		if err != nil {
			return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("failed to decrypt: %w", err)}
		}
		return plaintext, nil
	default:
		if len(iv) != aes.BlockSize {
			return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("%w: iv length %d", ErrMalformedToken, len(iv))}
		}
		if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("%w: ciphertext length %d", ErrMalformedToken, len(ciphertext))}
		}
		padded := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(padded, ciphertext)
		plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
		if err != nil {
			return nil, &CryptoError{Op: "decrypt", Err: err}
		}
		return plaintext, nil
	}
}

// EncryptString is Encrypt for string secrets
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	return c.Encrypt([]byte(plaintext))
}

// DecryptString is Decrypt for string secrets
func (c *Cipher) DecryptString(token string) (string, error) {
	b, err := c.Decrypt(token)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Encrypt encrypts plaintext under key in the given mode
func Encrypt(plaintext, key []byte, mode Mode) (string, error) {
	c, err := New(key, mode)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plaintext)
}

// Decrypt decrypts a token produced by Encrypt with the same key and mode
func Decrypt(token string, key []byte, mode Mode) ([]byte, error) {
	c, err := New(key, mode)
	if err != nil {
		return nil, err
	}
	return c.Decrypt(token)
}

// DeriveKey turns the configured key material into an AES-256 key. 64 hex
// characters are used verbatim; anything else is stretched with HKDF-SHA256.
func DeriveKey(material string) ([]byte, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, &CryptoError{Op: "derive", Err: ErrInvalidKey}
	}

	if len(material) == 2*KeySize {
		if key, err := hex.DecodeString(material); err == nil {
			return key, nil
		}
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(material), []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, &CryptoError{Op: "derive", Err: fmt.Errorf("failed to derive key: %w", err)}
	}
	return key, nil
}

// GenerateKey returns a random key in the 64-hex-character form DeriveKey accepts
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedToken)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedToken)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedToken)
		}
	}
	return b[:len(b)-n], nil
}

// Package secrets implements the symmetric authenticated encryption scheme
// shared between the handler and the portal. Cookies and service tokens are
// produced and consumed by both sides, so the format is fixed: a SHA-256 tag
// over the null-padded plaintext is prepended before AES-256-CBC encryption
// with a fresh random IV, and the result is base64(IV || ciphertext).
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var ErrDecrypt = errors.New("decrypt failed")

type Cipher struct {
	block cipher.Block
}

// NewCipher derives a 256-bit AES key by hashing the shared secret.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("empty secret")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Cipher{block: block}, nil
}

func (c *Cipher) createIV() ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(crand.Reader, iv); err != nil {
		return nil, err
	}
	return iv, nil
}

// Encrypt encrypts the given plaintext and returns it base64 encoded.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv, err := c.createIV()
	if err != nil {
		return "", err
	}
	padded := pad([]byte(plaintext))
	tag := sha256.Sum256(padded)

	msg := make([]byte, 0, len(tag)+len(padded))
	msg = append(msg, tag[:]...)
	msg = append(msg, padded...)

	out := make([]byte, len(iv)+len(msg))
	copy(out, iv)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[len(iv):], msg)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt decodes and decrypts a value produced by Encrypt, by this process
// or by any other component sharing the same secret. Malformed input and
// integrity tag mismatches return ErrDecrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %w", ErrDecrypt, err)
	}
	if len(raw) < aes.BlockSize+sha256.Size || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext too short or not block aligned, %d bytes", ErrDecrypt, len(raw))
	}
	iv, msg := raw[:aes.BlockSize], raw[aes.BlockSize:]

	plain := make([]byte, len(msg))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, msg)

	tag, padded := plain[:sha256.Size], plain[sha256.Size:]
	want := sha256.Sum256(padded)
	if !hmac.Equal(tag, want[:]) {
		return "", fmt.Errorf("%w: integrity tag mismatch", ErrDecrypt)
	}
	return string(unpad(padded)), nil
}

// pad appends null bytes up to the block boundary. Already aligned input is
// left alone, matching the portal side.
func pad(data []byte) []byte {
	if rem := len(data) % aes.BlockSize; rem != 0 {
		data = append(data, make([]byte, aes.BlockSize-rem)...)
	}
	return data
}

func unpad(data []byte) []byte {
	i := len(data)
	for i > 0 && data[i-1] == 0 {
		i--
	}
	return data[:i]
}

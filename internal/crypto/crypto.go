// Package crypto encrypts channel traffic with a pre-shared key.
//
// Blob layout: salt(16) || iv(16) || AES-256-CBC ciphertext with PKCS#7 padding.
// The AES key is PBKDF2-HMAC-SHA256(psk, salt, 100000 iterations).
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"unicode/utf8"

	"meshalert/internal/domain"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is PBKDF2 iteration count.
	Iterations = 100000
	// SaltSize is random salt length in bytes.
	SaltSize = 16
	// KeySize is derived AES-256 key length.
	KeySize = 32

	ivSize  = aes.BlockSize
	minBlob = SaltSize + ivSize + aes.BlockSize
)

// Encrypt seals plaintext with key derived from PSK.
// Params: non-empty plaintext and PSK text.
// Returns: salt||iv||ciphertext or ErrEncryption-kind error.
func Encrypt(plaintext, key string) ([]byte, error) {
	if plaintext == "" {
		return nil, domain.Errorf(domain.KindEncryption, "encrypt", "plaintext is empty")
	}
	if key == "" {
		return nil, domain.Errorf(domain.KindEncryption, "encrypt", "key is empty")
	}
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, domain.Wrap(domain.KindEncryption, "encrypt", fmt.Errorf("read salt: %w", err))
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, domain.Wrap(domain.KindEncryption, "encrypt", fmt.Errorf("read iv: %w", err))
	}
	block, err := aes.NewCipher(deriveKey(key, salt))
	if err != nil {
		return nil, domain.Wrap(domain.KindEncryption, "encrypt", err)
	}

	padded := pad([]byte(plaintext))
	out := make([]byte, SaltSize+ivSize+len(padded))
	copy(out, salt)
	copy(out[SaltSize:], iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[SaltSize+ivSize:], padded)
	return out, nil
}

// Decrypt opens blob produced by Encrypt.
// Params: salt||iv||ciphertext blob and PSK text.
// Returns: plaintext or ErrEncryption-kind error on short blob, bad padding, or non-UTF-8 result.
func Decrypt(blob []byte, key string) (string, error) {
	if key == "" {
		return "", domain.Errorf(domain.KindEncryption, "decrypt", "key is empty")
	}
	if len(blob) < minBlob {
		return "", domain.Errorf(domain.KindEncryption, "decrypt", "blob too short: %d bytes", len(blob))
	}
	body := blob[SaltSize+ivSize:]
	if len(body)%aes.BlockSize != 0 {
		return "", domain.Errorf(domain.KindEncryption, "decrypt", "ciphertext is not a multiple of block size")
	}
	block, err := aes.NewCipher(deriveKey(key, blob[:SaltSize]))
	if err != nil {
		return "", domain.Wrap(domain.KindEncryption, "decrypt", err)
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, blob[SaltSize:SaltSize+ivSize]).CryptBlocks(plain, body)
	plain, err = unpad(plain)
	if err != nil {
		return "", domain.Wrap(domain.KindEncryption, "decrypt", err)
	}
	if !utf8.Valid(plain) {
		return "", domain.Errorf(domain.KindEncryption, "decrypt", "plaintext is not valid utf-8")
	}
	return string(plain), nil
}

// EncryptString seals plaintext and encodes blob as standard base64.
// Params: plaintext and PSK text.
// Returns: base64 blob for text transports.
func EncryptString(plaintext, key string) (string, error) {
	blob, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString decodes base64 blob and opens it.
// Params: base64 blob and PSK text.
// Returns: plaintext or ErrEncryption-kind error.
func DecryptString(encoded, key string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", domain.Wrap(domain.KindEncryption, "decrypt", fmt.Errorf("decode base64: %w", err))
	}
	return Decrypt(blob, key)
}

func deriveKey(key string, salt []byte) []byte {
	return pbkdf2.Key([]byte(key), salt, Iterations, KeySize, sha256.New)
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}

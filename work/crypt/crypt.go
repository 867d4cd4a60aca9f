// Package crypt decrypts the opaque stream pointers the provider returns from
// its content-detail endpoint. The provider encrypts the real CDN manifest URL
// with AES-128-ECB under a fixed shared key and base64-encodes the result,
// sometimes with a trailing `#...` fragment marker appended. This is provider
// plumbing, not a security boundary we control.
package crypt

import (
	"crypto/aes"
	"encoding/base64"
	"fmt"
	"strings"
)

// DecryptionError reports a stream pointer that could not be decoded or
// decrypted, wrapping the underlying cause.
type DecryptionError struct {
	Cause error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("failed to decrypt URL: %v", e.Cause)
}

func (e *DecryptionError) Unwrap() error { return e.Cause }

// Decrypt turns an encrypted stream pointer into the plaintext manifest URL.
// It strips any trailing fragment marker, base64-decodes the payload, decrypts
// it block by block in ECB mode, and removes the PKCS#7 padding. The routine is
// stateless and has no side effects.
func Decrypt(encrypted, key string) (string, error) {
	// the provider occasionally appends a fragment the cipher never sees
	if i := strings.IndexByte(encrypted, '#'); i >= 0 {
		encrypted = encrypted[:i]
	}

	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", &DecryptionError{Cause: fmt.Errorf("invalid base64: %w", err)}
	}

	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", &DecryptionError{Cause: err}
	}

	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return "", &DecryptionError{Cause: fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))}
	}

	// ECB: each block decrypts independently; the stdlib only ships the block
	// primitive, so the mode is composed here.
	plaintext := make([]byte, len(data))
	bs := block.BlockSize()
	for i := 0; i < len(data); i += bs {
		block.Decrypt(plaintext[i:i+bs], data[i:i+bs])
	}

	unpadded, err := stripPKCS7(plaintext, bs)
	if err != nil {
		return "", &DecryptionError{Cause: err}
	}

	return string(unpadded), nil
}

// stripPKCS7 validates and removes PKCS#7 padding. Bad padding means the wrong
// key or a tampered payload, and must fail loudly rather than return garbage.
func stripPKCS7(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding length %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("malformed PKCS#7 padding")
		}
	}
	return data[:len(data)-n], nil
}

package crypt

import (
	"crypto/aes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "aesEncryptionKey"

// encryptECB is the inverse of Decrypt: PKCS#7 pad, encrypt block by block,
// base64 encode. Tests use it to produce ciphertexts the same way the provider
// does.
func encryptECB(t *testing.T, plaintext, key string) string {
	t.Helper()

	block, err := aes.NewCipher([]byte(key))
	require.NoError(t, err)

	bs := block.BlockSize()
	pad := bs - len(plaintext)%bs
	padded := make([]byte, len(plaintext)+pad)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(pad)
	}

	ciphertext := make([]byte, len(padded))
	for i := 0; i < len(padded); i += bs {
		block.Encrypt(ciphertext[i:i+bs], padded[i:i+bs])
	}

	return base64.StdEncoding.EncodeToString(ciphertext)
}

func TestDecryptRoundTrip(t *testing.T) {
	urls := []string{
		"https://bpaita.example.com/bpk-tv/channel/default/manifest.mpd?exp=1750000000",
		"https://cdn.example.com/dash/manifest.mpd?hdntl=exp=1750000000~acl=/*~hmac=abc123",
		"short",
		"a URL that is exactly thirty-two!", // 33 bytes, forces a full padding block boundary check
	}

	for _, u := range urls {
		decrypted, err := Decrypt(encryptECB(t, u, testKey), testKey)
		require.NoError(t, err)
		assert.Equal(t, u, decrypted)
	}
}

func TestDecryptStripsFragment(t *testing.T) {
	plain := "https://cdn.example.com/manifest.mpd?exp=1750000000"
	encrypted := encryptECB(t, plain, testKey) + "#some-trailing-marker"

	decrypted, err := Decrypt(encrypted, testKey)
	require.NoError(t, err)
	assert.Equal(t, plain, decrypted)
}

func TestDecryptInvalidBase64(t *testing.T) {
	_, err := Decrypt("not-valid-base64!!!", testKey)
	require.Error(t, err)

	var decErr *DecryptionError
	assert.True(t, errors.As(err, &decErr))
}

func TestDecryptTruncatedCiphertext(t *testing.T) {
	block, err := aes.NewCipher([]byte(testKey))
	require.NoError(t, err)

	padded := make([]byte, 32)
	copy(padded, "some plaintext")
	for i := 16; i < 32; i++ {
		padded[i] = 16
	}
	ciphertext := make([]byte, 32)
	block.Encrypt(ciphertext[:16], padded[:16])
	block.Encrypt(ciphertext[16:], padded[16:])

	// lop off part of the last block so the length is no longer a block multiple
	truncated := base64.StdEncoding.EncodeToString(ciphertext[:27])

	_, err = Decrypt(truncated, testKey)
	var decErr *DecryptionError
	require.True(t, errors.As(err, &decErr))
	assert.ErrorContains(t, err, "block size")
}

func TestDecryptEmptyPayload(t *testing.T) {
	_, err := Decrypt("", testKey)

	var decErr *DecryptionError
	assert.True(t, errors.As(err, &decErr))
}

func TestDecryptBadKeyLength(t *testing.T) {
	_, err := Decrypt(encryptECB(t, "whatever", testKey), "tooShort")

	var decErr *DecryptionError
	assert.True(t, errors.As(err, &decErr))
}

func TestStripPKCS7RejectsGarbagePadding(t *testing.T) {
	// last byte claims 5 padding bytes but the preceding bytes disagree
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 5}
	_, err := stripPKCS7(data, 16)
	assert.Error(t, err)

	// padding length of zero is never valid
	data[15] = 0
	_, err = stripPKCS7(data, 16)
	assert.Error(t, err)

	// padding length beyond the block size is never valid
	data[15] = 17
	_, err = stripPKCS7(data, 16)
	assert.Error(t, err)
}

// Package identity implements the reversible identity cipher, the one-way
// identity hash, and the in-process correlation cache used by the relay
// service.
//
// The cipher intentionally trades randomized-IV semantic security for
// deterministic output: the IV is derived from a one-way hash of the identity
// itself, so encrypting the same identity under the same key always yields
// the same token. That makes the stored ciphertext usable as an exact-match
// lookup key ("find the latest record by this submitter") without ever
// storing the identity in plaintext. The narrower property this buys is that
// ciphertexts reveal identity *equality* across records, not the identity.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// KeySize is the required secret key length in bytes (AES-256).
const KeySize = 32

// tokenSeparator joins the hex-encoded IV and ciphertext in a token.
const tokenSeparator = ":"

// ErrMalformedToken is returned by Decrypt when a token is not in the
// iv:ciphertext form this package produces, or when either part fails to
// decode or has an impossible length.
var ErrMalformedToken = errors.New("identity: malformed token")

// ErrBadPadding is returned by Decrypt when the ciphertext decrypts but its
// padding is invalid, which usually means the token was produced under a
// different key.
var ErrBadPadding = errors.New("identity: invalid padding")

// Cipher encrypts and decrypts submitter identities under a fixed 256-bit
// key. The key is immutable after construction; a Cipher is safe for
// concurrent use.
type Cipher struct {
	key []byte
}

// NewCipher builds a Cipher from a hex-encoded 256-bit key (64 hex chars).
//
// If the key is absent or malformed, a fresh key is generated and an
// operator-visible warning is logged including the new key, so it can be
// persisted in configuration. Restarting with yet another generated key makes
// every previously encrypted identity permanently undecryptable; that hazard
// is surfaced loudly rather than silently masked.
func NewCipher(hexKey string) *Cipher {
	key, err := parseKey(hexKey)
	if err != nil {
		key = make([]byte, KeySize)
		if _, rerr := rand.Read(key); rerr != nil {
			// Crypto randomness failing is unrecoverable.
			panic(fmt.Sprintf("identity: generate key: %v", rerr))
		}
		log.Warn().
			Err(err).
			Str("generated_key", hex.EncodeToString(key)).
			Msg("ENCRYPTION_KEY missing or invalid; generated a fresh key. Persist it in configuration or previously encrypted identities will be lost on restart")
	}
	return &Cipher{key: key}
}

// parseKey decodes and validates a hex-encoded 256-bit key.
func parseKey(hexKey string) ([]byte, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, errors.New("identity: key not set")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("identity: key is not valid hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("identity: key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Encrypt produces the opaque correlation token for rawIdentity.
//
// The 16-byte IV is the MD5 digest of the identity, so repeated encryptions
// of the same identity under the same key are byte-identical while differing
// across identities. The token is hex(iv) + ":" + hex(ciphertext).
func (c *Cipher) Encrypt(rawIdentity string) (string, error) {
	iv := md5.Sum([]byte(rawIdentity)) // deterministic 16-byte IV, block-sized

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("identity: encrypt: %w", err)
	}
	plain := pkcs7Pad([]byte(rawIdentity), aes.BlockSize)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, plain)

	return hex.EncodeToString(iv[:]) + tokenSeparator + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt for tokens this package produced. It fails with
// ErrMalformedToken or ErrBadPadding; it never returns a wrong identity
// silently.
func (c *Cipher) Decrypt(token string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(token, tokenSeparator)
	if !ok {
		return "", ErrMalformedToken
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrMalformedToken
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", ErrMalformedToken
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("identity: decrypt: %w", err)
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// pkcs7Pad appends PKCS#7 padding up to a whole number of blocks.
func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

// pkcs7Unpad strips and validates PKCS#7 padding.
func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrBadPadding
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}

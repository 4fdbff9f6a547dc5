package encryption

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// legacySeed is the fixed secret the first-generation cache derived its
// keystream from. Every install shares it, so blobs written with it are only
// obfuscated. It is kept solely to read such blobs once; nothing writes it.
const legacySeed = "tokenvault-device-cache-v1"

// LegacyStream is the first-generation cache scheme: plaintext XOR a
// deterministic keystream, no IV, base64 encoded.
type LegacyStream struct {
	seed []byte
}

func NewLegacyStream() *LegacyStream {
	return &LegacyStream{seed: []byte(legacySeed)}
}

func (l *LegacyStream) keystream(n int) ([]byte, error) {
	stream := make([]byte, n)
	r := hkdf.New(sha256.New, l.seed, nil, []byte("xor-stream"))
	if _, err := io.ReadFull(r, stream); err != nil {
		return nil, fmt.Errorf("derive keystream: %w", err)
	}
	return stream, nil
}

func (l *LegacyStream) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrInvalidCiphertext, err)
	}
	ks, err := l.keystream(len(data))
	if err != nil {
		return "", err
	}
	for i := range data {
		data[i] ^= ks[i]
	}
	return string(data), nil
}

// Encrypt produces a legacy blob. Used to build fixtures for migration tests.
func (l *LegacyStream) Encrypt(plaintext string) (string, error) {
	data := []byte(plaintext)
	ks, err := l.keystream(len(data))
	if err != nil {
		return "", err
	}
	for i := range data {
		data[i] ^= ks[i]
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

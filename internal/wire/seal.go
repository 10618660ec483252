package wire

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/roomwire/roomwire/internal/crypto/roomkey"
)

const nonceSize = chacha20poly1305.NonceSizeX

// Sealer encrypts and decrypts payloads with a room's symmetric key using
// XChaCha20-Poly1305. Sealed payloads carry the random nonce as a prefix.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer bound to the given room key.
func NewSealer(key [roomkey.KeySize]byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("init room cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext under the room key.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a sealed payload. Truncated payloads and
// payloads sealed under a different key fail with ErrDecrypt.
func (s *Sealer) Open(payload []byte) ([]byte, error) {
	if len(payload) < nonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("payload too short: %w", ErrDecrypt)
	}
	plaintext, err := s.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Codec composes encoding with sealing for one room: the bound key never
// leaves the process and payloads on the wire are ciphertext only.
type Codec struct {
	sealer *Sealer
}

// NewCodec builds a Codec bound to the given room key.
func NewCodec(key [roomkey.KeySize]byte) (*Codec, error) {
	sealer, err := NewSealer(key)
	if err != nil {
		return nil, err
	}
	return &Codec{sealer: sealer}, nil
}

// EncodeAndSeal produces the encrypted wire payload for a message.
func (c *Codec) EncodeAndSeal(m Message) ([]byte, error) {
	return c.sealer.Seal(Encode(m))
}

// OpenAndDecode decrypts and strictly decodes a wire payload.
func (c *Codec) OpenAndDecode(payload []byte) (Message, error) {
	plaintext, err := c.sealer.Open(payload)
	if err != nil {
		return Message{}, err
	}
	return Decode(plaintext)
}

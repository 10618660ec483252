// Package roomkey turns a human-typed room code into the symmetric key and
// pubsub topic shared by everyone who knows the code. Both derivations are
// pure functions of the canonicalized code: no exchange, no server, no state.
//
// Knowledge of the code is the shared secret. Derivation is public, so the
// secrecy of a room is exactly the entropy of its code; short codes are
// brute-forceable and callers must treat them accordingly.
package roomkey

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of the derived symmetric room key.
const KeySize = 32

const (
	appPrefix       = "roomwire"
	protocolVersion = "1"
	formatTag       = "proto"

	// kdfSalt domain-separates room-key derivation from any other use of the
	// same code string.
	kdfSalt  = "roomwire/1/room-key"
	hkdfInfo = "roomwire/1/chacha20poly1305"

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// ErrEmptyCode is returned when the room code is empty after canonicalization.
var ErrEmptyCode = errors.New("room code is required")

// Canonical normalizes a room code so that "blue42", " Blue42 " and "BLUE42"
// all name the same room.
func Canonical(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// DeriveKey computes the symmetric key for a room code. Identical codes always
// yield identical keys; every participant recomputes the key independently and
// it is never transmitted.
func DeriveKey(code string) ([KeySize]byte, error) {
	var key [KeySize]byte

	canon := Canonical(code)
	if canon == "" {
		return key, ErrEmptyCode
	}

	ikm := argon2.IDKey([]byte(canon), []byte(kdfSalt), argonTime, argonMemory, argonThreads, KeySize)
	defer zeroBytes(ikm)

	reader := hkdf.New(sha256.New, ikm, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return [KeySize]byte{}, fmt.Errorf("derive room key: %w", err)
	}
	return key, nil
}

// Topic builds the public routing label for a room code:
// /roomwire/1/instant-room/<CODE>/proto. The topic only partitions traffic;
// confidentiality comes solely from the derived key.
func Topic(code string) (string, error) {
	canon := Canonical(code)
	if canon == "" {
		return "", ErrEmptyCode
	}
	return "/" + appPrefix + "/" + protocolVersion + "/instant-room/" + canon + "/" + formatTag, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

package rfb

import (
	"crypto/des"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// VNC Authentication (security type 2): the server sends a 16-byte random
// challenge and the client returns it encrypted with DES-ECB keyed on the
// password. The key derivation carries the historical RFB quirk: the
// password is truncated or zero-padded to 8 bytes and each key byte's bit
// order is reversed before the DES key schedule runs.

// newChallenge fills a fresh 16-byte challenge from the system CSPRNG.
func newChallenge() ([16]byte, error) {
	var c [16]byte
	if _, err := rand.Read(c[:]); err != nil {
		return c, fmt.Errorf("generate auth challenge: %w", err)
	}
	return c, nil
}

// EncryptChallenge computes the expected client response for a password and
// challenge.
func EncryptChallenge(password string, challenge [16]byte) [16]byte {
	var key [8]byte
	copy(key[:], password)
	for i := range key {
		key[i] = bitReverse8(key[i])
	}

	// des.NewCipher never fails for an 8-byte key.
	cipher, _ := des.NewCipher(key[:])

	var out [16]byte
	cipher.Encrypt(out[0:8], challenge[0:8])
	cipher.Encrypt(out[8:16], challenge[8:16])
	return out
}

// verifyResponse checks a client response in constant time.
func verifyResponse(password string, challenge, response [16]byte) bool {
	expected := EncryptChallenge(password, challenge)
	return subtle.ConstantTimeCompare(expected[:], response[:]) == 1
}

// bitReverse8 mirrors the bits of one byte (MSB <-> LSB).
func bitReverse8(b byte) byte {
	b = b>>4 | b<<4
	b = (b&0xcc)>>2 | (b&0x33)<<2
	b = (b&0xaa)>>1 | (b&0x55)<<1
	return b
}

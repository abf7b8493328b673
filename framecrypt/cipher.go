// Package framecrypt encrypts and decrypts individual media frames with
// ChaCha20-Poly1305. Encrypted frames carry a cleartext codec prefix, the
// sealed payload, a 12 byte IV and a one byte key index:
//
//	[prefix][ciphertext || tag][IV][key index]
//
// The prefix is bound to the ciphertext as associated data. The IV is the
// frame addressing data (SSRC, RTP timestamp, send counter) masked with a
// per key salt, so observers cannot correlate IVs across frames without the
// key material.
package framecrypt

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// IVSize is the length of the per frame IV carried in the trailer. It
	// equals the ChaCha20-Poly1305 nonce size.
	IVSize = chacha20poly1305.NonceSize

	// trailerSize is appended to every encrypted frame: the IV plus the
	// key index byte.
	trailerSize = IVSize + 1

	// Overhead is the total growth of a frame across encryption.
	Overhead = chacha20poly1305.Overhead + trailerSize
)

var (
	ErrDecryption    = errors.New("frame decryption failed")
	ErrFrameTooShort = errors.New("frame too short")
)

// EncodeFrame seals payload under aead. The first prefix bytes stay in clear
// and are authenticated as associated data. The caller provides the IV and
// the key index byte for the trailer.
func EncodeFrame(aead cipher.AEAD, payload []byte, prefix int, iv *[IVSize]byte, keyIndex byte) []byte {
	if prefix > len(payload) {
		prefix = len(payload)
	}
	head := payload[:prefix]

	out := make([]byte, 0, len(payload)+Overhead)
	out = append(out, head...)
	out = aead.Seal(out, iv[:], payload[prefix:], head)
	out = append(out, iv[:]...)
	out = append(out, keyIndex)
	return out
}

// DecodeFrame reverses EncodeFrame using the IV carried in the trailer. On
// authentication failure no partial plaintext is ever returned.
func DecodeFrame(aead cipher.AEAD, data []byte, prefix int) ([]byte, error) {
	maxPrefix := len(data) - trailerSize - aead.Overhead()
	if maxPrefix < 0 {
		return nil, ErrFrameTooShort
	}
	if prefix > maxPrefix {
		prefix = maxPrefix
	}
	var iv [IVSize]byte
	copy(iv[:], data[len(data)-trailerSize:])

	head := data[:prefix]
	ciphertext := data[prefix : len(data)-trailerSize]

	out := make([]byte, 0, len(data)-Overhead)
	out = append(out, head...)
	out, err := aead.Open(out, iv[:], ciphertext, head)
	if err != nil {
		return nil, ErrDecryption
	}
	return out, nil
}

// ParseTrailer returns the IV and key index of an encrypted frame without
// decrypting it.
func ParseTrailer(data []byte) (iv [IVSize]byte, keyIndex byte, err error) {
	if len(data) < trailerSize {
		return iv, 0, ErrFrameTooShort
	}
	copy(iv[:], data[len(data)-trailerSize:len(data)-1])
	keyIndex = data[len(data)-1]
	return iv, keyIndex, nil
}

// BuildIV masks the frame addressing data with the key salt to form the
// AEAD nonce: SSRC, RTP timestamp and send counter, 4 big endian bytes
// each, XORed bytewise with the salt. The result travels in the trailer and
// the receiver uses it as is, so the mask never needs reversing on the
// decode path.
func BuildIV(salt *[IVSize]byte, ssrc, timestamp, counter uint32) [IVSize]byte {
	var iv [IVSize]byte
	binary.BigEndian.PutUint32(iv[0:4], ssrc)
	binary.BigEndian.PutUint32(iv[4:8], timestamp)
	binary.BigEndian.PutUint32(iv[8:12], counter)
	for i := range iv {
		iv[i] ^= salt[i]
	}
	return iv
}

// RecoverCounter extracts the send counter from an IV built with BuildIV
// under the same salt.
func RecoverCounter(salt, iv *[IVSize]byte) uint32 {
	var b [4]byte
	for i := range b {
		b[i] = iv[8+i] ^ salt[8+i]
	}
	return binary.BigEndian.Uint32(b[:])
}

// Package sw (secretbox wrap) hides the append oriented interface of
// nacl/secretbox behind calls that deal in self contained blobs. A sealed
// blob carries its own random nonce as a prefix, so the only state shared
// between sealer and opener is the key.
package sw

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// nonceSize is the size of the nonce prefix on a sealed blob.
const nonceSize = 24

// MinPackedEncryptedSize is the smallest possible sealed blob, a nonce prefix
// followed by an empty sealed message.
const MinPackedEncryptedSize = nonceSize + secretbox.Overhead

// Seal encrypts message with the provided key and returns a blob prefixed by
// the randomly generated nonce that was used.
func Seal(message []byte, key *[32]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	return secretbox.Seal(nonce[:], message, &nonce, key), nil
}

// Open decrypts a blob produced by Seal using the nonce prefix and the
// provided key. It returns false if the blob is too short, corrupt or sealed
// with a different key.
func Open(box []byte, key *[32]byte) ([]byte, bool) {
	if len(box) < MinPackedEncryptedSize {
		return nil, false
	}

	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	return secretbox.Open(nil, box[nonceSize:], &nonce, key)
}

// PackedEncryptedSize returns the size of the sealed blob for a message of
// msgSize bytes.
func PackedEncryptedSize(msgSize int) int {
	return nonceSize + msgSize + secretbox.Overhead
}

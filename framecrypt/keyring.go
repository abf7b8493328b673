package framecrypt

import (
	"crypto/cipher"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"

	"github.com/companyzero/mediacrypt/mcidentity"
)

const (
	// DefaultRingSize is the number of key slots kept per participant and
	// media kind. The key index travels as a single byte so a ring can
	// never hold more than 256 slots.
	DefaultRingSize = 16

	maxRingSize = 256
)

// Derivation contexts for the blake3 KDF. The raw media key is never used
// on the frame path directly, only material derived from it.
const (
	aeadKeyContext = "mediacrypt framecrypt aead key v1"
	ivSaltContext  = "mediacrypt framecrypt iv salt v1"
	ratchetContext = "mediacrypt framecrypt ratchet v1"
)

var (
	ErrKeyIndex   = errors.New("key index out of range")
	ErrKeyMissing = errors.New("no key material in slot")
)

// keySlot holds one generation of key material. material retains the raw
// key so the slot can be ratcheted forward. aead and salt are derived from
// it and are the only values the frame path touches. A disabled slot turns
// encode and decode into the identity transform.
type keySlot struct {
	material   mcidentity.MediaKey
	aead       cipher.AEAD
	salt       [IVSize]byte
	generation uint32
	disabled   bool
}

func (ks *keySlot) set(key *mcidentity.MediaKey, generation uint32) {
	ks.material = *key
	ks.aead, ks.salt = deriveFrameKey(key)
	ks.generation = generation
	ks.disabled = false
}

func (ks *keySlot) clear() {
	ks.material.Zero()
	ks.aead = nil
	ks.salt = [IVSize]byte{}
	ks.generation = 0
	ks.disabled = false
}

// KeyRing is a fixed size circular set of key slots plus a pointer to the
// current one. It is not safe for concurrent use; CryptoContext serializes
// access to it.
type KeyRing struct {
	slots   []keySlot
	current int
}

// NewKeyRing returns a ring with size empty slots. Sizes outside [1, 256]
// fall back to DefaultRingSize.
func NewKeyRing(size int) *KeyRing {
	if size < 1 || size > maxRingSize {
		size = DefaultRingSize
	}
	return &KeyRing{slots: make([]keySlot, size)}
}

// SetKey installs key material at index and makes it the current slot. A
// nil key installs the disabled marker instead, turning the slot into a
// pass through.
func (kr *KeyRing) SetKey(index int, key *mcidentity.MediaKey) error {
	if index < 0 || index >= len(kr.slots) {
		return ErrKeyIndex
	}
	slot := &kr.slots[index]
	if key == nil {
		slot.clear()
		slot.disabled = true
	} else {
		slot.set(key, 0)
	}
	kr.current = index
	return nil
}

// Ratchet advances the slot at index one generation in place and returns
// the new material. The current pointer does not move.
func (kr *KeyRing) Ratchet(index int) (*mcidentity.MediaKey, error) {
	if index < 0 || index >= len(kr.slots) {
		return nil, ErrKeyIndex
	}
	slot := &kr.slots[index]
	if slot.disabled || slot.aead == nil {
		return nil, ErrKeyMissing
	}
	next := RatchetKey(&slot.material)
	slot.set(next, slot.generation+1)
	return next, nil
}

// CurrentIndex returns the index of the current slot.
func (kr *KeyRing) CurrentIndex() int {
	return kr.current
}

// Size returns the number of slots in the ring.
func (kr *KeyRing) Size() int {
	return len(kr.slots)
}

// Destroy zeroes every slot.
func (kr *KeyRing) Destroy() {
	for i := range kr.slots {
		kr.slots[i].clear()
	}
	kr.current = 0
}

// RatchetKey derives the next generation of a media key. Deriving is one
// way, so holders of the new key cannot recover frames sealed under the old
// one.
func RatchetKey(key *mcidentity.MediaKey) *mcidentity.MediaKey {
	next := new(mcidentity.MediaKey)
	blake3.DeriveKey(next[:], ratchetContext, key[:])
	return next
}

// deriveFrameKey expands a media key into the AEAD instance and IV salt
// used on the frame path.
func deriveFrameKey(key *mcidentity.MediaKey) (cipher.AEAD, [IVSize]byte) {
	var subkey [chacha20poly1305.KeySize]byte
	blake3.DeriveKey(subkey[:], aeadKeyContext, key[:])
	aead, err := chacha20poly1305.New(subkey[:])
	if err != nil {
		// New only fails on a wrong key size.
		panic(err)
	}
	var salt [IVSize]byte
	blake3.DeriveKey(salt[:], ivSaltContext, key[:])
	return aead, salt
}

package mcidentity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/companyzero/sntrup4591761"
)

// ID32 is a 32-byte value that encodes as an hex string in json. This is used
// as an alias for all 32-byte arrays interpreted as digests, fingerprints and
// ed25519 public keys.
type ID32 [32]byte

// Fingerprint is the 32-byte hash handle of a participant's KEM public key.
type Fingerprint = ID32

// SigPublicKey is a 32-byte, fixed size ed25519 public key.
type SigPublicKey = ID32

// Digest is a 32-byte, fixed size blake256 digest.
type Digest = ID32

// Bytes returns the value as a slice of bytes.
func (u ID32) Bytes() []byte {
	return u[:]
}

// String returns the hex encoding of the ID32.
func (u ID32) String() string {
	return hex.EncodeToString(u[:])
}

// ShortLogID returns the first 8 bytes in hex format (16 chars), useful as a
// short log ID.
func (u ID32) ShortLogID() string {
	return hex.EncodeToString(u[:8])
}

// MarshalJSON marshals the value into a json string.
func (u ID32) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of an ID32.
func (u *ID32) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into an ID32. s must contain an hex-encoded value of
// the correct length.
func (u *ID32) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid ID32 length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// FromBytes copies the value from the given byte slice. The passed slice must
// have the correct length.
func (u *ID32) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid ID32 length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// ConstantTimeEq returns true when the two values are equal. The comparison is
// done in constant time.
func (u ID32) ConstantTimeEq(other *ID32) bool {
	return subtle.ConstantTimeCompare(u[:], other[:]) == 1
}

// IsEmpty returns true if the value is all zero.
func (u ID32) IsEmpty() bool {
	var empty ID32
	return u.ConstantTimeEq(&empty)
}

// Signature is a 64-byte, fixed size ed25519 signature. This is used as an
// alternative for 64-byte signatures to ensure compact encoding into json.
type Signature [64]byte

// SigPrivateKey is a 64-byte, fixed size ed25519 private key.
type SigPrivateKey = Signature

// NewSigKeyPair generates a new, random signing keypair.
func NewSigKeyPair() (*SigPrivateKey, *SigPublicKey) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		// Should not happen with crypto rand reader.
		panic(err)
	}

	var fixedPriv SigPrivateKey
	var fixedPub SigPublicKey

	copy(fixedPub[:], pub)
	copy(fixedPriv[:], priv)
	return &fixedPriv, &fixedPub
}

// String returns the hex encoding of the Signature.
func (u Signature) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the signature into a json string.
func (u Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a Signature.
func (u *Signature) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a Signature. s must contain an hex-encoded
// signature of the correct length.
func (u *Signature) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid Signature length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// FromBytes copies the signature from the given byte slice. The passed slice
// must have the correct length.
func (u *Signature) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid Signature length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// KEMPublicKey is a fixed size sntrup4591761 public key.
type KEMPublicKey [sntrup4591761.PublicKeySize]byte

// String returns the hex encoding of the KEMPublicKey.
func (u KEMPublicKey) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the key into a json string.
func (u KEMPublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a KEMPublicKey.
func (u *KEMPublicKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a KEMPublicKey. s must contain an hex-encoded key
// of the correct length.
func (u *KEMPublicKey) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid KEMPublicKey length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// FromBytes copies the key from the given byte slice. The passed slice must
// have the correct length.
func (u *KEMPublicKey) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid KEMPublicKey length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// Encapsulate generates a fresh shared key encapsulated to this public key.
func (u *KEMPublicKey) Encapsulate() (*sntrup4591761.Ciphertext, *sntrup4591761.SharedKey) {
	cipher, key, err := sntrup4591761.Encapsulate(rand.Reader, (*sntrup4591761.PublicKey)(u))
	if err != nil {
		// crypto rand.Reader never errors.
		panic(err)
	}

	return cipher, key
}

// KEMPrivateKey is a fixed size sntrup4591761 private key.
type KEMPrivateKey [sntrup4591761.PrivateKeySize]byte

// String returns the hex encoding of the KEMPrivateKey.
func (u KEMPrivateKey) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the key into a json string.
func (u KEMPrivateKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a KEMPrivateKey.
func (u *KEMPrivateKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a KEMPrivateKey. s must contain an hex-encoded key
// of the correct length.
func (u *KEMPrivateKey) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid KEMPrivateKey length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// FromBytes copies the key from the given byte slice. The passed slice must
// have the correct length.
func (u *KEMPrivateKey) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid KEMPrivateKey length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// Decapsulate recovers the shared key from b, which must hold a KEM
// ciphertext encapsulated to the corresponding public key. It returns false
// if the ciphertext is malformed.
func (u *KEMPrivateKey) Decapsulate(b []byte, sk *[32]byte) bool {
	if len(b) < sntrup4591761.CiphertextSize {
		return false
	}
	var cipher sntrup4591761.Ciphertext
	copy(cipher[:], b)
	shared, ok := sntrup4591761.Decapsulate(&cipher, (*sntrup4591761.PrivateKey)(u))
	if ok != 1 {
		return false
	}
	copy(sk[:], shared[:])
	return true
}

// NewKEMKeyPair generates a new, random KEM keypair.
func NewKEMKeyPair() (*KEMPrivateKey, *KEMPublicKey) {
	pub, priv, err := sntrup4591761.GenerateKey(rand.Reader)
	if err != nil {
		panic(err) // Should never happen
	}
	return (*KEMPrivateKey)(priv), (*KEMPublicKey)(pub)
}

// KEMCiphertext is a fixed size byte array capable of holding a sntrup4591761
// ciphertext that encodes as an hex string in json.
type KEMCiphertext [sntrup4591761.CiphertextSize]byte

// String returns the hex encoding of the KEMCiphertext.
func (u KEMCiphertext) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the ciphertext into a json string.
func (u KEMCiphertext) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a KEMCiphertext.
func (u *KEMCiphertext) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a KEMCiphertext. s must contain an hex-encoded
// ciphertext of the correct length.
func (u *KEMCiphertext) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid KEMCiphertext length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// FromBytes copies the ciphertext from the given byte slice. The passed slice
// must have the correct length.
func (u *KEMCiphertext) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid KEMCiphertext length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// MediaKey is a 32-byte symmetric key protecting conference media frames.
// Raw MediaKey material is never used directly by the frame path; AEAD
// subkeys are derived from it.
type MediaKey [32]byte

// NewMediaKey creates a new, random media key.
func NewMediaKey() *MediaKey {
	var res MediaKey
	rand.Read(res[:])
	return &res
}

// String returns the hex encoding of the MediaKey.
func (u MediaKey) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the key into a json string.
func (u MediaKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a MediaKey.
func (u *MediaKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a MediaKey. s must contain an hex-encoded key of
// the correct length.
func (u *MediaKey) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid MediaKey length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// Zero wipes the key material.
func (u *MediaKey) Zero() {
	zero(u[:])
}

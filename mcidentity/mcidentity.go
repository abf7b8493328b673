// Copyright (c) 2025-2026 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mcidentity manages the public and private identities conference
// participants use on the pairwise key-exchange protocol.
package mcidentity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/companyzero/sntrup4591761"
	"github.com/decred/dcrd/crypto/blake256"
)

var (
	prng = rand.Reader

	ErrVerify = errors.New("verify error")
)

// A participant public identity consists of the participant's conference id
// (an opaque, conference-stable string such as "alice"), an ed25519 public
// signature key, and a NTRU Prime public key (used to encapsulate shared
// secrets toward this participant). The Fingerprint field, taken as the
// BLAKE-256 of the NTRU public key, is a short handle for the key material.
// Digest and Signature self-certify the binding between the id and the keys.
type PublicIdentity struct {
	ID          string       `json:"id"`
	SigKey      SigPublicKey `json:"sigKey"`
	Key         KEMPublicKey `json:"key"`
	Fingerprint Fingerprint  `json:"fingerprint"`
	Digest      Digest       `json:"digest"`
	Signature   Signature    `json:"signature"`
}

// FullIdentity is a public identity plus the corresponding private keys.
type FullIdentity struct {
	Public        PublicIdentity `json:"publicIdentity"`
	PrivateSigKey SigPrivateKey  `json:"privateSigKey"`
	PrivateKey    KEMPrivateKey  `json:"privateKey"`
}

// NewWithRNG generates a new identity for the given conference id, drawing
// randomness from the passed reader.
func NewWithRNG(id string, prng io.Reader) (*FullIdentity, error) {
	ed25519Pub, ed25519Priv, err := ed25519.GenerateKey(prng)
	if err != nil {
		return nil, err
	}
	ntruprimePub, ntruprimePriv, err := sntrup4591761.GenerateKey(prng)
	if err != nil {
		return nil, err
	}

	fi := new(FullIdentity)
	fi.Public.ID = id
	copy(fi.Public.SigKey[:], ed25519Pub[:])
	copy(fi.Public.Key[:], ntruprimePub[:])
	fi.Public.Fingerprint = *FingerprintFromPub(ntruprimePub)
	copy(fi.PrivateSigKey[:], ed25519Priv[:])
	copy(fi.PrivateKey[:], ntruprimePriv[:])
	err = fi.RecalculateDigest()
	if err != nil {
		return nil, err
	}

	zero(ed25519Priv[:])
	zero(ntruprimePriv[:])

	return fi, nil
}

// New generates a new identity for the given conference id.
func New(id string) (*FullIdentity, error) {
	return NewWithRNG(id, prng)
}

// MustNew generates a new identity or panics.
func MustNew(id string) *FullIdentity {
	fi, err := New(id)
	if err != nil {
		panic(err)
	}
	return fi
}

// RecalculateDigest recomputes the digest over the public key material and
// re-signs it.
func (fi *FullIdentity) RecalculateDigest() error {
	d := blake256.New()
	d.Write(fi.Public.SigKey[:])
	d.Write(fi.Public.Key[:])
	d.Write([]byte(fi.Public.ID))
	copy(fi.Public.Digest[:], d.Sum(nil))

	signature := ed25519.Sign(fi.PrivateSigKey[:], fi.Public.Digest[:])
	copy(fi.Public.Signature[:], signature)
	if !fi.Public.Verify() {
		return fmt.Errorf("could not verify public signature")
	}

	return nil
}

// SignMessage signs a message with an Ed25519 private key.
func SignMessage(message []byte, privKey *SigPrivateKey) Signature {
	var sig [ed25519.SignatureSize]byte
	copy(sig[:], ed25519.Sign(privKey[:], message))
	return sig
}

func (fi *FullIdentity) SignMessage(message []byte) Signature {
	return SignMessage(message, &fi.PrivateSigKey)
}

// VerifyMessage verifies a message with an Ed25519 public key.
func VerifyMessage(msg []byte, sig *Signature, pubKey *SigPublicKey) bool {
	return ed25519.Verify(pubKey[:], msg, sig[:])
}

func (p PublicIdentity) VerifyMessage(msg []byte, sig *Signature) bool {
	return VerifyMessage(msg, sig, &p.SigKey)
}

func (p PublicIdentity) String() string {
	return p.ID
}

// Verify checks the self-signed digest over the public key material.
func (p PublicIdentity) Verify() bool {
	d := blake256.New()
	d.Write(p.SigKey[:])
	d.Write(p.Key[:])
	d.Write([]byte(p.ID))
	if !bytes.Equal(p.Digest[:], d.Sum(nil)) {
		return false
	}
	return ed25519.Verify(p.SigKey[:], p.Digest[:], p.Signature[:])
}

// VerifyFingerprint checks that the fingerprint matches the KEM public key.
func (p PublicIdentity) VerifyFingerprint() bool {
	key := (*sntrup4591761.PublicKey)(&p.Key)
	return p.Fingerprint == *FingerprintFromPub(key)
}

// FingerprintFromPub derives the fingerprint of a KEM public key.
func FingerprintFromPub(pub *sntrup4591761.PublicKey) *Fingerprint {
	h := blake256.New()
	h.Write(pub[:])
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return &fp
}

// Zero out a byte slice.
func zero(in []byte) {
	if in == nil {
		return
	}
	for i := 0; i < len(in); i++ {
		in[i] ^= in[i]
	}
}

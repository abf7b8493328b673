// Copyright (c) 2025-2026 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mcidentity

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
)

func TestNew(t *testing.T) {
	_, err := New("alice")
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}
}

func TestString(t *testing.T) {
	alice, err := New("alice")
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}

	s := fmt.Sprintf("%v", alice.Public)
	if s != "alice" {
		t.Fatalf("stringer not working")
	}
}

func TestSignVerify(t *testing.T) {
	alice, err := New("alice")
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}

	message := []byte("this is a message")
	signature := alice.SignMessage(message)
	if !alice.Public.VerifyMessage(message, &signature) {
		t.Fatalf("corrupt signature")
	}
}

func TestVerifyIdentity(t *testing.T) {
	alice, err := New("alice")
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}

	if !alice.Public.Verify() {
		t.Fatalf("identity does not self-verify")
	}
	if !alice.Public.VerifyFingerprint() {
		t.Fatalf("fingerprint does not match KEM key")
	}

	// Tampering with the id must break the digest.
	mallory := alice.Public
	mallory.ID = "mallory"
	if mallory.Verify() {
		t.Fatalf("tampered identity verified")
	}
}

func TestEncapsulateDecapsulate(t *testing.T) {
	alice, err := New("alice")
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}

	cipher, sharedEnc := alice.Public.Key.Encapsulate()
	var sharedDec [32]byte
	if !alice.PrivateKey.Decapsulate(cipher[:], &sharedDec) {
		t.Fatalf("decapsulate failed")
	}
	if *sharedEnc != sharedDec {
		t.Fatalf("shared keys differ")
	}

	// A mangled ciphertext must not decapsulate.
	cipher[0] ^= 0xff
	if alice.PrivateKey.Decapsulate(cipher[:], &sharedDec) {
		t.Fatalf("mangled ciphertext decapsulated")
	}
}

func TestJsonEncode(t *testing.T) {
	alice, err := New("alice")
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}

	blob, err := json.Marshal(alice)
	if err != nil {
		t.Fatal(err)
	}

	aliceRecovered := new(FullIdentity)
	if err := json.Unmarshal(blob, aliceRecovered); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(alice, aliceRecovered) {
		t.Fatalf("Unequal alice after recovery: %s vs %s",
			spew.Sdump(alice), spew.Sdump(aliceRecovered))
	}
}

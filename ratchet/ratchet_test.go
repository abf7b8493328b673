// Copyright (c) 2025-2026 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/companyzero/mediacrypt/mcidentity"
	"github.com/companyzero/mediacrypt/sw"
	"github.com/companyzero/sntrup4591761"
	"golang.org/x/crypto/curve25519"
)

func pairedRatchet(t *testing.T) (a, b *Ratchet) {
	t.Helper()

	alice := mcidentity.MustNew("alice")
	bob := mcidentity.MustNew("bob")

	a = New(rand.Reader)
	a.MyPrivateKey = &alice.PrivateKey
	a.TheirPublicKey = &bob.Public.Key

	b = New(rand.Reader)
	b.MyPrivateKey = &bob.PrivateKey
	b.TheirPublicKey = &alice.Public.Key

	kxA, kxB := new(KeyExchange), new(KeyExchange)
	if err := a.FillKeyExchange(kxA); err != nil {
		t.Fatal(err)
	}
	if err := b.FillKeyExchange(kxB); err != nil {
		t.Fatal(err)
	}
	if err := a.CompleteKeyExchange(kxB, false); err != nil {
		t.Fatal(err)
	}
	if err := b.CompleteKeyExchange(kxA, true); err != nil {
		t.Fatal(err)
	}

	return
}

func TestExchange(t *testing.T) {
	a, b := pairedRatchet(t)

	msg := []byte(strings.Repeat("test message", 1024*1024))
	encrypted, err := a.Encrypt(nil, msg)
	if err != nil {
		t.Fatal(err)
	}
	result, err := b.Decrypt(encrypted)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, result) {
		t.Fatalf("result doesn't match: %x vs %x", msg, result)
	}
}

func TestDrain(t *testing.T) {
	a, b := pairedRatchet(t)

	msg := []byte("test message")
	for i := 0; i < 5; i++ {
		// alice -> bob
		encrypted, err := a.Encrypt(nil, msg)
		if err != nil {
			t.Fatal(err)
		}
		result, err := b.Decrypt(encrypted)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(msg, result) {
			t.Fatalf("result doesn't match: %x vs %x", msg, result)
		}

		// bob -> alice
		encrypted, err = b.Encrypt(nil, msg)
		if err != nil {
			t.Fatal(err)
		}
		result, err = a.Decrypt(encrypted)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(msg, result) {
			t.Fatalf("result doesn't match: %x vs %x", msg, result)
		}
	}
}

func TestBigSkip(t *testing.T) {
	a, b := pairedRatchet(t)

	var (
		encrypted []byte
		err       error
	)
	msg := []byte(strings.Repeat("test message", 1024))
	// Breaks at 82, maxMissingMessages = 80 + currentKey + nextKey
	for i := 0; i < maxMissingMessages+2; i++ {
		encrypted, err = a.Encrypt(nil, msg)
		if err != nil {
			t.Fatal(err)
		}
	}
	_, err = b.Decrypt(encrypted)
	if !errors.Is(err, ErrReorderingLimit) {
		t.Fatalf("got %v, want %v", err, ErrReorderingLimit)
	}
}

func TestBothWays(t *testing.T) {
	a, b := pairedRatchet(t)

	msg := []byte(strings.Repeat("test message", 1024*1024))
	encrypted, err := a.Encrypt(nil, msg)
	if err != nil {
		t.Fatal(err)
	}
	result, err := b.Decrypt(encrypted)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, result) {
		t.Fatalf("result doesn't match: %x vs %x", msg, result)
	}

	// Header keys only ratchet once the other side sends.
	encrypted2, err := b.Encrypt(nil, msg)
	if err != nil {
		t.Fatal(err)
	}
	result2, err := a.Decrypt(encrypted2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, result2) {
		t.Fatalf("result doesn't match: %x vs %x", msg, result)
	}
}

func TestBreak(t *testing.T) {
	a, b := pairedRatchet(t)

	msg := []byte(strings.Repeat("test message", 1024))
	encrypted, err := a.Encrypt(nil, msg)
	if err != nil {
		t.Fatal(err)
	}
	result, err := b.Decrypt(encrypted)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, result) {
		t.Fatalf("result doesn't match: %x vs %x", msg, result)
	}

	_, err = b.Decrypt(encrypted)
	if err == nil {
		t.Fatal("can't go backwards")
	}

	// Encrypt something and skip one decrypt
	_, err = a.Encrypt(nil, msg)
	if err != nil {
		t.Fatal(err)
	}
	encrypted3, err := a.Encrypt(nil, msg)
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Decrypt(encrypted3)
	if err != nil {
		t.Fatal(err)
	}
}

type scriptAction struct {
	// object is one of sendA, sendB or sendDelayed. The first two options
	// cause a message to be sent from one party to the other. The latter
	// causes a previously delayed message, identified by id, to be
	// delivered.
	object int
	// result is one of deliver, drop or delay. If delay, then the message
	// is stored using the value in id. This value can be repeated later
	// with a sendDelayed.
	result int
	id     int
}

const (
	sendA = iota
	sendB
	sendDelayed
	deliver
	drop
	delay
)

func testScript(t *testing.T, script []scriptAction) {
	type delayedMessage struct {
		msg       []byte
		encrypted []byte
		fromA     bool
	}
	delayedMessages := make(map[int]delayedMessage)
	a, b := pairedRatchet(t)

	for i, action := range script {
		switch action.object {
		case sendA, sendB:
			sender, receiver := a, b
			if action.object == sendB {
				sender, receiver = receiver, sender
			}

			var msg [20]byte
			rand.Reader.Read(msg[:])
			encrypted, err := sender.Encrypt(nil, msg[:])
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			switch action.result {
			case deliver:
				result, err := receiver.Decrypt(encrypted)
				if err != nil {
					t.Fatalf("#%d: receiver returned error: %s", i, err)
				}
				if !bytes.Equal(result, msg[:]) {
					t.Fatalf("#%d: bad message: got %x, not %x", i, result, msg[:])
				}
			case delay:
				if _, ok := delayedMessages[action.id]; ok {
					t.Fatalf("#%d: already have delayed message with id %d", i, action.id)
				}
				delayedMessages[action.id] = delayedMessage{msg[:], encrypted, sender == a}
			case drop:
			}
		case sendDelayed:
			delayed, ok := delayedMessages[action.id]
			if !ok {
				t.Fatalf("#%d: no such delayed message id: %d", i, action.id)
			}

			receiver := a
			if delayed.fromA {
				receiver = b
			}

			result, err := receiver.Decrypt(delayed.encrypted)
			if err != nil {
				t.Fatalf("#%d: receiver returned error: %s", i, err)
			}
			if !bytes.Equal(result, delayed.msg) {
				t.Fatalf("#%d: bad message: got %x, not %x", i, result, delayed.msg)
			}
		}
	}
}

func TestBackAndForth(t *testing.T) {
	testScript(t, []scriptAction{
		{sendA, deliver, -1},
		{sendB, deliver, -1},
		{sendA, deliver, -1},
		{sendB, deliver, -1},
		{sendA, deliver, -1},
		{sendB, deliver, -1},
	})
}

func TestReorder(t *testing.T) {
	testScript(t, []scriptAction{
		{sendA, deliver, -1},
		{sendA, delay, 0},
		{sendA, deliver, -1},
		{sendDelayed, deliver, 0},
	})
}

func TestReorderAfterRatchet(t *testing.T) {
	testScript(t, []scriptAction{
		{sendA, deliver, -1},
		{sendA, delay, 0},
		{sendB, deliver, -1},
		{sendA, deliver, -1},
		{sendB, deliver, -1},
		{sendDelayed, deliver, 0},
	})
}

func TestDrop(t *testing.T) {
	testScript(t, []scriptAction{
		{sendA, drop, -1},
		{sendA, drop, -1},
		{sendA, drop, -1},
		{sendA, drop, -1},
		{sendA, deliver, -1},
		{sendB, deliver, -1},
	})
}

func TestLots(t *testing.T) {
	script := make([]scriptAction, 0, 40)
	for i := 0; i < 20; i++ {
		script = append(script, scriptAction{sendA, deliver, -1})
	}
	for i := 0; i < 20; i++ {
		script = append(script, scriptAction{sendB, deliver, -1})
	}
	testScript(t, script)
}

func TestSavedKeyExpiry(t *testing.T) {
	a, b := pairedRatchet(t)

	now := time.Now()
	b.Now = func() time.Time { return now }

	msg := []byte("test message")
	delayed, err := a.Encrypt(nil, msg)
	if err != nil {
		t.Fatal(err)
	}
	encrypted, err := a.Encrypt(nil, msg)
	if err != nil {
		t.Fatal(err)
	}

	// Delivering the second message saves a key for the first.
	if _, err := b.Decrypt(encrypted); err != nil {
		t.Fatal(err)
	}
	if got := b.SavedKeyCount(); got != 1 {
		t.Fatalf("saved key count: got %d, want 1", got)
	}

	// Once the key ages out the delayed message is refused.
	now = now.Add(savedKeyLifetime + time.Minute)
	_, err = b.Decrypt(delayed)
	if !errors.Is(err, ErrDuplicateOrDelayed) {
		t.Fatalf("got %v, want %v", err, ErrDuplicateOrDelayed)
	}
	if got := b.SavedKeyCount(); got != 0 {
		t.Fatalf("saved key count: got %d, want 0", got)
	}
}

func TestFillOrder(t *testing.T) {
	alice := mcidentity.MustNew("alice")
	bob := mcidentity.MustNew("bob")

	a := New(rand.Reader)
	a.MyPrivateKey = &alice.PrivateKey
	a.TheirPublicKey = &bob.Public.Key

	b := New(rand.Reader)
	b.MyPrivateKey = &bob.PrivateKey
	b.TheirPublicKey = &alice.Public.Key

	// b fills before a has produced anything.
	kxB := new(KeyExchange)
	if err := b.FillKeyExchange(kxB); err != nil {
		t.Fatal(err)
	}

	kxA := new(KeyExchange)
	if err := a.FillKeyExchange(kxA); err != nil {
		t.Fatal(err)
	}
	if err := a.CompleteKeyExchange(kxB, false); err != nil {
		t.Fatal(err)
	}
	if err := b.CompleteKeyExchange(kxA, true); err != nil {
		t.Fatal(err)
	}

	// Filling again after completion must fail.
	err := a.FillKeyExchange(kxA)
	if !errors.Is(err, ErrHandshakeComplete) {
		t.Fatalf("got %v, want %v", err, ErrHandshakeComplete)
	}
}

func FillKeyExchangeWithPublicPoint(r *Ratchet, kx *KeyExchange, pub *[32]byte) error {
	c, k, err := sntrup4591761.Encapsulate(r.rand, (*sntrup4591761.PublicKey)(r.TheirPublicKey))
	if err != nil {
		return err
	}
	packed, err := sw.Seal(pub[:], k)
	if err != nil {
		return err
	}

	r.myHalf = k
	kx.Cipher = c[:]
	kx.Public = packed

	return nil
}

func testECDHpoint(t *testing.T, a *Ratchet, pubDH *[32]byte) error {
	alice := mcidentity.MustNew("alice")
	bob := mcidentity.MustNew("bob")

	a.MyPrivateKey = &alice.PrivateKey
	a.TheirPublicKey = &bob.Public.Key

	b := New(rand.Reader)
	b.MyPrivateKey = &bob.PrivateKey
	b.TheirPublicKey = &alice.Public.Key

	kxA, kxB := new(KeyExchange), new(KeyExchange)
	if err := FillKeyExchangeWithPublicPoint(a, kxA, pubDH); err != nil {
		t.Fatal(err)
	}
	if err := b.FillKeyExchange(kxB); err != nil {
		t.Fatal(err)
	}
	if err := a.CompleteKeyExchange(kxB, false); err != nil {
		return err
	}
	if err := b.CompleteKeyExchange(kxA, true); err != nil {
		return err
	}

	return nil
}

func TestECDHpoints(t *testing.T) {
	a := New(rand.Reader)
	pubDH := new([32]byte)
	// test 1: dh = 0
	err := testECDHpoint(t, a, pubDH)
	if err == nil {
		t.Fatal("invalid ECDH kx succeeded")
	}
	// test 2: dh = 1
	a = New(rand.Reader)
	pubDH[0] = 1
	err = testECDHpoint(t, a, pubDH)
	if err == nil {
		t.Fatal("invalid ECDH kx succeeded")
	}
	// test 3: dh = 2^256 - 1
	a = New(rand.Reader)
	for i := 0; i < 32; i++ {
		pubDH[i] = 0xff
	}
	err = testECDHpoint(t, a, pubDH)
	if err == nil {
		t.Fatal("invalid ECDH kx succeeded")
	}
	// test 4: make sure testECDHpoint() works
	a = New(rand.Reader)
	curve25519.ScalarBaseMult(pubDH, a.kxPrivate)
	err = testECDHpoint(t, a, pubDH)
	if err != nil {
		t.Fatal("valid ECDH kx failed")
	}
}

func TestImpersonation(t *testing.T) {
	alice := mcidentity.MustNew("alice")
	bob := mcidentity.MustNew("bob")
	chris := mcidentity.MustNew("chris")

	b := New(rand.Reader)
	b.MyPrivateKey = &bob.PrivateKey

	c := New(rand.Reader)
	c.MyPrivateKey = &chris.PrivateKey

	// pair Bob and Chris
	b.TheirPublicKey = &chris.Public.Key
	c.TheirPublicKey = &bob.Public.Key

	// kx from Bob to Chris
	kxBC := new(KeyExchange)
	if err := b.FillKeyExchange(kxBC); err != nil {
		t.Fatal(err)
	}
	// kx from Chris to Bob
	kxCB := new(KeyExchange)
	if err := c.FillKeyExchange(kxCB); err != nil {
		t.Fatal(err)
	}
	if err := c.CompleteKeyExchange(kxBC, false); err != nil {
		t.Fatal(err)
	}
	if err := b.CompleteKeyExchange(kxCB, true); err != nil {
		t.Fatal(err)
	}

	// Chris knows Bob's public key, and will now impersonate Bob to Alice.
	a := New(rand.Reader)
	a.MyPrivateKey = &alice.PrivateKey

	notB := New(rand.Reader)
	notB.MyPrivateKey = &chris.PrivateKey // I am actually Chris...

	// Alice thinks she's talking to Bob
	a.TheirPublicKey = &bob.Public.Key

	// While notBob (Chris) knows it's talking to Alice
	notB.TheirPublicKey = &alice.Public.Key

	kxCA := new(KeyExchange)
	if err := notB.FillKeyExchange(kxCA); err != nil {
		t.Fatal(err)
	}
	kxAC := new(KeyExchange)
	if err := a.FillKeyExchange(kxAC); err != nil {
		t.Fatal(err)
	}
	// Alice completes, since the exchange she received was created for
	// her long term key. The reverse direction must fail: Alice
	// encapsulated to Bob's key and Chris can neither decapsulate that
	// ciphertext nor open the sealed ratchet public inside.
	if err := a.CompleteKeyExchange(kxCA, false); err != nil {
		t.Fatal(err)
	}
	if err := notB.CompleteKeyExchange(kxAC, true); err == nil {
		t.Fatal("kx should not have completed")
	}
}

func TestEncryptSize(t *testing.T) {
	// Fixed size test.
	gotSize := EncryptedSize(128)
	wantSize := 24 + (64 + 16) + (128 + 16)
	if gotSize != wantSize {
		t.Fatalf("unexpected size -- got %d, want %d", gotSize, wantSize)
	}

	// Double check with an actual Encrypt() call.
	a, _ := pairedRatchet(t)
	msg := []byte(strings.Repeat("test message", 1024*1024))
	encrypted, err := a.Encrypt(nil, msg)
	if err != nil {
		t.Fatal(err)
	}
	wantSize = len(encrypted)
	gotSize = EncryptedSize(len(msg))
	if gotSize != wantSize {
		t.Fatalf("unexpected double check size -- got %d, want %d",
			gotSize, wantSize)
	}
}

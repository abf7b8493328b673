package framecrypt

import (
	"errors"
	"testing"

	"github.com/companyzero/mediacrypt/mcidentity"
)

func TestKeyRingBounds(t *testing.T) {
	kr := NewKeyRing(4)
	key := mcidentity.NewMediaKey()

	if err := kr.SetKey(-1, key); !errors.Is(err, ErrKeyIndex) {
		t.Fatalf("got %v, want %v", err, ErrKeyIndex)
	}
	if err := kr.SetKey(4, key); !errors.Is(err, ErrKeyIndex) {
		t.Fatalf("got %v, want %v", err, ErrKeyIndex)
	}
	if _, err := kr.Ratchet(7); !errors.Is(err, ErrKeyIndex) {
		t.Fatalf("got %v, want %v", err, ErrKeyIndex)
	}
	if _, err := kr.Ratchet(1); !errors.Is(err, ErrKeyMissing) {
		t.Fatalf("ratchet of empty slot: got %v, want %v", err, ErrKeyMissing)
	}

	if err := kr.SetKey(2, key); err != nil {
		t.Fatal(err)
	}
	if kr.CurrentIndex() != 2 {
		t.Fatalf("current %d, want 2", kr.CurrentIndex())
	}
}

func TestKeyRingSizeFallback(t *testing.T) {
	for _, size := range []int{0, -3, 257, 1 << 20} {
		if kr := NewKeyRing(size); kr.Size() != DefaultRingSize {
			t.Fatalf("size %d: got ring of %d, want %d",
				size, kr.Size(), DefaultRingSize)
		}
	}
	if kr := NewKeyRing(256); kr.Size() != 256 {
		t.Fatalf("got ring of %d, want 256", kr.Size())
	}
}

func TestKeyRingRatchet(t *testing.T) {
	kr := NewKeyRing(4)
	key := mcidentity.NewMediaKey()
	if err := kr.SetKey(0, key); err != nil {
		t.Fatal(err)
	}

	next, err := kr.Ratchet(0)
	if err != nil {
		t.Fatal(err)
	}
	if *next == *key {
		t.Fatal("ratchet returned the input key")
	}
	if want := RatchetKey(key); *next != *want {
		t.Fatal("ratchet is not deterministic")
	}
	if kr.slots[0].generation != 1 {
		t.Fatalf("generation %d, want 1", kr.slots[0].generation)
	}
	if kr.CurrentIndex() != 0 {
		t.Fatal("ratchet moved the current pointer")
	}

	// Ratcheting a disabled slot is meaningless.
	if err := kr.SetKey(1, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := kr.Ratchet(1); !errors.Is(err, ErrKeyMissing) {
		t.Fatalf("got %v, want %v", err, ErrKeyMissing)
	}
}

func TestKeyRingDisabledSlot(t *testing.T) {
	kr := NewKeyRing(4)
	if err := kr.SetKey(0, nil); err != nil {
		t.Fatal(err)
	}
	if !kr.slots[0].disabled {
		t.Fatal("slot not disabled")
	}

	// Installing real material clears the marker again.
	if err := kr.SetKey(0, mcidentity.NewMediaKey()); err != nil {
		t.Fatal(err)
	}
	if kr.slots[0].disabled {
		t.Fatal("slot still disabled after setting a key")
	}
}

func TestKeyRingDestroy(t *testing.T) {
	kr := NewKeyRing(4)
	for i := 0; i < 4; i++ {
		if err := kr.SetKey(i, mcidentity.NewMediaKey()); err != nil {
			t.Fatal(err)
		}
	}
	kr.Destroy()

	var zero mcidentity.MediaKey
	for i := range kr.slots {
		if kr.slots[i].material != zero || kr.slots[i].aead != nil {
			t.Fatalf("slot %d not cleared", i)
		}
	}
	if kr.CurrentIndex() != 0 {
		t.Fatal("current pointer not reset")
	}
}

func TestRatchetKeyOneWay(t *testing.T) {
	key := mcidentity.NewMediaKey()
	next := RatchetKey(key)
	again := RatchetKey(key)
	if *next != *again {
		t.Fatal("derivation not deterministic")
	}
	if *next == *key {
		t.Fatal("derivation returned its input")
	}

	// Distinct keys must not collide after ratcheting.
	other := RatchetKey(mcidentity.NewMediaKey())
	if *other == *next {
		t.Fatal("distinct keys ratcheted to the same value")
	}
}

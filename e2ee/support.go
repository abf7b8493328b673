package e2ee

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"

	"github.com/companyzero/mediacrypt/framecrypt"
	"github.com/companyzero/mediacrypt/mcidentity"
)

// CheckSupport probes every primitive the encryption layer depends on with a
// tiny self test. A failure means the platform cannot run end to end
// encryption and is reported as ErrUnsupportedPlatform before any media or
// key material is touched.
func CheckSupport() error {
	// Frame AEAD.
	var aeadKey [chacha20poly1305.KeySize]byte
	rand.Read(aeadKey[:])
	aead, err := chacha20poly1305.New(aeadKey[:])
	if err != nil {
		return fmt.Errorf("%w: aead: %v", ErrUnsupportedPlatform, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	msg := []byte("mediacrypt support probe")
	box := aead.Seal(nil, nonce, msg, nil)
	plain, err := aead.Open(nil, nonce, box, nil)
	if err != nil || !bytes.Equal(plain, msg) {
		return fmt.Errorf("%w: aead round trip failed", ErrUnsupportedPlatform)
	}

	// Key derivation.
	var kdfKey [32]byte
	blake3.DeriveKey(kdfKey[:], "mediacrypt support probe v1", aeadKey[:])
	if kdfKey == [32]byte{} {
		return fmt.Errorf("%w: kdf produced no output", ErrUnsupportedPlatform)
	}

	// Identity signing and the KEM used by the pairwise handshake.
	probe, err := mcidentity.New("support probe")
	if err != nil {
		return fmt.Errorf("%w: identity: %v", ErrUnsupportedPlatform, err)
	}
	sig := probe.SignMessage(msg)
	if !probe.Public.VerifyMessage(msg, &sig) {
		return fmt.Errorf("%w: signature did not verify", ErrUnsupportedPlatform)
	}
	ct, sharedKey := probe.Public.Key.Encapsulate()
	var decapped [32]byte
	if !probe.PrivateKey.Decapsulate(ct[:], &decapped) || decapped != *sharedKey {
		return fmt.Errorf("%w: kem round trip failed", ErrUnsupportedPlatform)
	}

	// A full frame round trip through the crypto context.
	cc := framecrypt.NewCryptoContext(framecrypt.ContextConfig{})
	key := mcidentity.NewMediaKey()
	if err := cc.SetKey(0, key); err != nil {
		return fmt.Errorf("%w: frame key: %v", ErrUnsupportedPlatform, err)
	}
	frame := &framecrypt.Frame{Data: msg, SSRC: 1, Timestamp: 1, Kind: framecrypt.KindAudio}
	wire, err := cc.Encode(frame)
	if err != nil {
		return fmt.Errorf("%w: frame encode: %v", ErrUnsupportedPlatform, err)
	}
	plain, err = cc.Decode(&framecrypt.Frame{Data: wire, SSRC: 1, Timestamp: 1, Kind: framecrypt.KindAudio})
	if err != nil || !bytes.Equal(plain, msg) {
		return fmt.Errorf("%w: frame round trip failed", ErrUnsupportedPlatform)
	}
	cc.Destroy()

	return nil
}

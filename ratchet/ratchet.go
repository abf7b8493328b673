// Copyright (c) 2025-2026 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ratchet implements the axolotl ratchet, by Trevor Perrin. See
// https://github.com/trevp/axolotl/wiki. The key exchange it performs is
// authenticated with sntrup4591761: each side encapsulates a shared key to
// the peer's long term KEM key and seals its ratchet public key under it, so
// completing an exchange proves possession of the long term private key.
//
// Ratchet state lives in memory only. Conference key distribution channels
// are created when end to end encryption is enabled and torn down when it is
// disabled, so nothing is ever written to disk.
package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"hash"
	"io"
	"time"

	"github.com/companyzero/mediacrypt/mcidentity"
	"github.com/companyzero/mediacrypt/sw"
	"github.com/companyzero/sntrup4591761"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// headerSize is the size, in bytes, of a header's plaintext contents.
	headerSize = 4 /* uint32 message count */ +
		4 /* uint32 previous message count */ +
		32 /* curve25519 ratchet public */ +
		24 /* nonce for message */
	// sealedHeaderSize is the size, in bytes, of an encrypted header.
	sealedHeaderSize = 24 /* nonce */ + headerSize + secretbox.Overhead
	// nonceInHeaderOffset is the offset of the message nonce in the
	// header's plaintext.
	nonceInHeaderOffset = 4 + 4 + 32
	// maxMissingMessages is the maximum number of missing messages that
	// we'll keep track of.
	maxMissingMessages = 80
	// savedKeyLifetime is how long a key for a missing message is
	// retained before it is dropped.
	savedKeyLifetime = time.Hour
)

var (
	ErrHandshakeComplete  = errors.New("ratchet: handshake already complete")
	ErrInvalidKeyExchange = errors.New("ratchet: peer's key exchange is invalid")
	ErrInvalidPoint       = errors.New("ratchet: invalid ECDH point")
	ErrCorruptMessage     = errors.New("ratchet: corrupt message")
	ErrCannotDecrypt      = errors.New("ratchet: cannot decrypt")
	ErrReorderingLimit    = errors.New("ratchet: message exceeds reordering limit")

	// ErrDuplicateOrDelayed is returned when a message number from the
	// past arrives and no key for it was saved, meaning the message is a
	// duplicate or was delayed longer than the tolerated lifetime.
	ErrDuplicateOrDelayed = errors.New("ratchet: duplicate message or message delayed longer than tolerance")
)

// KeyExchange carries one side of the initial handshake. Cipher holds a KEM
// ciphertext encapsulated to the peer's long term key and Public holds the
// sender's ratchet public key, sealed under the encapsulated shared key.
type KeyExchange struct {
	Cipher []byte `json:"cipher"`
	Public []byte `json:"public"`
}

// savedKey contains a message key and timestamp for a message which has not
// been received. The timestamp comes from the message by which we learn of
// the missing message.
type savedKey struct {
	key       [32]byte
	timestamp time.Time
}

// Ratchet holds the current state of a conversation with a single peer. All
// methods must be externally serialized.
type Ratchet struct {
	// MyPrivateKey is the long term KEM private key of this side.
	MyPrivateKey *mcidentity.KEMPrivateKey
	// TheirPublicKey is the long term KEM public key of the peer.
	TheirPublicKey *mcidentity.KEMPublicKey

	// Now is an optional hook for the current time, used when aging keys
	// saved for missing messages. When nil, time.Now is used.
	Now func() time.Time

	// rootKey gets updated by the DH ratchet.
	rootKey [32]byte
	// Header keys are used to encrypt message headers.
	sendHeaderKey, recvHeaderKey         [32]byte
	nextSendHeaderKey, nextRecvHeaderKey [32]byte
	// Chain keys are used for forward secrecy updating.
	sendChainKey, recvChainKey [32]byte
	// Ratchet counts apply to the current chain keys.
	sendCount, recvCount uint32
	prevSendCount        uint32
	// ratchet is true if we will ratchet (generate a new DH key pair)
	// before sending the next message.
	ratchet            bool
	sendRatchetPrivate [32]byte
	recvRatchetPublic  [32]byte

	// saved is a map from a header key to a map from sequence number to
	// message key.
	saved map[[32]byte]map[uint32]savedKey

	// kxPrivate is the curve25519 private key used in the initial key
	// exchange. It is zeroed once the exchange completes.
	kxPrivate *[32]byte
	// myHalf is the KEM shared key this side encapsulated toward the
	// peer in FillKeyExchange.
	myHalf *[32]byte

	rand io.Reader
}

// New creates a fresh ratchet that draws randomness from rand.
func New(rand io.Reader) *Ratchet {
	r := &Ratchet{
		rand:      rand,
		kxPrivate: new([32]byte),
		saved:     make(map[[32]byte]map[uint32]savedKey),
	}
	r.randBytes(r.kxPrivate[:])
	return r
}

func (r *Ratchet) randBytes(buf []byte) {
	if _, err := io.ReadFull(r.rand, buf); err != nil {
		panic(err)
	}
}

func (r *Ratchet) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// FillKeyExchange sets elements of kx with this side's half of the handshake.
func (r *Ratchet) FillKeyExchange(kx *KeyExchange) error {
	if r.kxPrivate == nil {
		return ErrHandshakeComplete
	}
	if r.TheirPublicKey == nil {
		return ErrInvalidKeyExchange
	}

	public, err := curve25519.X25519(r.kxPrivate[:], curve25519.Basepoint)
	if err != nil {
		return err
	}

	// Encapsulate a shared key to the peer's long term key and seal the
	// ratchet public under it. Only the holder of the corresponding
	// private key can recover the public.
	c, k, err := sntrup4591761.Encapsulate(r.rand, (*sntrup4591761.PublicKey)(r.TheirPublicKey))
	if err != nil {
		return err
	}
	packed, err := sw.Seal(public, k)
	if err != nil {
		return err
	}

	r.myHalf = k
	kx.Cipher = c[:]
	kx.Public = packed

	return nil
}

// checkPoint rejects curve25519 public values that X25519 would either mask
// or map to an all zero shared secret.
func checkPoint(p []byte) error {
	if len(p) != 32 {
		return ErrInvalidPoint
	}
	if p[31]&0x80 != 0 {
		return ErrInvalidPoint
	}
	return nil
}

// CompleteKeyExchange takes a KeyExchange message from the other party and
// establishes the ratchet. The alice argument picks which of the two initial
// key sets this side uses and must differ between the two parties.
func (r *Ratchet) CompleteKeyExchange(kx *KeyExchange, alice bool) error {
	if r.kxPrivate == nil {
		return ErrHandshakeComplete
	}
	if r.MyPrivateKey == nil {
		return ErrInvalidKeyExchange
	}
	if len(kx.Public) < sw.MinPackedEncryptedSize {
		return ErrInvalidKeyExchange
	}

	// Recover the peer's half of the shared key material. Failure here
	// means the exchange was not created for our long term key.
	theirHalf := new([32]byte)
	if !r.MyPrivateKey.Decapsulate(kx.Cipher, theirHalf) {
		return ErrInvalidKeyExchange
	}

	// Open the peer's sealed ratchet public key.
	pub, ok := sw.Open(kx.Public, theirHalf)
	if !ok {
		return ErrInvalidKeyExchange
	}
	if err := checkPoint(pub); err != nil {
		return err
	}
	var theirPublic [32]byte
	copy(theirPublic[:], pub)

	sharedKey, err := curve25519.X25519(r.kxPrivate[:], theirPublic[:])
	if err != nil {
		return ErrInvalidPoint
	}

	// The root material mixes both KEM halves with the ECDH shared
	// secret, ordered by role so both sides derive the same bytes.
	var keyMaterial [32]byte
	sha := sha256.New()
	if alice {
		sha.Write(r.myHalf[:])
		sha.Write(theirHalf[:])
	} else {
		sha.Write(theirHalf[:])
		sha.Write(r.myHalf[:])
	}
	sha.Write(sharedKey)
	sha.Sum(keyMaterial[:0])

	h := hmac.New(sha256.New, keyMaterial[:])
	deriveKey(&r.rootKey, rootKeyLabel, h)
	if alice {
		deriveKey(&r.recvHeaderKey, headerKeyLabel, h)
		deriveKey(&r.nextSendHeaderKey, sendHeaderKeyLabel, h)
		deriveKey(&r.nextRecvHeaderKey, recvHeaderKeyLabel, h)
		deriveKey(&r.recvChainKey, chainKeyLabel, h)
		copy(r.recvRatchetPublic[:], theirPublic[:])
	} else {
		deriveKey(&r.sendHeaderKey, headerKeyLabel, h)
		deriveKey(&r.nextRecvHeaderKey, sendHeaderKeyLabel, h)
		deriveKey(&r.nextSendHeaderKey, recvHeaderKeyLabel, h)
		deriveKey(&r.sendChainKey, chainKeyLabel, h)
		copy(r.sendRatchetPrivate[:], r.kxPrivate[:])
	}
	r.ratchet = alice

	zeroKey(r.kxPrivate)
	r.kxPrivate = nil
	zeroKey(r.myHalf)
	r.myHalf = nil

	return nil
}

var (
	rootKeyLabel       = []byte("root key")
	rootKeyUpdateLabel = []byte("root key update")
	headerKeyLabel     = []byte("header key")
	sendHeaderKeyLabel = []byte("next send header key")
	recvHeaderKeyLabel = []byte("next recv header key")
	chainKeyLabel      = []byte("chain key")
	chainKeyStepLabel  = []byte("chain key step")
	messageKeyLabel    = []byte("message key")
)

// deriveKey writes the HMAC of label into key, reusing key's backing array.
func deriveKey(key *[32]byte, label []byte, h hash.Hash) {
	h.Reset()
	h.Write(label)
	if n := h.Sum(key[:0]); &n[0] != &key[0] {
		panic("hash function too large")
	}
}

// Encrypt acts like append() but appends an encrypted version of msg to out.
func (r *Ratchet) Encrypt(out, msg []byte) ([]byte, error) {
	if r.ratchet {
		r.randBytes(r.sendRatchetPrivate[:])
		copy(r.sendHeaderKey[:], r.nextSendHeaderKey[:])

		sharedKey, err := curve25519.X25519(r.sendRatchetPrivate[:],
			r.recvRatchetPublic[:])
		if err != nil {
			return nil, ErrInvalidPoint
		}

		var keyMaterial [32]byte
		sha := sha256.New()
		sha.Write(rootKeyUpdateLabel)
		sha.Write(r.rootKey[:])
		sha.Write(sharedKey)
		sha.Sum(keyMaterial[:0])

		h := hmac.New(sha256.New, keyMaterial[:])
		deriveKey(&r.rootKey, rootKeyLabel, h)
		deriveKey(&r.nextSendHeaderKey, sendHeaderKeyLabel, h)
		deriveKey(&r.sendChainKey, chainKeyLabel, h)
		r.prevSendCount, r.sendCount = r.sendCount, 0
		r.ratchet = false
	}

	h := hmac.New(sha256.New, r.sendChainKey[:])
	var messageKey [32]byte
	deriveKey(&messageKey, messageKeyLabel, h)
	deriveKey(&r.sendChainKey, chainKeyStepLabel, h)

	sendRatchetPublic, err := curve25519.X25519(r.sendRatchetPrivate[:],
		curve25519.Basepoint)
	if err != nil {
		return nil, ErrInvalidPoint
	}

	var header [headerSize]byte
	var headerNonce, messageNonce [24]byte
	r.randBytes(headerNonce[:])
	r.randBytes(messageNonce[:])

	binary.LittleEndian.PutUint32(header[0:4], r.sendCount)
	binary.LittleEndian.PutUint32(header[4:8], r.prevSendCount)
	copy(header[8:], sendRatchetPublic)
	copy(header[nonceInHeaderOffset:], messageNonce[:])
	out = append(out, headerNonce[:]...)
	out = secretbox.Seal(out, header[:], &headerNonce, &r.sendHeaderKey)
	r.sendCount++
	return secretbox.Seal(out, msg, &messageNonce, &messageKey), nil
}

// trySavedKeys attempts to decrypt ciphertext using keys saved for missing
// messages.
func (r *Ratchet) trySavedKeys(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < sealedHeaderSize {
		return nil, ErrCorruptMessage
	}

	sealedHeader := ciphertext[:sealedHeaderSize]
	var nonce [24]byte
	copy(nonce[:], sealedHeader)
	sealedHeader = sealedHeader[len(nonce):]

	for headerKey, messageKeys := range r.saved {
		header, ok := secretbox.Open(nil, sealedHeader, &nonce, &headerKey)
		if !ok {
			continue
		}
		if len(header) != headerSize {
			continue
		}
		msgNum := binary.LittleEndian.Uint32(header[:4])
		msgKey, ok := messageKeys[msgNum]
		if !ok {
			// This is a fairly common case: the message key might
			// not have been saved because it's the next message
			// key.
			return nil, nil
		}

		sealedMessage := ciphertext[sealedHeaderSize:]
		copy(nonce[:], header[nonceInHeaderOffset:])
		msg, ok := secretbox.Open(nil, sealedMessage, &nonce, &msgKey.key)
		if !ok {
			return nil, ErrCorruptMessage
		}
		delete(messageKeys, msgNum)
		if len(messageKeys) == 0 {
			delete(r.saved, headerKey)
		}
		return msg, nil
	}

	return nil, nil
}

// saveKeys takes a header key, the current chain key, a received message
// number and the expected message number and advances the chain key as
// needed. It returns the message key for given given message number and the
// new chain key. If any messages have been skipped over, it also returns
// keys for them in a form suitable for merging into r.saved.
func (r *Ratchet) saveKeys(headerKey, recvChainKey *[32]byte, messageNum, receivedCount uint32) (provisionalChainKey, messageKey [32]byte, savedKeys map[[32]byte]map[uint32]savedKey, err error) {
	if messageNum < receivedCount {
		// This is a message from the past, but we didn't have a saved
		// key for it, which means that it's a duplicate message or we
		// expired the key for it.
		err = ErrDuplicateOrDelayed
		return
	}

	missingMessages := messageNum - receivedCount
	if missingMessages > maxMissingMessages {
		err = ErrReorderingLimit
		return
	}

	// messageKeys maps from message number to message key.
	var messageKeys map[uint32]savedKey
	var now time.Time
	if missingMessages > 0 {
		messageKeys = make(map[uint32]savedKey)
		now = r.now()
	}

	copy(provisionalChainKey[:], recvChainKey[:])

	for n := receivedCount; n <= messageNum; n++ {
		h := hmac.New(sha256.New, provisionalChainKey[:])
		deriveKey(&messageKey, messageKeyLabel, h)
		deriveKey(&provisionalChainKey, chainKeyStepLabel, h)

		if n < messageNum {
			messageKeys[n] = savedKey{messageKey, now}
		}
	}

	if messageKeys != nil {
		savedKeys = map[[32]byte]map[uint32]savedKey{*headerKey: messageKeys}
	}

	return
}

// mergeSavedKeys takes a map of saved message keys from saveKeys and merges
// them into r.saved.
func (r *Ratchet) mergeSavedKeys(savedKeys map[[32]byte]map[uint32]savedKey) {
	for headerKey, newMessageKeys := range savedKeys {
		messageKeys, ok := r.saved[headerKey]
		if !ok {
			r.saved[headerKey] = newMessageKeys
			continue
		}

		for n, messageKey := range newMessageKeys {
			messageKeys[n] = messageKey
		}
	}
}

// flushSavedKeys drops saved message keys that have aged past
// savedKeyLifetime.
func (r *Ratchet) flushSavedKeys(now time.Time) {
	for headerKey, messageKeys := range r.saved {
		for n, savedKey := range messageKeys {
			if now.Sub(savedKey.timestamp) > savedKeyLifetime {
				delete(messageKeys, n)
			}
		}
		if len(messageKeys) == 0 {
			delete(r.saved, headerKey)
		}
	}
}

// isZeroKey returns true if key is all zeros.
func isZeroKey(key *[32]byte) bool {
	var x uint8
	for _, v := range key {
		x |= v
	}

	return x == 0
}

// Decrypt decrypts a message, advancing the ratchet state as needed.
func (r *Ratchet) Decrypt(ciphertext []byte) ([]byte, error) {
	r.flushSavedKeys(r.now())

	msg, err := r.trySavedKeys(ciphertext)
	if err != nil || msg != nil {
		return msg, err
	}

	sealedHeader := ciphertext[:sealedHeaderSize]
	sealedMessage := ciphertext[sealedHeaderSize:]
	var nonce [24]byte
	copy(nonce[:], sealedHeader)
	sealedHeader = sealedHeader[len(nonce):]

	header, ok := secretbox.Open(nil, sealedHeader, &nonce, &r.recvHeaderKey)
	ok = ok && !isZeroKey(&r.recvHeaderKey)
	if ok {
		if len(header) != headerSize {
			return nil, ErrCorruptMessage
		}
		messageNum := binary.LittleEndian.Uint32(header[:4])
		provisionalChainKey, messageKey, savedKeys, err := r.saveKeys(&r.recvHeaderKey, &r.recvChainKey, messageNum, r.recvCount)
		if err != nil {
			return nil, err
		}

		copy(nonce[:], header[nonceInHeaderOffset:])
		msg, ok := secretbox.Open(nil, sealedMessage, &nonce, &messageKey)
		if !ok {
			return nil, ErrCorruptMessage
		}

		copy(r.recvChainKey[:], provisionalChainKey[:])
		r.mergeSavedKeys(savedKeys)
		r.recvCount = messageNum + 1
		return msg, nil
	}

	header, ok = secretbox.Open(nil, sealedHeader, &nonce, &r.nextRecvHeaderKey)
	ok = ok && !isZeroKey(&r.nextRecvHeaderKey)
	if !ok {
		return nil, ErrCannotDecrypt
	}
	if len(header) != headerSize {
		return nil, ErrCorruptMessage
	}

	if r.ratchet {
		// The peer ratcheted even though we were due to ratchet next.
		return nil, ErrCannotDecrypt
	}

	messageNum := binary.LittleEndian.Uint32(header[:4])
	prevMessageCount := binary.LittleEndian.Uint32(header[4:8])

	_, _, oldSavedKeys, err := r.saveKeys(&r.recvHeaderKey, &r.recvChainKey, prevMessageCount, r.recvCount)
	if err != nil {
		return nil, err
	}

	var dhPublic, rootKey, chainKey, keyMaterial [32]byte
	copy(dhPublic[:], header[8:])
	if err := checkPoint(dhPublic[:]); err != nil {
		return nil, err
	}

	sharedKey, err := curve25519.X25519(r.sendRatchetPrivate[:], dhPublic[:])
	if err != nil {
		return nil, ErrInvalidPoint
	}

	sha := sha256.New()
	sha.Write(rootKeyUpdateLabel)
	sha.Write(r.rootKey[:])
	sha.Write(sharedKey)
	sha.Sum(keyMaterial[:0])
	h := hmac.New(sha256.New, keyMaterial[:])
	deriveKey(&rootKey, rootKeyLabel, h)
	deriveKey(&chainKey, chainKeyLabel, h)

	provisionalChainKey, messageKey, savedKeys, err := r.saveKeys(&r.nextRecvHeaderKey, &chainKey, messageNum, 0)
	if err != nil {
		return nil, err
	}

	copy(nonce[:], header[nonceInHeaderOffset:])
	msg, ok = secretbox.Open(nil, sealedMessage, &nonce, &messageKey)
	if !ok {
		return nil, ErrCorruptMessage
	}

	copy(r.rootKey[:], rootKey[:])
	copy(r.recvChainKey[:], provisionalChainKey[:])
	copy(r.recvHeaderKey[:], r.nextRecvHeaderKey[:])
	deriveKey(&r.nextRecvHeaderKey, sendHeaderKeyLabel, h)
	zeroKey(&r.sendRatchetPrivate)
	copy(r.recvRatchetPublic[:], dhPublic[:])

	r.recvCount = messageNum + 1
	r.mergeSavedKeys(oldSavedKeys)
	r.mergeSavedKeys(savedKeys)
	r.ratchet = true

	return msg, nil
}

// SavedKeyCount returns the number of message keys saved for messages that
// have not arrived yet.
func (r *Ratchet) SavedKeyCount() int {
	var n int
	for _, messageKeys := range r.saved {
		n += len(messageKeys)
	}
	return n
}

// EncryptedSize returns the size of an encrypted blob for a message of size
// msgSize.
func EncryptedSize(msgSize int) int {
	return sealedHeaderSize + msgSize + secretbox.Overhead
}

func zeroKey(key *[32]byte) {
	if key == nil {
		return
	}
	for i := range key {
		key[i] = 0
	}
}

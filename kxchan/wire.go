package kxchan

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/companyzero/sntrup4591761"

	"github.com/companyzero/mediacrypt/mcidentity"
	"github.com/companyzero/mediacrypt/ratchet"
	"github.com/companyzero/mediacrypt/sw"
)

const MCHeaderVersion = 1

// maxDecompressSize caps how many bytes a single channel message may
// decompress to. Channel payloads are small, anything past this is garbage.
const maxDecompressSize = 64 * 1024

// Blob type prefixes on the signaling bus. Handshake blobs are sealed to the
// remote identity key, everything after establishment flows through the
// pairwise ratchet.
const (
	blobHandshake byte = 0x01
	blobRatchet   byte = 0x02
)

// Header describes which command follows this structure.
type Header struct {
	Version   uint64 `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Command   string `json:"command"`
	Tag       uint64 `json:"tag"`
}

// SessionInit starts a pairwise session. It carries the initiator's half of
// the ratchet key exchange and is sent by the side with the lower id.
type SessionInit struct {
	Public mcidentity.PublicIdentity `json:"public"`
	HalfKX ratchet.KeyExchange       `json:"halfkx"`
}

const CmdSessionInit = "sessioninit"

// SessionAck answers a SessionInit with the responder's half of the key
// exchange, establishing the session on both ends.
type SessionAck struct {
	Public mcidentity.PublicIdentity `json:"public"`
	FullKX ratchet.KeyExchange       `json:"fullkx"`
}

const CmdSessionAck = "sessionack"

// KeyInfo distributes one media key slot to the remote participant.
type KeyInfo struct {
	KeyIndex int                 `json:"keyindex"`
	Key      mcidentity.MediaKey `json:"key"`
}

const CmdKeyInfo = "keyinfo"

// KeyInfoAck confirms a KeyInfo was received and installed. It echoes the
// request tag in its header.
type KeyInfoAck struct {
	KeyIndex int `json:"keyindex"`
}

const CmdKeyInfoAck = "keyinfoack"

// ChannelError tells the remote side this end destroyed the session.
type ChannelError struct {
	Error string `json:"error"`
}

const CmdError = "error"

var errLimitedReaderExhausted = errors.New("errLimitedReaderExhausted")

// limitedReader mirrors the stdlib io.LimitedReader but fails with a
// distinct error once the budget is spent, which tells apart a normal EOF
// from an oversized message.
type limitedReader struct {
	R io.Reader // underlying reader
	N uint      // max bytes remaining
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.N <= 0 {
		return 0, errLimitedReaderExhausted
	}
	if uint(len(p)) > l.N {
		p = p[0:l.N]
	}
	n, err = l.R.Read(p)
	l.N -= uint(n)
	return
}

// composeMsg creates a blobified channel message with a header and a
// payload that can then be sealed and transmitted to the other side.
func composeMsg(tag uint64, msg interface{}, zlibLevel int) ([]byte, error) {
	h := Header{
		Version:   MCHeaderVersion,
		Timestamp: time.Now().Unix(),
		Tag:       tag,
	}
	switch msg.(type) {
	case SessionInit:
		h.Command = CmdSessionInit

	case SessionAck:
		h.Command = CmdSessionAck

	case KeyInfo:
		h.Command = CmdKeyInfo

	case KeyInfoAck:
		h.Command = CmdKeyInfoAck

	case ChannelError:
		h.Command = CmdError

	default:
		return nil, fmt.Errorf("unknown channel message type: %T", msg)
	}

	// Create header, note that the encoder appends a '\n'
	mb := &bytes.Buffer{}
	w, err := zlib.NewWriterLevel(mb, zlibLevel)
	if err != nil {
		return nil, err
	}

	e := json.NewEncoder(w)
	err = e.Encode(h)
	if err != nil {
		return nil, err
	}

	// Append payload
	err = e.Encode(msg)
	if err != nil {
		return nil, err
	}
	err = w.Close()
	if err != nil {
		return nil, err
	}

	return mb.Bytes(), nil
}

func decomposeMsg(mb []byte) (*Header, interface{}, error) {
	cr, err := zlib.NewReader(bytes.NewReader(mb))
	if err != nil {
		return nil, nil, err
	}
	lr := &limitedReader{R: cr, N: maxDecompressSize}

	// Read header
	var h Header
	d := json.NewDecoder(lr)
	err = d.Decode(&h)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %v", err)
	}

	// Decode payload
	var payload interface{}
	switch h.Command {
	case CmdSessionInit:
		var si SessionInit
		err = d.Decode(&si)
		payload = si

	case CmdSessionAck:
		var sa SessionAck
		err = d.Decode(&sa)
		payload = sa

	case CmdKeyInfo:
		var ki KeyInfo
		err = d.Decode(&ki)
		payload = ki

	case CmdKeyInfoAck:
		var ka KeyInfoAck
		err = d.Decode(&ka)
		payload = ka

	case CmdError:
		var ce ChannelError
		err = d.Decode(&ce)
		payload = ce

	default:
		return nil, nil, fmt.Errorf("unknown channel "+
			"message command: %v", h.Command)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("decode command %v: %w",
			h.Command, err)
	}

	return &h, payload, nil
}

// sealHandshake encrypts a composed handshake message to the remote
// identity key. The returned blob is packed as
// [type][sntrup ciphertext][sealed message].
func sealHandshake(blob []byte, theirKey *mcidentity.KEMPublicKey) ([]byte, error) {
	// Create shared key that is discarded as the function exits.
	cipherText, sharedKey := theirKey.Encapsulate()
	defer func() {
		for i := range sharedKey {
			sharedKey[i] = 0
		}
	}()

	sealed, err := sw.Seal(blob, sharedKey)
	if err != nil {
		return nil, err
	}
	packed := make([]byte, 1+sntrup4591761.CiphertextSize+len(sealed))
	packed[0] = blobHandshake
	copy(packed[1:], cipherText[:])
	copy(packed[1+sntrup4591761.CiphertextSize:], sealed)
	return packed, nil
}

// openHandshake reverses sealHandshake. body excludes the leading type byte.
func openHandshake(body []byte, myKey *mcidentity.KEMPrivateKey) ([]byte, error) {
	if len(body) < sntrup4591761.CiphertextSize+sw.MinPackedEncryptedSize {
		return nil, ErrInvalidHandshake
	}
	var sharedKey [32]byte
	if !myKey.Decapsulate(body[:sntrup4591761.CiphertextSize], &sharedKey) {
		return nil, ErrInvalidHandshake
	}
	defer func() {
		for i := range sharedKey {
			sharedKey[i] = 0
		}
	}()
	plain, ok := sw.Open(body[sntrup4591761.CiphertextSize:], &sharedKey)
	if !ok {
		return nil, ErrInvalidHandshake
	}
	return plain, nil
}

package e2ee

import (
	"errors"

	"github.com/companyzero/mediacrypt/framecrypt"
	"github.com/companyzero/mediacrypt/kxchan"
)

// The public error taxonomy of the encryption layer. The first three are the
// lower layers' sentinels re-exported, so errors.Is matches no matter which
// package surfaced the error.
var (
	// ErrFrameDecryptionFailed means a frame could not be decrypted
	// within the ratchet window and was dropped. Frame failures never
	// leave the media path, this value only shows up in stats callbacks.
	ErrFrameDecryptionFailed = framecrypt.ErrFrameDecryptionFailed

	// ErrChannelCorrupted means one pairwise session was destroyed and
	// needs a fresh handshake. Other participants are unaffected.
	ErrChannelCorrupted = kxchan.ErrChannelCorrupted

	// ErrKeyDistributionTimeout means a key delivery went unacknowledged
	// through all retries. The conference continues with best effort key
	// state.
	ErrKeyDistributionTimeout = kxchan.ErrKeyDistributionTimeout

	// ErrUnsupportedPlatform means the required crypto primitives failed
	// their self test, reported before any media is touched.
	ErrUnsupportedPlatform = errors.New("platform does not support the required primitives")

	// ErrNotEnabled is returned by operations that need encryption to be
	// on.
	ErrNotEnabled = errors.New("end to end encryption is not enabled")
)

package framecrypt

// MediaKind labels the media carried by a stream.
type MediaKind byte

const (
	KindAudio MediaKind = iota
	KindVideo
)

func (k MediaKind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// FrameType distinguishes video key frames from delta frames. It is ignored
// for audio.
type FrameType byte

const (
	FrameDelta FrameType = iota
	FrameKey
)

func (t FrameType) String() string {
	switch t {
	case FrameDelta:
		return "delta"
	case FrameKey:
		return "key"
	default:
		return "unknown"
	}
}

// Frame is one encoded media frame entering or leaving the transform of a
// sender or receiver. Data holds the full codec payload, encrypted or not
// depending on direction. SSRC and Timestamp mirror the RTP header fields of
// the packets that carry the frame.
type Frame struct {
	Data      []byte
	SSRC      uint32
	Timestamp uint32
	Kind      MediaKind
	Type      FrameType
}

// PrefixPolicy returns how many leading payload bytes of a frame stay in
// clear so the relay and the remote jitter buffer can still parse codec
// metadata. The prefix is authenticated as associated data, so it cannot be
// altered undetected, only read.
type PrefixPolicy func(kind MediaKind, frameType FrameType) int

// DefaultPrefixPolicy keeps the opus TOC byte in clear for audio and the VP8
// payload descriptor in clear for video: 10 bytes on key frames, 3 on delta
// frames. Other codecs need their own policy.
func DefaultPrefixPolicy(kind MediaKind, frameType FrameType) int {
	switch {
	case kind == KindAudio:
		return 1
	case frameType == FrameKey:
		return 10
	default:
		return 3
	}
}

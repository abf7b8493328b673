package xform

import (
	"context"
	"sync"

	"github.com/companyzero/mediacrypt/framecrypt"
)

// FrameSink receives each frame a pump delivers. A non-nil error stops the
// pump and is returned from its Run method.
type FrameSink func(*framecrypt.Frame) error

type direction uint8

const (
	dirSend direction = iota
	dirRecv
)

func (d direction) String() string {
	if d == dirSend {
		return "sender"
	}
	return "receiver"
}

// Stream is one ordered media stream pump. It reads frames from its source
// channel, transforms them through the owning participant's context and
// delivers them to the sink, strictly one frame at a time. Frames that fail
// to transform are dropped, nothing reaches the sink for them.
type Stream struct {
	c           *Coordinator
	participant string
	kind        framecrypt.MediaKind
	dir         direction
	in          <-chan *framecrypt.Frame
	sink        FrameSink

	quit     chan struct{}
	stopOnce sync.Once
}

// HandleSender wires the participant's encode transform to one outgoing
// media stream. Frames pushed into the channel are delivered to the sink
// with Data replaced by the wire payload. Run the returned stream to start
// pumping.
func (c *Coordinator) HandleSender(participant string, kind framecrypt.MediaKind, frames <-chan *framecrypt.Frame, sink FrameSink) *Stream {
	return c.newStream(participant, kind, dirSend, frames, sink)
}

// HandleReceiver wires the participant's decode transform to one incoming
// media stream. Frames pushed into the channel are delivered to the sink
// with Data replaced by the plaintext payload.
func (c *Coordinator) HandleReceiver(participant string, kind framecrypt.MediaKind, frames <-chan *framecrypt.Frame, sink FrameSink) *Stream {
	return c.newStream(participant, kind, dirRecv, frames, sink)
}

func (c *Coordinator) newStream(participant string, kind framecrypt.MediaKind, dir direction, frames <-chan *framecrypt.Frame, sink FrameSink) *Stream {
	s := &Stream{
		c:           c,
		participant: participant,
		kind:        kind,
		dir:         dir,
		in:          frames,
		sink:        sink,
		quit:        make(chan struct{}),
	}

	// Participants get their context on first wiring so key material
	// installed before media flows has somewhere to land.
	c.context(participant)

	c.streams.Compute(participant, func(streams []*Stream, _ bool) ([]*Stream, bool) {
		return append(streams, s), false
	})
	c.log.Debugf("Wired %s %s stream for %q", kind, dir, participant)
	return s
}

// Run pumps frames until the source channel closes, the context is canceled
// or the participant is cleaned up. The next frame on this stream starts
// only after the previous one completed, streams of other participants run
// independently.
func (s *Stream) Run(ctx context.Context) error {
	defer s.c.forget(s)
	for {
		select {
		case frame, ok := <-s.in:
			if !ok {
				return nil
			}
			if err := s.pump(frame); err != nil {
				return err
			}
		case <-s.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pump transforms one frame in place and hands it to the sink. Transform
// failures drop the frame and keep the stream alive.
func (s *Stream) pump(frame *framecrypt.Frame) error {
	var out []byte
	var err error
	if s.dir == dirSend {
		out, err = s.c.EncodeFrame(s.participant, frame)
	} else {
		out, err = s.c.DecodeFrame(s.participant, frame)
	}
	if err != nil {
		s.c.log.Tracef("Dropping %s %s frame of %q: %v", s.kind, s.dir,
			s.participant, err)
		return nil
	}
	frame.Data = out
	return s.sink(frame)
}

// stop tears the pump down. Safe to call multiple times.
func (s *Stream) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

// forget removes a finished pump from the registry.
func (c *Coordinator) forget(s *Stream) {
	c.streams.Compute(s.participant, func(streams []*Stream, loaded bool) ([]*Stream, bool) {
		if !loaded {
			return nil, true
		}
		out := make([]*Stream, 0, len(streams))
		for _, other := range streams {
			if other != s {
				out = append(out, other)
			}
		}
		return out, len(out) == 0
	})
}

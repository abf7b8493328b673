package xform

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/companyzero/mediacrypt/framecrypt"
	"github.com/companyzero/mediacrypt/internal/assert"
)

func TestStreamPumps(t *testing.T) {
	snd, rcv := pairedCoordinators(t, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := make(chan *framecrypt.Frame)
	mid := make(chan *framecrypt.Frame, 16)
	out := make(chan *framecrypt.Frame, 16)

	sender := snd.HandleSender("alice", framecrypt.KindAudio, src,
		func(f *framecrypt.Frame) error { mid <- f; return nil })
	receiver := rcv.HandleReceiver("alice", framecrypt.KindAudio, mid,
		func(f *framecrypt.Frame) error { out <- f; return nil })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sender.Run(gctx) })
	g.Go(func() error { return receiver.Run(gctx) })

	const nframes = 50
	go func() {
		for i := 0; i < nframes; i++ {
			src <- &framecrypt.Frame{
				Data:      []byte{0x80, byte(i), 2, 3, 4, 5},
				SSRC:      1,
				Timestamp: uint32(i) * 960,
				Kind:      framecrypt.KindAudio,
			}
		}
		close(src)
	}()

	// Per stream ordering means frames come out in send order.
	for i := 0; i < nframes; i++ {
		f := assert.ChanWritten(t, out)
		if f.Data[1] != byte(i) {
			t.Fatalf("frame %d arrived with payload byte %d", i, f.Data[1])
		}
		if len(f.Data) != 6 {
			t.Fatalf("frame %d has %d bytes after decode, want 6", i, len(f.Data))
		}
	}

	// Closing the source ends the sender pump. The receiver is stopped by
	// its participant's cleanup.
	rcv.Cleanup("alice")
	assert.NilErr(t, g.Wait())
}

func TestStreamDropsUndecryptable(t *testing.T) {
	_, rcv := pairedCoordinators(t, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dropped int
	rcv.cfg.DroppedCallback = func(participant string, err error) { dropped++ }

	mid := make(chan *framecrypt.Frame)
	out := make(chan *framecrypt.Frame, 1)
	receiver := rcv.HandleReceiver("alice", framecrypt.KindAudio, mid,
		func(f *framecrypt.Frame) error { out <- f; return nil })
	errChan := make(chan error, 1)
	go func() { errChan <- receiver.Run(ctx) }()

	// Garbage frames are dropped without stopping the pump.
	mid <- audioFrame(make([]byte, 64))
	close(mid)
	assert.NilErrFromChan(t, errChan)
	assert.ChanNotWritten(t, out, 10*time.Millisecond)
	if dropped != 1 {
		t.Fatalf("drop callback ran %d times, want 1", dropped)
	}
}

func TestStreamSinkError(t *testing.T) {
	c := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errBroken := errors.New("broken sink")
	src := make(chan *framecrypt.Frame, 1)
	sender := c.HandleSender("alice", framecrypt.KindAudio, src,
		func(f *framecrypt.Frame) error { return errBroken })
	errChan := make(chan error, 1)
	go func() { errChan <- sender.Run(ctx) }()

	src <- audioFrame([]byte{0x80, 1})
	err := assert.ChanWritten(t, errChan)
	assert.ErrorIs(t, err, errBroken)
}

func TestStreamStopsOnCleanup(t *testing.T) {
	c := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := make(chan *framecrypt.Frame)
	s := c.HandleReceiver("bob", framecrypt.KindVideo, src,
		func(f *framecrypt.Frame) error { return nil })
	errChan := make(chan error, 1)
	go func() { errChan <- s.Run(ctx) }()

	c.Cleanup("bob")
	assert.NilErrFromChan(t, errChan)

	// Cleaning up again is harmless.
	c.Cleanup("bob")
}

func TestStreamStopsOnContextDone(t *testing.T) {
	c := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())

	src := make(chan *framecrypt.Frame)
	s := c.HandleSender("bob", framecrypt.KindVideo, src,
		func(f *framecrypt.Frame) error { return nil })
	errChan := make(chan error, 1)
	go func() { errChan <- s.Run(ctx) }()

	cancel()
	err := assert.ChanWritten(t, errChan)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ContextDone(t, ctx)
}

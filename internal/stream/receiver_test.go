package stream

import (
	"bytes"
	"context"
	"errors"
	goimage "image"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nbc-viewer/internal/image"
)

type fakeSubscriber struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

func (s *fakeSubscriber) push(b []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, b)
	s.mu.Unlock()
}

func (s *fakeSubscriber) Recv() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, ErrNoMessage
	}
	b := s.queue[0]
	s.queue = s.queue[1:]
	return b, nil
}

func (s *fakeSubscriber) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func encodedFrame(t *testing.T, fill uint8, rows, cols int) []byte {
	t.Helper()
	gray := goimage.NewGray(goimage.Rect(0, 0, cols, rows))
	for i := range gray.Pix {
		gray.Pix[i] = fill
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gray))
	return buf.Bytes()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLatestConflates(t *testing.T) {
	l := NewLatest()
	assert.Nil(t, l.Load())

	a := &image.Frame{Pix: []uint8{1}}
	b := &image.Frame{Pix: []uint8{2}}
	l.Publish(a)
	l.Publish(b)

	assert.Same(t, b, l.Load())
	assert.Equal(t, uint64(2), l.Seq())

	<-l.Notify()
	select {
	case <-l.Notify():
		t.Fatal("notify signal duplicated")
	default:
	}
}

func TestReceiverPublishesValidFramesOnly(t *testing.T) {
	sub := &fakeSubscriber{}
	sub.push([]byte("not an image"))
	sub.push(encodedFrame(t, 10, 100, 100))
	sub.push(encodedFrame(t, 20, image.FrameRows, image.FrameCols))
	sub.push(encodedFrame(t, 30, image.FrameRows, image.FrameCols))

	slot := NewLatest()
	r := NewReceiver(sub, DecodeStd, slot, quietLogger())
	r.SetIdle(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		f := slot.Load()
		return f != nil && f.Pix[0] == 30
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, uint64(2), slot.Seq(), "only the two well-shaped frames are published")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not stop")
	}
	assert.True(t, sub.isClosed())
}

type failingSubscriber struct{ fakeSubscriber }

func (s *failingSubscriber) Recv() ([]byte, error) { return nil, errors.New("socket gone") }

func TestReceiverReturnsTransportFailure(t *testing.T) {
	sub := &failingSubscriber{}
	r := NewReceiver(sub, DecodeStd, NewLatest(), quietLogger())
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, sub.isClosed())
}

func TestDecodeStdRejectsShape(t *testing.T) {
	_, err := DecodeStd(encodedFrame(t, 1, 10, 10))
	assert.ErrorIs(t, err, image.ErrShape)

	_, err = DecoderByName("nope")
	assert.Error(t, err)
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nbc-viewer/internal/image"
	"nbc-viewer/internal/metrics"
)

// ErrNoMessage is returned by a Subscriber when nothing is waiting.
var ErrNoMessage = errors.New("no message available")

// DefaultIdle is how long the receiver sleeps after an empty poll.
const DefaultIdle = 10 * time.Millisecond

// Subscriber is a non-blocking message source.
type Subscriber interface {
	// Recv returns the next payload or ErrNoMessage without blocking.
	Recv() ([]byte, error)
	Close() error
}

// Decoder turns an encoded payload into a frame. It must reject payloads
// that do not decode to the frame shape.
type Decoder func([]byte) (*image.Frame, error)

// Receiver moves frames from a Subscriber into a Latest slot.
type Receiver struct {
	sub    Subscriber
	decode Decoder
	slot   *Latest
	idle   time.Duration
	log    *slog.Logger
}

// NewReceiver wires a subscriber to slot.
func NewReceiver(sub Subscriber, decode Decoder, slot *Latest, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{sub: sub, decode: decode, slot: slot, idle: DefaultIdle, log: logger}
}

// SetIdle overrides the empty-poll sleep.
func (r *Receiver) SetIdle(d time.Duration) {
	if d > 0 {
		r.idle = d
	}
}

// Run polls until ctx is cancelled, then closes the subscriber. Undecodable
// or mis-shaped payloads are dropped.
func (r *Receiver) Run(ctx context.Context) error {
	defer func() {
		if err := r.sub.Close(); err != nil {
			r.log.Warn("closing subscriber", "error", err)
		}
	}()

	r.log.Info("receiver started")
	timer := time.NewTimer(r.idle)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			r.log.Info("receiver stopped")
			return nil
		}

		data, err := r.sub.Recv()
		switch {
		case errors.Is(err, ErrNoMessage):
			timer.Reset(r.idle)
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			continue
		case err != nil:
			return fmt.Errorf("receive: %w", err)
		}

		frame, err := r.decode(data)
		if err != nil {
			reason := "decode"
			if errors.Is(err, image.ErrShape) {
				reason = "shape"
			}
			metrics.FramesRejected.WithLabelValues(reason).Inc()
			r.log.Debug("dropping payload", "bytes", len(data), "error", err)
			continue
		}
		metrics.FramesReceived.Inc()
		r.slot.Publish(frame)
	}
}

// Package stream ingests live frames and exposes only the most recent one.
package stream

import (
	"sync/atomic"

	"nbc-viewer/internal/image"
)

// Latest is a single-slot, last-writer-wins frame holder. Readers get an
// immutable snapshot; a frame that is replaced before anyone reads it is
// simply dropped.
type Latest struct {
	frame  atomic.Pointer[image.Frame]
	seq    atomic.Uint64
	notify chan struct{}
}

// NewLatest creates an empty slot.
func NewLatest() *Latest {
	return &Latest{notify: make(chan struct{}, 1)}
}

// Publish replaces the current frame and signals Notify. A pending signal
// is never duplicated.
func (l *Latest) Publish(f *image.Frame) {
	l.frame.Store(f)
	l.seq.Add(1)
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Load returns the current frame, or nil before the first publish.
func (l *Latest) Load() *image.Frame {
	return l.frame.Load()
}

// Seq counts publishes; it changes whenever a new frame is stored.
func (l *Latest) Seq() uint64 {
	return l.seq.Load()
}

// Notify fires at least once after each burst of publishes.
func (l *Latest) Notify() <-chan struct{} {
	return l.notify
}

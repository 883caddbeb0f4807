package device

import "github.com/mfkiwl/falkon/internal/tensor"

// Stream is a FIFO queue of transfer operations bound to one device,
// executed by a single goroutine. Operations enqueued on a stream run in
// order; the caller must Synchronize before reading any data a queued
// transfer writes.
type Stream struct {
	dev tensor.Device
	ops chan func()
}

// NewStream starts a stream for dev. Close must be called when done.
func NewStream(dev tensor.Device) *Stream {
	s := &Stream{dev: dev, ops: make(chan func(), 16)}
	go func() {
		for op := range s.ops {
			op()
		}
	}()
	return s
}

// Device returns the device the stream is bound to.
func (s *Stream) Device() tensor.Device { return s.dev }

func (s *Stream) enqueue(op func()) { s.ops <- op }

// Synchronize blocks until every previously enqueued operation has
// completed.
func (s *Stream) Synchronize() {
	done := make(chan struct{})
	s.ops <- func() { close(done) }
	<-done
}

// Close drains the stream and stops its worker goroutine.
func (s *Stream) Close() {
	s.Synchronize()
	close(s.ops)
}

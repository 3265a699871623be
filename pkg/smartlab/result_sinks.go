package smartlab

import (
	"errors"
	"fmt"
	"sync"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after
// being closed.
var ErrChannelSinkClosed = errors.New("smartlab: channel sink closed")

// ResultFunc receives the raw data lines of one completed measurement.
type ResultFunc func(measurementID string, rawLines []string) error

// NewCallbackSink adapts a plain function into a ResultSink so callers can
// plug arbitrary handlers without defining structs. Failed measurements are
// not forwarded to the callback.
func NewCallbackSink(name string, fn ResultFunc) ResultSink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes completed results via a channel; it returns the
// sink, the read-only channel, and a close function the caller should invoke
// during shutdown.
func NewChannelSink(name string, buffer int) (ResultSink, <-chan Result, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Result, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackSink struct {
	name string
	fn   ResultFunc
}

func (s *callbackSink) MeasurementComplete(id string, rawLines []string) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	return s.fn(id, rawLines)
}

func (s *callbackSink) MeasurementFailed(id string, cause error) error { return nil }

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name   string
	ch     chan Result
	closed chan struct{}
	once   sync.Once
}

func (s *channelSink) MeasurementComplete(id string, rawLines []string) error {
	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	default:
	}

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	case s.ch <- Result{MeasurementID: id, RawData: rawLines}:
		return nil
	}
}

func (s *channelSink) MeasurementFailed(id string, cause error) error { return nil }

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) close() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

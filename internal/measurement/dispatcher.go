package measurement

import (
	"context"
	"fmt"
	"sync"

	"github.com/matthiaskaw/project-smart-lab/internal/ports"
)

// Completion is the terminal outcome of one measurement, handed to the result
// sink off the measurement goroutine.
type Completion struct {
	MeasurementID string
	DeviceID      string
	RawData       []string
	Err           error
}

// Dispatcher delivers completions to a result sink from a single worker
// goroutine, so a slow or failing sink never blocks the measurement path.
// Sink failures are logged and counted; they are never fatal.
type Dispatcher struct {
	sink ports.ResultSink
	obs  ports.Observability

	queue    chan Completion
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDispatcher starts the delivery worker. buffer bounds how many completions
// may be pending before Submit starts reporting backpressure.
func NewDispatcher(sink ports.ResultSink, obs ports.Observability, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 16
	}
	d := &Dispatcher{
		sink:   sink,
		obs:    obs,
		queue:  make(chan Completion, buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go d.run()
	return d
}

// Submit enqueues one completion for delivery. After Close it is dropped with
// a warning rather than blocking the caller.
func (d *Dispatcher) Submit(c Completion) {
	select {
	case <-d.stopCh:
		d.obs.LogWarn("completion_dropped_after_stop",
			ports.Field{Key: "measurement_id", Value: c.MeasurementID})
		return
	default:
	}
	select {
	case d.queue <- c:
	case <-d.stopCh:
		d.obs.LogWarn("completion_dropped_after_stop",
			ports.Field{Key: "measurement_id", Value: c.MeasurementID})
	}
}

// Close stops intake and waits for queued completions to drain, bounded by
// ctx. On expiry the undelivered remainder is logged as a partial-completion
// warning and abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stopCh) })

	select {
	case <-d.doneCh:
		return nil
	case <-ctx.Done():
		d.obs.LogWarn("dispatcher_drain_timeout",
			ports.Field{Key: "sink", Value: d.sink.Name()},
			ports.Field{Key: "pending", Value: len(d.queue)})
		return fmt.Errorf("dispatcher close: %w", ctx.Err())
	}
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	for {
		select {
		case c := <-d.queue:
			d.deliver(c)
		case <-d.stopCh:
			// Drain whatever was queued before intake stopped.
			for {
				select {
				case c := <-d.queue:
					d.deliver(c)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(c Completion) {
	var err error
	if c.Err != nil {
		err = d.sink.MeasurementFailed(c.MeasurementID, c.Err)
	} else {
		err = d.sink.MeasurementComplete(c.MeasurementID, c.RawData)
	}
	if err != nil {
		d.obs.IncCounter("smartlab_sink_failures_total", 1)
		d.obs.LogError("sink_delivery_failed", err,
			ports.Field{Key: "sink", Value: d.sink.Name()},
			ports.Field{Key: "measurement_id", Value: c.MeasurementID})
	}
}

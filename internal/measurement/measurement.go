// Package measurement drives one device instance through one measurement and
// owns the disposal order for everything the run created.
package measurement

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/matthiaskaw/project-smart-lab/internal/device"
	"github.com/matthiaskaw/project-smart-lab/internal/domain"
	"github.com/matthiaskaw/project-smart-lab/internal/ports"
)

// Measurement wraps exactly one device instance. The device is created for
// this measurement and destroyed when it ends, is cancelled, or errors; it is
// never shared.
type Measurement struct {
	id        string
	name      string
	createdAt time.Time
	dev       *device.Device
	params    map[string]any
	obs       ports.Observability

	cancelled atomic.Bool
	result    chan domain.Result
}

// New binds a fresh device instance to a new measurement. A non-nil parameter
// map selects the parameterized variant, threaded through to the device's
// structured-data call.
func New(id, name string, dev *device.Device, params map[string]any, obs ports.Observability) *Measurement {
	return &Measurement{
		id:        id,
		name:      name,
		createdAt: time.Now(),
		dev:       dev,
		params:    params,
		obs:       obs,
		result:    make(chan domain.Result, 1),
	}
}

func (m *Measurement) ID() string           { return m.id }
func (m *Measurement) Name() string         { return m.name }
func (m *Measurement) CreatedAt() time.Time { return m.createdAt }
func (m *Measurement) Cancelled() bool      { return m.cancelled.Load() }

// Device exposes the owned instance for inspection.
func (m *Measurement) Device() *device.Device { return m.dev }

// Result fires at most once, with the raw data lines of a completed run.
func (m *Measurement) Result() <-chan domain.Result { return m.result }

// Run initializes the device and retrieves data. The device instance is
// disposed on every exit path: success, cancellation, or error.
func (m *Measurement) Run(ctx context.Context) error {
	defer func() { _ = m.dev.Close() }()

	start := time.Now()
	if err := m.dev.Initialize(ctx); err != nil {
		return err
	}

	if m.cancelled.Load() {
		// Cancelled before data collection began: stop without collecting.
		return nil
	}

	var payload *domain.StructuredPayload
	var err error
	if len(m.params) > 0 {
		payload, err = m.dev.GetStructuredData(ctx, m.params)
	} else {
		payload, err = m.dev.GetData(ctx)
	}
	if err != nil {
		return err
	}

	if m.cancelled.Load() {
		return nil
	}

	m.obs.ObserveLatency("smartlab_measurement_duration_seconds", time.Since(start).Seconds())
	m.publish(domain.Result{
		MeasurementID: m.id,
		DeviceID:      m.dev.ID(),
		RawData:       payload.RawData,
		CompletedAt:   time.Now(),
	})
	return nil
}

func (m *Measurement) publish(res domain.Result) {
	select {
	case m.result <- res:
	default:
		// Already published; the channel is one-shot.
	}
}

// Cancel sets the cancellation flag, forwards it to the device, and disposes
// the instance. Cancellation never leaves a zombie device behind.
func (m *Measurement) Cancel() {
	if m.cancelled.Swap(true) {
		return
	}
	m.obs.LogInfo("measurement_cancelled",
		ports.Field{Key: "measurement_id", Value: m.id})
	m.dev.Cancel()
	_ = m.dev.Close()
}

// Close disposes the owned device. It makes the measurement safe to hold in a
// registry that disposes entries on shutdown.
func (m *Measurement) Close() error {
	m.cancelled.Store(true)
	return m.dev.Close()
}

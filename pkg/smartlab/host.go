// Package smartlab is the embeddable facade over the measurement host: device
// launch, the duplex agent channel, measurement orchestration, and result
// delivery behind a small lifecycle API.
package smartlab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matthiaskaw/project-smart-lab/internal/adapters/observability"
	"github.com/matthiaskaw/project-smart-lab/internal/adapters/store"
	"github.com/matthiaskaw/project-smart-lab/internal/device"
	"github.com/matthiaskaw/project-smart-lab/internal/measurement"
	"github.com/matthiaskaw/project-smart-lab/internal/pipe"
	"github.com/matthiaskaw/project-smart-lab/internal/ports"
	"github.com/matthiaskaw/project-smart-lab/internal/registry"
)

var (
	// ErrMeasurementNotFound is returned by CancelMeasurement for an unknown
	// or already finished measurement id.
	ErrMeasurementNotFound = errors.New("smartlab: measurement not found")
	// ErrDeviceBusy is returned when a measurement is requested for a device
	// that already has one running.
	ErrDeviceBusy = errors.New("smartlab: device busy")
	// ErrHostNotStarted is returned when measurements are requested before
	// Start.
	ErrHostNotStarted = errors.New("smartlab: host not started")
)

// HostOption customizes the dependencies used by Host.
type HostOption func(*hostOverrides)

type hostOverrides struct {
	store         ConfigStore
	sink          ResultSink
	observability Observability
	deviceOpts    *DeviceOptions
}

// WithConfigStore injects a custom launch-configuration source.
func WithConfigStore(s ConfigStore) HostOption {
	return func(o *hostOverrides) {
		o.store = s
	}
}

// WithResultSink injects a custom terminal-result consumer.
func WithResultSink(s ResultSink) HostOption {
	return func(o *hostOverrides) {
		o.sink = s
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) HostOption {
	return func(o *hostOverrides) {
		o.observability = obs
	}
}

// WithDeviceOptions overrides the protocol timings derived from configuration.
func WithDeviceOptions(opts DeviceOptions) HostOption {
	return func(o *hostOverrides) {
		o.deviceOpts = &opts
	}
}

// Host owns the device and measurement registries, the artifact tracker, and
// the result dispatcher. One Host serves many devices; each measurement owns
// exactly one device instance for its lifetime.
type Host struct {
	cfg        *Config
	obs        ports.Observability
	promObs    *observability.PromObs
	store      ports.ConfigStore
	sink       ports.ResultSink
	deviceOpts device.Options

	tracker      *pipe.ArtifactTracker
	devices      *registry.Registry[*device.Device]
	measurements *registry.Registry[*measurement.Measurement]
	dispatcher   *measurement.Dispatcher

	db         *sql.DB
	metricsSrv *http.Server

	mu      sync.Mutex
	runCtx  context.Context
	runStop context.CancelFunc
	wg      sync.WaitGroup
}

// NewHost bootstraps the default adapters: launch configurations from
// Postgres or the static devices list, result persistence into Postgres when
// configured, Prometheus observability. HostOption values override any of
// them.
func NewHost(cfg *Config, opts ...HostOption) (*Host, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides hostOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	obs := overrides.observability
	var promObs *observability.PromObs
	if obs == nil {
		promObs = observability.NewPromObs()
		obs = promObs
	} else if p, ok := obs.(*observability.PromObs); ok {
		promObs = p
	}

	var db *sql.DB
	cfgStore := overrides.store
	sink := overrides.sink
	if (cfgStore == nil || sink == nil) && cfg.Postgres.ConnString != "" {
		var err error
		db, err = sql.Open("postgres", cfg.Postgres.ConnString)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	}
	if cfgStore == nil {
		if db != nil {
			cfgStore = store.NewPostgresStore(db)
		} else {
			cfgStore = store.NewMemoryStore(cfg.DeviceConfigs()...)
		}
	}
	if sink == nil {
		if db != nil {
			sink = store.NewPostgresResultSink(db)
		} else {
			sink = &logSink{obs: obs}
		}
	}

	deviceOpts := cfg.DeviceOptions()
	if overrides.deviceOpts != nil {
		deviceOpts = *overrides.deviceOpts
	}

	return &Host{
		cfg:          cfg,
		obs:          obs,
		promObs:      promObs,
		store:        cfgStore,
		sink:         sink,
		deviceOpts:   deviceOpts,
		tracker:      pipe.NewArtifactTracker(cfg.Artifacts.Dir, obs),
		devices:      registry.New[*device.Device]("device", obs),
		measurements: registry.New[*measurement.Measurement]("measurement", obs),
		db:           db,
	}, nil
}

// Start sweeps stale socket artifacts from a previous crash, launches the
// result dispatcher, and serves metrics. It returns immediately; call Run to
// block on a context instead.
func (h *Host) Start() error {
	if h == nil {
		return fmt.Errorf("host is nil")
	}

	h.mu.Lock()
	if h.runCtx != nil {
		h.mu.Unlock()
		return nil
	}
	h.runCtx, h.runStop = context.WithCancel(context.Background())
	h.mu.Unlock()

	h.tracker.SweepStale()
	h.dispatcher = measurement.NewDispatcher(h.sink, h.obs, 16)
	h.startMetrics()
	return nil
}

// Run starts the host and blocks until the context is cancelled, then shuts
// down gracefully.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Shutdown(shutdownCtx)
}

// Shutdown cancels in-flight measurements, drains the dispatcher within ctx,
// and closes the metrics server and database.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	stop := h.runStop
	h.mu.Unlock()
	if stop != nil {
		stop()
	}

	for _, m := range h.measurements.List() {
		m.Cancel()
	}
	h.wg.Wait()
	h.measurements.CloseAll()
	h.devices.CloseAll()

	var errs []error
	if h.dispatcher != nil {
		if err := h.dispatcher.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if h.metricsSrv != nil {
		if err := h.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	if h.db != nil {
		if err := h.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartMeasurement creates a fresh device instance for deviceID, registers a
// new measurement around it, and runs it asynchronously. It returns the
// measurement id.
func (h *Host) StartMeasurement(ctx context.Context, deviceID, name string, params map[string]any) (string, error) {
	h.mu.Lock()
	runCtx := h.runCtx
	h.mu.Unlock()
	if runCtx == nil {
		return "", ErrHostNotStarted
	}

	launch, err := h.store.LaunchConfig(deviceID)
	if err != nil {
		return "", fmt.Errorf("launch config: %w", err)
	}

	dev := device.New(launch, h.tracker, h.obs, h.deviceOpts)
	if err := h.devices.Register(deviceID, dev); err != nil {
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			return "", fmt.Errorf("%w: %q", ErrDeviceBusy, deviceID)
		}
		return "", err
	}

	id := uuid.NewString()
	m := measurement.New(id, name, dev, params, h.obs)
	if err := h.measurements.Register(id, m); err != nil {
		h.devices.Unregister(deviceID)
		return "", err
	}

	h.obs.IncCounter("smartlab_measurements_started_total", 1)
	h.obs.SetGauge("smartlab_measurements_in_flight", float64(h.measurements.Len()))
	h.obs.LogInfo("measurement_started",
		ports.Field{Key: "measurement_id", Value: id},
		ports.Field{Key: "device_id", Value: deviceID},
		ports.Field{Key: "name", Value: name})

	h.wg.Add(1)
	go h.runMeasurement(runCtx, m, deviceID)
	return id, nil
}

func (h *Host) runMeasurement(ctx context.Context, m *measurement.Measurement, deviceID string) {
	defer h.wg.Done()

	err := m.Run(ctx)
	switch {
	case m.Cancelled():
		h.obs.IncCounter("smartlab_measurements_cancelled_total", 1)
	case err != nil:
		h.obs.IncCounter("smartlab_measurements_failed_total", 1)
		h.obs.LogError("measurement_failed", err,
			ports.Field{Key: "measurement_id", Value: m.ID()},
			ports.Field{Key: "device_id", Value: deviceID})
		h.dispatcher.Submit(measurement.Completion{
			MeasurementID: m.ID(),
			DeviceID:      deviceID,
			Err:           err,
		})
	default:
		h.obs.IncCounter("smartlab_measurements_completed_total", 1)
		select {
		case res := <-m.Result():
			h.dispatcher.Submit(measurement.Completion{
				MeasurementID: res.MeasurementID,
				DeviceID:      res.DeviceID,
				RawData:       res.RawData,
			})
		default:
		}
	}

	h.measurements.Unregister(m.ID())
	h.devices.Unregister(deviceID)
	h.obs.SetGauge("smartlab_measurements_in_flight", float64(h.measurements.Len()))
}

// CancelMeasurement stops a running measurement. The underlying device is
// always disposed; a cancelled measurement never reaches the result sink.
func (h *Host) CancelMeasurement(id string) error {
	m, ok := h.measurements.Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrMeasurementNotFound, id)
	}
	m.Cancel()
	return nil
}

// RequiredParameters launches a short-lived device instance to query its
// parameter descriptors, disposing it afterwards.
func (h *Host) RequiredParameters(ctx context.Context, deviceID string) ([]ParameterDescriptor, error) {
	launch, err := h.store.LaunchConfig(deviceID)
	if err != nil {
		return nil, fmt.Errorf("launch config: %w", err)
	}

	dev := device.New(launch, h.tracker, h.obs, h.deviceOpts)
	if err := h.devices.Register(deviceID, dev); err != nil {
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			return nil, fmt.Errorf("%w: %q", ErrDeviceBusy, deviceID)
		}
		return nil, err
	}
	defer h.devices.Unregister(deviceID)

	return dev.GetRequiredParameters(ctx)
}

// InFlight reports the number of currently registered measurements.
func (h *Host) InFlight() int { return h.measurements.Len() }

func (h *Host) startMetrics() {
	mux := http.NewServeMux()
	if h.promObs != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.promObs.Registry(), promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	h.metricsSrv = &http.Server{
		Addr:    h.cfg.Metrics.Addr,
		Handler: mux,
	}

	go func() {
		if err := h.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server exited: %v", err)
		}
	}()
}

// logSink is the default result sink when no database or override is wired.
type logSink struct {
	obs ports.Observability
}

func (s *logSink) Name() string { return "log" }

func (s *logSink) MeasurementComplete(id string, raw []string) error {
	s.obs.LogInfo("measurement_complete",
		ports.Field{Key: "measurement_id", Value: id},
		ports.Field{Key: "lines", Value: len(raw)})
	return nil
}

func (s *logSink) MeasurementFailed(id string, cause error) error {
	s.obs.LogError("measurement_terminal_failure", cause,
		ports.Field{Key: "measurement_id", Value: id})
	return nil
}

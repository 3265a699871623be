// Package device implements the protocol state machine that drives one
// externally launched device agent through handshake, parameter discovery,
// data retrieval, cancellation, and teardown.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matthiaskaw/project-smart-lab/internal/domain"
	"github.com/matthiaskaw/project-smart-lab/internal/pipe"
	"github.com/matthiaskaw/project-smart-lab/internal/ports"
	"github.com/matthiaskaw/project-smart-lab/internal/process"
)

var (
	// ErrConfigurationInvalid means the launch configuration cannot start an
	// agent (missing executable path). Not retried.
	ErrConfigurationInvalid = errors.New("device: configuration invalid")
	// ErrHandshakeTimeout means the agent never connected both streams.
	ErrHandshakeTimeout = errors.New("device: handshake timeout")
	// ErrHandshakeFailed means the agent connected but never answered
	// INITIALIZE within the retry budget.
	ErrHandshakeFailed = errors.New("device: handshake failed")
	// ErrParameterRejected means the agent refused SETPARAMETERS.
	ErrParameterRejected = errors.New("device: parameters rejected")
	// ErrDeviceReported wraps an explicit ERROR:<reason> from the agent.
	ErrDeviceReported = errors.New("device: agent reported error")
)

// State is the protocol state machine position.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateInUse
	StateFinishing
	StateCancelled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateInUse:
		return "in-use"
	case StateFinishing:
		return "finishing"
	case StateCancelled:
		return "cancelled"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tunes protocol timing. The zero value gets production defaults.
type Options struct {
	ConnectTimeout    time.Duration // both streams connected
	HandshakeAttempts int           // INITIALIZE retry budget
	HandshakeDelay    time.Duration // spacing between attempts
	ResponseTimeout   time.Duration // bounded replies (parameters, ack)
	FinishGrace       time.Duration // wait after FINISH before teardown
	CancelGrace       time.Duration // wait after CANCEL for the agent to react
	ParameterCacheTTL time.Duration // freshness window for GETPARAMETERS
	BackupDir         string        // breakpoint chunk backups

	Channel pipe.Options
	Process process.Options
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.HandshakeAttempts == 0 {
		o.HandshakeAttempts = 10
	}
	if o.HandshakeDelay == 0 {
		o.HandshakeDelay = 500 * time.Millisecond
	}
	if o.ResponseTimeout == 0 {
		o.ResponseTimeout = 10 * time.Second
	}
	if o.FinishGrace == 0 {
		o.FinishGrace = 500 * time.Millisecond
	}
	if o.CancelGrace == 0 {
		o.CancelGrace = 500 * time.Millisecond
	}
	if o.ParameterCacheTTL == 0 {
		o.ParameterCacheTTL = 5 * time.Minute
	}
	if o.BackupDir == "" {
		o.BackupDir = "./data/backup"
	}
}

// Device is one live, process-backed agent handle. It is created per
// measurement, exclusively owned by that measurement, and never reused.
type Device struct {
	cfg    domain.DeviceConfig
	opts   Options
	obs    ports.Observability
	ch     *pipe.Channel
	proc   *process.Manager
	backup *BackupWriter

	mu            sync.Mutex
	state         State
	params        []domain.ParameterDescriptor
	paramsFetched time.Time

	cancelled atomic.Bool
	closeOnce sync.Once
}

// New builds an uninitialized device from a fresh launch configuration.
func New(cfg *domain.DeviceConfig, tracker *pipe.ArtifactTracker, obs ports.Observability, opts Options) *Device {
	opts.applyDefaults()
	return &Device{
		cfg:    *cfg,
		opts:   opts,
		obs:    obs,
		ch:     pipe.NewChannel(cfg.ID, tracker, obs, opts.Channel),
		proc:   process.NewManager(obs, opts.Process),
		backup: NewBackupWriter(opts.BackupDir),
	}
}

func (d *Device) ID() string   { return d.cfg.ID }
func (d *Device) Name() string { return d.cfg.Name }

func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// IsConnected reports whether both channel streams have a peer.
func (d *Device) IsConnected() bool { return d.ch.IsConnected() }

// IsRunning reports whether the agent process is alive.
func (d *Device) IsRunning() bool { return d.proc.IsRunning() }

// Cancelled reports whether cancellation was signalled.
func (d *Device) Cancelled() bool { return d.cancelled.Load() }

// Initialize brings the device to Ready: open the channel, prime it, start
// the agent, wait for both streams, then handshake. A second call while
// already initialized is a no-op.
func (d *Device) Initialize(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case StateReady, StateInUse:
		d.mu.Unlock()
		return nil
	case StateClosed, StateFinishing:
		d.mu.Unlock()
		return pipe.ErrChannelClosed
	}
	d.state = StateConnecting
	d.mu.Unlock()

	if strings.TrimSpace(d.cfg.Executable) == "" {
		return fmt.Errorf("%w: device %s has no executable path", ErrConfigurationInvalid, d.cfg.ID)
	}

	// Channel creation must strictly precede process start: on artifact-based
	// platforms the agent fails if the socket files are not on disk yet.
	if err := d.ch.Open(); err != nil {
		return fmt.Errorf("device %s: %w", d.cfg.ID, err)
	}
	d.ch.Prepare()

	if err := d.proc.Start(d.cfg.Executable, d.cfg.ID); err != nil {
		return fmt.Errorf("device %s: %w", d.cfg.ID, err)
	}

	if err := d.ch.AwaitConnection(d.opts.ConnectTimeout); err != nil {
		if errors.Is(err, pipe.ErrConnectionTimeout) {
			return fmt.Errorf("%w: device %s did not connect within %s",
				ErrHandshakeTimeout, d.cfg.ID, d.opts.ConnectTimeout)
		}
		return fmt.Errorf("device %s: %w", d.cfg.ID, err)
	}

	d.setState(StateHandshaking)
	if err := d.handshake(ctx); err != nil {
		return err
	}
	d.setState(StateReady)
	d.obs.LogInfo("device_ready", ports.Field{Key: "device_id", Value: d.cfg.ID})
	return nil
}

func (d *Device) handshake(ctx context.Context) error {
	for attempt := 1; attempt <= d.opts.HandshakeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 1 {
			d.obs.IncCounter("smartlab_handshake_retries_total", 1)
		}

		if err := d.ch.Send(cmdInitialize); err != nil {
			return fmt.Errorf("device %s handshake: %w", d.cfg.ID, err)
		}

		line, err := d.ch.ReceiveTimeout(d.opts.HandshakeDelay)
		switch {
		case err == nil && line != "":
			d.obs.LogInfo("device_handshake_ok",
				ports.Field{Key: "device_id", Value: d.cfg.ID},
				ports.Field{Key: "attempt", Value: attempt},
				ports.Field{Key: "banner", Value: line})
			return nil
		case err == nil:
			// Empty reply: retry after the attempt spacing.
			time.Sleep(d.opts.HandshakeDelay)
		case errors.Is(err, pipe.ErrReceiveTimeout):
			// Missing reply: ReceiveTimeout already consumed the spacing.
		default:
			return fmt.Errorf("device %s handshake: %w", d.cfg.ID, err)
		}
	}
	return fmt.Errorf("%w: device %s gave no reply in %d attempts",
		ErrHandshakeFailed, d.cfg.ID, d.opts.HandshakeAttempts)
}

// GetRequiredParameters returns the agent's declared parameters, serving a
// cached list while it is fresh. Discovery is advisory: protocol surprises
// are logged and reported as "no parameters", never propagated.
func (d *Device) GetRequiredParameters(ctx context.Context) ([]domain.ParameterDescriptor, error) {
	d.mu.Lock()
	if d.params != nil && time.Since(d.paramsFetched) < d.opts.ParameterCacheTTL {
		cached := append([]domain.ParameterDescriptor(nil), d.params...)
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	if err := d.Initialize(ctx); err != nil {
		return nil, err
	}

	if err := d.ch.Send(cmdGetParameters); err != nil {
		return nil, fmt.Errorf("device %s: %w", d.cfg.ID, err)
	}
	line, err := d.ch.ReceiveTimeout(d.opts.ResponseTimeout)
	if err != nil {
		d.obs.LogWarn("device_parameters_unavailable",
			ports.Field{Key: "device_id", Value: d.cfg.ID},
			ports.Field{Key: "error", Value: err.Error()})
		return nil, nil
	}

	if line == replyErrUnsupported {
		// The device declares it has none.
		d.cacheParameters([]domain.ParameterDescriptor{})
		return []domain.ParameterDescriptor{}, nil
	}

	params, ok := parseParameterList(line)
	if !ok {
		d.obs.LogWarn("device_parameters_protocol_error",
			ports.Field{Key: "device_id", Value: d.cfg.ID},
			ports.Field{Key: "reply", Value: line})
		return nil, nil
	}

	d.cacheParameters(params)
	return params, nil
}

func (d *Device) cacheParameters(params []domain.ParameterDescriptor) {
	d.mu.Lock()
	d.params = params
	d.paramsFetched = time.Now()
	d.mu.Unlock()
}

// GetStructuredData runs one data retrieval. A non-empty parameter map is
// applied first via SETPARAMETERS; the breakpoint flag in the map selects the
// acknowledged streaming mode.
func (d *Device) GetStructuredData(ctx context.Context, params map[string]any) (*domain.StructuredPayload, error) {
	if err := d.Initialize(ctx); err != nil {
		return nil, err
	}
	d.setState(StateInUse)

	if len(params) > 0 {
		if err := d.applyParameters(params); err != nil {
			return nil, err
		}
	}

	if breakpointRequested(params) {
		return d.collectBreakpoints(ctx, params)
	}
	return d.collectStructured(params)
}

// GetData is the plain retrieval for devices without parameter support.
func (d *Device) GetData(ctx context.Context) (*domain.StructuredPayload, error) {
	return d.GetStructuredData(ctx, nil)
}

func (d *Device) applyParameters(params map[string]any) error {
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("device %s: encode parameters: %w", d.cfg.ID, err)
	}
	if err := d.ch.Send(cmdSetParametersPrefix + string(encoded)); err != nil {
		return fmt.Errorf("device %s: %w", d.cfg.ID, err)
	}
	reply, err := d.ch.ReceiveTimeout(d.opts.ResponseTimeout)
	if err != nil {
		return fmt.Errorf("device %s: %w", d.cfg.ID, err)
	}
	if reply != replyParamsSet {
		return fmt.Errorf("%w: device %s replied %q", ErrParameterRejected, d.cfg.ID, reply)
	}
	return nil
}

// collectStructured is the traditional one-shot retrieval. A reply that does
// not decode as DATA:<json> degrades to the legacy GETDATA protocol, which
// always yields some payload.
func (d *Device) collectStructured(params map[string]any) (*domain.StructuredPayload, error) {
	if err := d.ch.Send(cmdGetDataStructured); err != nil {
		return nil, fmt.Errorf("device %s: %w", d.cfg.ID, err)
	}
	line, err := d.ch.Receive()
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", d.cfg.ID, err)
	}

	if strings.HasPrefix(line, replyDataPrefix) {
		var payload domain.StructuredPayload
		if jerr := json.Unmarshal([]byte(strings.TrimPrefix(line, replyDataPrefix)), &payload); jerr == nil {
			if payload.Timestamp.IsZero() {
				payload.Timestamp = time.Now()
			}
			if payload.Parameters == nil {
				payload.Parameters = params
			}
			payload.IsComplete = true
			return &payload, nil
		}
	}

	d.obs.LogWarn("device_structured_reply_malformed",
		ports.Field{Key: "device_id", Value: d.cfg.ID},
		ports.Field{Key: "reply", Value: line})
	return d.collectLegacy(params)
}

func (d *Device) collectLegacy(params map[string]any) (*domain.StructuredPayload, error) {
	if err := d.ch.Send(cmdGetData); err != nil {
		return nil, fmt.Errorf("device %s: %w", d.cfg.ID, err)
	}
	line, err := d.ch.Receive()
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", d.cfg.ID, err)
	}
	return &domain.StructuredPayload{
		Parameters: params,
		RawData:    splitLegacyData(line),
		Timestamp:  time.Now(),
		IsComplete: true,
	}, nil
}

// collectBreakpoints runs the acknowledged streaming mode. Every chunk is
// durably backed up before its acknowledgement goes out, so a crash mid-stream
// cannot lose data already received.
func (d *Device) collectBreakpoints(ctx context.Context, params map[string]any) (*domain.StructuredPayload, error) {
	if err := d.ch.Send(cmdGetDataBreakpoints); err != nil {
		return nil, fmt.Errorf("device %s: %w", d.cfg.ID, err)
	}

	var (
		raw     []string
		lastSeq int
	)

loop:
	for {
		if d.cancelled.Load() {
			d.obs.LogInfo("device_breakpoint_cancelled",
				ports.Field{Key: "device_id", Value: d.cfg.ID})
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := d.ch.ReceiveTimeout(d.opts.HandshakeDelay)
		if errors.Is(err, pipe.ErrReceiveTimeout) {
			continue // re-check cancellation
		}
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.cfg.ID, err)
		}

		switch {
		case line == replyComplete:
			break loop

		case strings.HasPrefix(line, replyErrorPrefix):
			reason := strings.TrimPrefix(line, replyErrorPrefix)
			return nil, fmt.Errorf("%w: device %s: %s", ErrDeviceReported, d.cfg.ID, reason)

		case strings.HasPrefix(line, replyBreakpointPrefix):
			var chunk domain.BreakpointChunk
			if jerr := json.Unmarshal([]byte(strings.TrimPrefix(line, replyBreakpointPrefix)), &chunk); jerr != nil {
				// Acknowledge the bad chunk anyway so the agent can recover.
				d.obs.LogWarn("device_breakpoint_malformed",
					ports.Field{Key: "device_id", Value: d.cfg.ID},
					ports.Field{Key: "error", Value: jerr.Error()})
				d.sendBestEffort(cmdBreakpointAck)
				d.sendBestEffort(cmdContinue)
				continue
			}

			if berr := d.backup.WriteChunk(d.cfg.ID, &chunk); berr != nil {
				d.obs.LogError("device_breakpoint_backup_failed", berr,
					ports.Field{Key: "device_id", Value: d.cfg.ID},
					ports.Field{Key: "sequence", Value: chunk.SequenceNumber})
			}

			raw = append(raw, chunk.RawData...)
			lastSeq = chunk.SequenceNumber
			d.obs.IncCounter("smartlab_breakpoint_chunks_total", 1)

			if err := d.ch.Send(cmdBreakpointAck); err != nil {
				return nil, fmt.Errorf("device %s: %w", d.cfg.ID, err)
			}
			if !chunk.IsComplete {
				if err := d.ch.Send(cmdContinue); err != nil {
					return nil, fmt.Errorf("device %s: %w", d.cfg.ID, err)
				}
			}

		default:
			d.obs.LogWarn("device_breakpoint_unexpected_line",
				ports.Field{Key: "device_id", Value: d.cfg.ID},
				ports.Field{Key: "line", Value: line})
		}
	}

	return &domain.StructuredPayload{
		Parameters:     params,
		RawData:        raw,
		Timestamp:      time.Now(),
		SequenceNumber: lastSeq,
		IsComplete:     true,
	}, nil
}

// Cancel signals the agent and the internal flag, then waits a short grace
// period so the agent can react before the caller disposes the device.
func (d *Device) Cancel() {
	if d.ch.IsConnected() {
		if err := d.ch.Send(cmdCancel); err != nil {
			d.obs.LogWarn("device_cancel_send_failed",
				ports.Field{Key: "device_id", Value: d.cfg.ID},
				ports.Field{Key: "error", Value: err.Error()})
		} else if err := d.ch.Send(cmdFinish); err != nil {
			d.obs.LogWarn("device_finish_after_cancel_failed",
				ports.Field{Key: "device_id", Value: d.cfg.ID},
				ports.Field{Key: "error", Value: err.Error()})
		}
	}
	d.cancelled.Store(true)
	d.setState(StateCancelled)
	time.Sleep(d.opts.CancelGrace)
}

// Close tears the device down: best-effort FINISH, then the process, then the
// channel, in that order. Idempotent and never returns an error, since it
// commonly runs during shutdown races.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.setState(StateFinishing)

		if d.ch.IsConnected() {
			d.sendBestEffort(cmdFinish)
			time.Sleep(d.opts.FinishGrace)
		}

		if err := d.proc.Stop(d.opts.Process.StopTimeout); err != nil {
			d.obs.LogWarn("device_process_stop_failed",
				ports.Field{Key: "device_id", Value: d.cfg.ID},
				ports.Field{Key: "error", Value: err.Error()})
		}
		_ = d.ch.Close()

		d.setState(StateClosed)
		d.obs.LogInfo("device_closed", ports.Field{Key: "device_id", Value: d.cfg.ID})
	})
	return nil
}

func (d *Device) sendBestEffort(cmd string) {
	if err := d.ch.Send(cmd); err != nil {
		d.obs.LogWarn("device_send_best_effort_failed",
			ports.Field{Key: "device_id", Value: d.cfg.ID},
			ports.Field{Key: "command", Value: cmd},
			ports.Field{Key: "error", Value: err.Error()})
	}
}

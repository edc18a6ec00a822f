package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bci-mcp/backend/internal/config"
	"github.com/bci-mcp/backend/internal/device"
	"github.com/bci-mcp/backend/internal/dsp"
	errs "github.com/bci-mcp/backend/internal/errors"
	"github.com/bci-mcp/backend/internal/metric"
	"github.com/bci-mcp/backend/internal/persist"
)

// AdapterFactory builds an adapter for a device type and port. Empty
// arguments select the configured defaults.
type AdapterFactory func(kind, port string) (device.Adapter, error)

// Options configures a Manager.
type Options struct {
	Config     *config.Config
	Logger     *slog.Logger
	Metrics    *metric.Metrics
	Factory    AdapterFactory
	Discoverer device.Discoverer
	Writers    *persist.Registry
	Notifier   Notifier
}

type command struct {
	name string
	ctx  context.Context
	fn   func(ctx context.Context) (any, error)
	done chan result
}

type result struct {
	v   any
	err error
}

// Manager owns the single live session. Every lifecycle change runs on
// one command goroutine, so tool invocations are serialized; resource
// reads go straight to the session's store.
type Manager struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metric.Metrics
	factory    AdapterFactory
	discoverer device.Discoverer
	writers    *persist.Registry
	notifier   Notifier
	calib      *Calibrator

	cmds   chan *command
	faults chan fault
	quit   chan struct{}
	once   sync.Once

	mu      sync.RWMutex
	sess    *Session
	lastErr string
	changed chan struct{}
}

func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := opts.Factory
	if factory == nil {
		factory = func(kind, port string) (device.Adapter, error) {
			return device.New(cfg, kind, port)
		}
	}
	discoverer := opts.Discoverer
	if discoverer == nil {
		discoverer = device.NewGlobDiscoverer(cfg.Device.DiscoveryPatterns, cfg.MQTT.Topic)
	}
	writers := opts.Writers
	if writers == nil {
		writers = persist.NewRegistry(cfg.Storage.DefaultFormat,
			persist.NewCSVWriter(cfg.Storage.Dir),
			persist.NewJSONWriter(cfg.Storage.Dir),
			persist.NewNPZWriter(cfg.Storage.Dir))
		if cfg.Storage.PostgresDSN != "" {
			writers.Register(persist.NewPostgresWriter(cfg.Storage.PostgresDSN))
		}
	}
	queue := cfg.Protocol.CommandQueue
	if queue <= 0 {
		queue = 32
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger.With("component", "session"),
		metrics:    opts.Metrics,
		factory:    factory,
		discoverer: discoverer,
		writers:    writers,
		notifier:   opts.Notifier,
		calib:      NewCalibrator(cfg.Calibration.K, cfg.CalibrationMinSamples()),
		cmds:       make(chan *command, queue),
		faults:     make(chan fault, 4),
		quit:       make(chan struct{}),
		changed:    make(chan struct{}),
	}
}

// SetNotifier installs the lifecycle observer. It must be called before
// Run.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Run executes queued commands and handles adapter faults until ctx is
// done, then closes the live session.
func (m *Manager) Run(ctx context.Context) error {
	defer m.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-m.faults:
			m.handleFault(f)
		case c := <-m.cmds:
			m.metrics.QueueDepth(len(m.cmds))
			if err := c.ctx.Err(); err != nil {
				c.done <- result{err: timeoutError(c.name, err)}
				continue
			}
			c.done <- m.runCommand(c)
		}
	}
}

func (m *Manager) runCommand(c *command) (res result) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("command panicked", "command", c.name, "panic", r)
			res = result{err: errs.Newf(errs.KindInternal, "session."+c.name, "panic: %v", r)}
		}
	}()
	v, err := c.fn(c.ctx)
	return result{v: v, err: err}
}

func (m *Manager) shutdown() {
	m.once.Do(func() { close(m.quit) })
	m.mu.Lock()
	s := m.sess
	m.sess = nil
	m.mu.Unlock()
	if s != nil {
		m.calib.Abort(errs.ErrSessionClosed)
		if err := s.close(); err != nil {
			m.logger.Warn("close session on shutdown", "error", err)
		}
	}
}

// exec runs fn on the command goroutine and waits for it. The tool
// timeout bounds both queueing and execution; a command whose context
// expires before it is dequeued never runs.
func (m *Manager) exec(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Protocol.ToolTimeout)
	defer cancel()

	c := &command{name: name, ctx: ctx, fn: fn, done: make(chan result, 1)}
	select {
	case m.cmds <- c:
	case <-ctx.Done():
		return nil, timeoutError(name, ctx.Err())
	case <-m.quit:
		return nil, errs.Wrap(errs.ErrSessionClosed, errs.KindInternal, "session."+name, "")
	}
	select {
	case r := <-c.done:
		return r.v, r.err
	case <-ctx.Done():
		return nil, timeoutError(name, ctx.Err())
	case <-m.quit:
		return nil, errs.Wrap(errs.ErrSessionClosed, errs.KindInternal, "session."+name, "")
	}
}

// call is exec with a typed result.
func call[T any](ctx context.Context, m *Manager, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := m.exec(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	out, _ := v.(T)
	return out, err
}

func timeoutError(name string, err error) error {
	return errs.Wrap(err, errs.KindTimeout, "session."+name, "tool did not complete")
}

func (m *Manager) handleFault(f fault) {
	m.mu.Lock()
	if f.sess != m.sess {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.lastErr = f.err.Error()
	m.mu.Unlock()

	m.logger.Error("device fault, session closed", "session_id", f.sess.ID, "error", f.err)
	m.metrics.DeviceFault()
	m.calib.Abort(fmt.Errorf("%w: %v", errs.ErrDeviceLost, f.err))
	if err := f.sess.close(); err != nil {
		m.logger.Warn("close faulted adapter", "error", err)
	}
	m.notify(ChangeDisconnected)
}

// notify signals Changed waiters and the notifier. Callers must not hold
// m.mu.
func (m *Manager) notify(t ChangeType) {
	m.mu.Lock()
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.Notify(Change{Type: t, Info: m.SessionInfo()})
	}
}

// Changed returns a channel closed at the next lifecycle change (connect,
// disconnect, stream or calibration state).
func (m *Manager) Changed() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

func (m *Manager) current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess
}

// Current returns the live session, or nil when disconnected.
func (m *Manager) Current() *Session {
	return m.current()
}

// Store returns the live session's store, or nil.
func (m *Manager) Store() *Store {
	if s := m.current(); s != nil {
		return s.store
	}
	return nil
}

// Config returns the manager's configuration.
func (m *Manager) Config() *config.Config { return m.cfg }

// Calibration returns the latest calibration outcome.
func (m *Manager) Calibration() CalibrationResult {
	return m.calib.Result()
}

// SessionInfo builds the session_info resource.
func (m *Manager) SessionInfo() Info {
	m.mu.RLock()
	s, lastErr := m.sess, m.lastErr
	m.mu.RUnlock()

	status := m.calib.Result().Status
	if s == nil {
		return Info{Phase: Disconnected, CalibrationStatus: status, Error: lastErr}
	}
	return s.info(status)
}

// DeviceInfo builds the device_info resource. Without a session it
// describes the configured device.
func (m *Manager) DeviceInfo() DeviceInfo {
	if s := m.current(); s != nil {
		return newDeviceInfo(s.Device(), s.pipeline.Snapshot())
	}
	return DeviceInfo{
		Port:               m.cfg.Device.Port,
		DeviceType:         m.cfg.Device.Type,
		Channels:           m.cfg.Device.Channels,
		SampleRate:         m.cfg.Device.SampleRate,
		DetectionThreshold: m.cfg.Detector.Threshold,
		CooldownPeriod:     m.cfg.Detector.Cooldown.Seconds(),
		DetectorMode:       m.cfg.Detector.Mode,
	}
}

const recentEvents = 5

// BrainSignals returns the newest window seconds of samples (one second
// when window <= 0) with the event digest. All fields come from a single
// store snapshot.
func (m *Manager) BrainSignals(window float64) Signals {
	s := m.current()
	if s == nil || !s.Streaming() {
		return Signals{Status: StatusNotStreaming, Message: "brain interface is not streaming data"}
	}
	if window <= 0 {
		window = 1
	}
	snap := s.store.Snapshot(int(window*s.SampleRate), recentEvents)
	if len(snap.Data.Timestamps) == 0 {
		return Signals{Status: StatusNoData, Message: "no data has been collected yet"}
	}
	return Signals{
		Status:     StatusStreaming,
		SampleRate: s.SampleRate,
		Channels:   s.store.Channels(),
		Data:       &snap.Data,
		Events:     &EventDigest{Count: snap.EventCount, Recent: snap.Recent},
	}
}

// FeaturesResult is the features resource.
type FeaturesResult struct {
	Status string             `json:"status"`
	Bands  []dsp.Band         `json:"bands,omitempty"`
	Latest *dsp.FeatureFrame  `json:"latest,omitempty"`
	Frames []dsp.FeatureFrame `json:"frames,omitempty"`
}

// Features returns the retained feature frames, newest last.
func (m *Manager) Features() FeaturesResult {
	s := m.current()
	if s == nil {
		return FeaturesResult{Status: StatusNoDevice}
	}
	frames := s.store.Features()
	if len(frames) == 0 {
		return FeaturesResult{Status: StatusNoData}
	}
	return FeaturesResult{
		Status: StatusStreaming,
		Bands:  dsp.Bands,
		Latest: &frames[len(frames)-1],
		Frames: frames,
	}
}

// EventsResult is the events resource.
type EventsResult struct {
	Count  int     `json:"count"`
	Events []Event `json:"events"`
	NextID uint64  `json:"next_id"`
}

// Events returns the events with an ID of at least fromID.
func (m *Manager) Events(fromID uint64) EventsResult {
	s := m.current()
	if s == nil {
		return EventsResult{Events: []Event{}, NextID: fromID}
	}
	evs := s.store.ReadEvents(fromID)
	next := fromID
	if len(evs) > 0 {
		next = evs[len(evs)-1].ID + 1
	}
	if evs == nil {
		evs = []Event{}
	}
	return EventsResult{Count: s.store.EventCount(), Events: evs, NextID: next}
}

func notConnected(op string) error {
	return &errs.Error{Kind: errs.KindConnection, Op: op, Code: errs.CodeNotConnected, Err: errs.ErrNotConnected}
}

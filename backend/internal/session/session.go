package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bci-mcp/backend/internal/config"
	"github.com/bci-mcp/backend/internal/device"
	"github.com/bci-mcp/backend/internal/dsp"
	errs "github.com/bci-mcp/backend/internal/errors"
	"github.com/bci-mcp/backend/internal/metric"
)

// fault is an adapter failure reported by a session's acquisition loop.
type fault struct {
	sess *Session
	err  error
}

// Session binds one connected adapter to its store and pipeline. The
// acquisition goroutine started by start is the only writer of both.
type Session struct {
	ID         string
	CreatedAt  time.Time
	SampleRate float64

	adapter  device.Adapter
	store    *Store
	pipeline *dsp.Pipeline
	calib    *Calibrator
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu          sync.Mutex
	streaming   bool
	streamStart time.Time
	firstStart  *time.Time
	runOffset   float64 // session time at which the current run started
	lastTS      float64
	hasTS       bool

	tsBuf  []float64
	valBuf [][]float64

	cancel context.CancelFunc
	done   chan struct{}
}

// PipelineParams derives pipeline parameters from configuration for a
// device with the given geometry.
func PipelineParams(cfg *config.Config, channels int, sampleRate float64) (dsp.Params, error) {
	policy, err := dsp.ParseArtifactPolicy(cfg.Artifact.Policy)
	if err != nil {
		return dsp.Params{}, err
	}
	mode, err := dsp.ParseMode(cfg.Detector.Mode)
	if err != nil {
		return dsp.Params{}, err
	}
	window := cfg.Features.Window
	if window <= 0 {
		window = int(sampleRate)
	}
	return dsp.Params{
		SampleRate:    sampleRate,
		Channels:      channels,
		Low:           cfg.Filter.Low,
		High:          cfg.Filter.High,
		LineFrequency: cfg.Filter.LineFrequency,
		NotchQ:        cfg.Filter.NotchQ,
		MaxAmplitude:  cfg.Artifact.MaxAmplitude,
		Policy:        policy,
		FeatureWindow: window,
		Detector: dsp.DetectorParams{
			Mode:      mode,
			Threshold: cfg.Detector.Threshold,
			Window:    cfg.Detector.Window,
			Cooldown:  cfg.Detector.Cooldown.Seconds(),
		},
	}, nil
}

func newSession(cfg *config.Config, adapter device.Adapter, calib *Calibrator, logger *slog.Logger, metrics *metric.Metrics) (*Session, error) {
	info := adapter.Info()
	channels, fs := info.Channels, info.SampleRate
	if channels <= 0 {
		channels = cfg.Device.Channels
	}
	if fs <= 0 {
		fs = cfg.Device.SampleRate
	}

	params, err := PipelineParams(cfg, channels, fs)
	if err != nil {
		return nil, err
	}
	pipeline, err := dsp.New(params)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	return &Session{
		ID:         id,
		CreatedAt:  time.Now(),
		SampleRate: fs,
		adapter:    adapter,
		store:      NewStore(channels, int(cfg.Store.BufferSeconds*fs)),
		pipeline:   pipeline,
		calib:      calib,
		logger:     logger.With("session_id", id),
		metrics:    metrics,
		done:       make(chan struct{}),
	}, nil
}

// start launches the acquisition goroutine. Adapter faults are sent to
// faults.
func (s *Session) start(faults chan<- fault) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx, faults)
}

func (s *Session) run(ctx context.Context, faults chan<- fault) {
	defer close(s.done)
	chunks := s.adapter.Chunks()
	adapterFaults := s.adapter.Faults()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-chunks:
			s.ingest(chunk)
		case err := <-adapterFaults:
			s.mu.Lock()
			s.streaming = false
			s.mu.Unlock()
			select {
			case faults <- fault{sess: s, err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// ingest maps adapter time onto session time, runs the pipeline and
// commits the result.
func (s *Session) ingest(chunk []device.Sample) {
	if len(chunk) == 0 {
		return
	}
	began := time.Now()

	if cap(s.tsBuf) < len(chunk) {
		s.tsBuf = make([]float64, len(chunk))
		s.valBuf = make([][]float64, len(chunk))
	}
	ts, vals := s.tsBuf[:len(chunk)], s.valBuf[:len(chunk)]

	s.mu.Lock()
	runStart := s.runOffset
	for i, smp := range chunk {
		t := s.runOffset + smp.Timestamp
		if s.hasTS && t <= s.lastTS {
			t = s.lastTS + 1/s.SampleRate
		}
		s.lastTS, s.hasTS = t, true
		ts[i] = t
		vals[i] = smp.Values
	}
	s.mu.Unlock()

	res := s.pipeline.Process(ts, vals)
	s.calib.Observe(s.pipeline, res.Filtered, res.Skipped)

	var ev *Event
	if d := res.Detection; d != nil {
		ev = &Event{
			Timestamp:   time.Now(),
			SampleTime:  d.SampleTime,
			ElapsedTime: d.SampleTime - runStart,
			Kind:        eventKind(d.Mode),
			Channel:     d.Channel,
			Value:       d.Value,
			Confidence:  d.Confidence,
		}
	}
	state := s.pipeline.Snapshot()
	stored, ok := s.store.Commit(Batch{
		Timestamps: ts,
		Raw:        res.Raw,
		Filtered:   res.Filtered,
		Artifact:   res.Artifact,
		Event:      ev,
		Features:   res.Features,
		Pipeline:   &state,
	})

	if ok {
		s.logger.Info("neural event detected",
			"event_id", stored.ID,
			"elapsed", stored.ElapsedTime,
			"channel", stored.Channel,
			"kind", stored.Kind,
			"confidence", stored.Confidence)
		s.metrics.EventDetected(stored.Kind)
	}
	if res.Malformed {
		s.logger.Debug("malformed chunk held", "samples", len(chunk))
	}
	s.metrics.ObserveChunk(len(chunk), res.Artifact, res.Skipped, time.Since(began))
}

// StartStream begins a run. Session time continues one sample period
// after the last stored sample so timestamps stay monotonic across runs.
func (s *Session) StartStream(ctx context.Context) error {
	s.mu.Lock()
	if s.hasTS {
		s.runOffset = s.lastTS + 1/s.SampleRate
	}
	offset := s.runOffset
	s.mu.Unlock()

	if err := s.adapter.StartStream(ctx); err != nil {
		return err
	}

	now := time.Now()
	s.mu.Lock()
	s.streaming = true
	s.streamStart = now
	if s.firstStart == nil {
		s.firstStart = &now
	}
	s.mu.Unlock()
	s.logger.Info("stream started", "offset", offset)
	return nil
}

// StopStream ends the current run and returns its summary.
func (s *Session) StopStream() (Summary, error) {
	if err := s.adapter.StopStream(); err != nil {
		return Summary{}, errs.Wrap(err, errs.KindStream, "session.StopStream", "")
	}
	s.mu.Lock()
	s.streaming = false
	d := time.Since(s.streamStart).Seconds()
	s.mu.Unlock()
	sum := Summary{Duration: d, EventCount: s.store.EventCount()}
	s.logger.Info("stream stopped", "duration", sum.Duration, "events", sum.EventCount)
	return sum, nil
}

func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Reset clears the store and pipeline state. The clock is kept so new
// samples still follow the old ones in time.
func (s *Session) Reset() {
	s.store.Reset()
	s.pipeline.Reset()
	s.logger.Info("session reset")
}

// close stops the adapter and waits for the acquisition goroutine.
func (s *Session) close() error {
	err := s.adapter.Disconnect()
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.mu.Lock()
	s.streaming = false
	s.mu.Unlock()
	return err
}

func (s *Session) Store() *Store { return s.store }

func (s *Session) Pipeline() *dsp.Pipeline { return s.pipeline }

func (s *Session) Device() device.Info { return s.adapter.Info() }

// info builds session_info for a connected session.
func (s *Session) info(cal CalibrationStatus) Info {
	s.mu.Lock()
	streaming := s.streaming
	var start *time.Time
	if s.firstStart != nil {
		t := *s.firstStart
		start = &t
	}
	s.mu.Unlock()

	info := Info{
		SessionID:         s.ID,
		Phase:             Connected,
		DeviceConnected:   s.adapter.Info().Connected,
		Streaming:         streaming,
		EventCount:        s.store.EventCount(),
		StartTime:         start,
		CalibrationStatus: cal,
	}
	if streaming {
		info.Phase = Streaming
	}
	if start != nil {
		info.Duration = time.Since(*start).Seconds()
		if mins := info.Duration / 60; mins > 0 {
			info.EventRate = float64(info.EventCount) / mins
		}
	}
	return info
}

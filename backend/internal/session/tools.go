package session

import (
	"context"
	"time"

	"github.com/bci-mcp/backend/internal/dsp"
	errs "github.com/bci-mcp/backend/internal/errors"
	"github.com/bci-mcp/backend/internal/persist"
)

// ConnectResult is returned by ConnectDevice.
type ConnectResult struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Port       string `json:"port"`
	DeviceType string `json:"device_type"`
	SessionID  string `json:"session_id"`
}

// StatusResult is a plain status reply.
type StatusResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// DeviceEntry is one discovered device.
type DeviceEntry struct {
	Index int    `json:"index"`
	Port  string `json:"port"`
	Type  string `json:"type"`
}

// DevicesResult is returned by ListDevices.
type DevicesResult struct {
	Devices []DeviceEntry `json:"devices"`
	Count   int           `json:"count"`
}

// Summary describes a finished stream run.
type Summary struct {
	Duration   float64 `json:"duration"`
	EventCount int     `json:"event_count"`
}

// StreamResult is returned by StartStream and StopStream.
type StreamResult struct {
	Status         string   `json:"status"`
	Message        string   `json:"message"`
	SessionSummary *Summary `json:"session_summary,omitempty"`
}

// CalibrationOutcome is returned by Calibrate.
type CalibrationOutcome struct {
	Status         string  `json:"status"`
	Message        string  `json:"message"`
	Threshold      float64 `json:"threshold"`
	Baseline       float64 `json:"baseline"`
	Noise          float64 `json:"noise"`
	Samples        int     `json:"samples"`
	StreamingState string  `json:"streaming_state"`
}

// SaveResult is returned by SaveData.
type SaveResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path"`
	Format  string `json:"format"`
	Samples int    `json:"samples"`
	Events  int    `json:"events"`
}

// DetectorUpdate carries the detector parameters to change. Nil fields
// keep their current value.
type DetectorUpdate struct {
	Threshold *float64
	Cooldown  *float64
	Mode      *string
	Window    *int
}

// DetectorResult is returned by ConfigureDetector.
type DetectorResult struct {
	Status    string  `json:"status"`
	Mode      string  `json:"mode"`
	Threshold float64 `json:"threshold"`
	Baseline  float64 `json:"baseline"`
	Cooldown  float64 `json:"cooldown"`
	Window    int     `json:"window"`
}

// ConnectDevice opens the adapter for port (or the configured one) and
// starts a new session. Asking for the connected port again is a no-op;
// a different port requires a disconnect first.
func (m *Manager) ConnectDevice(ctx context.Context, port, kind string) (ConnectResult, error) {
	const op = "session.ConnectDevice"
	return call(ctx, m, "connect_device", func(ctx context.Context) (ConnectResult, error) {
		if s := m.current(); s != nil {
			d := s.Device()
			if port == "" || port == d.Port {
				return ConnectResult{Status: "already_connected", Message: "device already connected", Port: d.Port, DeviceType: d.Type, SessionID: s.ID}, nil
			}
			return ConnectResult{}, errs.Wrap(errs.ErrAlreadyConnected, errs.KindConnection, op, "connected to "+d.Port)
		}

		adapter, err := m.factory(kind, port)
		if err != nil {
			return ConnectResult{}, err
		}
		if err := adapter.Connect(ctx); err != nil {
			return ConnectResult{}, errs.Wrap(err, errs.KindConnection, op, "")
		}
		s, err := newSession(m.cfg, adapter, m.calib, m.logger, m.metrics)
		if err != nil {
			adapter.Disconnect()
			return ConnectResult{}, err
		}
		m.calib.Reset()
		s.start(m.faults)

		m.mu.Lock()
		m.sess = s
		m.lastErr = ""
		m.mu.Unlock()

		d := s.Device()
		m.logger.Info("device connected", "session_id", s.ID, "port", d.Port, "device_type", d.Type, "channels", d.Channels)
		m.notify(ChangeConnected)
		return ConnectResult{Status: "connected", Message: "successfully connected to " + d.Port, Port: d.Port, DeviceType: d.Type, SessionID: s.ID}, nil
	})
}

// DisconnectDevice closes the live session. An in-flight calibration
// fails.
func (m *Manager) DisconnectDevice(ctx context.Context) (StatusResult, error) {
	const op = "session.DisconnectDevice"
	return call(ctx, m, "disconnect_device", func(ctx context.Context) (StatusResult, error) {
		m.mu.Lock()
		s := m.sess
		m.sess = nil
		m.mu.Unlock()
		if s == nil {
			return StatusResult{}, notConnected(op)
		}
		m.calib.Abort(errs.ErrDeviceDisconnected)
		if err := s.close(); err != nil {
			m.logger.Warn("adapter disconnect", "error", err)
		}
		m.logger.Info("device disconnected", "session_id", s.ID)
		m.notify(ChangeDisconnected)
		return StatusResult{Status: "disconnected", Message: "successfully disconnected from device"}, nil
	})
}

// ListDevices runs discovery.
func (m *Manager) ListDevices(ctx context.Context) (DevicesResult, error) {
	return call(ctx, m, "list_available_devices", func(ctx context.Context) (DevicesResult, error) {
		cands, err := m.discoverer.Discover(ctx)
		if err != nil {
			return DevicesResult{}, errs.Wrap(err, errs.KindConnection, "session.ListDevices", "discovery")
		}
		res := DevicesResult{Devices: make([]DeviceEntry, len(cands)), Count: len(cands)}
		for i, c := range cands {
			res.Devices[i] = DeviceEntry{Index: i, Port: c.Port, Type: c.Type}
		}
		return res, nil
	})
}

func streamNotConnected(op string) error {
	return &errs.Error{Kind: errs.KindStream, Op: op, Code: errs.CodeNotConnected, Err: errs.ErrNotConnected}
}

// StartStream starts acquisition. Starting an already streaming session
// succeeds with status already_streaming.
func (m *Manager) StartStream(ctx context.Context) (StreamResult, error) {
	const op = "session.StartStream"
	return call(ctx, m, "start_stream", func(ctx context.Context) (StreamResult, error) {
		s := m.current()
		if s == nil {
			return StreamResult{}, streamNotConnected(op)
		}
		if s.Streaming() {
			return StreamResult{Status: "already_streaming", Message: "device is already streaming"}, nil
		}
		if err := s.StartStream(ctx); err != nil {
			return StreamResult{}, errs.Wrap(err, errs.KindStream, op, "")
		}
		m.notify(ChangeUpdate)
		return StreamResult{Status: "streaming", Message: "successfully started streaming data"}, nil
	})
}

// StopStream stops acquisition and reports the run summary. The stream
// cannot be stopped while a calibration is recording from it.
func (m *Manager) StopStream(ctx context.Context) (StreamResult, error) {
	const op = "session.StopStream"
	return call(ctx, m, "stop_stream", func(ctx context.Context) (StreamResult, error) {
		s := m.current()
		if s == nil {
			return StreamResult{}, streamNotConnected(op)
		}
		if !s.Streaming() {
			return StreamResult{Status: "not_streaming", Message: "device is not currently streaming"}, nil
		}
		if m.calib.Recording(s.pipeline) {
			return StreamResult{}, errs.Wrap(errs.ErrCalibrationActive, errs.KindConcurrency, op, "stream is in use by calibration")
		}
		sum, err := s.StopStream()
		if err != nil {
			return StreamResult{}, err
		}
		m.notify(ChangeUpdate)
		return StreamResult{Status: "stopped", Message: "successfully stopped streaming data", SessionSummary: &sum}, nil
	})
}

type calibrationStart struct {
	run     *CalibrationRun
	sess    *Session
	started bool
}

// Calibrate records a baseline for duration (the configured default when
// zero) and commits the derived threshold. A stopped stream is started
// for the run and stopped again afterwards. The caller waits outside the
// command queue, so a disconnect can interrupt the run.
func (m *Manager) Calibrate(ctx context.Context, duration time.Duration) (CalibrationOutcome, error) {
	const op = "session.Calibrate"
	if duration <= 0 {
		duration = m.cfg.Calibration.DefaultDuration
	}
	ctx, cancel := context.WithTimeout(ctx, duration+m.cfg.Protocol.ToolTimeout)
	defer cancel()

	cs, err := call(ctx, m, "calibrate_device", func(ctx context.Context) (calibrationStart, error) {
		s := m.current()
		if s == nil {
			return calibrationStart{}, notConnected(op)
		}
		started := false
		if !s.Streaming() {
			if err := s.StartStream(ctx); err != nil {
				return calibrationStart{}, errs.Wrap(err, errs.KindStream, op, "start stream for calibration")
			}
			started = true
		}
		run, err := m.calib.Begin(duration, s.pipeline)
		if err != nil {
			if started {
				s.StopStream()
			}
			return calibrationStart{}, err
		}
		m.logger.Info("calibration started", "session_id", s.ID, "duration", duration)
		m.notify(ChangeUpdate)
		return calibrationStart{run: run, sess: s, started: started}, nil
	})
	if err != nil {
		return CalibrationOutcome{}, err
	}

	result, err := cs.run.Wait(ctx)
	m.metrics.CalibrationFinished(result.Status.String())

	streaming := "continued"
	if cs.started {
		streaming = "stopped"
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Protocol.ToolTimeout)
		m.exec(stopCtx, "stop_stream", func(ctx context.Context) (any, error) {
			if m.current() == cs.sess && cs.sess.Streaming() {
				cs.sess.StopStream()
			}
			m.notify(ChangeUpdate)
			return nil, nil
		})
		stopCancel()
	} else {
		if m.current() != cs.sess || !cs.sess.Streaming() {
			streaming = "stopped"
		}
		m.notify(ChangeUpdate)
	}

	if err != nil {
		m.logger.Warn("calibration failed", "error", err)
		return CalibrationOutcome{}, err
	}
	m.logger.Info("calibration completed",
		"threshold", result.Threshold, "baseline", result.BaselineMean, "noise", result.Noise, "samples", result.Samples)
	return CalibrationOutcome{
		Status:         "calibrated",
		Message:        "device calibrated over " + duration.String(),
		Threshold:      result.Threshold,
		Baseline:       result.BaselineMean,
		Noise:          result.Noise,
		Samples:        result.Samples,
		StreamingState: streaming,
	}, nil
}

// SaveData writes a point-in-time snapshot of the session in the given
// format (the configured default when empty). Samples arriving during the
// write are not included.
func (m *Manager) SaveData(ctx context.Context, format string) (SaveResult, error) {
	const op = "session.SaveData"
	w, err := m.writers.Get(format)
	if err != nil {
		return SaveResult{}, err
	}

	rec, err := call(ctx, m, "save_data", func(ctx context.Context) (*persist.Recording, error) {
		s := m.current()
		if s == nil {
			return nil, notConnected(op)
		}
		rec := s.recording(m.calib.Result())
		if len(rec.Timestamps) == 0 {
			return nil, &errs.Error{Kind: errs.KindPersistence, Op: op, Code: errs.CodeNoData, Err: errs.ErrNoData}
		}
		return rec, nil
	})
	if err != nil {
		return SaveResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Protocol.ToolTimeout)
	defer cancel()
	path, err := w.Write(ctx, rec)
	if err != nil {
		return SaveResult{}, errs.Wrap(err, errs.KindPersistence, op, "write "+w.Format())
	}
	m.logger.Info("session saved", "path", path, "format", w.Format(), "samples", len(rec.Timestamps), "events", len(rec.Events))
	return SaveResult{
		Status:  "saved",
		Message: "data saved to " + path,
		Path:    path,
		Format:  w.Format(),
		Samples: len(rec.Timestamps),
		Events:  len(rec.Events),
	}, nil
}

// ConfigureDetector changes detector parameters on the live session.
func (m *Manager) ConfigureDetector(ctx context.Context, u DetectorUpdate) (DetectorResult, error) {
	const op = "session.ConfigureDetector"
	return call(ctx, m, "configure_detector", func(ctx context.Context) (DetectorResult, error) {
		s := m.current()
		if s == nil {
			return DetectorResult{}, notConnected(op)
		}
		if m.calib.Recording(s.pipeline) {
			return DetectorResult{}, errs.Wrap(errs.ErrCalibrationActive, errs.KindConcurrency, op, "")
		}
		dp := s.pipeline.Params().Detector
		if u.Mode != nil {
			mode, err := dsp.ParseMode(*u.Mode)
			if err != nil {
				return DetectorResult{}, err
			}
			dp.Mode = mode
		}
		if u.Threshold != nil {
			dp.Threshold = *u.Threshold
		}
		if u.Cooldown != nil {
			dp.Cooldown = *u.Cooldown
		}
		if u.Window != nil {
			dp.Window = *u.Window
		}
		if err := s.pipeline.Configure(dp); err != nil {
			return DetectorResult{}, err
		}
		m.logger.Info("detector configured", "mode", dp.Mode.String(), "threshold", dp.Threshold, "cooldown", dp.Cooldown)
		return DetectorResult{
			Status:    "configured",
			Mode:      dp.Mode.String(),
			Threshold: dp.Threshold,
			Baseline:  dp.Baseline,
			Cooldown:  dp.Cooldown,
			Window:    dp.Window,
		}, nil
	})
}

// ResetSession discards buffered samples, events, pipeline state and the
// calibration result. The device stays connected.
func (m *Manager) ResetSession(ctx context.Context) (StatusResult, error) {
	const op = "session.ResetSession"
	return call(ctx, m, "reset_session", func(ctx context.Context) (StatusResult, error) {
		s := m.current()
		if s == nil {
			return StatusResult{}, notConnected(op)
		}
		if m.calib.Recording(s.pipeline) {
			return StatusResult{}, errs.Wrap(errs.ErrCalibrationActive, errs.KindConcurrency, op, "")
		}
		s.Reset()
		m.calib.Reset()
		m.notify(ChangeUpdate)
		return StatusResult{Status: "reset", Message: "session data cleared"}, nil
	})
}

// recording copies everything the store holds for persistence.
func (s *Session) recording(cal CalibrationResult) *persist.Recording {
	snap := s.store.Snapshot(0, -1)
	d := s.Device()
	info := s.info(cal.Status)

	events := make([]persist.Event, len(snap.Recent))
	for i, e := range snap.Recent {
		// Recent is newest first
		events[len(events)-1-i] = persist.Event(e)
	}
	return &persist.Recording{
		SessionID:   s.ID,
		DeviceType:  d.Type,
		Port:        d.Port,
		SampleRate:  s.SampleRate,
		Channels:    s.store.Channels(),
		StartTime:   info.StartTime,
		SavedAt:     time.Now(),
		Timestamps:  snap.Data.Timestamps,
		Raw:         snap.Data.Raw,
		Filtered:    snap.Data.Filtered,
		Artifact:    snap.Data.Artifact,
		Events:      events,
		Threshold:   snap.Pipeline.Threshold,
		Baseline:    snap.Pipeline.Baseline,
		Cooldown:    snap.Pipeline.Cooldown,
		Mode:        snap.Pipeline.Mode,
		Calibrated:  snap.Pipeline.Calibrated,
		Calibration: cal.Status.String(),
	}
}

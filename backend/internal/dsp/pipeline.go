package dsp

import (
	"math"
	"sync"

	errs "github.com/bci-mcp/backend/internal/errors"
)

// Params configures a Pipeline.
type Params struct {
	SampleRate    float64
	Channels      int
	Low           float64
	High          float64
	LineFrequency float64
	NotchQ        float64
	MaxAmplitude  float64
	Policy        ArtifactPolicy
	FeatureWindow int
	Detector      DetectorParams
}

// Result is the output of one Process call. Raw and Filtered alias buffers
// owned by the pipeline and are only valid until the next call.
type Result struct {
	Raw       [][]float64
	Filtered  [][]float64
	Artifact  bool
	Malformed bool
	Skipped   bool
	Features  []FeatureFrame
	Detection *Detection
}

// State is a read-only view of the pipeline's detector configuration and
// counters.
type State struct {
	Mode       string  `json:"mode"`
	Threshold  float64 `json:"threshold"`
	Baseline   float64 `json:"baseline"`
	Cooldown   float64 `json:"cooldown"`
	Window     int     `json:"window"`
	Armed      bool    `json:"armed"`
	Calibrated bool    `json:"calibrated"`
	LastFired  float64 `json:"last_fired"`
	HasFired   bool    `json:"has_fired"`
	Chunks     uint64  `json:"chunks"`
	Samples    uint64  `json:"samples"`
	Artifacts  uint64  `json:"artifacts"`
	Skipped    uint64  `json:"skipped"`
	Events     uint64  `json:"events"`
	Suppressed uint64  `json:"suppressed"`
}

// Pipeline runs bandpass -> notch -> artifact gate -> features -> detector
// over successive chunks. Process is meant to be called from a single
// goroutine; the mutex only makes detector reconfiguration and snapshots
// atomic with respect to it.
type Pipeline struct {
	mu         sync.Mutex
	params     Params
	filters    *FilterBank
	gate       ArtifactGate
	features   *FeatureExtractor
	detector   *EventDetector
	initial    DetectorParams
	calibrated bool

	hold     []float64
	raw      [][]float64
	filtered [][]float64

	chunks, samples, artifacts, skipped uint64
}

func New(p Params) (*Pipeline, error) {
	if p.Channels <= 0 {
		return nil, errs.New(errs.KindConfiguration, "dsp.New", "channel count must be positive")
	}
	if p.MaxAmplitude <= 0 {
		return nil, errs.New(errs.KindConfiguration, "dsp.New", "artifact amplitude must be positive")
	}
	if p.FeatureWindow <= 1 {
		p.FeatureWindow = int(p.SampleRate)
	}
	filters, err := NewFilterBank(p.Channels, p.SampleRate, p.Low, p.High, p.LineFrequency, p.NotchQ)
	if err != nil {
		return nil, err
	}
	detector, err := NewEventDetector(p.Channels, p.Detector)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		params:   p,
		filters:  filters,
		gate:     ArtifactGate{MaxAmplitude: p.MaxAmplitude, Policy: p.Policy},
		features: NewFeatureExtractor(p.Channels, p.FeatureWindow, p.SampleRate),
		detector: detector,
		initial:  detector.Params(),
		hold:     make([]float64, p.Channels),
	}, nil
}

func (p *Pipeline) Params() Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}

// Process runs one chunk through every stage. Non-finite values are
// replaced by the channel's last finite input and samples with the wrong
// channel count are padded the same way; either marks the chunk malformed,
// which flags it as an artifact and keeps it away from features and events.
func (p *Pipeline) Process(ts []float64, values [][]float64) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(ts)
	p.grow(n)
	raw, filtered := p.raw[:n], p.filtered[:n]

	malformed := len(values) != n
	for i := 0; i < n; i++ {
		var row []float64
		if i < len(values) {
			row = values[i]
		}
		if len(row) != p.params.Channels {
			malformed = true
		}
		for ch := 0; ch < p.params.Channels; ch++ {
			v := p.hold[ch]
			if ch < len(row) {
				if x := row[ch]; !math.IsNaN(x) && !math.IsInf(x, 0) {
					v = x
				} else {
					malformed = true
				}
			}
			p.hold[ch] = v
			raw[i][ch] = v
			filtered[i][ch] = p.filters.Process(ch, v)
		}
	}

	res := Result{Raw: raw, Filtered: filtered, Malformed: malformed}
	flagged, reject := p.gate.Apply(filtered)
	res.Artifact = flagged || malformed
	res.Skipped = reject || malformed

	p.chunks++
	p.samples += uint64(n)
	if res.Artifact {
		p.artifacts++
	}
	if res.Skipped {
		p.skipped++
		return res
	}

	for i, t := range ts {
		if frame, ok := p.features.Push(t, filtered[i]); ok {
			res.Features = append(res.Features, frame)
		}
	}
	res.Detection = p.detector.Process(ts, filtered)
	return res
}

func (p *Pipeline) grow(n int) {
	for len(p.raw) < n {
		p.raw = append(p.raw, make([]float64, p.params.Channels))
		p.filtered = append(p.filtered, make([]float64, p.params.Channels))
	}
}

// Arm enables or disables event detection. Filtering and features continue
// while disarmed.
func (p *Pipeline) Arm(armed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detector.Arm(armed)
}

// Commit switches the detector to amplitude mode with the given baseline and
// threshold. The previous configuration is kept on error.
func (p *Pipeline) Commit(baseline, threshold float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dp := p.detector.Params()
	dp.Mode = ModeAmplitude
	dp.Baseline = baseline
	dp.Threshold = threshold
	if err := p.detector.SetParams(dp); err != nil {
		return err
	}
	p.params.Detector = dp
	p.calibrated = true
	return nil
}

// Configure replaces detector parameters directly.
func (p *Pipeline) Configure(dp DetectorParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.detector.SetParams(dp); err != nil {
		return err
	}
	p.params.Detector = dp
	return nil
}

// Reset clears all stage state and counters and puts the detector back on
// the parameters the pipeline was built with, dropping any calibration or
// later reconfiguration.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters.Reset()
	p.features.Reset()
	// initial passed validation in New
	_ = p.detector.SetParams(p.initial)
	p.detector.Reset()
	p.detector.Arm(true)
	p.params.Detector = p.initial
	p.calibrated = false
	for i := range p.hold {
		p.hold[i] = 0
	}
	p.chunks, p.samples, p.artifacts, p.skipped = 0, 0, 0, 0
}

func (p *Pipeline) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	dp := p.detector.Params()
	last, has := p.detector.LastFired()
	fired, suppressed := p.detector.Counts()
	return State{
		Mode:       dp.Mode.String(),
		Threshold:  dp.Threshold,
		Baseline:   dp.Baseline,
		Cooldown:   dp.Cooldown,
		Window:     dp.Window,
		Armed:      p.detector.Armed(),
		Calibrated: p.calibrated,
		LastFired:  last,
		HasFired:   has,
		Chunks:     p.chunks,
		Samples:    p.samples,
		Artifacts:  p.artifacts,
		Skipped:    p.skipped,
		Events:     fired,
		Suppressed: suppressed,
	}
}

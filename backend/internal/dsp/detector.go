package dsp

import (
	"math"

	errs "github.com/bci-mcp/backend/internal/errors"
)

// Mode selects the detector's test.
type Mode int

const (
	// ModeZScore fires when a sample's z-score over the trailing window
	// exceeds Threshold.
	ModeZScore Mode = iota
	// ModeAmplitude fires when |x - Baseline| exceeds Threshold - Baseline.
	ModeAmplitude
)

func (m Mode) String() string {
	if m == ModeAmplitude {
		return "amplitude"
	}
	return "zscore"
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "zscore":
		return ModeZScore, nil
	case "amplitude":
		return ModeAmplitude, nil
	}
	return 0, errs.Newf(errs.KindConfiguration, "dsp.ParseMode", "unknown detector mode %q", s)
}

// DetectorParams configures an EventDetector. Cooldown is in seconds.
type DetectorParams struct {
	Mode      Mode
	Threshold float64
	Baseline  float64
	Window    int
	Cooldown  float64
}

func (p DetectorParams) validate() error {
	const op = "dsp.DetectorParams"
	switch {
	case p.Mode == ModeZScore && p.Threshold <= 0:
		return errs.New(errs.KindConfiguration, op, "z-score threshold must be positive")
	case p.Mode == ModeAmplitude && p.Threshold <= p.Baseline:
		return errs.New(errs.KindConfiguration, op, "amplitude threshold must exceed baseline")
	case p.Window < 2:
		return errs.New(errs.KindConfiguration, op, "window must be at least 2 samples")
	case p.Cooldown < 0 || math.IsNaN(p.Cooldown):
		return errs.New(errs.KindConfiguration, op, "cooldown must not be negative")
	}
	return nil
}

// Detection is a fired event before it is given an identity by the session.
type Detection struct {
	SampleTime float64
	Channel    int
	Value      float64
	Score      float64
	Limit      float64
	Confidence float64
	Mode       Mode
}

// EventDetector fires at most once per chunk and never twice within
// Cooldown seconds.
type EventDetector struct {
	params DetectorParams
	armed  bool

	// trailing window per channel for z-scores
	win   [][]float64
	pos   []int
	count []int
	sum   []float64
	sumSq []float64

	hasFired   bool
	lastFired  float64
	fired      uint64
	suppressed uint64
}

func NewEventDetector(channels int, p DetectorParams) (*EventDetector, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	d := &EventDetector{
		params: p,
		armed:  true,
		win:    make([][]float64, channels),
		pos:    make([]int, channels),
		count:  make([]int, channels),
		sum:    make([]float64, channels),
		sumSq:  make([]float64, channels),
	}
	for i := range d.win {
		d.win[i] = make([]float64, p.Window)
	}
	return d, nil
}

func (d *EventDetector) Params() DetectorParams {
	return d.params
}

// SetParams replaces the configuration. The trailing windows survive unless
// the window length changes.
func (d *EventDetector) SetParams(p DetectorParams) error {
	if err := p.validate(); err != nil {
		return err
	}
	if p.Window != d.params.Window {
		for i := range d.win {
			d.win[i] = make([]float64, p.Window)
			d.pos[i], d.count[i], d.sum[i], d.sumSq[i] = 0, 0, 0, 0
		}
	}
	d.params = p
	return nil
}

func (d *EventDetector) Arm(armed bool) {
	d.armed = armed
}

func (d *EventDetector) Armed() bool {
	return d.armed
}

// Process scans one chunk in time order. Windows are updated for every
// sample; at most one detection is returned.
func (d *EventDetector) Process(ts []float64, filtered [][]float64) *Detection {
	var det *Detection
	for i, t := range ts {
		for ch, x := range filtered[i] {
			score, limit, ok := d.test(ch, x)
			if !ok || det != nil || !d.armed {
				continue
			}
			if d.hasFired && t-d.lastFired < d.params.Cooldown {
				d.suppressed++
				continue
			}
			ratio := score / limit
			det = &Detection{
				SampleTime: t,
				Channel:    ch,
				Value:      x,
				Score:      score,
				Limit:      limit,
				Confidence: math.Min(1, ratio/2),
				Mode:       d.params.Mode,
			}
			d.hasFired = true
			d.lastFired = t
			d.fired++
		}
	}
	return det
}

// test updates channel ch with x and reports whether x crosses the limit.
func (d *EventDetector) test(ch int, x float64) (score, limit float64, crossed bool) {
	w := d.win[ch]
	if d.count[ch] == len(w) {
		old := w[d.pos[ch]]
		d.sum[ch] -= old
		d.sumSq[ch] -= old * old
	} else {
		d.count[ch]++
	}
	w[d.pos[ch]] = x
	d.pos[ch] = (d.pos[ch] + 1) % len(w)
	d.sum[ch] += x
	d.sumSq[ch] += x * x

	switch d.params.Mode {
	case ModeAmplitude:
		limit = d.params.Threshold - d.params.Baseline
		score = math.Abs(x - d.params.Baseline)
		return score, limit, score > limit
	default:
		n := d.count[ch]
		if n < len(w) {
			return 0, d.params.Threshold, false
		}
		mean := d.sum[ch] / float64(n)
		variance := d.sumSq[ch]/float64(n) - mean*mean
		if variance <= 1e-12 {
			return 0, d.params.Threshold, false
		}
		score = math.Abs(x-mean) / math.Sqrt(variance)
		return score, d.params.Threshold, score > d.params.Threshold
	}
}

// LastFired returns the sample time of the most recent detection.
func (d *EventDetector) LastFired() (float64, bool) {
	return d.lastFired, d.hasFired
}

func (d *EventDetector) Counts() (fired, suppressed uint64) {
	return d.fired, d.suppressed
}

func (d *EventDetector) Reset() {
	for i := range d.win {
		d.pos[i], d.count[i], d.sum[i], d.sumSq[i] = 0, 0, 0, 0
	}
	d.hasFired = false
	d.lastFired = 0
	d.fired, d.suppressed = 0, 0
}

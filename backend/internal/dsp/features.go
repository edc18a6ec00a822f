package dsp

import (
	"math"
)

// Band is a named frequency range in Hz, [Low, High).
type Band struct {
	Name string  `json:"name"`
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Bands are the conventional EEG rhythms.
var Bands = []Band{
	{"delta", 1, 4},
	{"theta", 4, 8},
	{"alpha", 8, 13},
	{"beta", 13, 30},
	{"gamma", 30, 45},
}

// Time-domain feature names emitted alongside the band powers.
const (
	FeatureMean       = "mean"
	FeatureStd        = "std"
	FeatureRMS        = "rms"
	FeatureLineLength = "line_length"
)

// FeatureFrame holds one window of features. Values maps a feature name to
// one value per channel.
type FeatureFrame struct {
	Timestamp float64              `json:"timestamp"`
	Values    map[string][]float64 `json:"values"`
}

// FeatureExtractor computes features over consecutive non-overlapping
// windows of filtered samples.
type FeatureExtractor struct {
	fs     float64
	window int
	buf    [][]float64 // per channel
	n      int
}

func NewFeatureExtractor(channels, window int, fs float64) *FeatureExtractor {
	fe := &FeatureExtractor{
		fs:     fs,
		window: window,
		buf:    make([][]float64, channels),
	}
	for i := range fe.buf {
		fe.buf[i] = make([]float64, window)
	}
	return fe
}

// Push adds one multi-channel sample. It returns a frame when the sample
// completes a window.
func (fe *FeatureExtractor) Push(ts float64, sample []float64) (FeatureFrame, bool) {
	for ch := range fe.buf {
		fe.buf[ch][fe.n] = sample[ch]
	}
	fe.n++
	if fe.n < fe.window {
		return FeatureFrame{}, false
	}
	fe.n = 0
	return fe.compute(ts), true
}

func (fe *FeatureExtractor) Reset() {
	fe.n = 0
}

func (fe *FeatureExtractor) compute(ts float64) FeatureFrame {
	channels := len(fe.buf)
	frame := FeatureFrame{Timestamp: ts, Values: make(map[string][]float64, len(Bands)+4)}
	for _, b := range Bands {
		frame.Values[b.Name] = make([]float64, channels)
	}
	for _, name := range []string{FeatureMean, FeatureStd, FeatureRMS, FeatureLineLength} {
		frame.Values[name] = make([]float64, channels)
	}

	for ch, x := range fe.buf {
		mean, std, rms, ll := timeStats(x)
		frame.Values[FeatureMean][ch] = mean
		frame.Values[FeatureStd][ch] = std
		frame.Values[FeatureRMS][ch] = rms
		frame.Values[FeatureLineLength][ch] = ll

		for _, b := range Bands {
			frame.Values[b.Name][ch] = bandPower(x, fe.fs, b.Low, b.High)
		}
	}
	return frame
}

func timeStats(x []float64) (mean, std, rms, lineLength float64) {
	n := float64(len(x))
	var sum, sumSq float64
	for i, v := range x {
		sum += v
		sumSq += v * v
		if i > 0 {
			lineLength += math.Abs(v - x[i-1])
		}
	}
	mean = sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance), math.Sqrt(sumSq / n), lineLength
}

// bandPower sums the one-sided periodogram over DFT bins whose centre falls
// in [low, high). Each bin is evaluated with the Goertzel recurrence.
func bandPower(x []float64, fs, low, high float64) float64 {
	n := len(x)
	res := fs / float64(n)
	kLow := int(math.Ceil(low / res))
	kHigh := int(math.Ceil(high/res)) - 1
	if kHigh > n/2 {
		kHigh = n / 2
	}

	var power float64
	for k := kLow; k <= kHigh; k++ {
		w := 2 * math.Pi * float64(k) / float64(n)
		coeff := 2 * math.Cos(w)
		var s1, s2 float64
		for _, v := range x {
			s0 := v + coeff*s1 - s2
			s2 = s1
			s1 = s0
		}
		mag2 := s1*s1 + s2*s2 - coeff*s1*s2
		p := mag2 / float64(n*n)
		if k != 0 && !(n%2 == 0 && k == n/2) {
			p *= 2
		}
		power += p
	}
	return power
}

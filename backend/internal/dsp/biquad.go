// Package dsp implements the streaming signal chain: causal IIR filters,
// an artifact gate, windowed feature extraction and a thresholded event
// detector. All stages keep their state between calls so a signal can be
// fed in arbitrary chunk sizes.
package dsp

import (
	"math"

	errs "github.com/bci-mcp/backend/internal/errors"
)

// Butterworth section Q values for a 4th-order response built from two
// 2nd-order sections.
var butterworth4Q = [2]float64{0.5411961, 1.3065630}

// Biquad is a second-order IIR section in transposed direct form II.
// Coefficients are normalized so a0 == 1.
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
}

type biquadKind int

const (
	lowpass biquadKind = iota
	highpass
	notch
)

func newBiquad(kind biquadKind, fs, f0, q float64) (Biquad, error) {
	if fs <= 0 || f0 <= 0 || f0 >= fs/2 || q <= 0 {
		return Biquad{}, errs.Newf(errs.KindConfiguration, "dsp.newBiquad",
			"cutoff %g Hz invalid for sample rate %g Hz (q=%g)", f0, fs, q)
	}
	w0 := 2 * math.Pi * f0 / fs
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	alpha := sinw / (2 * q)

	var b0, b1, b2 float64
	switch kind {
	case lowpass:
		b0 = (1 - cosw) / 2
		b1 = 1 - cosw
		b2 = (1 - cosw) / 2
	case highpass:
		b0 = (1 + cosw) / 2
		b1 = -(1 + cosw)
		b2 = (1 + cosw) / 2
	case notch:
		b0 = 1
		b1 = -2 * cosw
		b2 = 1
	}
	a0 := 1 + alpha
	return Biquad{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}, nil
}

// Process filters one sample.
func (q *Biquad) Process(x float64) float64 {
	y := q.b0*x + q.z1
	q.z1 = q.b1*x - q.a1*y + q.z2
	q.z2 = q.b2*x - q.a2*y
	return y
}

// DCGain is the filter's response at 0 Hz.
func (q *Biquad) DCGain() float64 {
	return (q.b0 + q.b1 + q.b2) / (1 + q.a1 + q.a2)
}

// Prime sets the state to the steady state reached by a constant input x
// and returns the corresponding steady output.
func (q *Biquad) Prime(x float64) float64 {
	y := x * q.DCGain()
	q.z2 = q.b2*x - q.a2*y
	q.z1 = q.b1*x - q.a1*y + q.z2
	return y
}

func (q *Biquad) Reset() {
	q.z1, q.z2 = 0, 0
}

// Cascade is a chain of biquads applied in order.
type Cascade []Biquad

func (c Cascade) Process(x float64) float64 {
	for i := range c {
		x = c[i].Process(x)
	}
	return x
}

func (c Cascade) Prime(x float64) {
	for i := range c {
		x = c[i].Prime(x)
	}
}

func (c Cascade) Reset() {
	for i := range c {
		c[i].Reset()
	}
}

func (c Cascade) clone() Cascade {
	out := make(Cascade, len(c))
	copy(out, c)
	return out
}

// NewBandpass builds a 4th-order Butterworth high-pass at low followed by a
// 4th-order Butterworth low-pass at high.
func NewBandpass(fs, low, high float64) (Cascade, error) {
	if low <= 0 || high <= low || high >= fs/2 {
		return nil, errs.Wrap(errs.ErrInvalidCutoff, errs.KindConfiguration, "dsp.NewBandpass", "")
	}
	c := make(Cascade, 0, 4)
	for _, q := range butterworth4Q {
		s, err := newBiquad(highpass, fs, low, q)
		if err != nil {
			return nil, err
		}
		c = append(c, s)
	}
	for _, q := range butterworth4Q {
		s, err := newBiquad(lowpass, fs, high, q)
		if err != nil {
			return nil, err
		}
		c = append(c, s)
	}
	return c, nil
}

// NewNotch builds a single-section notch at f0 with quality q.
func NewNotch(fs, f0, q float64) (Cascade, error) {
	s, err := newBiquad(notch, fs, f0, q)
	if err != nil {
		return nil, err
	}
	return Cascade{s}, nil
}

package dsp

// FilterBank runs an identical bandpass + notch chain on every channel.
// The first sample on each channel primes the chain so a DC offset in the
// raw signal does not produce a startup transient.
type FilterBank struct {
	chains []Cascade
	primed []bool
}

// NewFilterBank builds the chain for channels channels. lineFreq <= 0
// disables the notch.
func NewFilterBank(channels int, fs, low, high, lineFreq, notchQ float64) (*FilterBank, error) {
	proto, err := NewBandpass(fs, low, high)
	if err != nil {
		return nil, err
	}
	if lineFreq > 0 {
		n, err := NewNotch(fs, lineFreq, notchQ)
		if err != nil {
			return nil, err
		}
		proto = append(proto, n...)
	}

	fb := &FilterBank{
		chains: make([]Cascade, channels),
		primed: make([]bool, channels),
	}
	for i := range fb.chains {
		fb.chains[i] = proto.clone()
	}
	return fb, nil
}

func (fb *FilterBank) Channels() int {
	return len(fb.chains)
}

// Process filters one sample of channel ch.
func (fb *FilterBank) Process(ch int, x float64) float64 {
	if !fb.primed[ch] {
		fb.chains[ch].Prime(x)
		fb.primed[ch] = true
	}
	return fb.chains[ch].Process(x)
}

func (fb *FilterBank) Reset() {
	for i := range fb.chains {
		fb.chains[i].Reset()
		fb.primed[i] = false
	}
}

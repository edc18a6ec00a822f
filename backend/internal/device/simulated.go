package device

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	errs "github.com/bci-mcp/backend/internal/errors"
)

// SimulatedOptions configures the synthetic headset.
type SimulatedOptions struct {
	SampleRate float64
	Channels   int
	ChunkSize  int
	Port       string
	Seed       int64
	// Speed multiplies the delivery rate; 0 or 1 is real time.
	Speed float64
	// Signal overrides the synthetic waveform for sample i of channel ch.
	Signal func(i, ch int) float64
	// FailConnect makes Connect return a ConnectionError.
	FailConnect bool
	// Limit stops delivery after this many samples per run, leaving the
	// stream open. 0 is unlimited.
	Limit int
}

// Simulated produces an alpha rhythm over background noise with occasional
// blinks and evoked spikes, paced by a ticker.
type Simulated struct {
	lifecycle
	opts   SimulatedOptions
	rng    *rand.Rand
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSimulated(opts SimulatedOptions) *Simulated {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 250
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 10
	}
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	if opts.Port == "" {
		opts.Port = "sim://eeg"
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Simulated{
		lifecycle: newLifecycle(),
		opts:      opts,
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}
}

func (s *Simulated) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Type:       TypeSimulated,
		Port:       s.opts.Port,
		Channels:   s.opts.Channels,
		SampleRate: s.opts.SampleRate,
		Connected:  s.connected,
		Streaming:  s.streaming,
	}
}

func (s *Simulated) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, errs.KindConnection, "simulated.Connect", "")
	}
	if s.opts.FailConnect {
		return errs.Newf(errs.KindConnection, "simulated.Connect", "no device at %s", s.opts.Port)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Simulated) Disconnect() error {
	s.StopStream()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Simulated) StartStream(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.canStart("simulated.StartStream"); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.streaming = true
	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

func (s *Simulated) StopStream() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.streaming = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	return nil
}

// Fail simulates a transport fault: the stream stops and the fault is
// reported on Faults.
func (s *Simulated) Fail(err error) {
	s.StopStream()
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.fault(errs.Wrap(err, errs.KindConnection, "simulated.run", "device fault"))
}

func (s *Simulated) run(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Duration(float64(s.opts.ChunkSize) / s.opts.SampleRate / s.opts.Speed * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	gen := s.opts.Signal
	if gen == nil {
		gen = s.synth()
	}

	i := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chunk := make([]Sample, s.opts.ChunkSize)
			for j := range chunk {
				vals := make([]float64, s.opts.Channels)
				for ch := range vals {
					vals[ch] = gen(i, ch)
				}
				chunk[j] = Sample{Timestamp: float64(i) / s.opts.SampleRate, Values: vals}
				i++
			}
			if !s.emit(ctx, chunk) {
				return
			}
			if s.opts.Limit > 0 && i >= s.opts.Limit {
				return
			}
		}
	}
}

// synth returns the default waveform: 10 Hz alpha (~20 uV) plus 6 Hz theta,
// gaussian noise, a blink roughly every 8 s and a sharp transient roughly
// every 3 s.
func (s *Simulated) synth() func(i, ch int) float64 {
	fs := s.opts.SampleRate
	blinkLen := int(0.3 * fs)
	spikeLen := int(0.02*fs) + 1
	blinkLeft, spikeLeft := 0, 0
	lastI := -1

	return func(i, ch int) float64 {
		if i != lastI {
			lastI = i
			if blinkLeft > 0 {
				blinkLeft--
			} else if s.rng.Float64() < 1/(8*fs) {
				blinkLeft = blinkLen
			}
			if spikeLeft > 0 {
				spikeLeft--
			} else if s.rng.Float64() < 1/(3*fs) {
				spikeLeft = spikeLen
			}
		}
		t := float64(i) / fs
		phase := float64(ch) * 0.3
		v := 20*math.Sin(2*math.Pi*10*t+phase) + 8*math.Sin(2*math.Pi*6*t+phase) + 4*s.rng.NormFloat64()
		if blinkLeft > 0 {
			v += 150 * math.Sin(math.Pi*float64(blinkLen-blinkLeft)/float64(blinkLen))
		}
		if spikeLeft > 0 {
			v += 120
		}
		return v
	}
}

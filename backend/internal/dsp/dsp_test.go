package dsp

import (
	"math"
	"math/rand"
	"testing"

	errs "github.com/bci-mcp/backend/internal/errors"
)

const fs = 250.0

func testParams() Params {
	return Params{
		SampleRate:    fs,
		Channels:      1,
		Low:           1,
		High:          45,
		LineFrequency: 60,
		NotchQ:        30,
		MaxAmplitude:  500,
		Policy:        PolicyReject,
		FeatureWindow: 250,
		Detector: DetectorParams{
			Mode:      ModeZScore,
			Threshold: 5,
			Window:    50,
			Cooldown:  0.5,
		},
	}
}

// feed pushes n samples of gen through p in chunks of size chunk, starting
// at sample index start, and returns every detection.
func feed(p *Pipeline, start, n, chunk int, gen func(i int) float64) []Detection {
	var dets []Detection
	for off := 0; off < n; off += chunk {
		m := chunk
		if off+m > n {
			m = n - off
		}
		ts := make([]float64, m)
		vals := make([][]float64, m)
		for j := 0; j < m; j++ {
			i := start + off + j
			ts[j] = float64(i) / fs
			vals[j] = []float64{gen(i)}
		}
		if res := p.Process(ts, vals); res.Detection != nil {
			dets = append(dets, *res.Detection)
		}
	}
	return dets
}

func TestZeroInputZeroOutput(t *testing.T) {
	bands := []struct{ low, high float64 }{
		{0.1, 10}, {0.5, 40}, {1, 45}, {4, 8}, {8, 13}, {13, 30}, {30, 100}, {1, 124},
	}
	for _, rate := range []float64{128, 250, 500, 1000} {
		for _, b := range bands {
			if b.high >= rate/2 {
				continue
			}
			fb, err := NewFilterBank(2, rate, b.low, b.high, 50, 30)
			if err != nil {
				t.Fatalf("NewFilterBank(%g, %g, %g): %v", rate, b.low, b.high, err)
			}
			for i := 0; i < 2000; i++ {
				for ch := 0; ch < 2; ch++ {
					if y := fb.Process(ch, 0); y != 0 {
						t.Fatalf("fs=%g band=[%g,%g] sample %d: got %g, want 0", rate, b.low, b.high, i, y)
					}
				}
			}
		}
	}
}

func TestBandpassRejectsDC(t *testing.T) {
	fb, err := NewFilterBank(1, fs, 1, 45, 60, 30)
	if err != nil {
		t.Fatal(err)
	}
	// A constant offset primes the chain, so the output is zero from the start.
	for i := 0; i < 500; i++ {
		if y := fb.Process(0, 1000); math.Abs(y) > 1e-6 {
			t.Fatalf("sample %d: got %g, want ~0", i, y)
		}
	}
}

func TestBandpassPassesAlpha(t *testing.T) {
	fb, err := NewFilterBank(1, fs, 1, 45, 60, 30)
	if err != nil {
		t.Fatal(err)
	}
	var peak float64
	for i := 0; i < 2500; i++ {
		y := fb.Process(0, math.Sin(2*math.Pi*10*float64(i)/fs))
		if i > 1500 {
			peak = math.Max(peak, math.Abs(y))
		}
	}
	if peak < 0.9 || peak > 1.1 {
		t.Errorf("10 Hz gain = %g, want ~1", peak)
	}
}

func TestNotchRemovesLineNoise(t *testing.T) {
	fb, err := NewFilterBank(1, fs, 1, 100, 60, 30)
	if err != nil {
		t.Fatal(err)
	}
	var peak float64
	for i := 0; i < 5000; i++ {
		y := fb.Process(0, math.Sin(2*math.Pi*60*float64(i)/fs))
		if i > 4000 {
			peak = math.Max(peak, math.Abs(y))
		}
	}
	if peak > 0.05 {
		t.Errorf("60 Hz residual = %g, want < 0.05", peak)
	}
}

func TestFilterStateSpansChunks(t *testing.T) {
	whole, _ := New(testParams())
	split, _ := New(testParams())

	rng := rand.New(rand.NewSource(7))
	sig := make([]float64, 300)
	for i := range sig {
		sig[i] = rng.NormFloat64() * 10
	}

	var a, b []float64
	tsAll := make([]float64, len(sig))
	valsAll := make([][]float64, len(sig))
	for i, v := range sig {
		tsAll[i] = float64(i) / fs
		valsAll[i] = []float64{v}
	}
	res := whole.Process(tsAll, valsAll)
	for _, row := range res.Filtered {
		a = append(a, row[0])
	}
	for off := 0; off < len(sig); off += 7 {
		end := off + 7
		if end > len(sig) {
			end = len(sig)
		}
		res := split.Process(tsAll[off:end], valsAll[off:end])
		for _, row := range res.Filtered {
			b = append(b, row[0])
		}
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-9 {
			t.Fatalf("sample %d: whole=%g split=%g", i, a[i], b[i])
		}
	}
}

func TestInvalidCutoffs(t *testing.T) {
	tests := []struct{ low, high float64 }{
		{0, 40}, {40, 1}, {1, 125}, {-1, 10},
	}
	for _, tt := range tests {
		_, err := NewBandpass(fs, tt.low, tt.high)
		if !errs.IsKind(err, errs.KindConfiguration) {
			t.Errorf("NewBandpass(%g, %g) error = %v, want ConfigurationError", tt.low, tt.high, err)
		}
	}
}

func TestCooldownUnderPathologicalInput(t *testing.T) {
	for _, cooldown := range []float64{0, 0.1, 0.5, 1.3} {
		p := testParams()
		p.Policy = PolicyFlag
		p.Detector.Cooldown = cooldown
		pl, err := New(p)
		if err != nil {
			t.Fatal(err)
		}
		if err := pl.Commit(0, 1); err != nil {
			t.Fatal(err)
		}

		// 10 Hz square wave of amplitude 100 crosses the limit on almost
		// every sample once the filters settle.
		square := func(i int) float64 {
			if (i/12)%2 == 0 {
				return 100
			}
			return -100
		}
		const chunk = 5
		dets := feed(pl, 0, 2500, chunk, square)
		if len(dets) == 0 {
			t.Fatalf("cooldown %g: no events fired", cooldown)
		}
		for i := 1; i < len(dets); i++ {
			gap := dets[i].SampleTime - dets[i-1].SampleTime
			if gap < cooldown-1e-9 || gap <= 0 {
				t.Fatalf("cooldown %g: events %d and %d are %gs apart", cooldown, i-1, i, gap)
			}
		}
		limit := 2500 / chunk
		if cooldown > 0 {
			if byCooldown := int(10/cooldown) + 1; byCooldown < limit {
				limit = byCooldown
			}
		}
		if len(dets) > limit {
			t.Errorf("cooldown %g: %d events, want <= %d", cooldown, len(dets), limit)
		}
	}
}

func TestOneEventPerChunkAcrossChannels(t *testing.T) {
	p := testParams()
	p.Channels = 3
	p.Detector.Cooldown = 0
	pl, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := pl.Commit(0, 1); err != nil {
		t.Fatal(err)
	}
	// Settle the filters on silence, then hit every channel at once.
	ts := make([]float64, 10)
	vals := make([][]float64, 10)
	for i := range ts {
		ts[i] = float64(i) / fs
		vals[i] = []float64{0, 0, 0}
	}
	pl.Process(ts, vals)
	for i := range ts {
		ts[i] = float64(10+i) / fs
		vals[i] = []float64{200, 200, 200}
	}
	res := pl.Process(ts, vals)
	if res.Detection == nil {
		t.Fatal("expected a detection")
	}
	if res.Detection.Channel != 0 {
		t.Errorf("Channel = %d, want first qualifying channel 0", res.Detection.Channel)
	}
	if got := pl.Snapshot().Events; got != 1 {
		t.Errorf("Events = %d, want 1", got)
	}
}

func TestMalformedChunkIsFlaggedAndSkipped(t *testing.T) {
	pl, err := New(testParams())
	if err != nil {
		t.Fatal(err)
	}
	ts := []float64{0, 0.004, 0.008}
	vals := [][]float64{{1}, {math.NaN()}, {2}}
	res := pl.Process(ts, vals)
	if !res.Artifact || !res.Skipped || !res.Malformed {
		t.Fatalf("result flags = artifact %v skipped %v malformed %v", res.Artifact, res.Skipped, res.Malformed)
	}
	if len(res.Filtered) != 3 {
		t.Fatalf("filtered rows = %d, want 3", len(res.Filtered))
	}
	if res.Raw[1][0] != 1 {
		t.Errorf("NaN sample held at %g, want last finite value 1", res.Raw[1][0])
	}
	for _, row := range res.Filtered {
		if math.IsNaN(row[0]) {
			t.Fatal("NaN leaked into filter output")
		}
	}

	// Wrong channel count is malformed too, and the pipeline keeps going.
	res = pl.Process([]float64{0.012}, [][]float64{{1, 2}})
	if !res.Malformed {
		t.Error("extra channel not flagged")
	}
	res = pl.Process([]float64{0.016}, [][]float64{{3}})
	if res.Malformed || res.Skipped {
		t.Error("clean chunk after malformed one was flagged")
	}
	if st := pl.Snapshot(); st.Skipped != 2 || st.Chunks != 3 {
		t.Errorf("snapshot counters = %+v", st)
	}
}

func TestArtifactPolicies(t *testing.T) {
	tests := []struct {
		policy   ArtifactPolicy
		wantSkip bool
		clipped  bool
	}{
		{PolicyFlag, false, false},
		{PolicyClip, false, true},
		{PolicyReject, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			g := ArtifactGate{MaxAmplitude: 100, Policy: tt.policy}
			rows := [][]float64{{50}, {-250}, {10}}
			flagged, skip := g.Apply(rows)
			if !flagged {
				t.Fatal("expected chunk flagged")
			}
			if skip != tt.wantSkip {
				t.Errorf("skip = %v, want %v", skip, tt.wantSkip)
			}
			if tt.clipped && rows[1][0] != -100 {
				t.Errorf("clipped value = %g, want -100", rows[1][0])
			}
			if !tt.clipped && rows[1][0] != -250 {
				t.Errorf("value modified to %g", rows[1][0])
			}
		})
	}
}

func TestFeatureBandPower(t *testing.T) {
	fe := NewFeatureExtractor(1, 250, fs)
	var frame FeatureFrame
	var ok bool
	for i := 0; i < 250; i++ {
		frame, ok = fe.Push(float64(i)/fs, []float64{2 * math.Sin(2*math.Pi*10*float64(i)/fs)})
	}
	if !ok {
		t.Fatal("window did not complete")
	}
	if alpha := frame.Values["alpha"][0]; math.Abs(alpha-2) > 1e-6 {
		t.Errorf("alpha power = %g, want 2", alpha)
	}
	if beta := frame.Values["beta"][0]; beta > 1e-6 {
		t.Errorf("beta power = %g, want ~0", beta)
	}
	if rms := frame.Values[FeatureRMS][0]; math.Abs(rms-math.Sqrt2) > 1e-6 {
		t.Errorf("rms = %g, want sqrt(2)", rms)
	}
	if frame.Timestamp != 249/fs {
		t.Errorf("timestamp = %g, want window end", frame.Timestamp)
	}
}

func TestDetectorDisarmed(t *testing.T) {
	pl, _ := New(testParams())
	if err := pl.Commit(0, 1); err != nil {
		t.Fatal(err)
	}
	pl.Arm(false)
	dets := feed(pl, 0, 500, 10, func(i int) float64 { return 100 * math.Sin(2*math.Pi*10*float64(i)/fs) })
	if len(dets) != 0 {
		t.Fatalf("disarmed detector fired %d times", len(dets))
	}
	if pl.Snapshot().Armed {
		t.Error("snapshot reports armed")
	}
}

func TestCommitRejectsDegenerateThreshold(t *testing.T) {
	pl, _ := New(testParams())
	if err := pl.Commit(5, 5); !errs.IsKind(err, errs.KindConfiguration) {
		t.Fatalf("Commit(5, 5) = %v, want ConfigurationError", err)
	}
	if st := pl.Snapshot(); st.Mode != "zscore" || st.Calibrated {
		t.Errorf("failed commit changed state: %+v", st)
	}
}

func TestResetDropsCalibration(t *testing.T) {
	pl, _ := New(testParams())
	if err := pl.Commit(2, 40); err != nil {
		t.Fatal(err)
	}
	feed(pl, 0, 100, 10, func(i int) float64 { return 0 })
	pl.Arm(false)

	pl.Reset()
	st := pl.Snapshot()
	if st.Calibrated || st.Mode != "zscore" || st.Threshold != 5 || st.Baseline != 0 {
		t.Errorf("detector after reset: %+v", st)
	}
	if !st.Armed || st.Samples != 0 || st.HasFired {
		t.Errorf("state after reset: %+v", st)
	}
	if pl.Params().Detector != testParams().Detector {
		t.Errorf("params after reset = %+v", pl.Params().Detector)
	}
}

// baseline is a 10 Hz rhythm with a little seeded noise.
func baseline(seed int64) func(i int) float64 {
	rng := rand.New(rand.NewSource(seed))
	return func(i int) float64 {
		return 10*math.Sin(2*math.Pi*10*float64(i)/fs) + 0.1*rng.NormFloat64()
	}
}

func TestCalibratedSpikeScenario(t *testing.T) {
	// Record a quiet baseline through the same filter chain.
	cal, err := New(testParams())
	if err != nil {
		t.Fatal(err)
	}
	cal.Arm(false)
	gen := baseline(1)
	var sum, sumSq float64
	const calN = 2500
	for i := 0; i < calN; i += 10 {
		ts := make([]float64, 10)
		vals := make([][]float64, 10)
		for j := range ts {
			ts[j] = float64(i+j) / fs
			vals[j] = []float64{gen(i + j)}
		}
		res := cal.Process(ts, vals)
		for _, row := range res.Filtered {
			sum += row[0]
			sumSq += row[0] * row[0]
		}
	}
	mean := sum / calN
	std := math.Sqrt(sumSq/calN - mean*mean)

	pl, err := New(testParams())
	if err != nil {
		t.Fatal(err)
	}
	if err := pl.Commit(mean, mean+3*std); err != nil {
		t.Fatal(err)
	}

	signal := baseline(2)
	dets := feed(pl, 0, 250, 10, func(i int) float64 {
		v := signal(i)
		if i == 100 {
			v += 300
		}
		return v
	})
	if len(dets) != 1 {
		t.Fatalf("got %d events, want exactly 1: %+v", len(dets), dets)
	}
	if got := dets[0].SampleTime; math.Abs(got-0.4) > 0.03 {
		t.Errorf("event time = %gs, want ~0.4s", got)
	}
}

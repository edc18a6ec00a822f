package dsp

import (
	"math"

	errs "github.com/bci-mcp/backend/internal/errors"
)

// ArtifactPolicy decides what happens to a chunk whose filtered amplitude
// exceeds the gate.
type ArtifactPolicy int

const (
	// PolicyFlag marks the chunk and leaves values and detection untouched.
	PolicyFlag ArtifactPolicy = iota
	// PolicyClip marks the chunk and clamps filtered values to the limit.
	PolicyClip
	// PolicyReject marks the chunk and excludes it from features and events.
	PolicyReject
)

var policyNames = map[string]ArtifactPolicy{
	"flag":   PolicyFlag,
	"clip":   PolicyClip,
	"reject": PolicyReject,
}

func ParseArtifactPolicy(s string) (ArtifactPolicy, error) {
	if p, ok := policyNames[s]; ok {
		return p, nil
	}
	return 0, errs.Newf(errs.KindConfiguration, "dsp.ParseArtifactPolicy", "unknown artifact policy %q", s)
}

func (p ArtifactPolicy) String() string {
	for k, v := range policyNames {
		if v == p {
			return k
		}
	}
	return "unknown"
}

// ArtifactGate flags chunks whose filtered samples exceed MaxAmplitude.
type ArtifactGate struct {
	MaxAmplitude float64
	Policy       ArtifactPolicy
}

// Apply inspects filtered in place. It reports whether the chunk is an
// artifact and whether it must be skipped downstream.
func (g ArtifactGate) Apply(filtered [][]float64) (flagged, skip bool) {
	for _, row := range filtered {
		for i, v := range row {
			if math.Abs(v) <= g.MaxAmplitude {
				continue
			}
			flagged = true
			if g.Policy == PolicyClip {
				row[i] = math.Copysign(g.MaxAmplitude, v)
			}
		}
	}
	return flagged, flagged && g.Policy == PolicyReject
}

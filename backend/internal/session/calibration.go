package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	errs "github.com/bci-mcp/backend/internal/errors"
)

// Committer is the detector a calibration run configures.
type Committer interface {
	Commit(baseline, threshold float64) error
	Arm(armed bool)
}

// CalibrationResult describes the latest calibration run.
type CalibrationResult struct {
	Status       CalibrationStatus `json:"status"`
	BaselineMean float64           `json:"baseline_mean"`
	Noise        float64           `json:"noise"`
	Threshold    float64           `json:"threshold"`
	K            float64           `json:"k"`
	Duration     float64           `json:"duration"`
	Samples      int               `json:"samples"`
	Error        string            `json:"error,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

// Calibrator records baseline statistics for a fixed duration and
// commits threshold = mean + k*std to the detector. Only one run may be
// active; the detector is disarmed while it records.
type Calibrator struct {
	mu         sync.Mutex
	k          float64
	minSamples int
	result     CalibrationResult
	run        *CalibrationRun
	target     Committer

	n          int
	sum, sumSq float64

	now func() time.Time
}

func NewCalibrator(k float64, minSamples int) *Calibrator {
	if minSamples < 2 {
		minSamples = 2
	}
	return &Calibrator{
		k:          k,
		minSamples: minSamples,
		result:     CalibrationResult{Status: CalibrationIdle, K: k},
		now:        time.Now,
	}
}

// CalibrationRun is a handle on one active run.
type CalibrationRun struct {
	c        *Calibrator
	duration time.Duration
	done     chan struct{}
	result   CalibrationResult
	err      error
}

// Begin claims the calibration slot and disarms target. A run already in
// progress yields a ConcurrencyError.
func (c *Calibrator) Begin(duration time.Duration, target Committer) (*CalibrationRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		return nil, errs.Wrap(errs.ErrCalibrationActive, errs.KindConcurrency, "calibration.Begin", "")
	}

	run := &CalibrationRun{c: c, duration: duration, done: make(chan struct{})}
	c.run = run
	c.target = target
	c.n, c.sum, c.sumSq = 0, 0, 0
	c.result = CalibrationResult{
		Status:    CalibrationInProgress,
		K:         c.k,
		Duration:  duration.Seconds(),
		StartedAt: c.now(),
	}
	target.Arm(false)
	return run, nil
}

// Observe accumulates filtered samples produced for target. Skipped chunks
// and samples for any other detector are ignored.
func (c *Calibrator) Observe(target Committer, filtered [][]float64, skipped bool) {
	if skipped {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil || c.target != target || c.result.Status != CalibrationInProgress {
		return
	}
	for _, row := range filtered {
		for _, v := range row {
			c.n++
			c.sum += v
			c.sumSq += v * v
		}
	}
}

// Recording reports whether samples for target are being collected.
func (c *Calibrator) Recording(target Committer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil && c.target == target && c.result.Status == CalibrationInProgress
}

// finish computes the baseline and commits it under the calibrator lock.
// A run that was aborted first is left alone and never reaches the detector.
func (c *Calibrator) finish(run *CalibrationRun) {
	const op = "calibration.finish"

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != run || c.result.Status != CalibrationInProgress {
		return
	}
	c.result.Status = CalibrationComputing
	c.result.Samples = c.n

	if c.n < c.minSamples {
		c.endLocked(errs.Wrap(errs.ErrInsufficientData, errs.KindCalibration, op,
			fmt.Sprintf("collected %d samples, need %d", c.n, c.minSamples)))
		return
	}
	mean := c.sum / float64(c.n)
	variance := c.sumSq/float64(c.n) - mean*mean
	std := math.Sqrt(math.Max(variance, 0))
	threshold := mean + c.k*std
	if err := c.target.Commit(mean, threshold); err != nil {
		c.endLocked(errs.Wrap(err, errs.KindCalibration, op, "commit threshold"))
		return
	}
	c.result.BaselineMean = mean
	c.result.Noise = std
	c.result.Threshold = threshold
	c.result.Status = CalibrationCompleted
	c.endLocked(nil)
}

// Abort fails the active run, if any, with cause.
func (c *Calibrator) Abort(cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return false
	}
	c.abortLocked(cause)
	return true
}

func (c *Calibrator) abortLocked(cause error) {
	kind := errs.KindCalibration
	if errs.Is(cause, context.DeadlineExceeded) {
		kind = errs.KindTimeout
	}
	c.result.Samples = c.n
	c.endLocked(errs.Wrap(cause, kind, "calibration.Abort", "calibration failed"))
}

// endLocked resolves the active run. err == nil means the result is
// already marked completed.
func (c *Calibrator) endLocked(err error) {
	now := c.now()
	c.result.FinishedAt = &now
	if err != nil {
		c.result.Status = CalibrationFailed
		c.result.Error = err.Error()
	}
	run := c.run
	run.result = c.result
	run.err = err
	c.run = nil
	c.target.Arm(true)
	c.target = nil
	close(run.done)
}

// Result returns the latest run's outcome.
func (c *Calibrator) Result() CalibrationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.result
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		r.FinishedAt = &t
	}
	return r
}

// Reset returns an idle calibrator to not_calibrated.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		return
	}
	c.result = CalibrationResult{Status: CalibrationIdle, K: c.k}
}

// Wait records for the run's duration, then computes and commits. ctx
// cancellation, Abort, or a device fault end the run as failed.
func (r *CalibrationRun) Wait(ctx context.Context) (CalibrationResult, error) {
	timer := time.NewTimer(r.duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		r.c.finish(r)
	case <-r.done:
	case <-ctx.Done():
		r.c.abortRun(r, ctx.Err())
	}
	<-r.done
	return r.result, r.err
}

// Done is closed when the run resolves.
func (r *CalibrationRun) Done() <-chan struct{} { return r.done }

func (c *Calibrator) abortRun(run *CalibrationRun, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == run {
		c.abortLocked(cause)
	}
}

package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	errs "github.com/bci-mcp/backend/internal/errors"
)

type fakeDetector struct {
	mu        sync.Mutex
	armed     bool
	baseline  float64
	threshold float64
	commits   int
	err       error
}

func (d *fakeDetector) Commit(baseline, threshold float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.baseline, d.threshold = baseline, threshold
	d.commits++
	return nil
}

func (d *fakeDetector) Arm(armed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = armed
}

func (d *fakeDetector) isArmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

func TestCalibrator_CommitsThreshold(t *testing.T) {
	c := NewCalibrator(3, 4)
	det := &fakeDetector{armed: true}

	run, err := c.Begin(20*time.Millisecond, det)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if det.isArmed() {
		t.Error("detector should be disarmed while recording")
	}
	if got := c.Result().Status; got != CalibrationInProgress {
		t.Errorf("status = %v, want in_progress", got)
	}

	// mean 2, population std 1
	c.Observe(det, [][]float64{{1}, {3}, {1}, {3}}, false)
	// skipped chunks and other detectors are ignored
	c.Observe(det, [][]float64{{100}}, true)
	c.Observe(&fakeDetector{}, [][]float64{{100}}, false)

	res, err := run.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != CalibrationCompleted {
		t.Fatalf("status = %v", res.Status)
	}
	if res.Samples != 4 || res.BaselineMean != 2 || math.Abs(res.Noise-1) > 1e-12 {
		t.Errorf("samples=%d mean=%v noise=%v", res.Samples, res.BaselineMean, res.Noise)
	}
	if math.Abs(res.Threshold-5) > 1e-12 {
		t.Errorf("threshold = %v, want 5", res.Threshold)
	}
	if det.commits != 1 || det.threshold != res.Threshold {
		t.Errorf("detector got %d commits, threshold %v", det.commits, det.threshold)
	}
	if !det.isArmed() {
		t.Error("detector should be re-armed")
	}
	if res.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
}

func TestCalibrator_SecondRunRejected(t *testing.T) {
	c := NewCalibrator(3, 2)
	det := &fakeDetector{}

	run, err := c.Begin(time.Hour, det)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_, err = c.Begin(time.Hour, det)
	if !errors.Is(err, errs.ErrCalibrationActive) {
		t.Fatalf("second Begin error = %v", err)
	}
	if !errs.IsKind(err, errs.KindConcurrency) {
		t.Errorf("kind = %v, want concurrency", errs.KindOf(err))
	}

	c.Abort(errors.New("test over"))
	<-run.Done()
}

func TestCalibrator_InsufficientData(t *testing.T) {
	c := NewCalibrator(3, 100)
	det := &fakeDetector{}

	run, _ := c.Begin(10*time.Millisecond, det)
	c.Observe(det, [][]float64{{1}, {2}}, false)

	res, err := run.Wait(context.Background())
	if !errors.Is(err, errs.ErrInsufficientData) {
		t.Fatalf("err = %v", err)
	}
	if res.Status != CalibrationFailed || res.Samples != 2 || res.Error == "" {
		t.Errorf("result = %+v", res)
	}
	if det.commits != 0 {
		t.Error("threshold committed on failure")
	}
	if !det.isArmed() {
		t.Error("detector should be re-armed after failure")
	}
}

func TestCalibrator_AbortFailsRun(t *testing.T) {
	c := NewCalibrator(3, 2)
	det := &fakeDetector{}

	run, _ := c.Begin(time.Hour, det)
	done := make(chan error, 1)
	go func() {
		_, err := run.Wait(context.Background())
		done <- err
	}()

	if !c.Abort(errs.ErrDeviceDisconnected) {
		t.Fatal("Abort found no run")
	}
	select {
	case err := <-done:
		if !errors.Is(err, errs.ErrDeviceDisconnected) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Abort")
	}
	if got := c.Result().Status; got != CalibrationFailed {
		t.Errorf("status = %v, want failed", got)
	}
	if c.Abort(errs.ErrDeviceDisconnected) {
		t.Error("second Abort should find nothing")
	}

	// the slot is free again
	run, err := c.Begin(time.Hour, det)
	if err != nil {
		t.Fatalf("Begin after abort: %v", err)
	}
	c.Abort(errors.New("cleanup"))
	<-run.Done()
}

func TestCalibrator_ContextTimeout(t *testing.T) {
	c := NewCalibrator(3, 2)
	det := &fakeDetector{}

	run, _ := c.Begin(time.Hour, det)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := run.Wait(ctx)
	if !errs.IsKind(err, errs.KindTimeout) {
		t.Errorf("kind = %v, want timeout", errs.KindOf(err))
	}
}

func TestCalibrator_CommitError(t *testing.T) {
	c := NewCalibrator(3, 2)
	det := &fakeDetector{err: errors.New("threshold rejected")}

	run, _ := c.Begin(5*time.Millisecond, det)
	c.Observe(det, [][]float64{{1}, {2}, {3}}, false)
	res, err := run.Wait(context.Background())
	if err == nil || res.Status != CalibrationFailed {
		t.Fatalf("status %v err %v", res.Status, err)
	}
	if !errs.IsKind(err, errs.KindCalibration) {
		t.Errorf("kind = %v", errs.KindOf(err))
	}
}

func TestCalibrator_Reset(t *testing.T) {
	c := NewCalibrator(2.5, 2)
	det := &fakeDetector{}
	run, _ := c.Begin(time.Hour, det)

	c.Reset()
	if got := c.Result().Status; got != CalibrationInProgress {
		t.Errorf("Reset during a run changed status to %v", got)
	}
	c.Abort(errors.New("stop"))
	<-run.Done()

	c.Reset()
	res := c.Result()
	if res.Status != CalibrationIdle || res.K != 2.5 {
		t.Errorf("after reset = %+v", res)
	}
}

func TestCalibrator_AbortRacingFinishNeverCommits(t *testing.T) {
	for i := 0; i < 200; i++ {
		c := NewCalibrator(3, 2)
		det := &fakeDetector{armed: true}
		run, err := c.Begin(time.Millisecond, det)
		if err != nil {
			t.Fatalf("iteration %d: Begin: %v", i, err)
		}
		c.Observe(det, [][]float64{{1}, {3}, {1}, {3}}, false)

		go c.Abort(errs.ErrDeviceDisconnected)
		res, _ := run.Wait(context.Background())

		det.mu.Lock()
		commits := det.commits
		det.mu.Unlock()
		switch res.Status {
		case CalibrationFailed:
			if commits != 0 {
				t.Fatalf("iteration %d: failed run committed %d times", i, commits)
			}
		case CalibrationCompleted:
			if commits != 1 {
				t.Fatalf("iteration %d: completed run committed %d times", i, commits)
			}
		default:
			t.Fatalf("iteration %d: unresolved status %v", i, res.Status)
		}
		if !det.isArmed() {
			t.Fatalf("iteration %d: detector left disarmed", i)
		}
	}
}

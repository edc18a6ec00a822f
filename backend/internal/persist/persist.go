// Package persist writes session recordings. Each format is a Writer
// registered by name; save_data picks one from the Registry.
package persist

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	errs "github.com/bci-mcp/backend/internal/errors"
)

// Event mirrors a detected event.
type Event struct {
	ID          uint64    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SampleTime  float64   `json:"sample_time"`
	ElapsedTime float64   `json:"elapsed_time"`
	Kind        string    `json:"kind"`
	Channel     int       `json:"channel"`
	Value       float64   `json:"value"`
	Confidence  float64   `json:"confidence"`
}

// Recording is a point-in-time copy of a session. Raw and Filtered are
// indexed [channel][sample].
type Recording struct {
	SessionID   string      `json:"session_id"`
	DeviceType  string      `json:"device_type"`
	Port        string      `json:"port"`
	SampleRate  float64     `json:"sample_rate"`
	Channels    int         `json:"channels"`
	StartTime   *time.Time  `json:"start_time"`
	SavedAt     time.Time   `json:"saved_at"`
	Timestamps  []float64   `json:"timestamps"`
	Raw         [][]float64 `json:"raw_data"`
	Filtered    [][]float64 `json:"filtered_data"`
	Artifact    []bool      `json:"artifact"`
	Events      []Event     `json:"events"`
	Threshold   float64     `json:"detection_threshold"`
	Baseline    float64     `json:"baseline"`
	Cooldown    float64     `json:"cooldown_period"`
	Mode        string      `json:"detector_mode"`
	Calibrated  bool        `json:"calibrated"`
	Calibration string      `json:"calibration_status"`
}

// EventMarks returns one flag per sample, set at the sample nearest to
// each event's sample time.
func (r *Recording) EventMarks() []bool {
	marks := make([]bool, len(r.Timestamps))
	if len(marks) == 0 {
		return marks
	}
	for _, e := range r.Events {
		i := sort.SearchFloat64s(r.Timestamps, e.SampleTime)
		switch {
		case i >= len(r.Timestamps):
			i = len(r.Timestamps) - 1
		case i > 0 && e.SampleTime-r.Timestamps[i-1] < r.Timestamps[i]-e.SampleTime:
			i--
		}
		marks[i] = true
	}
	return marks
}

// Writer persists a recording and returns where it went.
type Writer interface {
	Format() string
	Write(ctx context.Context, rec *Recording) (string, error)
}

// Registry maps format names to writers.
type Registry struct {
	def     string
	writers map[string]Writer
}

func NewRegistry(def string, writers ...Writer) *Registry {
	r := &Registry{def: def, writers: make(map[string]Writer)}
	for _, w := range writers {
		r.Register(w)
	}
	return r
}

func (r *Registry) Register(w Writer) {
	r.writers[w.Format()] = w
}

// Get returns the writer for format, or the default writer when format
// is empty.
func (r *Registry) Get(format string) (Writer, error) {
	format = strings.ToLower(format)
	if format == "" {
		format = r.def
	}
	w, ok := r.writers[format]
	if !ok {
		return nil, errs.Wrap(errs.ErrUnsupportedFormat, errs.KindPersistence, "persist.Get",
			fmt.Sprintf("format %q (have %s)", format, strings.Join(r.Formats(), ", ")))
	}
	return w, nil
}

// Formats lists registered format names, sorted.
func (r *Registry) Formats() []string {
	out := make([]string, 0, len(r.writers))
	for f := range r.writers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// fileName is eeg_data_<saved-at>.<ext>.
func fileName(rec *Recording, ext string) string {
	return "eeg_data_" + rec.SavedAt.Format("20060102_150405") + "." + ext
}

// writeFile writes to a temp file in dir and renames it into place. An
// existing file of the same name gets a numeric suffix instead of being
// replaced.
func writeFile(dir, name string, write func(w io.Writer) error) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating recordings dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".recording-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if err := write(tmp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}

	path := uniquePath(filepath.Join(dir, name))
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("renaming recording: %w", err)
	}
	committed = true
	return path, nil
}

func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		p := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return p
		}
	}
}

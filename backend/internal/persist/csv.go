package persist

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// CSVWriter writes one row per sample: timestamp, raw and filtered values
// per channel, the event marker and the artifact flag.
type CSVWriter struct {
	dir string
}

func NewCSVWriter(dir string) *CSVWriter {
	return &CSVWriter{dir: dir}
}

func (w *CSVWriter) Format() string { return "csv" }

func (w *CSVWriter) Write(ctx context.Context, rec *Recording) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return writeFile(w.dir, fileName(rec, "csv"), func(out io.Writer) error {
		return writeCSV(out, rec)
	})
}

func csvHeader(channels int) []string {
	if channels == 1 {
		return []string{"timestamp", "raw_eeg", "filtered_eeg", "is_event", "artifact"}
	}
	h := []string{"timestamp"}
	for ch := 0; ch < channels; ch++ {
		h = append(h, fmt.Sprintf("raw_eeg_%d", ch))
	}
	for ch := 0; ch < channels; ch++ {
		h = append(h, fmt.Sprintf("filtered_eeg_%d", ch))
	}
	return append(h, "is_event", "artifact")
}

func writeCSV(out io.Writer, rec *Recording) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(csvHeader(rec.Channels)); err != nil {
		return err
	}

	marks := rec.EventMarks()
	row := make([]string, 0, 3+2*rec.Channels)
	for i, t := range rec.Timestamps {
		row = append(row[:0], formatFloat(t))
		for ch := 0; ch < rec.Channels; ch++ {
			row = append(row, formatFloat(rec.Raw[ch][i]))
		}
		for ch := 0; ch < rec.Channels; ch++ {
			row = append(row, formatFloat(rec.Filtered[ch][i]))
		}
		row = append(row, boolFlag(marks[i]), boolFlag(i < len(rec.Artifact) && rec.Artifact[i]))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

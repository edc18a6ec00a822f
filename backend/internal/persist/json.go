package persist

import (
	"context"
	"encoding/json"
	"io"
)

const recordingVersion = 1

// JSONWriter writes the whole recording as one indented document.
type JSONWriter struct {
	dir string
}

func NewJSONWriter(dir string) *JSONWriter {
	return &JSONWriter{dir: dir}
}

func (w *JSONWriter) Format() string { return "json" }

type jsonRecording struct {
	Version int `json:"version"`
	*Recording
	IsEvent []bool `json:"is_event"`
}

func (w *JSONWriter) Write(ctx context.Context, rec *Recording) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(jsonRecording{
		Version:   recordingVersion,
		Recording: rec,
		IsEvent:   rec.EventMarks(),
	}, "", "  ")
	if err != nil {
		return "", err
	}
	data = append(data, '\n')
	return writeFile(w.dir, fileName(rec, "json"), func(out io.Writer) error {
		_, err := out.Write(data)
		return err
	})
}

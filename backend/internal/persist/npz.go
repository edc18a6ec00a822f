package persist

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// NPZWriter writes a NumPy .npz archive (an uncompressed zip of .npy
// arrays) readable with numpy.load. Single-channel signals are stored as
// 1-D arrays; multi-channel ones as (channels, samples).
type NPZWriter struct {
	dir string
}

func NewNPZWriter(dir string) *NPZWriter {
	return &NPZWriter{dir: dir}
}

func (w *NPZWriter) Format() string { return "npz" }

func (w *NPZWriter) Write(ctx context.Context, rec *Recording) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return writeFile(w.dir, fileName(rec, "npz"), func(out io.Writer) error {
		return WriteNPZ(out, rec)
	})
}

// WriteNPZ encodes rec as an npz archive.
func WriteNPZ(out io.Writer, rec *Recording) error {
	zw := zip.NewWriter(out)

	eventTimes := make([]float64, len(rec.Events))
	for i, e := range rec.Events {
		eventTimes[i] = e.SampleTime
	}
	var start float64
	if rec.StartTime != nil {
		start = float64(rec.StartTime.UnixNano()) / 1e9
	}

	arrays := []struct {
		name string
		arr  npyArray
	}{
		{"raw_data", signalArray(rec.Raw, len(rec.Timestamps))},
		{"filtered_data", signalArray(rec.Filtered, len(rec.Timestamps))},
		{"timestamps", float64Array(rec.Timestamps, len(rec.Timestamps))},
		{"event_timestamps", float64Array(eventTimes, len(eventTimes))},
		{"is_event", boolArray(rec.EventMarks())},
		{"artifact", boolArray(rec.Artifact)},
		{"sample_rate", float64Array([]float64{rec.SampleRate})},
		{"start_time", float64Array([]float64{start})},
		{"detection_threshold", float64Array([]float64{rec.Threshold})},
	}
	for _, a := range arrays {
		f, err := zw.CreateHeader(&zip.FileHeader{Name: a.name + ".npy", Method: zip.Store})
		if err != nil {
			return err
		}
		if err := a.arr.encode(f); err != nil {
			return fmt.Errorf("encode %s: %w", a.name, err)
		}
	}
	return zw.Close()
}

// npyArray is a C-ordered array in .npy v1.0 layout.
type npyArray struct {
	descr string
	shape []int
	data  []byte
}

func float64Array(v []float64, shape ...int) npyArray {
	data := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(x))
	}
	return npyArray{descr: "<f8", shape: shape, data: data}
}

func boolArray(v []bool) npyArray {
	data := make([]byte, len(v))
	for i, b := range v {
		if b {
			data[i] = 1
		}
	}
	return npyArray{descr: "|b1", shape: []int{len(v)}, data: data}
}

// signalArray flattens [channel][sample] rows. One channel is stored 1-D.
func signalArray(rows [][]float64, n int) npyArray {
	if len(rows) == 1 {
		return float64Array(rows[0], n)
	}
	flat := make([]float64, 0, len(rows)*n)
	for _, r := range rows {
		flat = append(flat, r...)
	}
	return float64Array(flat, len(rows), n)
}

func (a npyArray) header() string {
	dims := make([]string, len(a.shape))
	for i, d := range a.shape {
		dims[i] = fmt.Sprint(d)
	}
	shape := strings.Join(dims, ", ")
	if len(a.shape) == 1 {
		shape += ","
	}
	h := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", a.descr, shape)
	// magic(6) + version(2) + length(2) + header + '\n' is a multiple of 64
	pad := 64 - (10+len(h)+1)%64
	if pad == 64 {
		pad = 0
	}
	return h + strings.Repeat(" ", pad) + "\n"
}

func (a npyArray) encode(w io.Writer) error {
	h := a.header()
	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(h)))
	buf.WriteString(h)
	buf.Write(a.data)
	_, err := w.Write(buf.Bytes())
	return err
}

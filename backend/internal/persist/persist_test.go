package persist

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	errs "github.com/bci-mcp/backend/internal/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func testRecording(channels int) *Recording {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &Recording{
		SessionID:   "sess-1",
		DeviceType:  "simulated",
		Port:        "sim0",
		SampleRate:  250,
		Channels:    channels,
		StartTime:   &start,
		SavedAt:     start.Add(10 * time.Second),
		Timestamps:  []float64{0, 0.004, 0.008, 0.012},
		Artifact:    []bool{false, true, false, false},
		Threshold:   42.5,
		Cooldown:    0.5,
		Mode:        "amplitude",
		Calibration: "not_calibrated",
	}
	for ch := 0; ch < channels; ch++ {
		raw := make([]float64, len(rec.Timestamps))
		filtered := make([]float64, len(rec.Timestamps))
		for i := range raw {
			raw[i] = float64(ch*100 + i)
			filtered[i] = float64(ch*100+i) / 2
		}
		rec.Raw = append(rec.Raw, raw)
		rec.Filtered = append(rec.Filtered, filtered)
	}
	rec.Events = []Event{{ID: 1, Timestamp: start, SampleTime: 0.0075, Kind: "threshold_crossing", Value: 50, Confidence: 0.8}}
	return rec
}

func TestEventMarksNearestSample(t *testing.T) {
	rec := testRecording(1)
	rec.Events = append(rec.Events, Event{ID: 2, SampleTime: 9}, Event{ID: 3, SampleTime: -1})
	got := rec.EventMarks()
	want := []bool{true, false, true, true}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("marks = %v, want %v", got, want)
		}
	}
}

func TestRegistryGet(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry("csv", NewCSVWriter(dir), NewJSONWriter(dir), NewNPZWriter(dir))

	w, err := reg.Get("")
	if err != nil || w.Format() != "csv" {
		t.Fatalf("default writer = %v, %v", w, err)
	}
	if w, err := reg.Get("NPZ"); err != nil || w.Format() != "npz" {
		t.Fatalf("npz writer = %v, %v", w, err)
	}

	_, err = reg.Get("parquet")
	if !errs.Is(err, errs.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
	if errs.KindOf(err) != errs.KindPersistence {
		t.Fatalf("kind = %v, want persistence", errs.KindOf(err))
	}
	if got := strings.Join(reg.Formats(), ","); got != "csv,json,npz" {
		t.Fatalf("formats = %s", got)
	}
}

func TestCSVWriter(t *testing.T) {
	dir := t.TempDir()
	path, err := NewCSVWriter(dir).Write(context.Background(), testRecording(1))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "eeg_data_20260301_120010.csv" {
		t.Fatalf("path = %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5 {
		t.Fatalf("rows = %d, want header + 4", len(rows))
	}
	if got := strings.Join(rows[0], ","); got != "timestamp,raw_eeg,filtered_eeg,is_event,artifact" {
		t.Fatalf("header = %s", got)
	}
	if rows[3][3] != "1" || rows[1][3] != "0" {
		t.Fatalf("is_event column wrong: %v", rows)
	}
	if rows[2][4] != "1" {
		t.Fatalf("artifact column wrong: %v", rows[2])
	}
}

func TestCSVHeaderMultiChannel(t *testing.T) {
	got := strings.Join(csvHeader(2), ",")
	want := "timestamp,raw_eeg_0,raw_eeg_1,filtered_eeg_0,filtered_eeg_1,is_event,artifact"
	if got != want {
		t.Fatalf("header = %s, want %s", got, want)
	}
}

func TestWriteFileDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONWriter(dir)
	rec := testRecording(1)

	first, err := w.Write(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	second, err := w.Write(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatalf("second save reused %s", first)
	}
	if !strings.HasSuffix(second, "_1.json") {
		t.Fatalf("second path = %s", second)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestJSONWriter(t *testing.T) {
	dir := t.TempDir()
	path, err := NewJSONWriter(dir).Write(context.Background(), testRecording(2))
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var doc struct {
		Version  int         `json:"version"`
		Channels int         `json:"channels"`
		Raw      [][]float64 `json:"raw_data"`
		IsEvent  []bool      `json:"is_event"`
		Events   []Event     `json:"events"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Version != 1 || doc.Channels != 2 {
		t.Fatalf("unexpected document: %+v", doc)
	}
	want := testRecording(2)
	if diff := cmp.Diff(want.Raw, doc.Raw, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Fatalf("raw_data mismatch (-want +got):\n%s", diff)
	}
	if len(doc.IsEvent) != 4 || !doc.IsEvent[2] || len(doc.Events) != 1 {
		t.Fatalf("event marks = %v events = %v", doc.IsEvent, doc.Events)
	}
}

func TestWriterHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewNPZWriter(t.TempDir()).Write(ctx, testRecording(1)); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestNPZLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteNPZ(&buf, testRecording(2)); err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}

	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		var b bytes.Buffer
		b.ReadFrom(rc)
		rc.Close()
		files[f.Name] = b.Bytes()
	}

	for _, name := range []string{"raw_data.npy", "filtered_data.npy", "timestamps.npy", "event_timestamps.npy",
		"is_event.npy", "artifact.npy", "sample_rate.npy", "start_time.npy", "detection_threshold.npy"} {
		data, ok := files[name]
		if !ok {
			t.Fatalf("missing %s", name)
		}
		if string(data[:6]) != "\x93NUMPY" {
			t.Fatalf("%s: bad magic", name)
		}
		hlen := int(binary.LittleEndian.Uint16(data[8:10]))
		if (10+hlen)%64 != 0 {
			t.Fatalf("%s: header not aligned (%d)", name, hlen)
		}
		if data[10+hlen-1] != '\n' {
			t.Fatalf("%s: header not newline-terminated", name)
		}
	}

	header := func(name string) string {
		data := files[name]
		hlen := int(binary.LittleEndian.Uint16(data[8:10]))
		return string(data[10 : 10+hlen])
	}
	if h := header("raw_data.npy"); !strings.Contains(h, "'shape': (2, 4)") {
		t.Fatalf("raw_data header = %s", h)
	}
	if h := header("timestamps.npy"); !strings.Contains(h, "'shape': (4,)") {
		t.Fatalf("timestamps header = %s", h)
	}
	if h := header("sample_rate.npy"); !strings.Contains(h, "'shape': ()") {
		t.Fatalf("sample_rate header = %s", h)
	}

	data := files["raw_data.npy"]
	hlen := int(binary.LittleEndian.Uint16(data[8:10]))
	body := data[10+hlen:]
	if len(body) != 8*8 {
		t.Fatalf("raw_data body = %d bytes", len(body))
	}
	// row-major: the last value is channel 1, sample 3
	if v := math.Float64frombits(binary.LittleEndian.Uint64(body[56:])); v != 103 {
		t.Fatalf("raw_data[1][3] = %v", v)
	}
}

func TestPostgresWriter(t *testing.T) {
	dsn := os.Getenv("BCI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BCI_TEST_POSTGRES_DSN not set")
	}
	w := NewPostgresWriter(dsn)
	loc, err := w.Write(context.Background(), testRecording(2))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(loc, "postgres://recordings/") {
		t.Fatalf("location = %s", loc)
	}
}

package device

import (
	"bufio"
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	errs "github.com/bci-mcp/backend/internal/errors"
)

// PortOpener opens a serial port. Line discipline and baud configuration
// belong to the opener.
type PortOpener interface {
	Open(name string, baud int) (io.ReadWriteCloser, error)
}

// ttyOpener opens the device node directly; the port is expected to be
// configured already (for example by the board's USB CDC driver).
type ttyOpener struct{}

func (ttyOpener) Open(name string, _ int) (io.ReadWriteCloser, error) {
	return os.OpenFile(name, os.O_RDWR|openFlags, 0)
}

// SerialOptions configures a line-oriented serial headset. Each line holds
// one sample: comma or whitespace separated integers, one per channel.
type SerialOptions struct {
	Port       string
	BaudRate   int
	SampleRate float64
	Channels   int
	ChunkSize  int
	Scale      float64
	Opener     PortOpener
}

type Serial struct {
	lifecycle
	opts SerialOptions

	port    io.ReadWriteCloser
	lines   chan string
	readErr chan error
	stop    chan struct{}
	wg      sync.WaitGroup
	n       int
}

func NewSerial(opts SerialOptions) *Serial {
	if opts.Opener == nil {
		opts.Opener = ttyOpener{}
	}
	if opts.Scale == 0 {
		opts.Scale = 1
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 10
	}
	return &Serial{lifecycle: newLifecycle(), opts: opts}
}

func (s *Serial) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Type:       TypeSerial,
		Port:       s.opts.Port,
		Channels:   s.opts.Channels,
		SampleRate: s.opts.SampleRate,
		Connected:  s.connected,
		Streaming:  s.streaming,
	}
}

func (s *Serial) Connect(ctx context.Context) error {
	const op = "serial.Connect"
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, errs.KindConnection, op, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	port, err := s.opts.Opener.Open(s.opts.Port, s.opts.BaudRate)
	if err != nil {
		return errs.Wrap(err, errs.KindConnection, op, "open "+s.opts.Port)
	}
	s.port = port
	s.lines = make(chan string, 1024)
	s.readErr = make(chan error, 1)
	s.connected = true

	go s.readLines(port, s.lines, s.readErr)
	return nil
}

// readLines runs until the port is closed.
func (s *Serial) readLines(r io.Reader, out chan<- string, errc chan<- error) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	errc <- err
}

func (s *Serial) Disconnect() error {
	s.StopStream()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false
	err := s.port.Close()
	s.port = nil
	if err != nil {
		return errs.Wrap(err, errs.KindConnection, "serial.Disconnect", "close "+s.opts.Port)
	}
	return nil
}

func (s *Serial) StartStream(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.canStart("serial.StartStream"); err != nil {
		return err
	}
	s.stop = make(chan struct{})
	s.streaming = true
	s.n = 0
	s.wg.Add(1)
	go s.run(s.lines, s.readErr, s.stop)
	return nil
}

func (s *Serial) StopStream() error {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.streaming = false
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.wg.Wait()
	}
	return nil
}

func (s *Serial) run(lines <-chan string, readErr <-chan error, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	chunk := make([]Sample, 0, s.opts.ChunkSize)
	for {
		select {
		case <-stop:
			return
		case line, ok := <-lines:
			if !ok {
				err := <-readErr
				select {
				case <-stop:
					// closed by Disconnect
				default:
					s.mu.Lock()
					s.streaming = false
					s.connected = false
					s.mu.Unlock()
					s.fault(errs.Wrap(err, errs.KindConnection, "serial.run", "read "+s.opts.Port))
				}
				return
			}
			vals, ok := s.parseLine(line)
			if !ok {
				continue
			}
			chunk = append(chunk, Sample{Timestamp: float64(s.n) / s.opts.SampleRate, Values: vals})
			s.n++
			if len(chunk) == s.opts.ChunkSize {
				if !s.emit(ctx, chunk) {
					return
				}
				chunk = make([]Sample, 0, s.opts.ChunkSize)
			}
		}
	}
}

// parseLine decodes one sample line. Values above 0x800000 are 24-bit two's
// complement ADC readings and are sign corrected. A line whose channel
// count does not match is still delivered so the pipeline can flag it.
func (s *Serial) parseLine(line string) ([]float64, bool) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == ';'
	})
	if len(fields) == 0 {
		return nil, false
	}
	vals := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, false
		}
		vals = append(vals, SignExtend24(v)*s.opts.Scale)
	}
	return vals, true
}

// SignExtend24 converts an unsigned 24-bit reading to its signed value.
func SignExtend24(v float64) float64 {
	if v > 0x800000 {
		return v - 0x1000000
	}
	return v
}

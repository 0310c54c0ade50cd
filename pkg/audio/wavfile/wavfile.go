// Package wavfile provides headless audio devices backed by WAV files, plus
// helpers that wrap PCM16 audio in a WAV container in memory.
//
// [InputDevice] replays a WAV file as a fixed-rate microphone: the file is
// converted to mono at the requested rate and delivered in blocks paced at
// real time. After the file ends the stream keeps delivering silence (or
// loops) the way a live microphone keeps producing blocks.
//
// [OutputDevice] records the scheduled playback timeline and renders it to a
// WAV file when the sink is closed.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/brokervoice/pkg/audio"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	_ audio.InputDevice  = (*InputDevice)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
	_ audio.InputStream  = (*inputStream)(nil)
	_ audio.OutputSink   = (*outputSink)(nil)
)

// ── Encoding ──────────────────────────────────────────────────────────────────

// Encode wraps mono PCM16 samples in a WAV container and returns the bytes.
func Encode(samples []int16, sampleRate int) ([]byte, error) {
	ws := &memWriteSeeker{}
	if err := write(ws, samples, sampleRate); err != nil {
		return nil, err
	}
	return ws.buf, nil
}

func write(w io.WriteSeeker, samples []int16, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(v)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("wavfile: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("wavfile: encode: %w", err)
	}
	return nil
}

// Decode reads a WAV container and returns its audio as mono PCM16 at the
// file's own sample rate.
func Decode(r io.ReadSeeker) ([]int16, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("wavfile: decode: not a valid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("wavfile: decode: %w", err)
	}
	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}

	raw := make([]byte, 0, len(buf.Data)*2)
	for _, v := range buf.Data {
		s := to16(v, depth)
		raw = append(raw, byte(s), byte(uint16(s)>>8))
	}
	return audio.BytesToPCM(audio.Downmix(raw, channels)), buf.Format.SampleRate, nil
}

// to16 scales one integer sample of the given bit depth to 16 bits.
func to16(v, depth int) int16 {
	switch {
	case depth == 8:
		return int16((v - 128) << 8)
	case depth > 16:
		return int16(v >> (depth - 16))
	default:
		return int16(v)
	}
}

// memWriteSeeker is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes after writing the samples.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	if need := m.pos + len(p); need > len(m.buf) {
		m.buf = append(m.buf, make([]byte, need-len(m.buf))...)
	}
	n := copy(m.buf[m.pos:], p)
	m.pos += n
	return n, nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(m.pos) + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("wavfile: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("wavfile: negative position")
	}
	m.pos = int(abs)
	return abs, nil
}

// openErr maps a file-open failure to an [audio.DeviceError].
func openErr(op, path string, err error) error {
	class := audio.ErrDeviceUnavailable
	switch {
	case errors.Is(err, fs.ErrPermission):
		class = audio.ErrPermissionDenied
	case errors.Is(err, fs.ErrNotExist):
		class = audio.ErrDeviceUnavailable
	}
	return &audio.DeviceError{Op: op, Device: path, Err: fmt.Errorf("%w: %w", class, err)}
}

// ── Input ─────────────────────────────────────────────────────────────────────

// InputDevice replays the WAV file at Path as a microphone.
type InputDevice struct {
	Path string

	// Loop restarts the file at its end instead of delivering silence.
	Loop bool

	// Unpaced delivers blocks as fast as the consumer accepts them instead of
	// at real time.
	Unpaced bool
}

// OpenInput decodes the file, converts it to the requested rate and starts
// delivering blocks.
func (d *InputDevice) OpenInput(_ context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, openErr("open input", d.Path, err)
	}
	defer f.Close()

	pcm, rate, err := Decode(f)
	if err != nil {
		return nil, &audio.DeviceError{Op: "open input", Device: d.Path, Err: fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)}
	}
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: cfg.SampleRate, Channels: 1}}
	converted := audio.BytesToPCM(conv.Convert(audio.PCMToBytes(pcm), audio.Format{SampleRate: rate, Channels: 1}))

	s := &inputStream{
		samples:   audio.PCMToFloat(converted),
		blockSize: cfg.BlockSize,
		period:    time.Duration(float64(time.Second) * float64(cfg.BlockSize) / float64(cfg.SampleRate)),
		loop:      d.Loop,
		paced:     !d.Unpaced,
		blocks:    make(chan []float32),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.run()
	return s, nil
}

type inputStream struct {
	samples   []float32
	blockSize int
	period    time.Duration
	loop      bool
	paced     bool

	blocks    chan []float32
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// next returns the block starting at pos and the following position.
func (s *inputStream) next(pos int) ([]float32, int) {
	block := make([]float32, s.blockSize)
	if len(s.samples) == 0 {
		return block, pos
	}
	for i := range block {
		if pos >= len(s.samples) {
			if !s.loop {
				break
			}
			pos = 0
		}
		block[i] = s.samples[pos]
		pos++
	}
	return block, pos
}

func (s *inputStream) run() {
	defer close(s.done)
	defer close(s.blocks)

	var tick <-chan time.Time
	if s.paced {
		t := time.NewTicker(s.period)
		defer t.Stop()
		tick = t.C
	}

	pos := 0
	for {
		if tick != nil {
			select {
			case <-s.stop:
				return
			case <-tick:
			}
		}
		var block []float32
		block, pos = s.next(pos)
		select {
		case s.blocks <- block:
		case <-s.stop:
			return
		}
	}
}

func (s *inputStream) Blocks() <-chan []float32 { return s.blocks }

// Err always returns nil; replay cannot fail once the file is decoded.
func (s *inputStream) Err() error { return nil }

func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}

// ── Output ────────────────────────────────────────────────────────────────────

// OutputDevice renders the playback timeline to the WAV file at Path.
type OutputDevice struct {
	Path string

	// Now overrides the wall clock; used by tests.
	Now func() time.Time
}

// OpenOutput creates the output file and returns a sink whose clock is the
// wall time since opening.
func (d *OutputDevice) OpenOutput(_ context.Context, sampleRate int) (audio.OutputSink, error) {
	f, err := os.Create(d.Path)
	if err != nil {
		return nil, openErr("open output", d.Path, err)
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &outputSink{
		file:     f,
		timeline: audio.NewTimeline(sampleRate),
		now:      now,
		opened:   now(),
	}, nil
}

type outputSink struct {
	file     *os.File
	timeline *audio.Timeline
	now      func() time.Time
	opened   time.Time

	mu     sync.Mutex
	closed bool
}

func (s *outputSink) Now() float64 {
	return s.now().Sub(s.opened).Seconds()
}

func (s *outputSink) position() int64 {
	return int64(s.Now() * float64(s.timeline.SampleRate()))
}

func (s *outputSink) Schedule(buf audio.Buffer, at float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("wavfile: schedule: sink closed")
	}
	_, err := s.timeline.Add(buf, at, s.position())
	return err
}

// Close renders everything scheduled so far, including silence between
// buffers, and writes the file.
func (s *outputSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	mixed := make([]float32, s.timeline.End())
	s.timeline.Render(mixed, 0)
	pcm := audio.EncodeFrame(mixed, s.timeline.SampleRate()).Samples

	werr := write(s.file, pcm, s.timeline.SampleRate())
	cerr := s.file.Close()
	if werr != nil {
		return werr
	}
	if cerr != nil {
		return fmt.Errorf("wavfile: close: %w", cerr)
	}
	return nil
}

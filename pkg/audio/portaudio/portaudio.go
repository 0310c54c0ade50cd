// Package portaudio provides microphone and speaker devices backed by the
// PortAudio C library.
//
// The input device delivers fixed-size blocks of mono float32 samples from a
// blocking read loop. The output device runs a blocking write loop that
// renders an [audio.Timeline]; its clock is the number of samples handed to
// PortAudio divided by the sample rate, so scheduling is sample accurate
// relative to what the speaker has consumed.
//
// PortAudio's Initialize/Terminate are reference counted, so every opened
// stream holds one reference and releases it on Close.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/brokervoice/pkg/audio"
	"github.com/gordonklaus/portaudio"
)

// outputPeriod is the number of frames written per PortAudio call.
const outputPeriod = 1024

// blockBuffer is the number of captured blocks buffered between the read loop
// and the consumer.
const blockBuffer = 8

var (
	_ audio.InputDevice  = (*InputDevice)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
	_ audio.InputStream  = (*inputStream)(nil)
	_ audio.OutputSink   = (*outputSink)(nil)
)

// InputDevice opens a named microphone; an empty Name selects the default.
type InputDevice struct {
	Name string
}

// OutputDevice opens a named speaker; an empty Name selects the default.
type OutputDevice struct {
	Name string
}

// classify wraps a PortAudio failure in an [audio.DeviceError].
func classify(op, device string, err error) error {
	var class error
	switch {
	case errors.Is(err, portaudio.DeviceUnavailable):
		class = audio.ErrDeviceBusy
	default:
		class = audio.ErrDeviceUnavailable
	}
	return &audio.DeviceError{Op: op, Device: device, Err: fmt.Errorf("%w: %w", class, err)}
}

// findDevice resolves name to a device. input selects the default input or
// output device when name is empty.
func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Name != name {
			continue
		}
		if (input && d.MaxInputChannels > 0) || (!input && d.MaxOutputChannels > 0) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no device named %q", name)
}

// ── Input ─────────────────────────────────────────────────────────────────────

// OpenInput initialises PortAudio and starts capture of mono float32 blocks.
func (d *InputDevice) OpenInput(_ context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, classify("open input", d.Name, err)
	}
	dev, err := findDevice(d.Name, true)
	if err != nil {
		portaudio.Terminate()
		return nil, classify("open input", d.Name, err)
	}

	buf := make([]float32, cfg.BlockSize)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.BlockSize,
	}, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, classify("open input", d.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, classify("start input", d.Name, err)
	}

	s := &inputStream{
		stream: stream,
		buf:    buf,
		blocks: make(chan []float32, blockBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		device: dev.Name,
	}
	go s.readLoop()
	return s, nil
}

type inputStream struct {
	stream *portaudio.Stream
	buf    []float32
	blocks chan []float32
	device string

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *inputStream) readLoop() {
	defer close(s.done)
	defer close(s.blocks)
	defer func() {
		s.stream.Stop()
		s.stream.Close()
		portaudio.Terminate()
	}()

	dropped := 0
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if err := s.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			s.mu.Lock()
			s.err = classify("read input", s.device, err)
			s.mu.Unlock()
			return
		}
		block := make([]float32, len(s.buf))
		copy(block, s.buf)
		select {
		case s.blocks <- block:
		case <-s.stop:
			return
		default:
			dropped++
			if dropped == 1 || dropped%100 == 0 {
				slog.Warn("portaudio: capture consumer too slow, dropping block", "dropped", dropped)
			}
		}
	}
}

func (s *inputStream) Blocks() <-chan []float32 { return s.blocks }

func (s *inputStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the read loop and waits for the device to be released.
func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}

// ── Output ────────────────────────────────────────────────────────────────────

// OpenOutput initialises PortAudio and starts a mono float32 playback loop.
func (d *OutputDevice) OpenOutput(_ context.Context, sampleRate int) (audio.OutputSink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, classify("open output", d.Name, err)
	}
	dev, err := findDevice(d.Name, false)
	if err != nil {
		portaudio.Terminate()
		return nil, classify("open output", d.Name, err)
	}

	buf := make([]float32, outputPeriod)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: outputPeriod,
	}, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, classify("open output", d.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, classify("start output", d.Name, err)
	}

	s := &outputSink{
		stream:   stream,
		buf:      buf,
		timeline: audio.NewTimeline(sampleRate),
		rate:     float64(sampleRate),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

type outputSink struct {
	stream   *portaudio.Stream
	buf      []float32
	timeline *audio.Timeline
	rate     float64

	// pos is the number of samples handed to PortAudio.
	pos atomic.Int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *outputSink) writeLoop() {
	defer close(s.done)
	defer func() {
		s.stream.Stop()
		s.stream.Close()
		portaudio.Terminate()
	}()

	for {
		select {
		case <-s.stop:
			return
		default:
		}
		pos := s.pos.Load()
		s.timeline.Render(s.buf, pos)
		if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			slog.Error("portaudio: playback write failed", "err", err)
			return
		}
		s.pos.Store(pos + int64(len(s.buf)))
	}
}

// Now returns the playback clock in seconds.
func (s *outputSink) Now() float64 {
	return float64(s.pos.Load()) / s.rate
}

// Schedule places buf on the playback timeline.
func (s *outputSink) Schedule(buf audio.Buffer, at float64) error {
	select {
	case <-s.done:
		return fmt.Errorf("portaudio: schedule: sink closed")
	default:
	}
	_, err := s.timeline.Add(buf, at, s.pos.Load())
	return err
}

// Close discards pending playback and releases the device.
func (s *outputSink) Close() error {
	s.closeOnce.Do(func() {
		s.timeline.Reset()
		close(s.stop)
		<-s.done
	})
	return nil
}

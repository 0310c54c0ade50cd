package voice

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/brokervoice/internal/observe"
	"github.com/MrWong99/brokervoice/pkg/audio"
)

// DefaultPreOpenQueue is the default capacity of the outbound frame queue.
const DefaultPreOpenQueue = 32

// warnEvery is the sampling interval for repeated drop warnings.
const warnEvery = 100

// sampledWarn reports whether the n-th occurrence of a repeating condition
// should be logged: the first one and then every warnEvery-th.
func sampledWarn(n int64) bool {
	return n == 1 || n%warnEvery == 0
}

// AcquireInput opens the microphone for capture at [audio.CaptureRate].
// Acquisition failures are returned as a *[CaptureError] wrapping the device
// error.
func AcquireInput(ctx context.Context, dev audio.InputDevice, blockSize int) (audio.InputStream, error) {
	if blockSize <= 0 {
		blockSize = audio.DefaultBlockSize
	}
	st, err := dev.OpenInput(ctx, audio.InputConfig{SampleRate: audio.CaptureRate, BlockSize: blockSize})
	if err != nil {
		return nil, &CaptureError{Err: err}
	}
	return st, nil
}

// Capture turns a live [audio.InputStream] into an ordered sequence of
// encoded outbound frames.
//
// Every block read from the stream is encoded immediately and placed on a
// bounded FIFO. The producer never waits for the consumer: when the queue is
// full the oldest frame is discarded to make room, so a consumer that is not
// ready (session still connecting, transport stalled) can never stall the
// device read.
type Capture struct {
	stream audio.InputStream
	frames chan audio.AudioFrame
	done   chan struct{}

	captured atomic.Int64
	dropped  atomic.Int64

	metrics *observe.Metrics
	log     *slog.Logger

	closeOnce sync.Once
}

// StartCapture starts encoding blocks from stream onto a queue of queueSize
// frames. The capture owns stream and closes it on [Capture.Close].
func StartCapture(stream audio.InputStream, queueSize int, metrics *observe.Metrics, log *slog.Logger) *Capture {
	if queueSize <= 0 {
		queueSize = DefaultPreOpenQueue
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Capture{
		stream:  stream,
		frames:  make(chan audio.AudioFrame, queueSize),
		done:    make(chan struct{}),
		metrics: metrics,
		log:     log,
	}
	go c.run()
	return c
}

func (c *Capture) run() {
	defer close(c.done)

	var elapsed time.Duration
	for block := range c.stream.Blocks() {
		frame := audio.EncodeFrame(block, audio.CaptureRate)
		frame.Timestamp = elapsed
		elapsed += frame.Duration()

		c.captured.Add(1)
		if c.metrics != nil {
			c.metrics.FramesCaptured.Add(context.Background(), 1)
		}
		if c.push(frame) {
			n := c.dropped.Add(1)
			if c.metrics != nil {
				c.metrics.RecordFrameDropped(context.Background(), observe.DropPreOpen)
			}
			if sampledWarn(n) {
				c.log.Warn("voice: outbound queue full, dropped oldest frame", "dropped", n)
			}
		}
	}
}

// push enqueues f, discarding the oldest queued frame when full. It reports
// whether a frame was discarded. Only run calls push, so after one receive
// there is always room.
func (c *Capture) push(f audio.AudioFrame) (dropped bool) {
	for {
		select {
		case c.frames <- f:
			return dropped
		default:
		}
		select {
		case <-c.frames:
			dropped = true
		default:
		}
	}
}

// Frames returns the outbound queue in capture order.
func (c *Capture) Frames() <-chan audio.AudioFrame { return c.frames }

// Done is closed when the input stream has stopped, either through Close or
// because the device failed.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Err returns the device failure that stopped capture, if any.
func (c *Capture) Err() error { return c.stream.Err() }

// Captured returns the number of frames encoded so far.
func (c *Capture) Captured() int64 { return c.captured.Load() }

// Dropped returns the number of frames discarded because the queue was full.
func (c *Capture) Dropped() int64 { return c.dropped.Load() }

// Close releases the input stream and waits for the encoder to stop. Safe to
// call more than once.
func (c *Capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stream.Close()
		<-c.done
	})
	return err
}

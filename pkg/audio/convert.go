package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// FormatConverter converts little-endian PCM16 blocks to a mono target
// format. The first mismatched format and the first misaligned block are each
// logged once. One converter serves one stream.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts pcm from src to the target format. Matching formats return
// pcm itself. A block that does not hold whole frames of src yields nil.
// Channels are folded before resampling.
func (c *FormatConverter) Convert(pcm []byte, src Format) []byte {
	frame := 2 * max(src.Channels, 1)
	if len(pcm)%frame != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: dropping misaligned PCM block",
				"bytes", len(pcm),
				"format", src.String(),
			)
		})
		return nil
	}
	if src == c.Target {
		return pcm
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio: converting format", "from", src.String(), "to", c.Target.String())
	})

	if src.Channels > 1 && c.Target.Channels == 1 {
		pcm = Downmix(pcm, src.Channels)
	}
	return ResampleMono16(pcm, src.SampleRate, c.Target.SampleRate)
}

// Downmix averages interleaved little-endian PCM16 with the given channel
// count into mono. A trailing partial frame is dropped.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for f := range frames {
		var sum int32
		for c := range channels {
			at := f*stride + c*2
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[at:])))
		}
		binary.LittleEndian.PutUint16(out[f*2:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCMToFloat converts PCM16 samples to normalised floats.
func PCMToFloat(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, v := range pcm {
		out[i] = float32(v) / pcmScale
	}
	return out
}

// Package audio provides the PCM sample types and conversions shared by the
// voice pipeline: mono float32 frames, int16 PCM codecs, linear resampling,
// the base64 wire encoding, and a minimal RIFF/WAVE reader and writer.
package audio

import (
	"encoding/binary"
	"time"
)

// Frame is a chunk of mono PCM audio flowing through the pipeline.
// Frames are the atomic unit of audio transport — accumulated from the wire,
// fed to STT, and produced by TTS back-ends.
type Frame struct {
	// Samples holds mono PCM samples normalised to the range [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for STT input, 22050 for Coqui output).
	SampleRate int
}

// Duration returns the playback duration of the frame. Returns 0 when the
// sample rate is unset.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(len(f.Samples)) * int64(time.Second) / int64(f.SampleRate))
}

// PCM16ToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. The input length must be even
// (two bytes per sample); any trailing odd byte is silently ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// Float32ToPCM16 converts float32 samples in [-1.0, 1.0] to 16-bit signed
// little-endian PCM bytes. Samples outside the range are clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}

// DownmixMono averages interleaved multi-channel samples into mono. If
// channels is 1 or less the input is returned unchanged.
func DownmixMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// ResampleMono resamples mono float32 samples from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate, or either rate is not positive,
// the input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a consumer abandons a streaming
// channel mid-turn (e.g., a cancelled synthesis fan-out).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

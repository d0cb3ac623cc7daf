package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WAV format codes from the "fmt " sub-chunk.
const (
	wavFormatPCM       = 1
	wavFormatIEEEFloat = 3
)

// EncodeWAV wraps mono float32 samples in a 16-bit PCM RIFF/WAVE container.
// Samples outside [-1.0, 1.0] are clamped during quantisation.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	pcm := Float32ToPCM16(samples)
	out := make([]byte, 44+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(out[22:24], 1) // mono
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(out[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(out[34:36], 16)                   // bits per sample
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}

// DecodeWAV scans the RIFF/WAVE container in wav and returns the contained
// audio as a mono float32 frame. Walking the chunk list is more robust than
// hardcoding a fixed 44-byte offset because the fmt chunk size may vary.
//
// 16-bit PCM and 32-bit IEEE float sample formats are supported; multi-channel
// audio is downmixed to mono by averaging.
//
// Returns an error if wav is not a valid RIFF/WAVE container or if the fmt or
// data chunk cannot be located.
func DecodeWAV(wav []byte) (Frame, error) {
	if len(wav) < 12 {
		return Frame{}, errors.New("audio: WAV data too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return Frame{}, errors.New("audio: WAV data missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return Frame{}, errors.New("audio: WAV data missing WAVE identifier")
	}

	var (
		format     int
		channels   int
		sampleRate int
		bits       int
		foundFmt   bool
	)

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				format = int(binary.LittleEndian.Uint16(fmtData[0:2]))
				channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				sampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				bits = int(binary.LittleEndian.Uint16(fmtData[14:16]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				return Frame{}, errors.New("audio: WAV data chunk precedes fmt chunk")
			}
			end := offset + 8 + chunkSize
			if end > len(wav) {
				end = len(wav)
			}
			samples, err := decodeWAVSamples(wav[offset+8:end], format, bits)
			if err != nil {
				return Frame{}, err
			}
			if channels > 1 {
				samples = DownmixMono(samples, channels)
			}
			return Frame{Samples: samples, SampleRate: sampleRate}, nil
		}

		// Advance past this chunk (chunks are word-aligned: pad by 1 if odd size).
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return Frame{}, errors.New("audio: WAV data missing data chunk")
}

// decodeWAVSamples converts the raw bytes of a data chunk to float32 samples
// according to the format declared in the fmt chunk.
func decodeWAVSamples(data []byte, format, bits int) ([]float32, error) {
	switch {
	case format == wavFormatPCM && bits == 16:
		return PCM16ToFloat32(data), nil
	case format == wavFormatIEEEFloat && bits == 32:
		n := len(data) / 4
		samples := make([]float32, n)
		for i := range n {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return samples, nil
	default:
		return nil, fmt.Errorf("audio: unsupported WAV format %d with %d bits per sample", format, bits)
	}
}

package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeBase64 serialises samples as base64-encoded little-endian float32 PCM,
// the wire representation carried by audio frames.
func EncodeBase64(samples []float32) string {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeBase64 parses base64-encoded little-endian float32 PCM into samples.
// Returns an error when the payload is not valid base64 or when its decoded
// length is not a multiple of four bytes.
func DecodeBase64(data string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64 PCM: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("audio: base64 PCM payload of %d bytes is not a multiple of 4", len(raw))
	}
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples, nil
}

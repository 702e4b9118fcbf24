package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BytesPerSample is the width of one float32 PCM sample on the wire.
const BytesPerSample = 4

// EncodeFloat32LE serialises samples as little-endian IEEE-754 float32, the
// in-memory layout of a Float32Array on little-endian hosts.
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*BytesPerSample:], math.Float32bits(s))
	}
	return out
}

// DecodeFloat32LE is the inverse of [EncodeFloat32LE]. It returns an error if
// len(b) is not a multiple of [BytesPerSample].
func DecodeFloat32LE(b []byte) ([]float32, error) {
	if len(b)%BytesPerSample != 0 {
		return nil, fmt.Errorf("audio: decode float32 pcm: %d bytes is not a multiple of %d", len(b), BytesPerSample)
	}
	out := make([]float32, len(b)/BytesPerSample)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*BytesPerSample:]))
	}
	return out, nil
}

// Package mixer combines simultaneous agent audio streams into one PCM16
// buffer without clipping.
package mixer

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/ashureev/improv-stage/internal/domain"
)

// MaxAmplitude is the largest magnitude a mixed sample may have.
const MaxAmplitude = math.MaxInt16

// ErrOddLength is returned when PCM16 bytes cannot be split into samples.
var ErrOddLength = errors.New("pcm16 buffer has odd length")

// Stream is one agent's audio for a turn.
type Stream struct {
	Role    domain.Role
	Samples []int16
}

// DefaultWeights attenuate the room so the partner stays intelligible.
var DefaultWeights = map[domain.Role]float64{
	domain.RolePartner: 1.0,
	domain.RoleHost:    1.0,
	domain.RoleCoach:   1.0,
	domain.RoleUser:    1.0,
	domain.RoleRoom:    0.3,
}

// Mixer mixes streams with per-role gains. The zero value uses weight 1.0 for
// every role.
type Mixer struct {
	Weights map[domain.Role]float64
}

// New returns a Mixer with DefaultWeights.
func New() *Mixer {
	return &Mixer{Weights: DefaultWeights}
}

// Mix combines streams using DefaultWeights.
func Mix(streams []Stream) []int16 {
	return New().Mix(streams)
}

func (m *Mixer) weight(role domain.Role) float64 {
	if w, ok := m.Weights[role]; ok {
		return w
	}
	return 1.0
}

// Mix weights each stream, zero-pads shorter streams to the longest and sums
// them. If the summed peak exceeds MaxAmplitude the whole buffer is scaled
// down so the peak sits at MaxAmplitude, preserving relative levels.
func (m *Mixer) Mix(streams []Stream) []int16 {
	length := 0
	for _, s := range streams {
		length = max(length, len(s.Samples))
	}
	if length == 0 {
		return []int16{}
	}

	sum := make([]float64, length)
	for _, s := range streams {
		w := m.weight(s.Role)
		for i, v := range s.Samples {
			sum[i] += float64(v) * w
		}
	}

	peak := 0.0
	for _, v := range sum {
		peak = max(peak, math.Abs(v))
	}
	scale := 1.0
	if peak > MaxAmplitude {
		scale = MaxAmplitude / peak
	}

	out := make([]int16, length)
	for i, v := range sum {
		out[i] = clamp(math.Round(v * scale))
	}
	return out
}

func clamp(v float64) int16 {
	switch {
	case v > MaxAmplitude:
		return MaxAmplitude
	case v < -MaxAmplitude:
		return -MaxAmplitude
	}
	return int16(v)
}

// DecodePCM16 splits little-endian mono PCM16 bytes into samples.
func DecodePCM16(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, ErrOddLength
	}
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return samples, nil
}

// EncodePCM16 serializes samples as little-endian mono PCM16.
func EncodePCM16(samples []int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

// EncodeWAV wraps mono PCM16LE bytes in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	const headerLen = 44
	out := make([]byte, headerLen+len(pcm))
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(out[16:], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(out[20:], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:], 1)  // mono
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(out[32:], 2)
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcm)))
	copy(out[headerLen:], pcm)
	return out
}

// Duration returns the playback length in milliseconds of n samples.
func Duration(n, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(n) * 1000 / int64(sampleRate)
}

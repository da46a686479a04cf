package mixer

import (
	"encoding/binary"
	"testing"

	"github.com/ashureev/improv-stage/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(n int, v int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestMixNeverClips(t *testing.T) {
	m := &Mixer{}
	out := m.Mix([]Stream{
		{Role: domain.RolePartner, Samples: constant(10, 30000)},
		{Role: domain.RoleHost, Samples: constant(10, 30000)},
	})

	require.Len(t, out, 10)
	for _, v := range out {
		assert.LessOrEqual(t, v, int16(MaxAmplitude))
		assert.GreaterOrEqual(t, v, int16(-MaxAmplitude))
	}
	assert.Equal(t, int16(MaxAmplitude), out[0], "peak should be normalized to full scale")
}

func TestMixPreservesRelativeLevelsWhenScaling(t *testing.T) {
	m := &Mixer{}
	out := m.Mix([]Stream{
		{Role: domain.RolePartner, Samples: []int16{30000, 10000, -30000}},
		{Role: domain.RolePartner, Samples: []int16{30000, 10000, -30000}},
	})

	assert.Equal(t, []int16{32767, 10922, -32767}, out)
}

func TestMixPadsShorterStreams(t *testing.T) {
	out := Mix([]Stream{
		{Role: domain.RolePartner, Samples: constant(100, 1000)},
		{Role: domain.RolePartner, Samples: constant(50, 1000)},
	})

	require.Len(t, out, 100)
	for i := 0; i < 50; i++ {
		assert.Equal(t, int16(2000), out[i], "sample %d", i)
	}
	for i := 50; i < 100; i++ {
		assert.Equal(t, int16(1000), out[i], "sample %d", i)
	}
}

func TestMixAttenuatesRoom(t *testing.T) {
	out := Mix([]Stream{
		{Role: domain.RolePartner, Samples: []int16{1000}},
		{Role: domain.RoleRoom, Samples: []int16{1000}},
	})
	assert.Equal(t, []int16{1300}, out)
}

func TestMixUnknownRoleUsesUnitWeight(t *testing.T) {
	out := Mix([]Stream{{Role: domain.Role("narrator"), Samples: []int16{-1234}}})
	assert.Equal(t, []int16{-1234}, out)
}

func TestMixEmpty(t *testing.T) {
	assert.Empty(t, Mix(nil))
	assert.Empty(t, Mix([]Stream{{Role: domain.RoleRoom}}))
}

func TestPCM16RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, MaxAmplitude, -MaxAmplitude - 1}
	b := EncodePCM16(samples)
	require.Len(t, b, 10)
	assert.Equal(t, []byte{0x01, 0x00}, b[2:4])

	got, err := DecodePCM16(b)
	require.NoError(t, err)
	assert.Equal(t, samples, got)

	_, err = DecodePCM16([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrOddLength)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, int64(500), Duration(12000, 24000))
	assert.Equal(t, int64(0), Duration(100, 0))
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := EncodePCM16([]int16{1, 2, 3})
	wav := EncodeWAV(pcm, 16000)
	require.Len(t, wav, 44+len(pcm))

	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(36+len(pcm)), binary.LittleEndian.Uint32(wav[4:]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:]), "channels")
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:]))
	assert.Equal(t, uint32(32000), binary.LittleEndian.Uint32(wav[28:]), "byte rate")
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(wav[40:]))
	assert.Equal(t, pcm, wav[44:])
}

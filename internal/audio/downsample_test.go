package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownsampleDeterministic(t *testing.T) {
	in := make([]float32, 4096)
	for i := range in {
		in[i] = float32(math.Sin(float64(i) / 7.3))
	}

	first, err := Downsample(in, 44100, WireRate)
	require.NoError(t, err)
	second, err := Downsample(in, 44100, WireRate)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDownsampleOutputLength(t *testing.T) {
	cases := []struct {
		inLen    int
		src, dst int
	}{
		{4096, 44100, 16000},
		{4096, 48000, 16000},
		{1000, 32000, 16000},
		{1, 48000, 16000},
	}
	for _, tc := range cases {
		in := make([]float32, tc.inLen)
		out, err := Downsample(in, tc.src, tc.dst)
		require.NoError(t, err)
		want := int(float64(tc.inLen)*float64(tc.dst)/float64(tc.src) + 0.5)
		assert.Equal(t, want, len(out), "inLen=%d src=%d dst=%d", tc.inLen, tc.src, tc.dst)
	}
}

func TestDownsampleAveragesBlocks(t *testing.T) {
	// 2:1 decimation of [1,1,-1,-1] must yield full-scale [+1,-1] blocks.
	out, err := Downsample([]float32{1, 1, -1, -1}, 32000, 16000)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int16(0x7FFF), out[0])
	assert.Equal(t, int16(-0x7FFF), out[1])
}

func TestDownsampleClampsOverdrive(t *testing.T) {
	out, err := Downsample([]float32{2.0, 2.0, -3.0, -3.0}, 32000, 16000)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int16(0x7FFF), out[0])
	assert.Equal(t, int16(-0x7FFF), out[1])
}

func TestDownsampleEqualRates(t *testing.T) {
	out, err := Downsample([]float32{0.5, -0.5}, WireRate, WireRate)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.InDelta(t, 16383, out[0], 1)
	assert.InDelta(t, -16383, out[1], 1)
}

func TestDownsampleRefusesUpsampling(t *testing.T) {
	_, err := Downsample([]float32{0}, 16000, 48000)
	require.ErrorIs(t, err, ErrUpsample)
}

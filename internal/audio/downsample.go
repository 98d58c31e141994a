// Package audio implements the capture and playback pipelines: microphone
// acquisition, block-average downsampling to the wire rate, self-describing
// PCM chunks, and interrupt-and-replace rendering.
package audio

import "errors"

// WireRate is the sample rate of transmitted frames.
const WireRate = 16000

var ErrUpsample = errors.New("target rate above source rate")

// Downsample converts mono float32 samples at srcRate into signed 16-bit
// samples at dstRate using block-average decimation: each output sample is
// the mean of the input samples whose time range maps onto it, clamped to
// [-1, 1] and scaled to full int16 range. Bandwidth-unaware but adequate
// for speech; output length is round(len(in) / (srcRate/dstRate)).
func Downsample(in []float32, srcRate, dstRate int) ([]int16, error) {
	if dstRate > srcRate {
		return nil, ErrUpsample
	}
	if srcRate == dstRate {
		out := make([]int16, len(in))
		for i, s := range in {
			out[i] = quantize(s)
		}
		return out, nil
	}

	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(in))/ratio + 0.5)
	out := make([]int16, outLen)

	offset := 0
	for i := 0; i < outLen; i++ {
		next := int(float64(i+1)*ratio + 0.5)
		var accum float64
		count := 0
		for j := offset; j < next && j < len(in); j++ {
			accum += float64(in[j])
			count++
		}
		if count > 0 {
			out[i] = quantize(float32(accum / float64(count)))
		}
		offset = next
	}
	return out, nil
}

func quantize(s float32) int16 {
	if s > 1 {
		s = 1
	}
	if s < -1 {
		s = -1
	}
	return int16(s * 0x7FFF)
}

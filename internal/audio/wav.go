package audio

import (
	"encoding/binary"
	"fmt"
)

// chunk header layout: canonical 44-byte PCM WAV header. Every chunk is
// self-describing so a receiver can decode it with no side-channel format
// negotiation.
const (
	headerLen     = 44
	formatPCM     = 1
	bitsPerSample = 16
)

// EncodeChunk wraps mono little-endian PCM16 samples in a 44-byte WAV
// header at the given sample rate.
func EncodeChunk(samples []int16, rate int) []byte {
	dataLen := len(samples) * 2
	blockAlign := 1 * bitsPerSample / 8
	byteRate := rate * blockAlign

	buf := make([]byte, headerLen+dataLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], formatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(rate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[headerLen+i*2:], uint16(s))
	}
	return buf
}

// Chunk is one decoded audio payload.
type Chunk struct {
	Rate     int
	Channels int
	Samples  []int16
}

// DecodeChunk parses a self-describing chunk and validates that the header
// fields agree with each other and with the payload length. A header that
// claims a format the payload cannot hold is a decode error; callers drop
// the chunk and keep the session alive.
func DecodeChunk(data []byte) (Chunk, error) {
	if len(data) < headerLen {
		return Chunk{}, fmt.Errorf("chunk too short: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Chunk{}, fmt.Errorf("not a RIFF/WAVE chunk")
	}
	if string(data[12:16]) != "fmt " || string(data[36:40]) != "data" {
		return Chunk{}, fmt.Errorf("unexpected chunk layout")
	}
	format := binary.LittleEndian.Uint16(data[20:22])
	if format != formatPCM {
		return Chunk{}, fmt.Errorf("unsupported format tag %d", format)
	}
	channels := int(binary.LittleEndian.Uint16(data[22:24]))
	rate := int(binary.LittleEndian.Uint32(data[24:28]))
	byteRate := int(binary.LittleEndian.Uint32(data[28:32]))
	blockAlign := int(binary.LittleEndian.Uint16(data[32:34]))
	bits := int(binary.LittleEndian.Uint16(data[34:36]))
	dataLen := int(binary.LittleEndian.Uint32(data[40:44]))

	if channels < 1 || rate <= 0 || bits != bitsPerSample {
		return Chunk{}, fmt.Errorf("bad format: channels=%d rate=%d bits=%d", channels, rate, bits)
	}
	if blockAlign != channels*bits/8 || byteRate != rate*blockAlign {
		return Chunk{}, fmt.Errorf("inconsistent header: align=%d byteRate=%d", blockAlign, byteRate)
	}
	payload := data[headerLen:]
	if dataLen != len(payload) || dataLen%blockAlign != 0 {
		return Chunk{}, fmt.Errorf("payload length %d does not match header (data=%d align=%d)",
			len(payload), dataLen, blockAlign)
	}

	samples := make([]int16, dataLen/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return Chunk{Rate: rate, Channels: channels, Samples: samples}, nil
}

package audio

import (
	"bytes"
	"encoding/binary"
)

const (
	defaultSampleRate = 16000
	pcmChannels       = 1
	pcmBitDepth       = 16

	// PCMMimeType describes the raw payload carried by finalized segments.
	PCMMimeType = "audio/L16"
)

// EncodePCM16 serializes samples as little-endian PCM16.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// EncodeWAV wraps raw mono PCM16 bytes in a RIFF/WAVE container.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	header, err := wavHeader(len(pcm), sampleRate, pcmChannels, pcmBitDepth)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(header)+len(pcm))
	out = append(out, header...)
	return append(out, pcm...), nil
}

func wavHeader(dataSize, sampleRate, channels, bitDepth int) ([]byte, error) {
	byteRate := sampleRate * channels * bitDepth / 8
	blockAlign := channels * bitDepth / 8
	chunkSize := 36 + dataSize

	buf := bytes.NewBuffer(make([]byte, 0, 44))
	buf.WriteString("RIFF")
	if err := binary.Write(buf, binary.LittleEndian, uint32(chunkSize)); err != nil {
		return nil, err
	}
	buf.WriteString("WAVEfmt ")
	for _, f := range []any{
		uint32(16),
		uint16(1),
		uint16(channels),
		uint32(sampleRate),
		uint32(byteRate),
		uint16(blockAlign),
		uint16(bitDepth),
	} {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	buf.WriteString("data")
	if err := binary.Write(buf, binary.LittleEndian, uint32(dataSize)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

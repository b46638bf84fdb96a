package audio

import (
	"encoding/binary"
	"os"
)

const wavHeaderSize = 44

// WAVBytes renders captured frames, oldest first, as a complete mono PCM16LE
// WAV file in memory. Frames are re-encoded through FramePCM, so the output
// matches what was sent on the wire bit for bit.
func WAVBytes(frames []Frame, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	dataSize := 0
	for _, f := range frames {
		dataSize += 2 * len(f.Samples)
	}

	out := make([]byte, 0, wavHeaderSize+dataSize)
	out = append(out, wavHeader(uint32(dataSize), sampleRate)...)
	for _, f := range frames {
		out = append(out, FramePCM(f)...)
	}
	return out
}

// WriteWAVFile exports captured frames to path as a WAV file. Used to save a
// session's capture buffer for offline analysis.
func WriteWAVFile(path string, frames []Frame, sampleRate int) error {
	return os.WriteFile(path, WAVBytes(frames, sampleRate), 0o644)
}

func wavHeader(dataSize uint32, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
		pcmFormat     = 1
	)

	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], 36+dataSize)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], pcmFormat)
	binary.LittleEndian.PutUint16(h[22:24], channels)
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(sampleRate*channels*bitsPerSample/8))
	binary.LittleEndian.PutUint16(h[32:34], channels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(h[34:36], bitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], dataSize)
	return h
}

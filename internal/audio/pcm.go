package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// Frame is one fixed-size block of normalized mono samples captured from the
// microphone, together with the RMS energy computed in the same pass. Frames
// are never mutated after creation; the capture engine hands the same frame to
// the wire encoder, the barge-in detector and the session buffer.
type Frame struct {
	Samples []float64
	RMS     float64
}

// DecodeFrame converts raw PCM16LE bytes into a normalized float frame,
// computing RMS energy in the same traversal.
func DecodeFrame(pcm []byte) Frame {
	n := len(pcm) / 2
	samples := make([]float64, n)
	if n == 0 {
		return Frame{Samples: samples}
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		v := float64(s) / 32768.0
		samples[i] = v
		sum += v * v
	}
	return Frame{Samples: samples, RMS: math.Sqrt(sum / float64(n))}
}

// InputLevel derives a bounded 0-1 level from RMS energy. Raw speech RMS sits
// well below 1.0, so a fixed gain is applied before clamping.
func InputLevel(rms, gain float64) float64 {
	level := rms * gain
	if level > 1 {
		return 1
	}
	if level < 0 {
		return 0
	}
	return level
}

// EncodeWire encodes PCM16LE bytes for the websocket transport.
func EncodeWire(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeWire reverses EncodeWire. The framing is lossless: decode(encode(b))
// yields b exactly.
func DecodeWire(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return data, nil
}

// MimeType returns the upstream media type tag for raw PCM at the given rate.
func MimeType(sampleRate int) string {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// FramePCM converts a normalized float frame back to PCM16LE bytes. Used when
// exporting the session buffer; the realtime path keeps the original bytes.
func FramePCM(f Frame) []byte {
	out := make([]byte, 2*len(f.Samples))
	for i, v := range f.Samples {
		scaled := math.Round(v * 32768)
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(scaled)))
	}
	return out
}

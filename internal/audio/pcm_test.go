package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"testing"
)

func pcmFromInt16(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func TestWireRoundTripIsLossless(t *testing.T) {
	pcm := pcmFromInt16([]int16{0, 1, -1, 32767, -32768, 12345, -12345})

	decoded, err := DecodeWire(EncodeWire(pcm))
	if err != nil {
		t.Fatalf("DecodeWire() error = %v", err)
	}
	if !bytes.Equal(decoded, pcm) {
		t.Fatalf("round trip mismatch: got %v, want %v", decoded, pcm)
	}
}

func TestDecodeWireRejectsGarbage(t *testing.T) {
	if _, err := DecodeWire("not base64!!"); err == nil {
		t.Fatalf("DecodeWire() should reject invalid input")
	}
}

func TestDecodeFrameComputesRMS(t *testing.T) {
	// A constant half-scale signal has RMS 0.5.
	samples := make([]int16, 256)
	for i := range samples {
		samples[i] = 16384
	}
	f := DecodeFrame(pcmFromInt16(samples))

	if len(f.Samples) != 256 {
		t.Fatalf("len(Samples) = %d, want 256", len(f.Samples))
	}
	if math.Abs(f.RMS-0.5) > 1e-9 {
		t.Fatalf("RMS = %v, want 0.5", f.RMS)
	}
}

func TestDecodeFrameEmpty(t *testing.T) {
	f := DecodeFrame(nil)
	if len(f.Samples) != 0 || f.RMS != 0 {
		t.Fatalf("empty input should produce empty frame, got %+v", f)
	}
}

func TestFramePCMRoundTrip(t *testing.T) {
	pcm := pcmFromInt16([]int16{0, 100, -100, 32767, -32768})
	f := DecodeFrame(pcm)
	if got := FramePCM(f); !bytes.Equal(got, pcm) {
		t.Fatalf("FramePCM round trip mismatch: got %v, want %v", got, pcm)
	}
}

func TestInputLevelClamped(t *testing.T) {
	cases := []struct {
		rms, gain, want float64
	}{
		{0, 5, 0},
		{0.1, 5, 0.5},
		{0.5, 5, 1},
		{1, 5, 1},
	}
	for _, tc := range cases {
		if got := InputLevel(tc.rms, tc.gain); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("InputLevel(%v, %v) = %v, want %v", tc.rms, tc.gain, got, tc.want)
		}
	}
}

func TestMimeTypeDefault(t *testing.T) {
	if got := MimeType(0); got != "audio/pcm;rate=16000" {
		t.Fatalf("MimeType(0) = %q", got)
	}
	if got := MimeType(24000); got != "audio/pcm;rate=24000" {
		t.Fatalf("MimeType(24000) = %q", got)
	}
}

func TestWAVBytesFromFrames(t *testing.T) {
	first := pcmFromInt16([]int16{1, 2})
	second := pcmFromInt16([]int16{-3, 32767})
	frames := []Frame{DecodeFrame(first), DecodeFrame(second)}

	wav := WAVBytes(frames, 16000)
	pcm := append(append([]byte{}, first...), second...)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE markers")
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Fatalf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", got, len(pcm))
	}
	if !bytes.Equal(wav[44:], pcm) {
		t.Fatalf("data chunk does not match the frames' PCM")
	}
}

func TestWriteWAVFile(t *testing.T) {
	frames := []Frame{DecodeFrame(pcmFromInt16([]int16{100, -100, 0}))}
	path := t.TempDir() + "/session.wav"

	if err := WriteWAVFile(path, frames, 16000); err != nil {
		t.Fatalf("WriteWAVFile() error = %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, WAVBytes(frames, 16000)) {
		t.Fatalf("file contents do not match WAVBytes output")
	}
}

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// audioPlayer is the playback side the speaker drives. It is a seam over
// oto.Player so the queue logic runs in tests without real audio output.
type audioPlayer interface {
	Play()
	Close() error
}

// speaker plays assistant PCM16 audio. Writes append to an internal buffer;
// the player pulls from it on its own schedule. Flush drops everything
// queued, which is how barge-in cuts playback instantly.
type speaker struct {
	newPlayer func(io.Reader) audioPlayer

	mu      sync.Mutex
	cond    *sync.Cond
	player  audioPlayer
	buf     []byte
	playing bool
	closed  bool
}

func newSpeaker(sampleRate int) (*speaker, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		// ~100ms of audio; small enough that barge-in feels immediate.
		BufferSize: sampleRate / 10 * 2,
	}
	otoCtx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	return newSpeakerWith(func(r io.Reader) audioPlayer {
		return otoCtx.NewPlayer(r)
	}), nil
}

func newSpeakerWith(newPlayer func(io.Reader) audioPlayer) *speaker {
	s := &speaker{
		newPlayer: newPlayer,
		buf:       make([]byte, 0, 64*1024),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *speaker) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.buf = append(s.buf, data...)

	if !s.playing {
		s.playing = true
		s.player = s.newPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
}

// Read implements io.Reader for the player.
func (s *speaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}

	if s.closed && len(s.buf) == 0 {
		// Silence lets the player drain gracefully.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush discards all queued audio.
func (s *speaker) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
}

// Close stops accepting writes and releases the player. The handle is taken
// under the lock; closing it happens outside so a player blocked in Read
// cannot deadlock against it.
func (s *speaker) Close() {
	s.mu.Lock()
	s.closed = true
	p := s.player
	s.player = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if p != nil {
		_ = p.Close()
	}
}

// rateFromMime extracts the sample rate from a tag like "audio/pcm;rate=24000".
func rateFromMime(mime string, fallback int) int {
	for _, part := range strings.Split(mime, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "rate="); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return fallback
}

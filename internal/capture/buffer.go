package capture

import (
	"sync"

	"github.com/dmarchetti/vela/internal/audio"
)

// FrameBuffer is a bounded FIFO of captured frames. Appending past the bound
// evicts the oldest frame; callers never see an error for producing too much
// audio.
type FrameBuffer struct {
	mu     sync.Mutex
	max    int
	frames []audio.Frame
}

func NewFrameBuffer(max int) *FrameBuffer {
	if max <= 0 {
		max = 100
	}
	return &FrameBuffer{max: max}
}

func (b *FrameBuffer) Append(f audio.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) >= b.max {
		drop := len(b.frames) - b.max + 1
		b.frames = append(b.frames[:0], b.frames[drop:]...)
	}
	b.frames = append(b.frames, f)
}

func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Frames returns a copy of the buffered frames in arrival order.
func (b *FrameBuffer) Frames() []audio.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]audio.Frame, len(b.frames))
	copy(out, b.frames)
	return out
}

func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
}

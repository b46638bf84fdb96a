package capture

import "sync"

// BargeInDetector decides when user speech should interrupt assistant
// playback. It counts consecutive frames at or above the level threshold
// while the assistant is speaking; on the k-th such frame it fires the
// interrupt callback once and latches until the assistant stops speaking.
type BargeInDetector struct {
	mu          sync.Mutex
	threshold   float64
	required    int
	speaking    bool
	count       int
	triggered   bool
	onInterrupt func()
}

func NewBargeInDetector(threshold float64, required int, onInterrupt func()) *BargeInDetector {
	if required <= 0 {
		required = 1
	}
	return &BargeInDetector{
		threshold:   threshold,
		required:    required,
		onInterrupt: onInterrupt,
	}
}

// SetAssistantSpeaking tracks whether assistant audio is currently playing.
// Any transition clears the latch and the consecutive-frame counter.
func (d *BargeInDetector) SetAssistantSpeaking(speaking bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.speaking == speaking {
		return
	}
	d.speaking = speaking
	d.count = 0
	d.triggered = false
}

// Evaluate processes one frame's input level and reports whether this frame
// triggered an interruption.
func (d *BargeInDetector) Evaluate(level float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.speaking {
		d.count = 0
		d.triggered = false
		return false
	}
	if d.triggered {
		return false
	}

	if level >= d.threshold {
		d.count++
	} else {
		d.count = 0
		return false
	}

	if d.count < d.required {
		return false
	}

	d.triggered = true
	if d.onInterrupt != nil {
		d.onInterrupt()
	}
	return true
}

// Triggered reports whether the latch is currently set.
func (d *BargeInDetector) Triggered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggered
}

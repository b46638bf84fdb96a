package capture

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/dmarchetti/vela/internal/audio"
)

// Abort reasons for an initialization attempt. Callers branch on these:
// a superseded attempt is silently dropped because a newer one is in
// flight; a cleanup abort is an intentional stop.
var (
	ErrCaptureCleanup    = errors.New("capture cleanup requested")
	ErrCaptureSuperseded = errors.New("capture superseded by newer initialization")
)

// Device is a started microphone capture pipeline.
type Device interface {
	Start() error
	Stop() error
	Uninit()
}

// DeviceOpener acquires the platform audio resources and returns a device
// that feeds fixed-size PCM16 blocks into onFrame. Opening may block on a
// permission prompt, which is why initialization needs the generation
// discipline below.
type DeviceOpener func(cfg Config, onFrame func(pcm []byte)) (Device, error)

// SendFunc hands one wire-encoded frame to the outbound transport queue. It
// runs on the realtime audio path and must not block.
type SendFunc func(audioBase64, mimeType string) error

type Config struct {
	SampleRate         int
	FrameSamples       int
	MaxChunks          int
	LevelGain          float64
	LevelEmitInterval  time.Duration
	BargeInThreshold   float64
	BargeInConsecutive int
}

// Engine turns microphone access into a stream of wire-ready frames. It is
// safe under overlapping Initialize/Cleanup calls: every Initialize gets a
// generation number and re-checks for cleanup or supersession after each
// acquisition step, releasing whatever it just acquired on abort.
type Engine struct {
	cfg      Config
	open     DeviceOpener
	send     SendFunc
	detector *BargeInDetector

	mu               sync.Mutex
	generation       int
	cleanupRequested bool
	device           Device
	muted            bool

	levelMu       sync.Mutex
	onLevel       func(level float64)
	lastLevelEmit time.Time

	chunks  *FrameBuffer
	session *FrameBuffer
}

func NewEngine(cfg Config, open DeviceOpener, send SendFunc) *Engine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = 1024
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = 100
	}
	if cfg.LevelGain <= 0 {
		cfg.LevelGain = 5.0
	}
	if cfg.LevelEmitInterval <= 0 {
		cfg.LevelEmitInterval = 50 * time.Millisecond
	}
	if cfg.BargeInThreshold <= 0 {
		cfg.BargeInThreshold = 0.12
	}
	if cfg.BargeInConsecutive <= 0 {
		cfg.BargeInConsecutive = 3
	}
	return &Engine{
		cfg:      cfg,
		open:     open,
		send:     send,
		detector: NewBargeInDetector(cfg.BargeInThreshold, cfg.BargeInConsecutive, nil),
		chunks:   NewFrameBuffer(cfg.MaxChunks),
		session:  NewFrameBuffer(cfg.MaxChunks),
	}
}

// SetLevelHandler registers the throttled input-level callback. Only the
// latest level within each emit interval survives.
func (e *Engine) SetLevelHandler(fn func(level float64)) {
	e.levelMu.Lock()
	e.onLevel = fn
	e.levelMu.Unlock()
}

// SetInterruptHandler registers the barge-in callback.
func (e *Engine) SetInterruptHandler(fn func()) {
	e.detector.mu.Lock()
	e.detector.onInterrupt = fn
	e.detector.mu.Unlock()
}

// SetAssistantSpeaking forwards playback state to the barge-in detector.
func (e *Engine) SetAssistantSpeaking(speaking bool) {
	e.detector.SetAssistantSpeaking(speaking)
}

// Initialize acquires the microphone and starts frame delivery. Overlapping
// calls resolve to exactly one active pipeline: older in-flight attempts
// abort with ErrCaptureSuperseded, and a concurrent Cleanup aborts the
// attempt with ErrCaptureCleanup.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	e.generation++
	gen := e.generation
	// A fresh start cancels any earlier stop request.
	e.cleanupRequested = false
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	onFrame := func(pcm []byte) {
		e.handleFrame(gen, pcm)
	}

	// Acquisition can block on the platform permission prompt.
	dev, err := e.open(e.cfg, onFrame)
	if err != nil {
		return err
	}

	if reason := e.abortReason(gen); reason != nil {
		dev.Uninit()
		return reason
	}
	if err := ctx.Err(); err != nil {
		dev.Uninit()
		return err
	}

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return err
	}

	e.mu.Lock()
	if reason := e.abortReasonLocked(gen); reason != nil {
		e.mu.Unlock()
		if err := dev.Stop(); err != nil {
			log.Printf("capture: stop aborted device: %v", err)
		}
		dev.Uninit()
		return reason
	}
	// Replace whatever device an older generation may have left behind.
	old := e.device
	e.device = dev
	e.muted = false
	e.mu.Unlock()

	if old != nil {
		if err := old.Stop(); err != nil {
			log.Printf("capture: stop stale device: %v", err)
		}
		old.Uninit()
	}
	return nil
}

// Cleanup stops capture and releases everything. The cleanup flag is set
// first so an in-flight Initialize observes it at its next check. Safe to
// call repeatedly and before any initialization completed. Release failures
// are logged, never fatal: they must not block the rest of the teardown.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	e.cleanupRequested = true
	dev := e.device
	e.device = nil
	e.muted = false
	e.mu.Unlock()

	if dev != nil {
		if err := dev.Stop(); err != nil {
			log.Printf("capture: stop device: %v", err)
		}
		dev.Uninit()
	}

	e.chunks.Reset()
	e.session.Reset()
	e.detector.SetAssistantSpeaking(false)
}

// ToggleMute flips the capture device's running state (a true mute: no
// frames are produced at all) and returns the new muted state.
func (e *Engine) ToggleMute() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.device == nil {
		log.Printf("capture: toggle mute with no active device")
		return e.muted
	}

	if e.muted {
		if err := e.device.Start(); err != nil {
			log.Printf("capture: unmute: %v", err)
			return e.muted
		}
		e.muted = false
	} else {
		if err := e.device.Stop(); err != nil {
			log.Printf("capture: mute: %v", err)
			return e.muted
		}
		e.muted = true
	}
	return e.muted
}

// Muted reports the current mute state.
func (e *Engine) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

// Chunks is the bounded relay-chunk queue.
func (e *Engine) Chunks() *FrameBuffer { return e.chunks }

// SessionBuffer holds the most recent frames of the whole session, for
// export via the WAV writer.
func (e *Engine) SessionBuffer() *FrameBuffer { return e.session }

// WriteSessionWAV exports the session buffer as a WAV file.
func (e *Engine) WriteSessionWAV(path string) error {
	return audio.WriteWAVFile(path, e.session.Frames(), e.cfg.SampleRate)
}

func (e *Engine) abortReason(gen int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.abortReasonLocked(gen)
}

func (e *Engine) abortReasonLocked(gen int) error {
	if e.cleanupRequested {
		return ErrCaptureCleanup
	}
	if e.generation != gen {
		return ErrCaptureSuperseded
	}
	return nil
}

// handleFrame is the per-block pipeline on the realtime audio callback. All
// work is O(frame size) with no blocking I/O; the frame is dropped when the
// outbound queue rejects it.
func (e *Engine) handleFrame(gen int, pcm []byte) {
	e.mu.Lock()
	stale := e.generation != gen || e.cleanupRequested
	e.mu.Unlock()
	if stale {
		return
	}

	frame := audio.DecodeFrame(pcm)
	level := audio.InputLevel(frame.RMS, e.cfg.LevelGain)
	e.maybeEmitLevel(level)

	// Barge-in is evaluated before forwarding so the interruption decision
	// is visible before the frame that caused it reaches the relay.
	e.detector.Evaluate(level)

	if e.send != nil {
		if err := e.send(audio.EncodeWire(pcm), audio.MimeType(e.cfg.SampleRate)); err != nil {
			log.Printf("capture: forward frame: %v", err)
		}
	}

	e.chunks.Append(frame)
	e.session.Append(frame)
}

// maybeEmitLevel is a minimum-interval gate: intermediate levels inside the
// interval are dropped, only the latest one matters to the UI.
func (e *Engine) maybeEmitLevel(level float64) {
	e.levelMu.Lock()
	fn := e.onLevel
	now := time.Now()
	if fn == nil || now.Sub(e.lastLevelEmit) < e.cfg.LevelEmitInterval {
		e.levelMu.Unlock()
		return
	}
	e.lastLevelEmit = now
	e.levelMu.Unlock()

	fn(level)
}

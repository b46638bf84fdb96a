package capture

import "testing"

func TestBargeInFiresExactlyOnceOnKthFrame(t *testing.T) {
	fired := 0
	d := NewBargeInDetector(0.5, 3, func() { fired++ })
	d.SetAssistantSpeaking(true)

	if d.Evaluate(0.9) {
		t.Fatal("fired on frame 1")
	}
	if d.Evaluate(0.9) {
		t.Fatal("fired on frame 2")
	}
	if !d.Evaluate(0.9) {
		t.Fatal("did not fire on frame 3")
	}
	if fired != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}

	// Latched: louder frames in the same utterance do not re-fire.
	for i := 0; i < 5; i++ {
		if d.Evaluate(1.0) {
			t.Fatal("re-fired while latched")
		}
	}
	if fired != 1 {
		t.Fatalf("callback fired %d times after latch, want 1", fired)
	}
}

func TestBargeInResetsOnQuietFrame(t *testing.T) {
	fired := 0
	d := NewBargeInDetector(0.5, 2, func() { fired++ })
	d.SetAssistantSpeaking(true)

	d.Evaluate(0.9)
	d.Evaluate(0.1) // resets the streak
	d.Evaluate(0.9)
	if fired != 0 {
		t.Fatalf("fired after broken streak, count=%d", fired)
	}
	if !d.Evaluate(0.9) {
		t.Fatal("did not fire once streak rebuilt")
	}
}

func TestBargeInIgnoredWhenAssistantSilent(t *testing.T) {
	fired := 0
	d := NewBargeInDetector(0.5, 1, func() { fired++ })

	for i := 0; i < 10; i++ {
		if d.Evaluate(1.0) {
			t.Fatal("fired while assistant silent")
		}
	}
	if fired != 0 {
		t.Fatalf("callback fired %d times, want 0", fired)
	}
}

func TestBargeInRearmsAcrossSpeakingTransitions(t *testing.T) {
	fired := 0
	d := NewBargeInDetector(0.5, 1, func() { fired++ })

	d.SetAssistantSpeaking(true)
	d.Evaluate(0.9)
	d.SetAssistantSpeaking(false)
	d.SetAssistantSpeaking(true)
	d.Evaluate(0.9)

	if fired != 2 {
		t.Fatalf("callback fired %d times across two utterances, want 2", fired)
	}
}

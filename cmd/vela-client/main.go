package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/dmarchetti/vela/internal/capture"
	"github.com/dmarchetti/vela/internal/config"
	"github.com/dmarchetti/vela/internal/protocol"
	"github.com/dmarchetti/vela/internal/relay"
	"github.com/dmarchetti/vela/internal/reliability"
)

// assistant audio from Gemini Live is 24kHz PCM16 unless the mime tag says
// otherwise.
const defaultPlaybackRate = 24000

func main() {
	_ = godotenv.Load()

	serverURL := flag.String("server", "http://localhost:8080", "relay base URL")
	sessionID := flag.String("session", "", "session id (empty for server-assigned)")
	instruction := flag.String("instruction", "", "system instruction for the session")
	saveWAV := flag.String("save-wav", "", "write captured session audio to this WAV file on exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	created, err := createSession(*serverURL, *sessionID, *instruction)
	if err != nil {
		log.Fatalf("create session: %v", err)
	}
	log.Printf("session %s (expires %s)", created.ID, created.ExpiresAt.Format(time.RFC3339))

	wsURL := strings.Replace(*serverURL, "http", "ws", 1) +
		"/v1/relay/session/ws?session_id=" + created.ID + "&secret=" + created.Secret
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	spk, err := newSpeaker(defaultPlaybackRate)
	if err != nil {
		log.Fatalf("speaker: %v", err)
	}
	defer spk.Close()

	// Outbound frames leave the realtime audio callback through this queue;
	// a full queue drops the frame rather than blocking capture.
	outbound := make(chan any, 256)
	seq := 0
	send := func(audioBase64, mimeType string) error {
		seq++
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			PCM16Base64: audioBase64,
			MimeType:    mimeType,
			Seq:         seq,
			TSMs:        time.Now().UnixMilli(),
		}
		select {
		case outbound <- msg:
			return nil
		default:
			return fmt.Errorf("outbound queue full, dropping frame %d", seq)
		}
	}

	engine := capture.NewEngine(capture.Config{
		SampleRate:         cfg.CaptureSampleRate,
		FrameSamples:       cfg.CaptureFrameSamples,
		MaxChunks:          cfg.MaxAudioChunks,
		LevelGain:          cfg.InputLevelGain,
		LevelEmitInterval:  cfg.LevelEmitInterval,
		BargeInThreshold:   cfg.BargeInLevelThreshold,
		BargeInConsecutive: cfg.BargeInConsecutiveHits,
	}, capture.MalgoOpener(), send)

	engine.SetLevelHandler(func(level float64) {
		fmt.Printf("\rmic %s", levelMeter(level))
	})
	engine.SetInterruptHandler(func() {
		// Cut playback locally right away; the upstream notices the
		// overlapping speech on its own and sends an interrupted event.
		spk.Flush()
		engine.SetAssistantSpeaking(false)
		log.Printf("barge-in: playback cut")
	})

	if err := engine.Initialize(context.Background()); err != nil {
		log.Fatalf("audio capture: %v", err)
	}
	defer engine.Cleanup()

	done := make(chan struct{})
	go readLoop(conn, spk, engine, done)
	go writeLoop(conn, outbound, done)

	log.Printf("talking. commands: t <text> | m (mute) | q (quit)")
	stdin := bufio.NewScanner(os.Stdin)
loop:
	for stdin.Scan() {
		line := strings.TrimSpace(stdin.Text())
		switch {
		case line == "q":
			break loop
		case line == "m":
			if engine.ToggleMute() {
				log.Printf("muted")
			} else {
				log.Printf("unmuted")
			}
		case strings.HasPrefix(line, "t "):
			outbound <- protocol.ClientText{Type: protocol.TypeClientText, Text: strings.TrimSpace(line[2:])}
		case line == "":
		default:
			log.Printf("unknown command %q", line)
		}
		select {
		case <-done:
			break loop
		default:
		}
	}

	outbound <- protocol.ClientControl{Type: protocol.TypeClientControl, Action: "close"}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	engine.Cleanup()
	if *saveWAV != "" {
		if err := engine.WriteSessionWAV(*saveWAV); err != nil {
			log.Printf("save wav: %v", err)
		} else {
			log.Printf("session audio written to %s", *saveWAV)
		}
	}
}

// createSession provisions a relay session, retrying with backoff when the
// relay answers with a transient status (a full registry clears as sessions
// expire).
func createSession(serverURL, sessionID, instruction string) (relay.CreateResult, error) {
	body, err := json.Marshal(protocol.CreateSessionRequest{
		SessionID:         sessionID,
		SystemInstruction: instruction,
	})
	if err != nil {
		return relay.CreateResult{}, err
	}

	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt, 500*time.Millisecond, 5*time.Second)
			log.Printf("retrying session create in %s", wait)
			time.Sleep(wait)
		}

		res, err := http.Post(strings.TrimRight(serverURL, "/")+"/v1/relay/session", "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		if res.StatusCode == http.StatusCreated {
			var created relay.CreateResult
			err := json.NewDecoder(res.Body).Decode(&created)
			res.Body.Close()
			if err != nil {
				return relay.CreateResult{}, err
			}
			return created, nil
		}

		var e protocol.ErrorResponse
		_ = json.NewDecoder(res.Body).Decode(&e)
		res.Body.Close()
		lastErr = fmt.Errorf("status %d: %s (%s)", res.StatusCode, e.Error, e.Code)
		if !reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return relay.CreateResult{}, lastErr
		}
	}
	return relay.CreateResult{}, lastErr
}

// readLoop handles server frames until the stream ends.
func readLoop(conn *websocket.Conn, spk *speaker, engine *capture.Engine, done chan<- struct{}) {
	defer close(done)
	for {
		var frame struct {
			Type        protocol.MessageType `json:"type"`
			AudioBase64 string               `json:"audio_base64"`
			MimeType    string               `json:"mime_type"`
			TextDelta   string               `json:"text_delta"`
			Text        string               `json:"text"`
			Code        string               `json:"code"`
			Detail      string               `json:"detail"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			log.Printf("stream ended: %v", err)
			return
		}

		switch frame.Type {
		case protocol.TypeAssistantAudio:
			pcm, err := base64.StdEncoding.DecodeString(frame.AudioBase64)
			if err != nil {
				log.Printf("bad audio frame: %v", err)
				continue
			}
			if r := rateFromMime(frame.MimeType, defaultPlaybackRate); r != defaultPlaybackRate {
				log.Printf("unexpected playback rate %d, audio may sound off", r)
			}
			engine.SetAssistantSpeaking(true)
			spk.Write(pcm)
		case protocol.TypeAssistantTextDelta:
			fmt.Printf("%s", frame.TextDelta)
		case protocol.TypeInputTranscription:
			log.Printf("you: %s", frame.Text)
		case protocol.TypeOutputTranscription:
			log.Printf("assistant: %s", frame.Text)
		case protocol.TypeTurnComplete:
			engine.SetAssistantSpeaking(false)
		case protocol.TypeInterrupted:
			spk.Flush()
			engine.SetAssistantSpeaking(false)
		case protocol.TypeErrorEvent:
			log.Printf("relay error %s: %s", frame.Code, frame.Detail)
		case protocol.TypeSystemEvent:
			switch frame.Code {
			case "session_ready":
				log.Printf("session ready")
			case "session_closed":
				log.Printf("session closed (%s)", frame.Detail)
				return
			}
		}
	}
}

// writeLoop is the single websocket writer.
func writeLoop(conn *websocket.Conn, outbound <-chan any, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("write: %v", err)
				return
			}
		}
	}
}

func levelMeter(level float64) string {
	const width = 20
	filled := int(level * width)
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

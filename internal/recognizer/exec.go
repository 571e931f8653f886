package recognizer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/speechd/internal/speech"
	"github.com/mattn/go-shellwords"
)

// maxLineBytes bounds one line of recognizer output.
const maxLineBytes = 1 << 20

// execLine is one JSON line printed by the recognition command. Partial and
// final lines carry either text with optional segments, or results: several
// consecutive transcriptions that are joined into one.
type execLine struct {
	Type     string                 `json:"type"`
	Text     string                 `json:"text,omitempty"`
	Segments []speech.Segment       `json:"segments,omitempty"`
	Results  []speech.Transcription `json:"results,omitempty"`
	Locale   string                 `json:"locale,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

func (l execLine) transcription() speech.Transcription {
	if len(l.Results) > 0 {
		return speech.JoinTranscriptions(l.Results...)
	}
	return speech.Transcription{Text: l.Text, Segments: l.Segments}
}

// AudioInfo describes a validated audio asset.
type AudioInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// Exec runs one recognition command per session. The command receives
// --session, --locale and either --live or --audio <wav>, and reports
// progress as JSON lines on stdout.
type Exec struct {
	args      []string
	modelPath string
	log       *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewExec(command, modelPath string, log *slog.Logger) (*Exec, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("recognizer command is empty")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Exec{
		args:      args,
		modelPath: modelPath,
		log:       log.With(slog.String("component", "exec-recognizer")),
		running:   make(map[string]context.CancelFunc),
	}, nil
}

func (r *Exec) Start(_ context.Context, req speech.Request, cb speech.Callbacks) error {
	cmdArgs := append([]string{}, r.args[1:]...)
	cmdArgs = append(cmdArgs, "--session", req.SessionID, "--locale", req.Locale)
	if req.AudioPath != "" {
		info, err := ValidateAudio(req.AudioPath)
		if err != nil {
			return err
		}
		r.log.Info("transcribing audio asset",
			slog.String("session_id", req.SessionID),
			slog.String("path", req.AudioPath),
			slog.Int("sample_rate", info.SampleRate),
			slog.Duration("duration", info.Duration))
		cmdArgs = append(cmdArgs, "--audio", req.AudioPath)
	} else {
		cmdArgs = append(cmdArgs, "--live")
	}
	if r.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.modelPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	command := exec.CommandContext(ctx, r.args[0], cmdArgs...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("recognizer stdout: %w", err)
	}
	var stderr strings.Builder
	command.Stderr = &stderr
	command.WaitDelay = time.Second
	if err := command.Start(); err != nil {
		cancel()
		return fmt.Errorf("start recognizer command: %w", err)
	}

	r.mu.Lock()
	r.running[req.SessionID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx, cancel, req.SessionID, command, stdout, &stderr, cb)
	return nil
}

func (r *Exec) Stop(_ context.Context, sessionID string) error {
	r.mu.Lock()
	cancel, ok := r.running[sessionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Close kills every running command and waits for them to exit.
func (r *Exec) Close() {
	r.mu.Lock()
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Exec) run(ctx context.Context, cancel context.CancelFunc, sessionID string, command *exec.Cmd, stdout io.Reader, stderr *strings.Builder, cb speech.Callbacks) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.running, sessionID)
		r.mu.Unlock()
		cancel()
	}()

	terminal := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line execLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			r.log.Warn("ignoring malformed recognizer output", slog.String("session_id", sessionID), slogError(err))
			continue
		}
		if r.dispatchLine(cb, sessionID, line) {
			terminal = true
		}
	}
	readErr := scanner.Err()
	stopped := ctx.Err() != nil
	if readErr != nil {
		// Nothing drains stdout any more; kill the command so Wait returns.
		cancel()
	}

	err := command.Wait()
	switch {
	case terminal:
	case readErr != nil && !stopped:
		r.log.Warn("recognizer output unreadable", slog.String("session_id", sessionID), slogError(readErr))
		cb.OnError(sessionID, fmt.Errorf("read recognizer output: %w", readErr))
	case ctx.Err() != nil:
		cb.OnEnd(sessionID)
	case err != nil:
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		cb.OnError(sessionID, fmt.Errorf("recognizer command failed: %w", err))
	default:
		cb.OnEnd(sessionID)
	}
}

// dispatchLine forwards line and reports whether it ended the session.
func (r *Exec) dispatchLine(cb speech.Callbacks, sessionID string, line execLine) bool {
	switch line.Type {
	case "partial":
		speech.DeliverTranscription(cb, sessionID, line.transcription(), false)
	case "final":
		speech.DeliverTranscription(cb, sessionID, line.transcription(), true)
		return true
	case "no_speech":
		cb.OnNoSpeechDetected(sessionID)
		return true
	case "end":
		cb.OnEnd(sessionID)
		return true
	case "error":
		msg := line.Error
		if msg == "" {
			msg = line.Text
		}
		if msg == "" {
			msg = "recognizer reported an error"
		}
		cb.OnError(sessionID, errors.New(msg))
		return true
	case "available":
		cb.OnAvailabilityChanged(true)
	case "unavailable":
		cb.OnAvailabilityChanged(false)
	case "locale":
		cb.OnLocaleChanged(line.Locale)
	default:
		r.log.Debug("ignoring unknown recognizer line", slog.String("type", line.Type))
	}
	return false
}

// ValidateAudio checks that path is a readable WAV file and returns its format.
func ValidateAudio(path string) (AudioInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return AudioInfo{}, fmt.Errorf("open audio asset: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return AudioInfo{}, fmt.Errorf("audio asset %s is not a valid wav file", path)
	}
	duration, err := dec.Duration()
	if err != nil {
		return AudioInfo{}, fmt.Errorf("read audio duration: %w", err)
	}
	return AudioInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		Duration:   duration,
	}, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

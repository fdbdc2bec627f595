package triviastream

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LLMLogger writes one transcript file per generation run into a directory.
// A nil *LLMLogger disables transcripts.
type LLMLogger struct {
	dir string
}

// NewLLMLogger returns nil when dir is empty.
func NewLLMLogger(dir string) (*LLMLogger, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &LLMLogger{dir: dir}, nil
}

// RunTranscript records the LLM interaction of a single run as JSON lines.
// All methods are safe on a nil receiver.
type RunTranscript struct {
	mu    sync.Mutex
	file  *os.File
	log   zerolog.Logger
	runID string
}

// Start opens the transcript for a run and writes the request header.
func (ll *LLMLogger) Start(runID string, req GenerationRequest) (*RunTranscript, error) {
	if ll == nil {
		return nil, nil
	}

	filename := filepath.Join(ll.dir, fmt.Sprintf("%s.log", runID))
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	rt := &RunTranscript{
		file:  file,
		runID: runID,
		log:   zerolog.New(file).With().Timestamp().Str("run_id", runID).Logger(),
	}
	rt.log.Info().
		Str("topic", req.Topic).
		Str("difficulty", string(req.Difficulty)).
		Int("question_count", req.QuestionCount).
		Bool("stream", req.Stream).
		Bool("remaining", req.Remaining).
		Bool("initial_question", req.InitialQuestion != nil).
		Msg("generation started")
	return rt, nil
}

// LogLLMRequest logs the outbound prompt
func (rt *RunTranscript) LogLLMRequest(model, prompt string) {
	if rt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.log.Info().Str("model", model).Str("prompt", prompt).Msg("llm request")
}

// LogChunk logs one streamed delta.
func (rt *RunTranscript) LogChunk(delta string) {
	if rt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.log.Debug().Str("delta", delta).Msg("llm chunk")
}

// LogLLMResponse logs the full completion text.
func (rt *RunTranscript) LogLLMResponse(response string) {
	if rt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.log.Info().Str("response", response).Msg("llm response")
}

// LogQuestionResult logs whether a candidate was emitted or dropped.
func (rt *RunTranscript) LogQuestionResult(question, action, reason string) {
	if rt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.log.Info().Str("question", question).Str("action", action).Str("reason", reason).Msg("question result")
}

// Close writes the outcome and closes the file
func (rt *RunTranscript) Close(emitted int, err error) error {
	if rt == nil {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.file == nil {
		return nil
	}
	ev := rt.log.Info()
	if err != nil {
		ev = rt.log.Error().Err(err)
	}
	ev.Int("emitted", emitted).Time("completed", time.Now()).Msg("generation finished")

	closeErr := rt.file.Close()
	rt.file = nil
	return closeErr
}

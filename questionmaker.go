package triviastream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const systemPrompt = "You are a knowledgeable trivia expert who creates engaging, factually accurate questions."

// QuestionMaker generates questions from a chat completion provider
type QuestionMaker struct {
	cfg         ProviderConfig
	limits      WordLimits
	transport   completionTransport
	transcripts *LLMLogger
	log         zerolog.Logger
}

// NewQuestionMaker creates a question maker. transcripts may be nil.
func NewQuestionMaker(cfg ProviderConfig, limits WordLimits, transcripts *LLMLogger, log zerolog.Logger) *QuestionMaker {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &QuestionMaker{
		cfg:         cfg,
		limits:      limits,
		transport:   newTransport(cfg),
		transcripts: transcripts,
		log:         log.With().Str("component", "question_maker").Logger(),
	}
}

func (qm *QuestionMaker) checkConfig() error {
	if strings.TrimSpace(qm.cfg.APIKey) == "" {
		return &ProviderConfigError{Reason: "OPENROUTER_API_KEY environment variable is not set"}
	}
	return nil
}

// StreamQuestions starts a streaming generation run. It blocks until the provider
// accepts the request, then returns a channel of events in arrival order. The last
// event is either Done or an error; the channel is closed after it. Cancelling ctx
// stops the run and releases the upstream response.
func (qm *QuestionMaker) StreamQuestions(ctx context.Context, req GenerationRequest) (<-chan StreamEvent, error) {
	if err := qm.checkConfig(); err != nil {
		return nil, err
	}

	total := req.Requested()
	if total <= 0 {
		out := make(chan StreamEvent, 1)
		out <- StreamEvent{Done: true, Total: 0}
		close(out)
		return out, nil
	}

	runID := uuid.NewString()
	logger := qm.log.With().Str("run_id", runID).Str("topic", req.Topic).Logger()
	transcript, err := qm.transcripts.Start(runID, req)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to open LLM transcript")
	}

	prompt := buildPrompt(req, total)
	transcript.LogLLMRequest(qm.cfg.Model, prompt)

	runCtx, cancel := context.WithCancelCause(ctx)
	guard := newFirstByteGuard(qm.cfg.FirstByteTimeout, cancel)

	logger.Debug().Int("requested", total).Msg("Opening provider stream")
	stream, err := qm.transport.Stream(runCtx, qm.chatRequest(prompt))
	if err != nil {
		guard.stop()
		err = streamError(ctx, runCtx, err)
		cancel(nil)
		transcript.Close(0, err)
		logger.Error().Err(err).Msg("Failed to open provider stream")
		return nil, err
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer cancel(nil)
		defer stream.Close()
		defer guard.stop()

		emitted, err := qm.pump(ctx, runCtx, stream, guard, req, total, transcript, out)
		transcript.Close(emitted, err)
		if err != nil {
			logger.Warn().Err(err).Int("emitted", emitted).Msg("Generation run ended with error")
			return
		}
		logger.Info().Int("emitted", emitted).Msg("Generation run complete")
	}()
	return out, nil
}

// pump reads deltas until the stream ends, the cap is reached, or the consumer goes away.
func (qm *QuestionMaker) pump(ctx, runCtx context.Context, stream deltaStream, guard *firstByteGuard,
	req GenerationRequest, total int, transcript *RunTranscript, out chan<- StreamEvent) (int, error) {

	seen := NewQuestionSet()
	if req.InitialQuestion != nil {
		seen.Seen(req.InitialQuestion.Question)
	}

	var buf strings.Builder
	emitted := 0

	send := func(ev StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// collect returns the not yet emitted questions in buf, capped at total.
	collect := func() []Question {
		var fresh []Question
		for _, q := range seen.Add(ExtractQuestions(buf.String(), qm.limits)...) {
			if emitted+len(fresh) >= total {
				transcript.LogQuestionResult(q.Question, "dropped", "run already has the requested number of questions")
				continue
			}
			transcript.LogQuestionResult(q.Question, "emitted", "")
			fresh = append(fresh, q)
		}
		return fresh
	}

	for {
		delta, err := stream.Recv()
		if err != nil && !errors.Is(err, io.EOF) {
			err = streamError(ctx, runCtx, err)
			if ctx.Err() == nil {
				send(StreamEvent{Total: total, Error: err.Error(), Err: err})
			}
			return emitted, err
		}
		if !guard.received() {
			// The first-byte window elapsed before this read completed.
			send(StreamEvent{Total: total, Error: ErrFirstByteTimeout.Error(), Err: ErrFirstByteTimeout})
			return emitted, ErrFirstByteTimeout
		}

		if errors.Is(err, io.EOF) {
			transcript.LogLLMResponse(buf.String())
			fresh := collect()
			emitted += len(fresh)
			if emitted == 0 {
				send(StreamEvent{Total: total, Error: ErrNoQuestions.Error(), Err: ErrNoQuestions})
				return 0, ErrNoQuestions
			}
			send(StreamEvent{Questions: fresh, Done: true, Total: total})
			return emitted, nil
		}

		if delta == "" {
			continue
		}
		transcript.LogChunk(delta)
		buf.WriteString(delta)
		if !strings.ContainsRune(delta, '}') {
			continue
		}

		fresh := collect()
		if len(fresh) == 0 {
			continue
		}
		emitted += len(fresh)
		if emitted >= total {
			transcript.LogLLMResponse(buf.String())
			send(StreamEvent{Questions: fresh, Done: true, Total: total})
			return emitted, nil
		}
		if !send(StreamEvent{Questions: fresh, Total: total}) {
			return emitted, ctx.Err()
		}
	}
}

// GenerateQuestions runs a single blocking completion and returns every valid,
// distinct question in the response, at most the requested number.
func (qm *QuestionMaker) GenerateQuestions(ctx context.Context, req GenerationRequest) ([]Question, error) {
	if err := qm.checkConfig(); err != nil {
		return nil, err
	}

	total := req.Requested()
	if total <= 0 {
		return []Question{}, nil
	}

	runID := uuid.NewString()
	logger := qm.log.With().Str("run_id", runID).Str("topic", req.Topic).Logger()
	transcript, err := qm.transcripts.Start(runID, req)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to open LLM transcript")
	}

	prompt := buildPrompt(req, total)
	transcript.LogLLMRequest(qm.cfg.Model, prompt)

	logger.Debug().Int("requested", total).Msg("Requesting completion")
	content, err := qm.transport.Complete(ctx, qm.chatRequest(prompt))
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = classifyTransportError(err)
		}
		transcript.Close(0, err)
		return nil, err
	}
	transcript.LogLLMResponse(content)

	seen := NewQuestionSet()
	if req.InitialQuestion != nil {
		seen.Seen(req.InitialQuestion.Question)
	}
	questions := seen.Add(parseQuestionArray(content, qm.limits)...)
	if len(questions) > total {
		questions = questions[:total]
	}
	if len(questions) == 0 {
		transcript.Close(0, ErrNoQuestions)
		return nil, ErrNoQuestions
	}

	transcript.Close(len(questions), nil)
	logger.Info().Int("generated", len(questions)).Msg("Generated questions")
	return questions, nil
}

func (qm *QuestionMaker) chatRequest(prompt string) chatRequest {
	return chatRequest{
		Model:       qm.cfg.Model,
		System:      systemPrompt,
		Prompt:      prompt,
		Temperature: qm.cfg.Temperature,
		MaxTokens:   qm.cfg.MaxTokens,
	}
}

// parseQuestionArray decodes the outermost JSON array in content, skipping invalid
// elements. When no array parses it falls back to scanning for question objects.
func parseQuestionArray(content string, limits WordLimits) []Question {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start >= 0 && end > start {
		var items []any
		if err := json.Unmarshal([]byte(content[start:end+1]), &items); err == nil {
			questions := make([]Question, 0, len(items))
			for _, item := range items {
				q, err := ValidateQuestion(item, limits)
				if err != nil {
					continue
				}
				questions = append(questions, q)
			}
			return questions
		}
	}
	return ExtractQuestions(content, limits)
}

func buildPrompt(req GenerationRequest, count int) string {
	var sb strings.Builder
	level := req.Difficulty.Level()

	plural := ""
	if count > 1 {
		plural = "s"
	}
	if req.Remaining {
		sb.WriteString(fmt.Sprintf("Generate %d additional multiple choice trivia question%s about %s at %s level.\n\n", count, plural, req.Topic, level))
	} else {
		sb.WriteString(fmt.Sprintf("Generate %d multiple choice trivia question%s about %s at %s level.\n\n", count, plural, req.Topic, level))
	}

	if req.InitialQuestion != nil && req.InitialQuestion.Question != "" {
		sb.WriteString(fmt.Sprintf("Do not repeat or rephrase this question, which has already been asked: %q\n\n", req.InitialQuestion.Question))
	}

	sb.WriteString("For each question:\n")
	sb.WriteString("- Ensure factual accuracy\n")
	sb.WriteString("- Provide one correct answer\n")
	sb.WriteString("- Provide exactly three incorrect but plausible answers\n")
	sb.WriteString(fmt.Sprintf("- Make %s level appropriate\n", level))
	sb.WriteString("- Include a brief explanation of why the correct answer is right\n")
	sb.WriteString("- Format as JSON array matching this structure:\n")
	sb.WriteString(`[{
  "question": "question text",
  "correctAnswer": "correct answer",
  "incorrectAnswers": ["wrong1", "wrong2", "wrong3"],
  "explanation": "brief explanation of why the correct answer is right"
}]`)

	return sb.String()
}

// firstByteGuard cancels a run when nothing arrives within the timeout.
type firstByteGuard struct {
	state atomic.Int32 // 0 waiting, 1 received, 2 timed out
	timer *time.Timer
}

func newFirstByteGuard(timeout time.Duration, cancel context.CancelCauseFunc) *firstByteGuard {
	g := &firstByteGuard{}
	if timeout <= 0 {
		g.state.Store(1)
		return g
	}
	g.timer = time.AfterFunc(timeout, func() {
		if g.state.CompareAndSwap(0, 2) {
			cancel(ErrFirstByteTimeout)
		}
	})
	return g
}

// received marks the first byte as seen. It reports false if the timeout won.
func (g *firstByteGuard) received() bool {
	if g.state.CompareAndSwap(0, 1) {
		g.stop()
		return true
	}
	return g.state.Load() == 1
}

func (g *firstByteGuard) stop() {
	if g.timer != nil {
		g.timer.Stop()
	}
}

// streamError classifies a failed provider read.
func streamError(parent, run context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(context.Cause(run), ErrFirstByteTimeout) {
		return ErrFirstByteTimeout
	}
	return classifyTransportError(err)
}
